// Package tools defines the admin agent's tool registry and the tool
// implementations backing it. Tools only ever see narrow interfaces; the
// concrete components are wired in by the caller.
package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/mwestra/chronicle/llm"
	"github.com/mwestra/chronicle/store"
	"github.com/mwestra/chronicle/topcontent"
)

var jsonx = jsoniter.ConfigCompatibleWithStandardLibrary

// Tool is the interface every tool must implement.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON-schema properties and required keys.
	Schema() (map[string]any, []string)
	Call(ctx context.Context, args []byte) (string, error)
}

// Registry holds registered tools and provides dispatch. Replied and Ended
// are set by the reply and end_turn tools to signal the loop.
type Registry struct {
	tools   map[string]Tool
	Replied bool
	Ended   bool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Reset clears the per-turn flags before a new loop run.
func (r *Registry) Reset() {
	r.Replied = false
	r.Ended = false
}

// Definitions returns all registered tools as LLM tool definitions.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		props, required := t.Schema()
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Properties:  props,
			Required:    required,
		})
	}
	return defs
}

// Dispatch calls the named tool with the given args.
func (r *Registry) Dispatch(ctx context.Context, name string, args []byte) (string, error) {
	t, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return t.Call(ctx, args)
}

// SendFunc delivers a text message to the admin conversation.
type SendFunc func(content string) error

// Sharer publishes a message through the pre-approved sharing path.
type Sharer interface {
	PublishPreApproved(ctx context.Context, messageID string) (string, error)
}

// Refresher re-fetches a message's ephemeral CDN URLs.
type Refresher interface {
	Refresh(ctx context.Context, messageID string) ([]string, error)
}

// TopSelector ranks top content in a time window.
type TopSelector interface {
	Select(ctx context.Context, opts topcontent.Options) ([]topcontent.Item, error)
}

// StatusFunc reports the bot's runtime status as human-readable text.
type StatusFunc func() string

type replyTool struct {
	send    SendFunc
	replied *bool
}

func (t *replyTool) Name() string { return "reply" }
func (t *replyTool) Description() string {
	return "Send one or more messages to the admin. Call this when you have an answer; the conversation turn ends after it."
}
func (t *replyTool) Schema() (map[string]any, []string) {
	return map[string]any{
		"message":  map[string]any{"type": "string", "description": "A single message to send."},
		"messages": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Multiple messages, sent in order."},
	}, nil
}
func (t *replyTool) Call(_ context.Context, args []byte) (string, error) {
	var p struct {
		Message  string   `json:"message"`
		Messages []string `json:"messages"`
	}
	if err := jsonx.Unmarshal(args, &p); err != nil {
		return "", err
	}
	out := p.Messages
	if p.Message != "" {
		out = append([]string{p.Message}, out...)
	}
	if len(out) == 0 {
		return "", fmt.Errorf("reply requires message or messages")
	}
	for _, m := range out {
		if err := t.send(m); err != nil {
			return "", err
		}
	}
	*t.replied = true
	return "Replied.", nil
}

type endTurnTool struct {
	ended *bool
}

func (t *endTurnTool) Name() string { return "end_turn" }
func (t *endTurnTool) Description() string {
	return "End the turn without sending anything. Use when no reply is needed."
}
func (t *endTurnTool) Schema() (map[string]any, []string) {
	return map[string]any{
		"reason": map[string]any{"type": "string", "description": "Optional note on why no reply was sent."},
	}, nil
}
func (t *endTurnTool) Call(_ context.Context, _ []byte) (string, error) {
	*t.ended = true
	return "Turn ended.", nil
}

type shareTool struct {
	sharer Sharer
}

func (t *shareTool) Name() string { return "share_to_social" }
func (t *shareTool) Description() string {
	return "Share an indexed message to the configured social platforms. Content moderation still runs."
}
func (t *shareTool) Schema() (map[string]any, []string) {
	return map[string]any{
		"message_id":   map[string]any{"type": "string", "description": "The message id to share."},
		"message_link": map[string]any{"type": "string", "description": "A Discord message link; the id is extracted from it."},
	}, nil
}
func (t *shareTool) Call(ctx context.Context, args []byte) (string, error) {
	var p struct {
		MessageID   string `json:"message_id"`
		MessageLink string `json:"message_link"`
	}
	if err := jsonx.Unmarshal(args, &p); err != nil {
		return "", err
	}
	id := p.MessageID
	if id == "" {
		id = messageIDFromLink(p.MessageLink)
	}
	if id == "" {
		return "", fmt.Errorf("message_id or message_link is required")
	}
	link, err := t.sharer.PublishPreApproved(ctx, id)
	if err != nil {
		return "", err
	}
	return "Shared: " + link, nil
}

// messageIDFromLink pulls the trailing message id out of a Discord jump URL.
func messageIDFromLink(link string) string {
	link = strings.TrimRight(strings.TrimSpace(link), "/")
	if link == "" {
		return ""
	}
	parts := strings.Split(link, "/")
	return parts[len(parts)-1]
}

type topMessagesTool struct {
	top TopSelector
}

func (t *topMessagesTool) Name() string { return "get_top_messages" }
func (t *topMessagesTool) Description() string {
	return "List the most-reacted messages in a time window, optionally restricted to one channel or to media posts."
}
func (t *topMessagesTool) Schema() (map[string]any, []string) {
	return map[string]any{
		"channel_id":    map[string]any{"type": "string", "description": "Restrict to one channel."},
		"days":          map[string]any{"type": "integer", "description": "Window size in days, default 7."},
		"min_reactions": map[string]any{"type": "integer", "description": "Minimum unique reactors, default 3."},
		"limit":         map[string]any{"type": "integer", "description": "Max results, default 20."},
		"has_media":     map[string]any{"type": "boolean", "description": "Only posts with video attachments."},
	}, nil
}
func (t *topMessagesTool) Call(ctx context.Context, args []byte) (string, error) {
	p := struct {
		ChannelID    string `json:"channel_id"`
		Days         int    `json:"days"`
		MinReactions int    `json:"min_reactions"`
		Limit        int    `json:"limit"`
		HasMedia     bool   `json:"has_media"`
	}{Days: 7, MinReactions: 3, Limit: 20}
	if err := jsonx.Unmarshal(args, &p); err != nil {
		return "", err
	}
	opts := topcontent.Options{
		Start:        time.Now().UTC().Add(-time.Duration(p.Days) * 24 * time.Hour),
		End:          time.Now().UTC(),
		MinReactors:  p.MinReactions,
		Limit:        p.Limit,
		RequireVideo: p.HasMedia,
	}
	if p.ChannelID != "" {
		opts.ChannelIDs = []string{p.ChannelID}
	}
	items, err := t.top.Select(ctx, opts)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "No matching messages.", nil
	}
	var sb strings.Builder
	for i, it := range items {
		fmt.Fprintf(&sb, "%d. %s by %s in #%s, %d unique reactions: %s\n",
			i+1, it.Message.MessageID, it.AuthorDisplay, it.ChannelName, it.UniqueReactors, it.JumpURL)
	}
	return sb.String(), nil
}

type searchTool struct {
	st *store.Store
}

func (t *searchTool) Name() string { return "search_content" }
func (t *searchTool) Description() string {
	return "Case-insensitive substring search over indexed message content."
}
func (t *searchTool) Schema() (map[string]any, []string) {
	return map[string]any{
		"query": map[string]any{"type": "string", "description": "Substring to search for."},
		"days":  map[string]any{"type": "integer", "description": "How far back to search, default 30."},
		"limit": map[string]any{"type": "integer", "description": "Max results, default 20."},
	}, []string{"query"}
}
func (t *searchTool) Call(ctx context.Context, args []byte) (string, error) {
	p := struct {
		Query string `json:"query"`
		Days  int    `json:"days"`
		Limit int    `json:"limit"`
	}{Days: 30, Limit: 20}
	if err := jsonx.Unmarshal(args, &p); err != nil {
		return "", err
	}
	if p.Query == "" {
		return "", fmt.Errorf("query is required")
	}
	since := time.Now().UTC().Add(-time.Duration(p.Days) * 24 * time.Hour)
	var msgs []store.Message
	err := t.st.Table(store.TableMessages).Select().
		ILike("content", "%"+p.Query+"%").
		Eq("is_deleted", false).
		Gte("created_at", store.FormatTime(since)).
		Order("created_at", true).
		Limit(p.Limit).
		Fetch(ctx, &msgs)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "No matches.", nil
	}
	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%s] %s: %s (%s)\n",
			m.CreatedAt.UTC().Format("2006-01-02 15:04"), m.AuthorID, truncate(m.Content, 200), m.JumpURL)
	}
	return sb.String(), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

type contextTool struct {
	st *store.Store
}

func (t *contextTool) Name() string { return "get_message_context" }
func (t *contextTool) Description() string {
	return "Show a message with its neighbors and replies for context."
}
func (t *contextTool) Schema() (map[string]any, []string) {
	return map[string]any{
		"message_id":  map[string]any{"type": "string", "description": "The message to look up."},
		"surrounding": map[string]any{"type": "integer", "description": "Neighbors on each side, default 5."},
	}, []string{"message_id"}
}
func (t *contextTool) Call(ctx context.Context, args []byte) (string, error) {
	p := struct {
		MessageID   string `json:"message_id"`
		Surrounding int    `json:"surrounding"`
	}{Surrounding: 5}
	if err := jsonx.Unmarshal(args, &p); err != nil {
		return "", err
	}
	var msg store.Message
	err := t.st.Table(store.TableMessages).Select().
		Eq("message_id", p.MessageID).FetchOne(ctx, &msg)
	if err != nil {
		return "", fmt.Errorf("message %s: %w", p.MessageID, err)
	}

	var before, after, replies []store.Message
	created := store.FormatTime(msg.CreatedAt)
	if err := t.st.Table(store.TableMessages).Select().
		Eq("channel_id", msg.ChannelID).Lt("created_at", created).
		Order("created_at", true).Limit(p.Surrounding).Fetch(ctx, &before); err != nil {
		return "", err
	}
	if err := t.st.Table(store.TableMessages).Select().
		Eq("channel_id", msg.ChannelID).Gt("created_at", created).
		Order("created_at", false).Limit(p.Surrounding).Fetch(ctx, &after); err != nil {
		return "", err
	}
	if err := t.st.Table(store.TableMessages).Select().
		Eq("reference_id", msg.MessageID).
		Order("created_at", false).Limit(20).Fetch(ctx, &replies); err != nil {
		return "", err
	}
	// before came back newest first.
	for i, j := 0, len(before)-1; i < j; i, j = i+1, j-1 {
		before[i], before[j] = before[j], before[i]
	}

	var sb strings.Builder
	writeLine := func(prefix string, m store.Message) {
		fmt.Fprintf(&sb, "%s[%s] %s: %s\n",
			prefix, m.CreatedAt.UTC().Format("15:04"), m.AuthorID, truncate(m.Content, 300))
	}
	for _, m := range before {
		writeLine("  ", m)
	}
	writeLine("> ", msg)
	for _, m := range after {
		writeLine("  ", m)
	}
	if len(replies) > 0 {
		sb.WriteString("Replies:\n")
		for _, m := range replies {
			writeLine("  ↳ ", m)
		}
	}
	return sb.String(), nil
}

type activeChannelsTool struct {
	st *store.Store
}

func (t *activeChannelsTool) Name() string { return "get_active_channels" }
func (t *activeChannelsTool) Description() string {
	return "Rank channels by message volume over the last N days."
}
func (t *activeChannelsTool) Schema() (map[string]any, []string) {
	return map[string]any{
		"days": map[string]any{"type": "integer", "description": "Window size in days, default 1."},
	}, nil
}
func (t *activeChannelsTool) Call(ctx context.Context, args []byte) (string, error) {
	p := struct {
		Days int `json:"days"`
	}{Days: 1}
	if err := jsonx.Unmarshal(args, &p); err != nil {
		return "", err
	}
	var channels []store.Channel
	if err := t.st.Table(store.TableChannels).Select().Fetch(ctx, &channels); err != nil {
		return "", err
	}
	since := store.FormatTime(time.Now().UTC().Add(-time.Duration(p.Days) * 24 * time.Hour))
	type volume struct {
		ch    store.Channel
		count int
	}
	var vols []volume
	for _, ch := range channels {
		n, err := t.st.Table(store.TableMessages).Select().
			Eq("channel_id", ch.ChannelID).
			Gte("created_at", since).
			Count(ctx)
		if err != nil {
			return "", err
		}
		if n > 0 {
			vols = append(vols, volume{ch, n})
		}
	}
	if len(vols) == 0 {
		return "No channel activity in the window.", nil
	}
	for i := 1; i < len(vols); i++ {
		for j := i; j > 0 && vols[j].count > vols[j-1].count; j-- {
			vols[j], vols[j-1] = vols[j-1], vols[j]
		}
	}
	var sb strings.Builder
	for i, v := range vols {
		name := v.ch.Name
		if name == "" {
			name = v.ch.ChannelID
		}
		fmt.Fprintf(&sb, "%d. #%s: %d messages\n", i+1, name, v.count)
	}
	return sb.String(), nil
}

type memberInfoTool struct {
	st *store.Store
}

func (t *memberInfoTool) Name() string { return "get_member_info" }
func (t *memberInfoTool) Description() string {
	return "Look up a member by id or username, including sharing preferences."
}
func (t *memberInfoTool) Schema() (map[string]any, []string) {
	return map[string]any{
		"user_id":  map[string]any{"type": "string", "description": "Discord user id."},
		"username": map[string]any{"type": "string", "description": "Username, matched case-insensitively."},
	}, nil
}
func (t *memberInfoTool) Call(ctx context.Context, args []byte) (string, error) {
	var p struct {
		UserID   string `json:"user_id"`
		Username string `json:"username"`
	}
	if err := jsonx.Unmarshal(args, &p); err != nil {
		return "", err
	}
	q := t.st.Table(store.TableMembers).Select()
	switch {
	case p.UserID != "":
		q = q.Eq("member_id", p.UserID)
	case p.Username != "":
		q = q.ILike("username", p.Username)
	default:
		return "", fmt.Errorf("user_id or username is required")
	}
	var m store.Member
	if err := q.FetchOne(ctx, &m); err != nil {
		if err == store.ErrNotFound {
			return "Member not found.", nil
		}
		return "", err
	}
	consent := map[store.Consent]string{
		store.ConsentUnset:   "unset",
		store.ConsentGranted: "granted",
		store.ConsentDenied:  "denied",
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Member %s (%s)\n", m.DisplayName(), m.MemberID)
	fmt.Fprintf(&sb, "Username: %s\n", m.Username)
	if m.TwitterHandle != "" {
		fmt.Fprintf(&sb, "Twitter: %s\n", m.TwitterHandle)
	}
	fmt.Fprintf(&sb, "Sharing consent: %s\n", consent[m.SharingConsent])
	fmt.Fprintf(&sb, "DM preference: %t\n", m.DMPreference)
	fmt.Fprintf(&sb, "Curation permission: %s\n", consent[m.PermissionCurate])
	if m.GuildJoinDate != nil {
		fmt.Fprintf(&sb, "Joined: %s\n", m.GuildJoinDate.UTC().Format("2006-01-02"))
	}
	return sb.String(), nil
}

type botStatusTool struct {
	status StatusFunc
}

func (t *botStatusTool) Name() string { return "get_bot_status" }
func (t *botStatusTool) Description() string {
	return "Report the bot's uptime, connection state, and latency."
}
func (t *botStatusTool) Schema() (map[string]any, []string) {
	return map[string]any{}, nil
}
func (t *botStatusTool) Call(_ context.Context, _ []byte) (string, error) {
	return t.status(), nil
}

type refreshMediaTool struct {
	refresher Refresher
}

func (t *refreshMediaTool) Name() string { return "refresh_media" }
func (t *refreshMediaTool) Description() string {
	return "Re-fetch a message from Discord to refresh its expired attachment URLs."
}
func (t *refreshMediaTool) Schema() (map[string]any, []string) {
	return map[string]any{
		"message_id": map[string]any{"type": "string", "description": "The message to refresh."},
	}, []string{"message_id"}
}
func (t *refreshMediaTool) Call(ctx context.Context, args []byte) (string, error) {
	var p struct {
		MessageID string `json:"message_id"`
	}
	if err := jsonx.Unmarshal(args, &p); err != nil {
		return "", err
	}
	if p.MessageID == "" {
		return "", fmt.Errorf("message_id is required")
	}
	urls, err := t.refresher.Refresh(ctx, p.MessageID)
	if err != nil {
		return "", err
	}
	if len(urls) == 0 {
		return "Message has no attachments.", nil
	}
	return "Fresh URLs:\n" + strings.Join(urls, "\n"), nil
}

// AdminDeps wires the components backing the admin tool catalog.
type AdminDeps struct {
	Store     *store.Store
	Sharer    Sharer
	Refresher Refresher
	Top       TopSelector
	Status    StatusFunc
	Send      SendFunc
}

// NewAdminRegistry creates the full registry used by the admin agent loop.
func NewAdminRegistry(d AdminDeps) *Registry {
	r := NewRegistry()
	r.Register(&replyTool{send: d.Send, replied: &r.Replied})
	r.Register(&endTurnTool{ended: &r.Ended})
	r.Register(&shareTool{sharer: d.Sharer})
	r.Register(&topMessagesTool{top: d.Top})
	r.Register(&searchTool{st: d.Store})
	r.Register(&contextTool{st: d.Store})
	r.Register(&activeChannelsTool{st: d.Store})
	r.Register(&memberInfoTool{st: d.Store})
	r.Register(&botStatusTool{status: d.Status})
	r.Register(&refreshMediaTool{refresher: d.Refresher})
	return r
}
