// Package indexer reflects the gateway event stream into the store. Every
// write is idempotent at the row level so replaying events after a resumed
// session changes nothing.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/mwestra/chronicle/store"
)

const (
	flushSize     = 100
	flushInterval = 500 * time.Millisecond

	// breakerThreshold consecutive write failures pause ingestion.
	breakerThreshold = 10
	breakerCoolOff   = 5 * time.Minute

	// memberRefresh throttles author upserts per member.
	memberRefresh = 10 * time.Minute
)

// discordEpoch is the Discord snowflake epoch in unix milliseconds.
const discordEpoch = 1420070400000

// REST is the slice of the gateway the indexer needs for fetches.
type REST interface {
	Message(ctx context.Context, channelID, messageID string) (*discordgo.Message, error)
	HistoryAscending(ctx context.Context, channelID, afterID string, fn func([]*discordgo.Message) error) error
}

// Alerter delivers admin notifications.
type Alerter interface {
	DM(ctx context.Context, userID, content string) (*discordgo.Message, error)
}

// Indexer batches message writes and applies reaction and member updates.
type Indexer struct {
	st      *store.Store
	rest    REST
	alert   Alerter
	logger  *slog.Logger
	adminID string
	botID   func() string

	mu            sync.Mutex
	pending       []store.Message
	knownChannels map[string]bool
	memberSeen    map[string]time.Time
	fails         int
	pausedUntil   time.Time
	alerted       bool
}

// New builds an indexer. botID is resolved lazily because the bot's own id
// is unknown until READY.
func New(st *store.Store, rest REST, alert Alerter, adminID string, botID func() string, logger *slog.Logger) *Indexer {
	return &Indexer{
		st:            st,
		rest:          rest,
		alert:         alert,
		logger:        logger.With("component", "indexer"),
		adminID:       adminID,
		botID:         botID,
		knownChannels: make(map[string]bool),
		memberSeen:    make(map[string]time.Time),
	}
}

// Run drives the periodic flush until ctx is cancelled, then drains.
func (ix *Indexer) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ix.Flush(ctx)
		case <-ctx.Done():
			ix.Flush(context.Background())
			return
		}
	}
}

// paused reports whether the circuit breaker currently blocks ingestion.
func (ix *Indexer) paused() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return time.Now().Before(ix.pausedUntil)
}

// recordFailure quarantines the event and trips the breaker after a run of
// consecutive failures.
func (ix *Indexer) recordFailure(ctx context.Context, op string, err error) {
	ix.logger.Error("write quarantined", "op", op, "error", err)
	ix.mu.Lock()
	ix.fails++
	trip := ix.fails >= breakerThreshold && time.Now().After(ix.pausedUntil)
	if trip {
		ix.pausedUntil = time.Now().Add(breakerCoolOff)
		ix.fails = 0
	}
	notify := trip && !ix.alerted
	if notify {
		ix.alerted = true
	}
	ix.mu.Unlock()

	if trip {
		ix.logger.Error("circuit breaker tripped, ingestion paused",
			"cool_off", breakerCoolOff.String())
	}
	if notify && ix.alert != nil && ix.adminID != "" {
		_, _ = ix.alert.DM(ctx, ix.adminID, fmt.Sprintf(
			"⚠️ Indexer circuit breaker tripped after %d consecutive write failures. Ingestion paused for %s. Last error: %v",
			breakerThreshold, breakerCoolOff, err))
	}
}

func (ix *Indexer) recordSuccess() {
	ix.mu.Lock()
	ix.fails = 0
	ix.alerted = false
	ix.mu.Unlock()
}

// HandleMessageCreate queues the message for the next batch flush and
// upserts the channel and author rows when they are new or stale.
func (ix *Indexer) HandleMessageCreate(ctx context.Context, e *discordgo.MessageCreate) {
	if e.GuildID == "" || e.Author == nil {
		return
	}
	if ix.paused() {
		ix.logger.Warn("ingestion paused, dropping event", "message_id", e.ID)
		return
	}
	ix.ensureChannel(ctx, e.ChannelID)
	ix.upsertAuthor(ctx, e.Author, e.Member, e.GuildID)

	row := convertMessage(e.Message, e.GuildID)
	ix.mu.Lock()
	ix.pending = append(ix.pending, row)
	full := len(ix.pending) >= flushSize
	ix.mu.Unlock()
	if full {
		ix.Flush(ctx)
	}
}

// Flush writes all queued messages in one idempotent batch.
func (ix *Indexer) Flush(ctx context.Context) {
	ix.mu.Lock()
	batch := ix.pending
	ix.pending = nil
	ix.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	rows := make([]any, len(batch))
	for i := range batch {
		rows[i] = batch[i]
	}
	// A create event redelivered after reactions landed must not reset
	// what the reaction handlers accumulated.
	err := ix.st.Table(store.TableMessages).
		UpsertBatchPreserve(ctx, "message_id", []string{"reactors", "reaction_count"}, rows...)
	if err != nil {
		ix.recordFailure(ctx, "flush messages", err)
		return
	}
	ix.recordSuccess()
	ix.logger.Debug("flushed message batch", "rows", len(batch))
}

// HandleMessageUpdate patches content, edit time, and embeds in place.
func (ix *Indexer) HandleMessageUpdate(ctx context.Context, e *discordgo.MessageUpdate) {
	if e.GuildID == "" || ix.paused() {
		return
	}
	ix.Flush(ctx)
	values := map[string]any{
		"content": e.Content,
		"embeds":  convertEmbeds(e.Embeds),
	}
	if e.EditedTimestamp != nil {
		values["edited_at"] = store.FormatTime(*e.EditedTimestamp)
	}
	_, err := ix.st.Table(store.TableMessages).Update(values).Eq("message_id", e.ID).Exec(ctx)
	if err != nil {
		ix.recordFailure(ctx, "message update", err)
		return
	}
	ix.recordSuccess()
}

// HandleMessageDelete tombstones the row. The content is kept.
func (ix *Indexer) HandleMessageDelete(ctx context.Context, e *discordgo.MessageDelete) {
	if ix.paused() {
		return
	}
	ix.Flush(ctx)
	_, err := ix.st.Table(store.TableMessages).
		Update(map[string]any{"is_deleted": true}).
		Eq("message_id", e.ID).Exec(ctx)
	if err != nil {
		ix.recordFailure(ctx, "message delete", err)
		return
	}
	ix.recordSuccess()
}

// HandleReactionAdd recomputes the reactor set. The bot's own id never
// enters Reactors, keeping len(Reactors) <= ReactionCount.
func (ix *Indexer) HandleReactionAdd(ctx context.Context, e *discordgo.MessageReactionAdd) {
	if ix.paused() {
		return
	}
	ix.Flush(ctx)
	msg, err := ix.loadOrFetch(ctx, e.ChannelID, e.MessageID, e.GuildID)
	if err != nil {
		ix.recordFailure(ctx, "reaction add", err)
		return
	}
	if msg == nil {
		return
	}
	// Idempotency key is (message_id, user_id): a replayed event, or the
	// same user reacting with another emoji, must not change the row.
	if msg.HasReactor(e.UserID) {
		return
	}
	reactors := msg.Reactors
	if e.UserID != ix.botID() {
		reactors = append(reactors, e.UserID)
	}
	_, err = ix.st.Table(store.TableMessages).Update(map[string]any{
		"reactors":       reactors,
		"reaction_count": msg.ReactionCount + 1,
	}).Eq("message_id", e.MessageID).Exec(ctx)
	if err != nil {
		ix.recordFailure(ctx, "reaction add", err)
		return
	}
	ix.recordSuccess()
}

// HandleReactionRemove drops the user from the reactor set and decrements
// the count, bounded at zero.
func (ix *Indexer) HandleReactionRemove(ctx context.Context, e *discordgo.MessageReactionRemove) {
	if ix.paused() {
		return
	}
	ix.Flush(ctx)
	msg, err := ix.loadOrFetch(ctx, e.ChannelID, e.MessageID, e.GuildID)
	if err != nil {
		ix.recordFailure(ctx, "reaction remove", err)
		return
	}
	if msg == nil {
		return
	}
	reactors := make([]string, 0, len(msg.Reactors))
	for _, r := range msg.Reactors {
		if r != e.UserID {
			reactors = append(reactors, r)
		}
	}
	count := msg.ReactionCount - 1
	if count < 0 {
		count = 0
	}
	_, err = ix.st.Table(store.TableMessages).Update(map[string]any{
		"reactors":       reactors,
		"reaction_count": count,
	}).Eq("message_id", e.MessageID).Exec(ctx)
	if err != nil {
		ix.recordFailure(ctx, "reaction remove", err)
		return
	}
	ix.recordSuccess()
}

// HandleMemberUpdate refreshes the member row.
func (ix *Indexer) HandleMemberUpdate(ctx context.Context, e *discordgo.GuildMemberUpdate) {
	if e.Member == nil || e.User == nil || ix.paused() {
		return
	}
	row := convertMember(e.User, e.Member)
	if err := ix.st.Table(store.TableMembers).Upsert(ctx, row, "member_id"); err != nil {
		ix.recordFailure(ctx, "member update", err)
		return
	}
	ix.recordSuccess()
	ix.mu.Lock()
	ix.memberSeen[e.User.ID] = time.Now()
	ix.mu.Unlock()
}

// loadOrFetch loads the stored message row, falling back to a REST fetch for
// messages that predate indexing. A nil result means the message is gone.
func (ix *Indexer) loadOrFetch(ctx context.Context, channelID, messageID, guildID string) (*store.Message, error) {
	var msg store.Message
	err := ix.st.Table(store.TableMessages).Select().
		Eq("message_id", messageID).FetchOne(ctx, &msg)
	if err == nil {
		return &msg, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}
	fetched, err := ix.rest.Message(ctx, channelID, messageID)
	if err != nil {
		ix.logger.Warn("message fetch failed", "message_id", messageID, "error", err)
		return nil, nil
	}
	row := convertMessage(fetched, guildID)
	if err := ix.st.Table(store.TableMessages).Upsert(ctx, row, "message_id"); err != nil {
		return nil, err
	}
	return &row, nil
}

// ensureChannel inserts a channel observation on first sight.
func (ix *Indexer) ensureChannel(ctx context.Context, channelID string) {
	ix.mu.Lock()
	known := ix.knownChannels[channelID]
	ix.mu.Unlock()
	if known {
		return
	}
	// The name placeholder satisfies NOT NULL until enrichment fills it.
	// Existing rows are left untouched so enrichment is never clobbered.
	var n int
	n, err := ix.st.Table(store.TableChannels).Select().
		Eq("channel_id", channelID).Count(ctx)
	if err == nil && n > 0 {
		ix.mu.Lock()
		ix.knownChannels[channelID] = true
		ix.mu.Unlock()
		return
	}
	err = ix.st.Table(store.TableChannels).Upsert(ctx,
		map[string]any{"channel_id": channelID, "name": ""}, "channel_id")
	if err != nil {
		ix.logger.Warn("channel upsert failed", "channel_id", channelID, "error", err)
		return
	}
	ix.mu.Lock()
	ix.knownChannels[channelID] = true
	ix.mu.Unlock()
}

// upsertAuthor refreshes the author row at most once per memberRefresh.
func (ix *Indexer) upsertAuthor(ctx context.Context, user *discordgo.User, member *discordgo.Member, guildID string) {
	ix.mu.Lock()
	last, seen := ix.memberSeen[user.ID]
	ix.mu.Unlock()
	if seen && time.Since(last) < memberRefresh {
		return
	}
	row := convertMember(user, member)
	if err := ix.st.Table(store.TableMembers).Upsert(ctx, row, "member_id"); err != nil {
		ix.logger.Warn("member upsert failed", "member_id", user.ID, "error", err)
		return
	}
	ix.mu.Lock()
	ix.memberSeen[user.ID] = time.Now()
	ix.mu.Unlock()
}

// convertMessage maps a Discord message onto the store row.
func convertMessage(m *discordgo.Message, guildID string) store.Message {
	row := store.Message{
		MessageID:   m.ID,
		ChannelID:   m.ChannelID,
		Content:     m.Content,
		CreatedAt:   m.Timestamp.UTC(),
		Attachments: convertAttachments(m.Attachments),
		Embeds:      convertEmbeds(m.Embeds),
		Reactors:    []string{},
		IsPinned:    m.Pinned,
		JumpURL:     fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guildID, m.ChannelID, m.ID),
		IndexedAt:   time.Now().UTC(),
	}
	if m.Author != nil {
		row.AuthorID = m.Author.ID
	}
	if m.EditedTimestamp != nil {
		t := m.EditedTimestamp.UTC()
		row.EditedAt = &t
	}
	if m.MessageReference != nil {
		row.ReferenceID = m.MessageReference.MessageID
	}
	// Reaction counts from REST history; reactor identities arrive only
	// through gateway events.
	for _, r := range m.Reactions {
		row.ReactionCount += r.Count
	}
	return row
}

func convertAttachments(in []*discordgo.MessageAttachment) []store.Attachment {
	out := make([]store.Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, store.Attachment{
			ID:          a.ID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			URL:         a.URL,
			Size:        a.Size,
			Width:       a.Width,
			Height:      a.Height,
		})
	}
	return out
}

func convertEmbeds(in []*discordgo.MessageEmbed) []store.Embed {
	out := make([]store.Embed, 0, len(in))
	for _, e := range in {
		emb := store.Embed{
			Type:        string(e.Type),
			Title:       e.Title,
			Description: e.Description,
			URL:         e.URL,
		}
		if e.Thumbnail != nil {
			emb.ThumbnailURL = e.Thumbnail.URL
		}
		if e.Video != nil {
			emb.VideoURL = e.Video.URL
		}
		out = append(out, emb)
	}
	return out
}

// convertMember maps a Discord user (plus optional guild member data) onto
// the store row. Preference fields are absent on purpose: the upsert column
// set never includes them, so member-owned consent state survives.
func convertMember(user *discordgo.User, member *discordgo.Member) map[string]any {
	row := map[string]any{
		"member_id":          user.ID,
		"username":           user.Username,
		"global_name":        user.GlobalName,
		"avatar_url":         user.AvatarURL(""),
		"discord_created_at": store.FormatTime(snowflakeTime(user.ID)),
		"updated_at":         store.FormatTime(time.Now()),
	}
	if member != nil {
		row["server_nick"] = member.Nick
		if !member.JoinedAt.IsZero() {
			row["guild_join_date"] = store.FormatTime(member.JoinedAt)
		}
		if member.Roles != nil {
			row["role_ids"] = member.Roles
		}
	}
	return row
}

// snowflakeTime extracts the creation time embedded in a Discord id.
func snowflakeTime(id string) time.Time {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return time.Time{}
	}
	ms := int64(n>>22) + discordEpoch
	return time.UnixMilli(ms).UTC()
}

// snowflakeAt builds the smallest snowflake for a point in time, used to
// seed history pagination.
func snowflakeAt(t time.Time) string {
	ms := t.UnixMilli() - discordEpoch
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatUint(uint64(ms)<<22, 10)
}
