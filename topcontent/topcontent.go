// Package topcontent ranks video posts by unique reactors and posts the
// result as a header message plus a thread for the runners-up.
package topcontent

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/mwestra/chronicle/store"
)

const (
	defaultMinReactors = 3
	defaultLimit       = 5
)

var videoExtensions = map[string]bool{".mp4": true, ".mov": true, ".webm": true}

// Options filters one selection run. Empty ChannelIDs means every channel
// except those excluded by name.
type Options struct {
	Start       time.Time
	End         time.Time
	ChannelIDs  []string
	MinReactors int
	Limit       int
	// RequireVideo limits results to posts with a video attachment. On by
	// default for the daily selection; the agent's top-messages tool turns
	// it off.
	RequireVideo bool
}

// Item is one ranked result.
type Item struct {
	Message        store.Message
	ChannelID      string
	ChannelName    string
	AuthorDisplay  string
	UniqueReactors int
	FirstVideoURL  string
	JumpURL        string
}

// Poster is the slice of the gateway used for publishing results.
type Poster interface {
	Send(ctx context.Context, channelID, content string) (*discordgo.Message, error)
	CreateMessageThread(ctx context.Context, channelID, messageID, name string) (*discordgo.Channel, error)
}

// Selector ranks stored messages.
type Selector struct {
	st     *store.Store
	poster Poster
	logger *slog.Logger
}

func New(st *store.Store, poster Poster, logger *slog.Logger) *Selector {
	return &Selector{st: st, poster: poster, logger: logger.With("component", "topcontent")}
}

// Select returns the ranked items for the window, highest unique reactor
// count first, created_at desc as the tiebreak.
func (s *Selector) Select(ctx context.Context, opts Options) ([]Item, error) {
	if opts.MinReactors <= 0 {
		opts.MinReactors = defaultMinReactors
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}

	channels, err := s.channelInfo(ctx)
	if err != nil {
		return nil, err
	}

	q := s.st.Table(store.TableMessages).Select().
		Gte("created_at", store.FormatTime(opts.Start)).
		Lt("created_at", store.FormatTime(opts.End)).
		Eq("is_deleted", false).
		Gt("reaction_count", 0)
	if len(opts.ChannelIDs) > 0 {
		ids := make([]any, len(opts.ChannelIDs))
		for i, id := range opts.ChannelIDs {
			ids[i] = id
		}
		q = q.In("channel_id", ids...)
	}
	var rows []store.Message
	if err := q.Fetch(ctx, &rows); err != nil {
		return nil, fmt.Errorf("select window: %w", err)
	}

	var items []Item
	for _, m := range rows {
		ch := channels[m.ChannelID]
		if strings.Contains(strings.ToLower(ch.Name), "nsfw") {
			continue
		}
		videoURL := firstVideoURL(m.Attachments)
		if opts.RequireVideo && videoURL == "" {
			continue
		}
		if !opts.RequireVideo && len(m.Attachments) == 0 {
			continue
		}
		unique := len(m.Reactors)
		if unique < opts.MinReactors {
			continue
		}
		items = append(items, Item{
			Message:        m,
			ChannelID:      m.ChannelID,
			ChannelName:    ch.Name,
			UniqueReactors: unique,
			FirstVideoURL:  videoURL,
			JumpURL:        m.JumpURL,
		})
	}

	sortItems(items)
	if len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	if err := s.resolveAuthors(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

// sortItems orders by unique reactors desc, then created_at desc.
func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].UniqueReactors != items[j].UniqueReactors {
			return items[i].UniqueReactors > items[j].UniqueReactors
		}
		return items[i].Message.CreatedAt.After(items[j].Message.CreatedAt)
	})
}

func firstVideoURL(attachments []store.Attachment) string {
	for _, a := range attachments {
		if videoExtensions[strings.ToLower(path.Ext(a.Filename))] {
			return a.URL
		}
	}
	return ""
}

func (s *Selector) channelInfo(ctx context.Context) (map[string]store.Channel, error) {
	var rows []store.Channel
	if err := s.st.Table(store.TableChannels).Select().Fetch(ctx, &rows); err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}
	out := make(map[string]store.Channel, len(rows))
	for _, c := range rows {
		out[c.ChannelID] = c
	}
	return out, nil
}

func (s *Selector) resolveAuthors(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]any, 0, len(items))
	seen := map[string]bool{}
	for _, it := range items {
		if !seen[it.Message.AuthorID] {
			seen[it.Message.AuthorID] = true
			ids = append(ids, it.Message.AuthorID)
		}
	}
	var members []store.Member
	err := s.st.Table(store.TableMembers).Select().In("member_id", ids...).Fetch(ctx, &members)
	if err != nil {
		return fmt.Errorf("load authors: %w", err)
	}
	names := make(map[string]string, len(members))
	for i := range members {
		names[members[i].MemberID] = members[i].DisplayName()
	}
	for i := range items {
		items[i].AuthorDisplay = names[items[i].Message.AuthorID]
		if items[i].AuthorDisplay == "" {
			items[i].AuthorDisplay = items[i].Message.AuthorID
		}
	}
	return nil
}

// Post publishes the ranked items: the winner inline, entries 2..N in a
// thread under the header message.
func (s *Selector) Post(ctx context.Context, targetChannelID string, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	top := items[0]
	header := fmt.Sprintf("🏆 **Top Generation(s) in #%s**\n\n%s", top.ChannelName, formatItem(top, 1))
	headerMsg, err := s.poster.Send(ctx, targetChannelID, header)
	if err != nil {
		return fmt.Errorf("post header: %w", err)
	}
	if len(items) == 1 {
		return nil
	}

	thread, err := s.poster.CreateMessageThread(ctx, targetChannelID, headerMsg.ID, "Top Generations")
	if err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	for i, it := range items[1:] {
		if _, err := s.poster.Send(ctx, thread.ID, formatItem(it, i+2)); err != nil {
			s.logger.Warn("thread entry failed", "rank", i+2, "error", err)
		}
	}
	return nil
}

func formatItem(it Item, rank int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**#%d** by %s with %d unique reactions\n", rank, it.AuthorDisplay, it.UniqueReactors)
	if it.FirstVideoURL != "" {
		b.WriteString(it.FirstVideoURL + "\n")
	}
	b.WriteString(it.JumpURL)
	return b.String()
}
