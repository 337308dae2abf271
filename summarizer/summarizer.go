// Package summarizer produces the daily per-channel summaries, the
// aggregate server summary, and their Discord postings.
package summarizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/mwestra/chronicle/config"
	"github.com/mwestra/chronicle/llm"
	"github.com/mwestra/chronicle/store"
	"github.com/mwestra/chronicle/topcontent"
)

// LLM is the dispatcher slice the summarizer uses.
type LLM interface {
	Generate(ctx context.Context, req llm.Request) (string, error)
}

// Gate is the gateway slice the summarizer posts through.
type Gate interface {
	Send(ctx context.Context, channelID, content string) (*discordgo.Message, error)
	CreateThread(ctx context.Context, channelID, name string) (*discordgo.Channel, error)
	Channel(ctx context.Context, channelID string) (*discordgo.Channel, error)
}

// Moderator reports whether a media URL must be stripped before
// distribution. Implementations fail open.
type Moderator interface {
	Block(ctx context.Context, url string) bool
}

// Summarizer runs the daily pipeline.
type Summarizer struct {
	st     *store.Store
	llm    LLM
	gate   Gate
	top    *topcontent.Selector
	mod    Moderator
	cfg    *config.Config
	logger *slog.Logger
}

func New(st *store.Store, client LLM, gate Gate, top *topcontent.Selector, mod Moderator, cfg *config.Config, logger *slog.Logger) *Summarizer {
	return &Summarizer{
		st:     st,
		llm:    client,
		gate:   gate,
		top:    top,
		mod:    mod,
		cfg:    cfg,
		logger: logger.With("component", "summarizer"),
	}
}

// Window returns the 24h summary window ending at the most recent 07:00 UTC
// and the date label (the run day, taken from the window end).
func Window(now time.Time) (start, end time.Time, date string) {
	now = now.UTC()
	end = time.Date(now.Year(), now.Month(), now.Day(), 7, 0, 0, 0, time.UTC)
	if now.Before(end) {
		end = end.AddDate(0, 0, -1)
	}
	start = end.Add(-24 * time.Hour)
	return start, end, end.Format("2006-01-02")
}

// RunDaily summarizes every eligible channel and posts the aggregate. A
// failure in one channel never aborts the others.
func (s *Summarizer) RunDaily(ctx context.Context, now time.Time) error {
	start, end, date := Window(now)
	channels, err := s.eligibleChannels(ctx, start, end)
	if err != nil {
		return fmt.Errorf("eligibility: %w", err)
	}
	s.logger.Info("daily run starting", "date", date, "channels", len(channels))

	maxConc := s.cfg.Summary.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 4
	}
	sem := make(chan struct{}, maxConc)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	var aggregate []Item
	for _, ch := range channels {
		wg.Add(1)
		sem <- struct{}{}
		go func(ch store.Channel) {
			defer wg.Done()
			defer func() { <-sem }()
			items, err := s.summarizeChannel(ctx, ch, start, end, date)
			if err != nil {
				s.logger.Error("channel summary failed", "channel_id", ch.ChannelID, "error", err)
				return
			}
			mu.Lock()
			aggregate = append(aggregate, items...)
			mu.Unlock()
		}(ch)
	}
	wg.Wait()

	if err := s.postAggregate(ctx, start, aggregate); err != nil {
		s.logger.Error("aggregate summary failed", "error", err)
	}
	return nil
}

// eligibleChannels applies the monitor set (direct id or parent category),
// the nsfw name exclusion, and the message threshold.
func (s *Summarizer) eligibleChannels(ctx context.Context, start, end time.Time) ([]store.Channel, error) {
	monitored := map[string]bool{}
	for _, id := range s.cfg.MonitoredIDs() {
		monitored[id] = true
	}
	var rows []store.Channel
	if err := s.st.Table(store.TableChannels).Select().Fetch(ctx, &rows); err != nil {
		return nil, err
	}

	minMessages := s.cfg.Summary.MinMessages
	if minMessages <= 0 {
		minMessages = 25
	}
	var out []store.Channel
	for _, ch := range rows {
		if !monitored[ch.ChannelID] && !monitored[ch.CategoryID] {
			continue
		}
		if ch.NSFW || strings.Contains(strings.ToLower(ch.Name), "nsfw") {
			continue
		}
		n, err := s.st.Table(store.TableMessages).Select().
			Eq("channel_id", ch.ChannelID).
			Eq("is_deleted", false).
			Gte("created_at", store.FormatTime(start)).
			Lt("created_at", store.FormatTime(end)).
			Count(ctx)
		if err != nil {
			return nil, err
		}
		if n >= minMessages {
			out = append(out, ch)
		}
	}
	return out, nil
}

// summarizeChannel runs the full per-channel pipeline and returns the final
// items for the aggregate. A completed row for (date, channel) short-circuits.
func (s *Summarizer) summarizeChannel(ctx context.Context, ch store.Channel, start, end time.Time, date string) ([]Item, error) {
	var existing store.DailySummary
	err := s.st.Table(store.TableDailySummaries).Select().
		Eq("date", date).Eq("channel_id", ch.ChannelID).
		Eq("status", store.SummaryCompleted).
		FetchOne(ctx, &existing)
	if err == nil {
		s.logger.Info("summary already completed, skipping", "channel_id", ch.ChannelID, "date", date)
		items, _ := parseItems(existing.FullSummary)
		return items, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}

	pending := store.DailySummary{Date: date, ChannelID: ch.ChannelID, Status: store.SummaryPending}
	if err := s.st.Table(store.TableDailySummaries).Upsert(ctx, pending, "date,channel_id"); err != nil {
		return nil, fmt.Errorf("mark pending: %w", err)
	}

	items, msgCount, err := s.buildItems(ctx, ch, start, end)
	if err != nil {
		s.markFailed(ctx, date, ch.ChannelID, err)
		return nil, err
	}
	if len(items) == 0 {
		s.complete(ctx, store.DailySummary{
			Date: date, ChannelID: ch.ChannelID, Status: store.SummaryCompleted,
		})
		s.logger.Info("no significant news", "channel_id", ch.ChannelID)
		// A visible line beats silence so readers know the run happened.
		if _, err := s.gate.Send(ctx, ch.ChannelID, "No significant activity in the last 24 hours."); err != nil {
			s.logger.Warn("no-news notice failed", "channel_id", ch.ChannelID, "error", err)
		}
		return nil, nil
	}

	s.stripBlockedMedia(ctx, items)

	threadID, err := s.findOrCreateThread(ctx, ch, start)
	if err != nil {
		s.markFailed(ctx, date, ch.ChannelID, err)
		return nil, err
	}
	if err := s.postFullSummary(ctx, threadID, start, items); err != nil {
		s.markFailed(ctx, date, ch.ChannelID, err)
		return nil, err
	}

	s.postTopContent(ctx, ch.ChannelID, threadID, start, end)

	short, err := s.shortSummary(ctx, items, msgCount)
	if err != nil {
		s.logger.Warn("short summary failed", "channel_id", ch.ChannelID, "error", err)
		short = fmt.Sprintf("📨 __%d messages sent__", msgCount)
	}
	if _, err := s.gate.Send(ctx, ch.ChannelID, short+"\n\nFull summary: "+s.threadURL(threadID)); err != nil {
		s.logger.Warn("short summary post failed", "channel_id", ch.ChannelID, "error", err)
	}

	s.complete(ctx, store.DailySummary{
		Date: date, ChannelID: ch.ChannelID,
		FullSummary:  encodeItems(items),
		ShortSummary: short,
		ThreadID:     threadID,
		Status:       store.SummaryCompleted,
	})
	return items, nil
}

// buildItems loads the window, chunks it, prompts per chunk, and merges.
func (s *Summarizer) buildItems(ctx context.Context, ch store.Channel, start, end time.Time) ([]Item, int, error) {
	var msgs []store.Message
	err := s.st.Table(store.TableMessages).Select().
		Eq("channel_id", ch.ChannelID).
		Eq("is_deleted", false).
		Gte("created_at", store.FormatTime(start)).
		Lt("created_at", store.FormatTime(end)).
		Order("created_at", false).
		Fetch(ctx, &msgs)
	if err != nil {
		return nil, 0, fmt.Errorf("load window: %w", err)
	}
	names, err := s.displayNames(ctx, msgs)
	if err != nil {
		return nil, 0, err
	}

	chunkSize := s.cfg.Summary.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	var (
		allItems []Item
		prior    []string
		nChunks  int
	)
	for at := 0; at < len(msgs); at += chunkSize {
		hi := at + chunkSize
		if hi > len(msgs) {
			hi = len(msgs)
		}
		prompt := buildChunkPrompt(msgs[at:hi], names, prior)
		items, err := s.generateItems(ctx, systemPrompt, prompt)
		if err != nil {
			return nil, 0, err
		}
		if items == nil {
			continue
		}
		nChunks++
		allItems = append(allItems, items...)
		prior = append(prior, encodeItems(items))
	}

	if nChunks > 1 {
		merged, err := s.generateItems(ctx, mergeSystem, strings.Join(prior, "\n"))
		if err != nil || merged == nil {
			s.logger.Warn("merge failed, keeping first items", "channel_id", ch.ChannelID, "error", err)
			if len(allItems) > 5 {
				allItems = allItems[:5]
			}
		} else {
			allItems = merged
		}
	}
	return allItems, len(msgs), nil
}

// generateItems calls the model and parses the response, retrying the
// generation once when the payload is invalid.
func (s *Summarizer) generateItems(ctx context.Context, system, user string) ([]Item, error) {
	raw, err := s.generate(ctx, system, user)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	items, perr := parseItems(raw)
	if perr == nil {
		return items, nil
	}
	s.logger.Warn("invalid summary payload, retrying", "error", perr)
	raw2, err := s.generate(ctx, system, user)
	if err != nil {
		return nil, fmt.Errorf("generate retry: %w", err)
	}
	items, perr = parseItems(raw2)
	if perr != nil {
		return nil, &invalidPayloadError{raw: raw2, err: perr}
	}
	return items, nil
}

// invalidPayloadError carries the raw model output into the failed row.
type invalidPayloadError struct {
	raw string
	err error
}

func (e *invalidPayloadError) Error() string {
	return fmt.Sprintf("invalid summary payload: %v; raw output: %s", e.err, e.raw)
}

func (e *invalidPayloadError) Unwrap() error { return e.err }

func (s *Summarizer) generate(ctx context.Context, system, user string) (string, error) {
	return s.llm.Generate(ctx, llm.Request{
		Provider: s.cfg.Summary.Provider,
		Model:    s.cfg.Summary.Model,
		System:   system,
		Messages: []llm.Message{{Role: "user", Content: user}},
	})
}

func (s *Summarizer) displayNames(ctx context.Context, msgs []store.Message) (map[string]string, error) {
	seen := map[string]bool{}
	var ids []any
	for _, m := range msgs {
		if !seen[m.AuthorID] {
			seen[m.AuthorID] = true
			ids = append(ids, m.AuthorID)
		}
	}
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	var members []store.Member
	if err := s.st.Table(store.TableMembers).Select().In("member_id", ids...).Fetch(ctx, &members); err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	for i := range members {
		names[members[i].MemberID] = members[i].DisplayName()
	}
	return names, nil
}

// stripBlockedMedia drops media references the moderator rejects.
func (s *Summarizer) stripBlockedMedia(ctx context.Context, items []Item) {
	if s.mod == nil {
		return
	}
	filter := func(field string) string {
		var kept []string
		for _, u := range splitFileURLs(field) {
			if s.mod.Block(ctx, u) {
				s.logger.Info("media stripped from summary", "url", u)
				continue
			}
			kept = append(kept, u)
		}
		return strings.Join(kept, ", ")
	}
	for i := range items {
		items[i].MainFile = filter(items[i].MainFile)
		for j := range items[i].SubTopics {
			items[i].SubTopics[j].File = filter(items[i].SubTopics[j].File)
		}
	}
}

func (s *Summarizer) postTopContent(ctx context.Context, channelID, threadID string, start, end time.Time) {
	if s.top == nil {
		return
	}
	items, err := s.top.Select(ctx, topcontent.Options{
		Start:        start,
		End:          end,
		ChannelIDs:   []string{channelID},
		MinReactors:  s.cfg.Summary.MinUniqueReactor,
		Limit:        s.cfg.Summary.TopLimit,
		RequireVideo: true,
	})
	if err != nil {
		s.logger.Warn("top content selection failed", "channel_id", channelID, "error", err)
		return
	}
	if err := s.top.Post(ctx, threadID, items); err != nil {
		s.logger.Warn("top content post failed", "channel_id", channelID, "error", err)
	}
}

// postAggregate merges all channels' items into a server-wide top list and
// posts it to the global summary channel with a link back to the header.
func (s *Summarizer) postAggregate(ctx context.Context, date time.Time, items []Item) error {
	target := s.cfg.SummaryChannelID()
	if target == "" || len(items) == 0 {
		return nil
	}
	merged, err := s.generateItems(ctx, mergeSystem, encodeItems(items))
	if err != nil || merged == nil {
		s.logger.Warn("aggregate merge failed, using raw items", "error", err)
		merged = items
		if len(merged) > 5 {
			merged = merged[:5]
		}
	}

	header, err := s.gate.Send(ctx, target,
		fmt.Sprintf("**Server Daily Summary for %s**", date.Format("January 2, 2006")))
	if err != nil {
		return fmt.Errorf("post aggregate header: %w", err)
	}
	blocks := s.buildThreadBlocks(date, merged)
	for _, msg := range packBlocks(blocks[1:]) { // headline already posted
		if _, err := s.gate.Send(ctx, target, msg); err != nil {
			return fmt.Errorf("post aggregate: %w", err)
		}
	}
	backlink := fmt.Sprintf("Back to top: https://discord.com/channels/%s/%s/%s",
		s.cfg.GuildID(), target, header.ID)
	_, err = s.gate.Send(ctx, target, backlink)
	return err
}

func (s *Summarizer) markFailed(ctx context.Context, date, channelID string, cause error) {
	row := store.DailySummary{
		Date: date, ChannelID: channelID,
		Status: store.SummaryFailed,
		Error:  cause.Error(),
	}
	if err := s.st.Table(store.TableDailySummaries).Upsert(ctx, row, "date,channel_id"); err != nil {
		s.logger.Error("mark failed errored", "channel_id", channelID, "error", err)
	}
}

func (s *Summarizer) complete(ctx context.Context, row store.DailySummary) {
	if err := s.st.Table(store.TableDailySummaries).Upsert(ctx, row, "date,channel_id"); err != nil {
		s.logger.Error("mark completed errored", "channel_id", row.ChannelID, "error", err)
	}
}
