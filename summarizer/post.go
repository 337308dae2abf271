package summarizer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mwestra/chronicle/store"
)

// postLimit keeps outgoing messages under Discord's cap with formatting
// headroom. Splits happen only on item and subtopic boundaries.
const postLimit = 1900

// monthlyThreadName is the canonical name for a channel's summary thread.
func monthlyThreadName(channelName string, month time.Time) string {
	return fmt.Sprintf("#%s - Monthly Summary - %s", channelName, month.Format("January, 2006"))
}

// findOrCreateThread returns the channel's summary thread for the month,
// reusing the persisted thread id when it still matches the month's name.
func (s *Summarizer) findOrCreateThread(ctx context.Context, ch store.Channel, month time.Time) (string, error) {
	want := monthlyThreadName(ch.Name, month)
	if ch.SummaryThreadID != "" {
		existing, err := s.gate.Channel(ctx, ch.SummaryThreadID)
		if err == nil && existing.Name == want {
			return ch.SummaryThreadID, nil
		}
	}
	thread, err := s.gate.CreateThread(ctx, ch.ChannelID, want)
	if err != nil {
		return "", fmt.Errorf("create summary thread: %w", err)
	}
	_, err = s.st.Table(store.TableChannels).
		Update(map[string]any{"summary_thread_id": thread.ID}).
		Eq("channel_id", ch.ChannelID).Exec(ctx)
	if err != nil {
		s.logger.Warn("persist thread id failed", "channel_id", ch.ChannelID, "error", err)
	}
	return thread.ID, nil
}

// block is one atomic unit of the thread posting. Standalone blocks (file
// URLs) always get their own message so Discord renders the media.
type block struct {
	text       string
	standalone bool
}

// buildThreadBlocks lays out the daily posting: date headline, then per item
// a header, main text with jump link, file URLs, and subtopic lines.
func (s *Summarizer) buildThreadBlocks(date time.Time, items []Item) []block {
	blocks := []block{{text: fmt.Sprintf("**Daily Summary for %s**", date.Format("January 2, 2006"))}}
	for _, it := range items {
		var b strings.Builder
		fmt.Fprintf(&b, "## %s\n%s", it.Title, it.MainText)
		if jump := s.jumpURL(it.ChannelID, it.MessageID); jump != "" {
			b.WriteString(" " + jump)
		}
		blocks = append(blocks, block{text: b.String()})
		for _, u := range splitFileURLs(it.MainFile) {
			blocks = append(blocks, block{text: u, standalone: true})
		}
		for _, sub := range it.SubTopics {
			line := "• " + sub.Text
			if jump := s.jumpURL(sub.ChannelID, sub.MessageID); jump != "" {
				line += " " + jump
			}
			blocks = append(blocks, block{text: line})
			for _, u := range splitFileURLs(sub.File) {
				blocks = append(blocks, block{text: u, standalone: true})
			}
		}
	}
	return blocks
}

// packBlocks groups consecutive text blocks into messages under the limit.
func packBlocks(blocks []block) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, bl := range blocks {
		if bl.standalone {
			flush()
			out = append(out, bl.text)
			continue
		}
		if cur.Len() > 0 && cur.Len()+2+len(bl.text) > postLimit {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(bl.text)
	}
	flush()
	return out
}

func (s *Summarizer) jumpURL(channelID, messageID string) string {
	if channelID == "" || messageID == "" {
		return ""
	}
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", s.cfg.GuildID(), channelID, messageID)
}

func (s *Summarizer) threadURL(threadID string) string {
	return fmt.Sprintf("https://discord.com/channels/%s/%s", s.cfg.GuildID(), threadID)
}

// postFullSummary writes the daily posting into the thread.
func (s *Summarizer) postFullSummary(ctx context.Context, threadID string, date time.Time, items []Item) error {
	for _, msg := range packBlocks(s.buildThreadBlocks(date, items)) {
		if _, err := s.gate.Send(ctx, threadID, msg); err != nil {
			return fmt.Errorf("post summary message: %w", err)
		}
	}
	return nil
}

// shortSummary asks for a 3-bullet digest and enforces the mandated first
// line carrying the exact message count.
func (s *Summarizer) shortSummary(ctx context.Context, items []Item, msgCount int) (string, error) {
	mandated := fmt.Sprintf("📨 __%d messages sent__", msgCount)
	out, err := s.generate(ctx,
		"You write a 3-bullet digest of a Discord channel's daily summary. Each bullet is one short line. Respond with only the three bullets.",
		"Summary items:\n"+encodeItems(items))
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(out, mandated) {
		out = mandated + "\n" + out
	}
	return out, nil
}
