package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/mwestra/chronicle/store"
)

// Backfill pages channel history oldest to newest between start and end and
// writes batches of idempotent upserts. On restart it resumes from the max
// created_at already stored for the channel, so a crashed run loses nothing.
func (ix *Indexer) Backfill(ctx context.Context, guildID, channelID string, start, end time.Time) (int, error) {
	resume, err := ix.resumePoint(ctx, channelID, start, end)
	if err != nil {
		return 0, fmt.Errorf("resume point: %w", err)
	}
	afterID := snowflakeAt(resume)
	ix.logger.Info("backfill starting", "channel_id", channelID,
		"from", store.FormatTime(resume), "to", store.FormatTime(end))

	total := 0
	lastLogged := 0
	err = ix.rest.HistoryAscending(ctx, channelID, afterID, func(page []*discordgo.Message) error {
		rows := make([]any, 0, len(page))
		for _, m := range page {
			if m.Timestamp.After(end) {
				break
			}
			rows = append(rows, convertMessage(m, guildID))
			if m.Author != nil {
				ix.upsertAuthor(ctx, m.Author, m.Member, guildID)
			}
		}
		if len(rows) == 0 {
			return errBackfillDone
		}
		// REST history carries reaction totals but not reactor identities,
		// so re-covered rows keep what the gateway has accumulated.
		err := ix.st.Table(store.TableMessages).
			UpsertBatchPreserve(ctx, "message_id", []string{"reactors", "reaction_count"}, rows...)
		if err != nil {
			return err
		}
		total += len(rows)
		if total-lastLogged >= 1000 {
			lastLogged = total
			ix.logger.Info("backfill progress", "channel_id", channelID, "indexed", total)
		}
		if len(rows) < len(page) {
			return errBackfillDone
		}
		return nil
	})
	if err != nil && err != errBackfillDone {
		return total, fmt.Errorf("backfill %s: %w", channelID, err)
	}
	ix.logger.Info("backfill complete", "channel_id", channelID, "indexed", total)
	return total, nil
}

var errBackfillDone = fmt.Errorf("backfill window exhausted")

// resumePoint returns where paging should restart: the newest created_at
// already stored inside the window, or the window start.
func (ix *Indexer) resumePoint(ctx context.Context, channelID string, start, end time.Time) (time.Time, error) {
	var last store.Message
	err := ix.st.Table(store.TableMessages).Select("created_at").
		Eq("channel_id", channelID).
		Gte("created_at", store.FormatTime(start)).
		Lte("created_at", store.FormatTime(end)).
		Order("created_at", true).
		Limit(1).
		FetchOne(ctx, &last)
	if err == store.ErrNotFound {
		return start, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return last.CreatedAt, nil
}
