package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/mwestra/chronicle/store"
)

// Refresh re-fetches a message over REST and replaces its stored attachment
// URLs, which expire on the CDN. Returns the fresh URLs.
func (ix *Indexer) Refresh(ctx context.Context, messageID string) ([]string, error) {
	var row store.Message
	err := ix.st.Table(store.TableMessages).Select().
		Eq("message_id", messageID).FetchOne(ctx, &row)
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", messageID, err)
	}

	fetched, err := ix.rest.Message(ctx, row.ChannelID, messageID)
	if err != nil {
		return nil, fmt.Errorf("fetch message %s: %w", messageID, err)
	}
	attachments := convertAttachments(fetched.Attachments)
	_, err = ix.st.Table(store.TableMessages).Update(map[string]any{
		"attachments": attachments,
		"embeds":      convertEmbeds(fetched.Embeds),
	}).Eq("message_id", messageID).Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("update attachments %s: %w", messageID, err)
	}

	urls := make([]string, 0, len(attachments))
	for _, a := range attachments {
		urls = append(urls, a.URL)
	}
	return urls, nil
}

// RefreshRanked refreshes the top reacted messages with attachments since
// the given time. Failures on individual messages are logged and skipped.
func (ix *Indexer) RefreshRanked(ctx context.Context, since time.Time, limit int) (map[string][]string, error) {
	if limit <= 0 {
		limit = 25
	}
	var rows []store.Message
	err := ix.st.Table(store.TableMessages).Select("message_id", "attachments", "reaction_count").
		Gte("created_at", store.FormatTime(since)).
		Eq("is_deleted", false).
		Order("reaction_count", true).
		Limit(limit).
		Fetch(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("rank messages: %w", err)
	}

	out := make(map[string][]string)
	for _, row := range rows {
		if len(row.Attachments) == 0 {
			continue
		}
		urls, err := ix.Refresh(ctx, row.MessageID)
		if err != nil {
			ix.logger.Warn("refresh failed", "message_id", row.MessageID, "error", err)
			continue
		}
		out[row.MessageID] = urls
	}
	return out, nil
}
