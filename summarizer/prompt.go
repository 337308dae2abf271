package summarizer

import (
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/mwestra/chronicle/store"
)

var jsonx = jsoniter.ConfigCompatibleWithStandardLibrary

// NoNewsToken is the literal the model returns for an uneventful window.
const NoNewsToken = "[NO SIGNIFICANT NEWS]"

// Item is one summary topic. The field names are part of the model contract.
type Item struct {
	Title     string     `json:"title"`
	MainText  string     `json:"mainText"`
	MainFile  string     `json:"mainFile,omitempty"`
	MessageID string     `json:"message_id"`
	ChannelID string     `json:"channel_id"`
	SubTopics []SubTopic `json:"subTopics"`
}

// SubTopic is a secondary point under an item.
type SubTopic struct {
	Text      string `json:"text"`
	File      string `json:"file,omitempty"`
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
}

const systemPrompt = `You are a community news editor. You receive a day of Discord messages from one channel and produce the channel's daily news.

Respond with ONLY one of:
1. The literal token [NO SIGNIFICANT NEWS] when nothing noteworthy happened.
2. A JSON array of topic items, most important first, shaped exactly like:
[{"title": "...", "mainText": "...", "mainFile": "url1, url2", "message_id": "...", "channel_id": "...", "subTopics": [{"text": "...", "file": "url", "message_id": "...", "channel_id": "..."}]}]

Rules:
- title: short headline. mainText: 1-3 sentences.
- mainFile and file are optional comma-separated attachment URLs taken verbatim from the messages.
- message_id and channel_id must be copied from the source message of each topic.
- 3 to 5 items maximum. No prose outside the JSON.`

const mergeSystem = `You merge partial daily summaries of one Discord channel. You receive several JSON arrays of topic items. Produce ONE JSON array with the top 3-5 items overall, keeping the exact item structure and the original message_id/channel_id/file values. Respond with ONLY the JSON array.`

// buildChunkPrompt renders one chunk of messages in the section format the
// model is trained on, with prior chunk output prepended as context.
func buildChunkPrompt(msgs []store.Message, names map[string]string, prior []string) string {
	var b strings.Builder
	if len(prior) > 0 {
		b.WriteString("Context: topics already covered by earlier parts of this day. Do not duplicate topics already covered.\n")
		for _, p := range prior {
			b.WriteString(p)
			b.WriteString("\n")
		}
		b.WriteString("\n---\n\n")
	}
	for _, m := range msgs {
		name := names[m.AuthorID]
		if name == "" {
			name = m.AuthorID
		}
		fmt.Fprintf(&b, "[=== Message from %s ===]\n", name)
		fmt.Fprintf(&b, "Time: %s\n", m.CreatedAt.UTC().Format(time.RFC3339))
		fmt.Fprintf(&b, "Content: %s\n", m.Content)
		fmt.Fprintf(&b, "Reactions: %d\n", m.ReactionCount)
		if len(m.Attachments) > 0 {
			b.WriteString("Attachments: ")
			parts := make([]string, 0, len(m.Attachments))
			for _, a := range m.Attachments {
				parts = append(parts, a.Filename+": "+a.URL)
			}
			b.WriteString(strings.Join(parts, ", "))
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Message ID: %s\n", m.MessageID)
		fmt.Fprintf(&b, "Channel ID: %s\n\n", m.ChannelID)
	}
	return b.String()
}

// parseItems interprets a model response: the no-news token, or a JSON array
// located by scanning for the first [ and last ] so preambles are tolerated.
// A (nil, nil) return means no significant news.
func parseItems(raw string) ([]Item, error) {
	if strings.Contains(strings.ToUpper(raw), NoNewsToken) {
		return nil, nil
	}
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}
	var items []Item
	if err := jsonx.Unmarshal([]byte(raw[start:end+1]), &items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	for i, it := range items {
		if it.Title == "" {
			return nil, fmt.Errorf("item %d missing title", i)
		}
	}
	return items, nil
}

// encodeItems renders items back to the canonical JSON array.
func encodeItems(items []Item) string {
	b, err := jsonx.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// splitFileURLs splits a comma-separated file field into clean URLs.
func splitFileURLs(field string) []string {
	if strings.TrimSpace(field) == "" {
		return nil
	}
	parts := strings.Split(field, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if u := strings.TrimSpace(p); u != "" {
			out = append(out, u)
		}
	}
	return out
}
