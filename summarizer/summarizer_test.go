package summarizer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/mwestra/chronicle/config"
	"github.com/mwestra/chronicle/llm"
	"github.com/mwestra/chronicle/store"
)

type fakeLLM struct {
	mu      sync.Mutex
	calls   []llm.Request
	respond func(req llm.Request) (string, error)
}

func (f *fakeLLM) Generate(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type sentMsg struct{ channelID, content string }

type fakeGate struct {
	mu       sync.Mutex
	sent     []sentMsg
	threads  map[string]*discordgo.Channel
	channels map[string]*discordgo.Channel
	nextID   int
}

func newFakeGate() *fakeGate {
	return &fakeGate{
		threads:  make(map[string]*discordgo.Channel),
		channels: make(map[string]*discordgo.Channel),
	}
}

func (f *fakeGate) Send(_ context.Context, channelID, content string) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sentMsg{channelID, content})
	return &discordgo.Message{ID: fmt.Sprintf("sent-%d", f.nextID), ChannelID: channelID}, nil
}

func (f *fakeGate) CreateThread(_ context.Context, channelID, name string) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	th := &discordgo.Channel{ID: fmt.Sprintf("thread-%d", f.nextID), Name: name, ParentID: channelID}
	f.threads[th.ID] = th
	f.channels[th.ID] = th
	return th, nil
}

func (f *fakeGate) Channel(_ context.Context, channelID string) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[channelID]; ok {
		return ch, nil
	}
	return nil, &discordgo.RESTError{Message: &discordgo.APIErrorMessage{Message: "Unknown Channel"}}
}

func (f *fakeGate) sentTo(channelID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if m.channelID == channelID {
			out = append(out, m.content)
		}
	}
	return out
}

var runTime = time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		Bot: config.BotConfig{GuildID: "guild-1"},
		Summary: config.SummaryConfig{
			SummaryChannelID:  "summary-global",
			ChannelsToMonitor: []string{"c1", "cat-1"},
			Provider:          "claude",
			Model:             "claude-test",
			MinMessages:       25,
			ChunkSize:         1000,
			MaxConcurrent:     2,
			MinUniqueReactor:  3,
			TopLimit:          5,
		},
	}
}

func newTestSummarizer(t *testing.T, respond func(req llm.Request) (string, error)) (*Summarizer, *store.Store, *fakeLLM, *fakeGate) {
	t.Helper()
	st, err := store.Open(&config.StoreConfig{
		Driver:     "sqlite3",
		SQLitePath: ":memory:",
		ObjectDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	client := &fakeLLM{respond: respond}
	gate := newFakeGate()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(st, client, gate, nil, nil, testConfig(), logger)
	return s, st, client, gate
}

const itemsJSON = `[{"title": "New sampler released", "mainText": "Someone shared a new sampling technique.", "mainFile": "https://cdn/a.png, https://cdn/b.png", "message_id": "m1", "channel_id": "c1", "subTopics": [{"text": "Follow-up benchmark", "message_id": "m2", "channel_id": "c1"}]}]`

// scriptedLLM answers the chunk, merge, and digest prompts.
func scriptedLLM(req llm.Request) (string, error) {
	switch {
	case req.System == systemPrompt:
		return itemsJSON, nil
	case req.System == mergeSystem:
		return itemsJSON, nil
	default:
		return "• one\n• two\n• three", nil
	}
}

func seedChannel(t *testing.T, st *store.Store, ch store.Channel) {
	t.Helper()
	if err := st.Table(store.TableChannels).Upsert(context.Background(), ch, "channel_id"); err != nil {
		t.Fatalf("seed channel: %v", err)
	}
}

func seedWindowMessages(t *testing.T, st *store.Store, channelID string, n int) {
	t.Helper()
	start, _, _ := Window(runTime)
	rows := make([]any, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, store.Message{
			MessageID: fmt.Sprintf("%s-m%d", channelID, i),
			ChannelID: channelID,
			AuthorID:  "a1",
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: start.Add(time.Duration(i) * time.Minute),
			Reactors:  []string{},
		})
	}
	if err := st.Table(store.TableMessages).UpsertBatch(context.Background(), "message_id", rows...); err != nil {
		t.Fatalf("seed messages: %v", err)
	}
}

func TestWindow(t *testing.T) {
	start, end, date := Window(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	if end != time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC) {
		t.Errorf("end = %v", end)
	}
	if start != end.Add(-24*time.Hour) || date != "2026-03-02" {
		t.Errorf("start = %v date = %s", start, date)
	}

	// Before 07:00 the previous day's window applies.
	_, end, date = Window(time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC))
	if end != time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC) || date != "2026-03-01" {
		t.Errorf("early run: end = %v date = %s", end, date)
	}

	// A run shortly after 07:00 covers the previous day's content but the
	// row carries the run day.
	start, end, date = Window(time.Date(2025, 3, 11, 7, 5, 0, 0, time.UTC))
	if start != time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC) ||
		end != time.Date(2025, 3, 11, 7, 0, 0, 0, time.UTC) ||
		date != "2025-03-11" {
		t.Errorf("window = %v..%v date = %s", start, end, date)
	}
}

func TestParseItems(t *testing.T) {
	items, err := parseItems("Here is the summary:\n" + itemsJSON + "\nHope that helps!")
	if err != nil {
		t.Fatalf("parseItems() error: %v", err)
	}
	if len(items) != 1 || items[0].Title != "New sampler released" {
		t.Errorf("items = %+v", items)
	}
	if len(items[0].SubTopics) != 1 {
		t.Errorf("subtopics = %+v", items[0].SubTopics)
	}

	items, err = parseItems("[NO SIGNIFICANT NEWS]")
	if err != nil || items != nil {
		t.Errorf("no-news: items=%v err=%v", items, err)
	}

	if _, err := parseItems("I could not produce a summary."); err == nil {
		t.Error("prose accepted as payload")
	}
	if _, err := parseItems(`[{"mainText": "no title"}]`); err == nil {
		t.Error("missing title accepted")
	}
}

func TestSplitFileURLs(t *testing.T) {
	urls := splitFileURLs(" https://a.png , https://b.png,")
	if len(urls) != 2 || urls[0] != "https://a.png" || urls[1] != "https://b.png" {
		t.Errorf("urls = %v", urls)
	}
	if splitFileURLs("") != nil {
		t.Error("empty field returned urls")
	}
}

func TestPackBlocksRespectsLimitAndStandalone(t *testing.T) {
	long := strings.Repeat("x", 1000)
	blocks := []block{
		{text: long},
		{text: long}, // would exceed the limit together
		{text: "https://cdn/file.png", standalone: true},
		{text: "tail"},
	}
	msgs := packBlocks(blocks)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	for _, m := range msgs {
		if len(m) > postLimit {
			t.Errorf("message exceeds limit: %d", len(m))
		}
	}
	if msgs[2] != "https://cdn/file.png" {
		t.Errorf("file url not standalone: %q", msgs[2])
	}
}

func TestMonthlyThreadName(t *testing.T) {
	got := monthlyThreadName("ai-art", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if got != "#ai-art - Monthly Summary - March, 2026" {
		t.Errorf("name = %q", got)
	}
}

func TestEligibility(t *testing.T) {
	s, st, _, _ := newTestSummarizer(t, scriptedLLM)
	ctx := context.Background()
	start, end, _ := Window(runTime)

	seedChannel(t, st, store.Channel{ChannelID: "c1", Name: "general"})
	seedChannel(t, st, store.Channel{ChannelID: "c2", Name: "inside-category", CategoryID: "cat-1"})
	seedChannel(t, st, store.Channel{ChannelID: "c3", Name: "unmonitored"})
	seedChannel(t, st, store.Channel{ChannelID: "c4", Name: "nsfw-art", CategoryID: "cat-1"})
	seedWindowMessages(t, st, "c1", 25) // exactly at threshold
	seedWindowMessages(t, st, "c2", 30)
	seedWindowMessages(t, st, "c3", 50)
	seedWindowMessages(t, st, "c4", 50)

	chans, err := s.eligibleChannels(ctx, start, end)
	if err != nil {
		t.Fatalf("eligibleChannels() error: %v", err)
	}
	got := map[string]bool{}
	for _, c := range chans {
		got[c.ChannelID] = true
	}
	if !got["c1"] || !got["c2"] {
		t.Errorf("eligible = %v, want c1 (direct) and c2 (category)", got)
	}
	if got["c3"] {
		t.Error("unmonitored channel eligible")
	}
	if got["c4"] {
		t.Error("nsfw channel eligible")
	}
}

func TestEligibilityBelowThreshold(t *testing.T) {
	s, st, _, _ := newTestSummarizer(t, scriptedLLM)
	start, end, _ := Window(runTime)

	seedChannel(t, st, store.Channel{ChannelID: "c1", Name: "general"})
	seedWindowMessages(t, st, "c1", 24)

	chans, err := s.eligibleChannels(context.Background(), start, end)
	if err != nil {
		t.Fatalf("eligibleChannels() error: %v", err)
	}
	if len(chans) != 0 {
		t.Errorf("24 messages passed the 25 threshold")
	}
}

func TestSummarizeChannelEndToEnd(t *testing.T) {
	s, st, _, gate := newTestSummarizer(t, scriptedLLM)
	ctx := context.Background()
	start, end, date := Window(runTime)

	seedChannel(t, st, store.Channel{ChannelID: "c1", Name: "general"})
	seedWindowMessages(t, st, "c1", 30)

	ch := store.Channel{ChannelID: "c1", Name: "general"}
	items, err := s.summarizeChannel(ctx, ch, start, end, date)
	if err != nil {
		t.Fatalf("summarizeChannel() error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d", len(items))
	}

	// Thread created with the canonical monthly name.
	var threadID string
	gate.mu.Lock()
	for id, th := range gate.threads {
		threadID = id
		if th.Name != "#general - Monthly Summary - March, 2026" {
			t.Errorf("thread name = %q", th.Name)
		}
	}
	gate.mu.Unlock()
	if threadID == "" {
		t.Fatal("no thread created")
	}

	// Thread posting: headline first, then the item, file URLs standalone.
	posts := gate.sentTo(threadID)
	if len(posts) < 3 {
		t.Fatalf("thread posts = %d", len(posts))
	}
	if !strings.Contains(posts[0], "Daily Summary for March 1, 2026") {
		t.Errorf("first post = %q", posts[0])
	}
	if !strings.Contains(posts[1], "## New sampler released") {
		t.Errorf("item post = %q", posts[1])
	}
	if !strings.Contains(posts[1], "https://discord.com/channels/guild-1/c1/m1") {
		t.Errorf("item post missing jump url: %q", posts[1])
	}
	joined := strings.Join(posts, "\n")
	if !strings.Contains(joined, "https://cdn/a.png") || !strings.Contains(joined, "https://cdn/b.png") {
		t.Errorf("mainFile urls missing: %s", joined)
	}
	if !strings.Contains(joined, "• Follow-up benchmark") {
		t.Errorf("subtopic missing: %s", joined)
	}

	// Short summary in the channel with the mandated first line.
	chanPosts := gate.sentTo("c1")
	if len(chanPosts) != 1 {
		t.Fatalf("channel posts = %d", len(chanPosts))
	}
	if !strings.HasPrefix(chanPosts[0], "📨 __30 messages sent__") {
		t.Errorf("short summary = %q", chanPosts[0])
	}
	if !strings.Contains(chanPosts[0], threadID) {
		t.Errorf("short summary missing thread link: %q", chanPosts[0])
	}

	// Row completed with thread id, and the thread id persisted on the channel.
	var row store.DailySummary
	err = st.Table(store.TableDailySummaries).Select().
		Eq("date", date).Eq("channel_id", "c1").FetchOne(ctx, &row)
	if err != nil {
		t.Fatalf("summary row: %v", err)
	}
	if row.Status != store.SummaryCompleted || row.ThreadID != threadID {
		t.Errorf("row = %+v", row)
	}
	var chRow store.Channel
	if err := st.Table(store.TableChannels).Select().Eq("channel_id", "c1").FetchOne(ctx, &chRow); err != nil {
		t.Fatalf("channel row: %v", err)
	}
	if chRow.SummaryThreadID != threadID {
		t.Errorf("summary_thread_id = %q", chRow.SummaryThreadID)
	}
}

func TestSummarizeChannelIdempotent(t *testing.T) {
	s, st, client, _ := newTestSummarizer(t, scriptedLLM)
	ctx := context.Background()
	start, end, date := Window(runTime)

	err := st.Table(store.TableDailySummaries).Upsert(ctx, store.DailySummary{
		Date: date, ChannelID: "c1", Status: store.SummaryCompleted,
		FullSummary: itemsJSON,
	}, "date,channel_id")
	if err != nil {
		t.Fatalf("seed row: %v", err)
	}

	items, err := s.summarizeChannel(ctx, store.Channel{ChannelID: "c1", Name: "general"}, start, end, date)
	if err != nil {
		t.Fatalf("summarizeChannel() error: %v", err)
	}
	if client.callCount() != 0 {
		t.Errorf("LLM called %d times for a completed summary", client.callCount())
	}
	if len(items) != 1 {
		t.Errorf("stored items not returned for aggregate: %d", len(items))
	}
}

func TestInvalidPayloadMarksFailed(t *testing.T) {
	s, st, client, _ := newTestSummarizer(t, func(req llm.Request) (string, error) {
		return "I will not produce JSON today.", nil
	})
	ctx := context.Background()
	start, end, date := Window(runTime)

	seedChannel(t, st, store.Channel{ChannelID: "c1", Name: "general"})
	seedWindowMessages(t, st, "c1", 30)

	_, err := s.summarizeChannel(ctx, store.Channel{ChannelID: "c1", Name: "general"}, start, end, date)
	if err == nil {
		t.Fatal("invalid payload did not error")
	}
	// One retry happened.
	if client.callCount() != 2 {
		t.Errorf("LLM calls = %d, want 2", client.callCount())
	}

	var row store.DailySummary
	if err := st.Table(store.TableDailySummaries).Select().
		Eq("date", date).Eq("channel_id", "c1").FetchOne(ctx, &row); err != nil {
		t.Fatalf("summary row: %v", err)
	}
	if row.Status != store.SummaryFailed {
		t.Errorf("status = %s", row.Status)
	}
	if !strings.Contains(row.Error, "I will not produce JSON today.") {
		t.Errorf("error lacks raw output: %q", row.Error)
	}
}

func TestNoNewsCompletesWithoutPosting(t *testing.T) {
	s, st, _, gate := newTestSummarizer(t, func(req llm.Request) (string, error) {
		return "[NO SIGNIFICANT NEWS]", nil
	})
	ctx := context.Background()
	start, end, date := Window(runTime)

	seedChannel(t, st, store.Channel{ChannelID: "c1", Name: "general"})
	seedWindowMessages(t, st, "c1", 30)

	items, err := s.summarizeChannel(ctx, store.Channel{ChannelID: "c1", Name: "general"}, start, end, date)
	if err != nil {
		t.Fatalf("summarizeChannel() error: %v", err)
	}
	if items != nil {
		t.Errorf("items = %v", items)
	}
	gate.mu.Lock()
	defer gate.mu.Unlock()
	if len(gate.threads) != 0 {
		t.Error("no-news day created a thread")
	}
	// The channel still gets a single visible line.
	if len(gate.sent) != 1 || !strings.Contains(gate.sent[0].content, "No significant activity") {
		t.Errorf("sent = %+v, want one no-news line", gate.sent)
	}

	var row store.DailySummary
	if err := st.Table(store.TableDailySummaries).Select().
		Eq("date", date).Eq("channel_id", "c1").FetchOne(context.Background(), &row); err != nil {
		t.Fatalf("summary row: %v", err)
	}
	if row.Status != store.SummaryCompleted {
		t.Errorf("status = %s", row.Status)
	}
}

type blockAllModerator struct{ blocked []string }

func (m *blockAllModerator) Block(_ context.Context, url string) bool {
	for _, b := range m.blocked {
		if b == url {
			return true
		}
	}
	return false
}

func TestStripBlockedMedia(t *testing.T) {
	s, _, _, _ := newTestSummarizer(t, scriptedLLM)
	s.mod = &blockAllModerator{blocked: []string{"https://cdn/bad.png"}}

	items := []Item{{
		Title:    "t",
		MainFile: "https://cdn/good.png, https://cdn/bad.png",
		SubTopics: []SubTopic{
			{Text: "s", File: "https://cdn/bad.png"},
		},
	}}
	s.stripBlockedMedia(context.Background(), items)
	if items[0].MainFile != "https://cdn/good.png" {
		t.Errorf("mainFile = %q", items[0].MainFile)
	}
	if items[0].SubTopics[0].File != "" {
		t.Errorf("subtopic file = %q", items[0].SubTopics[0].File)
	}
}

func TestThreadReusedWithinMonth(t *testing.T) {
	s, st, _, gate := newTestSummarizer(t, scriptedLLM)
	ctx := context.Background()
	month := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)

	seedChannel(t, st, store.Channel{ChannelID: "c1", Name: "general"})
	ch := store.Channel{ChannelID: "c1", Name: "general"}

	first, err := s.findOrCreateThread(ctx, ch, month)
	if err != nil {
		t.Fatalf("findOrCreateThread() error: %v", err)
	}
	ch.SummaryThreadID = first
	second, err := s.findOrCreateThread(ctx, ch, month)
	if err != nil {
		t.Fatalf("findOrCreateThread() reuse error: %v", err)
	}
	if second != first {
		t.Errorf("thread recreated: %s vs %s", second, first)
	}

	// A new month gets a new thread.
	third, err := s.findOrCreateThread(ctx, ch, month.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("findOrCreateThread() new month error: %v", err)
	}
	if third == first {
		t.Error("thread not rotated for new month")
	}
	gate.mu.Lock()
	defer gate.mu.Unlock()
	if len(gate.threads) != 2 {
		t.Errorf("threads = %d, want 2", len(gate.threads))
	}
}

func TestRunDailyPostsAggregate(t *testing.T) {
	s, st, _, gate := newTestSummarizer(t, scriptedLLM)
	ctx := context.Background()

	seedChannel(t, st, store.Channel{ChannelID: "c1", Name: "general"})
	seedWindowMessages(t, st, "c1", 30)

	if err := s.RunDaily(ctx, runTime); err != nil {
		t.Fatalf("RunDaily() error: %v", err)
	}

	posts := gate.sentTo("summary-global")
	if len(posts) < 3 {
		t.Fatalf("aggregate posts = %d", len(posts))
	}
	if !strings.Contains(posts[0], "Server Daily Summary for March 1, 2026") {
		t.Errorf("header = %q", posts[0])
	}
	last := posts[len(posts)-1]
	if !strings.Contains(last, "Back to top: https://discord.com/channels/guild-1/summary-global/") {
		t.Errorf("backlink = %q", last)
	}
}
