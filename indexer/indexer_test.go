package indexer

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/mwestra/chronicle/config"
	"github.com/mwestra/chronicle/store"
)

const testBotID = "bot-1"

type fakeREST struct {
	mu       sync.Mutex
	messages map[string]*discordgo.Message
	history  []*discordgo.Message
	afterIDs []string
}

func (f *fakeREST) Message(_ context.Context, _, messageID string) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.messages[messageID]; ok {
		return m, nil
	}
	return nil, &discordgo.RESTError{Message: &discordgo.APIErrorMessage{Message: "Unknown Message"}}
}

func (f *fakeREST) HistoryAscending(_ context.Context, _, afterID string, fn func([]*discordgo.Message) error) error {
	f.mu.Lock()
	f.afterIDs = append(f.afterIDs, afterID)
	history := f.history
	f.mu.Unlock()

	for start := 0; start < len(history); start += 100 {
		end := start + 100
		if end > len(history) {
			end = len(history)
		}
		if err := fn(history[start:end]); err != nil {
			if err == errBackfillDone {
				return nil
			}
			return err
		}
	}
	return nil
}

type fakeAlerter struct {
	mu  sync.Mutex
	dms []string
}

func (f *fakeAlerter) DM(_ context.Context, _ string, content string) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dms = append(f.dms, content)
	return &discordgo.Message{ID: "dm"}, nil
}

func newTestIndexer(t *testing.T) (*Indexer, *store.Store, *fakeREST, *fakeAlerter) {
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

	rest := &fakeREST{messages: make(map[string]*discordgo.Message)}
	alert := &fakeAlerter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ix := New(st, rest, alert, "admin-1", func() string { return testBotID }, logger)
	return ix, st, rest, alert
}

func guildMessage(id, channelID, authorID, content string, ts time.Time) *discordgo.Message {
	return &discordgo.Message{
		ID:        id,
		ChannelID: channelID,
		GuildID:   "guild-1",
		Content:   content,
		Timestamp: ts,
		Author:    &discordgo.User{ID: authorID, Username: "user-" + authorID},
	}
}

func createEvent(id, channelID, authorID, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: guildMessage(id, channelID, authorID, content, time.Now().UTC()),
	}
}

func fetchMessage(t *testing.T, st *store.Store, id string) store.Message {
	t.Helper()
	var m store.Message
	err := st.Table(store.TableMessages).Select().Eq("message_id", id).FetchOne(context.Background(), &m)
	if err != nil {
		t.Fatalf("fetch message %s: %v", id, err)
	}
	return m
}

func TestMessageCreateIndexesRow(t *testing.T) {
	ix, st, _, _ := newTestIndexer(t)
	ctx := context.Background()

	ix.HandleMessageCreate(ctx, createEvent("m1", "c1", "a1", "hello"))
	ix.Flush(ctx)

	m := fetchMessage(t, st, "m1")
	if m.Content != "hello" || m.AuthorID != "a1" {
		t.Errorf("row = %+v", m)
	}
	if m.JumpURL != "https://discord.com/channels/guild-1/c1/m1" {
		t.Errorf("jump url = %s", m.JumpURL)
	}

	// Channel and author observed.
	n, _ := st.Table(store.TableChannels).Select().Eq("channel_id", "c1").Count(ctx)
	if n != 1 {
		t.Errorf("channel rows = %d", n)
	}
	n, _ = st.Table(store.TableMembers).Select().Eq("member_id", "a1").Count(ctx)
	if n != 1 {
		t.Errorf("member rows = %d", n)
	}
}

func TestReplayProducesNoDuplicates(t *testing.T) {
	ix, st, _, _ := newTestIndexer(t)
	ctx := context.Background()

	ev := createEvent("m1", "c1", "a1", "hello")
	ix.HandleMessageCreate(ctx, ev)
	ix.Flush(ctx)
	// Resumed sessions replay recent events.
	ix.HandleMessageCreate(ctx, ev)
	ix.HandleMessageCreate(ctx, ev)
	ix.Flush(ctx)

	n, err := st.Table(store.TableMessages).Select().Eq("channel_id", "c1").Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func TestDMsAreNotIndexed(t *testing.T) {
	ix, st, _, _ := newTestIndexer(t)
	ctx := context.Background()

	ev := createEvent("m1", "dm-1", "a1", "private")
	ev.GuildID = ""
	ix.HandleMessageCreate(ctx, ev)
	ix.Flush(ctx)

	n, _ := st.Table(store.TableMessages).Select().Eq("message_id", "m1").Count(ctx)
	if n != 0 {
		t.Error("DM was indexed")
	}
}

func TestMessageUpdatePatchesContent(t *testing.T) {
	ix, st, _, _ := newTestIndexer(t)
	ctx := context.Background()

	ix.HandleMessageCreate(ctx, createEvent("m1", "c1", "a1", "before"))
	edited := time.Now().UTC().Truncate(time.Second)
	ix.HandleMessageUpdate(ctx, &discordgo.MessageUpdate{
		Message: &discordgo.Message{
			ID: "m1", ChannelID: "c1", GuildID: "guild-1",
			Content: "after", EditedTimestamp: &edited,
		},
	})

	m := fetchMessage(t, st, "m1")
	if m.Content != "after" {
		t.Errorf("content = %q", m.Content)
	}
	if m.EditedAt == nil || !m.EditedAt.Equal(edited) {
		t.Errorf("edited_at = %v, want %v", m.EditedAt, edited)
	}
}

func TestMessageDeleteTombstones(t *testing.T) {
	ix, st, _, _ := newTestIndexer(t)
	ctx := context.Background()

	ix.HandleMessageCreate(ctx, createEvent("m1", "c1", "a1", "keep me"))
	ix.HandleMessageDelete(ctx, &discordgo.MessageDelete{
		Message: &discordgo.Message{ID: "m1", ChannelID: "c1", GuildID: "guild-1"},
	})

	m := fetchMessage(t, st, "m1")
	if !m.IsDeleted {
		t.Error("row not tombstoned")
	}
	if m.Content != "keep me" {
		t.Errorf("content lost: %q", m.Content)
	}
}

func reactionAdd(messageID, userID string) *discordgo.MessageReactionAdd {
	return &discordgo.MessageReactionAdd{
		MessageReaction: &discordgo.MessageReaction{
			MessageID: messageID, ChannelID: "c1", GuildID: "guild-1", UserID: userID,
		},
	}
}

func reactionRemove(messageID, userID string) *discordgo.MessageReactionRemove {
	return &discordgo.MessageReactionRemove{
		MessageReaction: &discordgo.MessageReaction{
			MessageID: messageID, ChannelID: "c1", GuildID: "guild-1", UserID: userID,
		},
	}
}

func TestReactionAddExcludesBotFromReactors(t *testing.T) {
	ix, st, _, _ := newTestIndexer(t)
	ctx := context.Background()

	ix.HandleMessageCreate(ctx, createEvent("m1", "c1", "a1", "nice"))
	ix.HandleReactionAdd(ctx, reactionAdd("m1", "u1"))
	ix.HandleReactionAdd(ctx, reactionAdd("m1", testBotID))
	ix.HandleReactionAdd(ctx, reactionAdd("m1", "u2"))

	m := fetchMessage(t, st, "m1")
	if m.ReactionCount != 3 {
		t.Errorf("reaction_count = %d, want 3", m.ReactionCount)
	}
	if len(m.Reactors) != 2 || m.HasReactor(testBotID) {
		t.Errorf("reactors = %v, bot must be excluded", m.Reactors)
	}
	if len(m.Reactors) > m.ReactionCount {
		t.Error("reactor set larger than reaction count")
	}
}

func TestReactionAddSameUserReplays(t *testing.T) {
	ix, st, _, _ := newTestIndexer(t)
	ctx := context.Background()

	ix.HandleMessageCreate(ctx, createEvent("m1", "c1", "a1", "nice"))
	ix.HandleReactionAdd(ctx, reactionAdd("m1", "u1"))
	// Replayed event and a second emoji from the same user are no-ops.
	ix.HandleReactionAdd(ctx, reactionAdd("m1", "u1"))
	ix.HandleReactionAdd(ctx, reactionAdd("m1", "u1"))

	m := fetchMessage(t, st, "m1")
	if m.ReactionCount != 1 {
		t.Errorf("reaction_count = %d, want 1", m.ReactionCount)
	}
	if len(m.Reactors) != 1 || !m.HasReactor("u1") {
		t.Errorf("reactors = %v, want [u1]", m.Reactors)
	}
}

func TestReactionRemoveBoundedAtZero(t *testing.T) {
	ix, st, _, _ := newTestIndexer(t)
	ctx := context.Background()

	ix.HandleMessageCreate(ctx, createEvent("m1", "c1", "a1", "nice"))
	ix.HandleReactionRemove(ctx, reactionRemove("m1", "u1"))

	m := fetchMessage(t, st, "m1")
	if m.ReactionCount != 0 {
		t.Errorf("reaction_count = %d, want 0", m.ReactionCount)
	}
}

func TestReactionOnUnindexedMessageFetchesIt(t *testing.T) {
	ix, st, rest, _ := newTestIndexer(t)
	ctx := context.Background()

	rest.messages["old-1"] = guildMessage("old-1", "c1", "a9", "ancient", time.Now().Add(-24*time.Hour))
	ix.HandleReactionAdd(ctx, reactionAdd("old-1", "u1"))

	m := fetchMessage(t, st, "old-1")
	if m.Content != "ancient" {
		t.Errorf("content = %q", m.Content)
	}
	if m.ReactionCount != 1 || len(m.Reactors) != 1 {
		t.Errorf("reactions = %d/%v", m.ReactionCount, m.Reactors)
	}
}

func TestCircuitBreakerTripsAndAlerts(t *testing.T) {
	ix, st, _, alert := newTestIndexer(t)
	ctx := context.Background()

	// Kill the backend so every write fails.
	st.Close()
	for i := 0; i < breakerThreshold; i++ {
		ix.HandleMessageDelete(ctx, &discordgo.MessageDelete{
			Message: &discordgo.Message{ID: "m1", ChannelID: "c1", GuildID: "guild-1"},
		})
	}

	if !ix.paused() {
		t.Error("breaker did not trip")
	}
	alert.mu.Lock()
	defer alert.mu.Unlock()
	if len(alert.dms) != 1 {
		t.Errorf("admin DMs = %d, want exactly 1", len(alert.dms))
	}
}

func TestBackfillPagesAndResumes(t *testing.T) {
	ix, st, rest, _ := newTestIndexer(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	for i := 0; i < 250; i++ {
		rest.history = append(rest.history,
			guildMessage(snowflakeAt(start.Add(time.Duration(i)*time.Minute)), "c1", "a1", "msg", start.Add(time.Duration(i)*time.Minute)))
	}

	n, err := ix.Backfill(ctx, "guild-1", "c1", start, end)
	if err != nil {
		t.Fatalf("Backfill() error: %v", err)
	}
	if n != 250 {
		t.Errorf("indexed = %d, want 250", n)
	}
	count, _ := st.Table(store.TableMessages).Select().Eq("channel_id", "c1").Count(ctx)
	if count != 250 {
		t.Errorf("rows = %d, want 250", count)
	}

	// A second run resumes from the stored maximum, not the window start.
	if _, err := ix.Backfill(ctx, "guild-1", "c1", start, end); err != nil {
		t.Fatalf("Backfill() resume error: %v", err)
	}
	rest.mu.Lock()
	defer rest.mu.Unlock()
	if len(rest.afterIDs) != 2 {
		t.Fatalf("history calls = %d", len(rest.afterIDs))
	}
	if rest.afterIDs[1] <= rest.afterIDs[0] {
		t.Errorf("resume afterID %s not past initial %s", rest.afterIDs[1], rest.afterIDs[0])
	}
}

func TestBackfillStopsAtWindowEnd(t *testing.T) {
	ix, _, rest, _ := newTestIndexer(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	for i := 0; i < 120; i++ {
		ts := start.Add(time.Duration(i) * time.Minute) // half past the window
		rest.history = append(rest.history, guildMessage(snowflakeAt(ts), "c1", "a1", "msg", ts))
	}

	n, err := ix.Backfill(ctx, "guild-1", "c1", start, end)
	if err != nil {
		t.Fatalf("Backfill() error: %v", err)
	}
	if n != 61 {
		t.Errorf("indexed = %d, want 61 (start through end inclusive)", n)
	}
}

func TestBackfillPreservesGatewayReactions(t *testing.T) {
	ix, st, rest, _ := newTestIndexer(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	ts := start.Add(10 * time.Minute)
	id := snowflakeAt(ts)

	// Gateway indexes the message and accumulates reactor identities.
	ix.HandleMessageCreate(ctx, &discordgo.MessageCreate{Message: guildMessage(id, "c1", "a1", "art", ts)})
	ix.Flush(ctx)
	ix.HandleReactionAdd(ctx, reactionAdd(id, "u1"))
	ix.HandleReactionAdd(ctx, reactionAdd(id, "u2"))

	// A backfill over the same window re-fetches the row; REST history
	// knows nothing about who reacted.
	rest.history = append(rest.history, guildMessage(id, "c1", "a1", "art", ts))
	if _, err := ix.Backfill(ctx, "guild-1", "c1", start, end); err != nil {
		t.Fatalf("Backfill() error: %v", err)
	}

	m := fetchMessage(t, st, id)
	if len(m.Reactors) != 2 || !m.HasReactor("u1") || !m.HasReactor("u2") {
		t.Errorf("reactors = %v, want [u1 u2] preserved", m.Reactors)
	}
	if m.ReactionCount != 2 {
		t.Errorf("reaction_count = %d, want 2 preserved", m.ReactionCount)
	}
}

func TestRefreshReplacesAttachmentURLs(t *testing.T) {
	ix, st, rest, _ := newTestIndexer(t)
	ctx := context.Background()

	ev := createEvent("m1", "c1", "a1", "art")
	ev.Attachments = []*discordgo.MessageAttachment{{ID: "att1", Filename: "gen.png", URL: "https://cdn/old?ex=1"}}
	ix.HandleMessageCreate(ctx, ev)
	ix.Flush(ctx)

	fresh := guildMessage("m1", "c1", "a1", "art", time.Now())
	fresh.Attachments = []*discordgo.MessageAttachment{{ID: "att1", Filename: "gen.png", URL: "https://cdn/new?ex=2"}}
	rest.messages["m1"] = fresh

	urls, err := ix.Refresh(ctx, "m1")
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if len(urls) != 1 || urls[0] != "https://cdn/new?ex=2" {
		t.Errorf("urls = %v", urls)
	}
	m := fetchMessage(t, st, "m1")
	if m.Attachments[0].URL != "https://cdn/new?ex=2" {
		t.Errorf("stored url = %s", m.Attachments[0].URL)
	}
}

func TestSnowflakeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	id := snowflakeAt(ts)
	back := snowflakeTime(id)
	if !back.Equal(ts) {
		t.Errorf("round trip %v -> %s -> %v", ts, id, back)
	}
	if !snowflakeTime("not-a-number").IsZero() {
		t.Error("garbage id did not yield zero time")
	}
}
