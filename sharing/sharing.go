// Package sharing runs the consent dialog that gates publishing a member's
// post to external platforms: reactor comment, author permission, LLM
// moderation, then publisher fan-out. Durable outcomes land on the member
// row; the dialog itself lives only in memory.
package sharing

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
)

// Gate is the Discord surface the orchestrator needs.
type Gate interface {
	DM(ctx context.Context, userID, content string) (*discordgo.Message, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
}

// LLM is the moderation surface.
type LLM interface {
	Generate(ctx context.Context, req llm.Request) (string, error)
}

const moderationSystem = `You moderate content about to be posted publicly on behalf of a creative community. Judge whether the text is appropriate for a general audience: no harassment, no slurs, no sexual content, no doxxing. Respond with exactly one line: "yes|reason" to allow or "no|reason" to block, lowercase verdict, short reason.`

// Orchestrator owns all live sharing dialogs. One dialog per author at a
// time; replies are routed in by HandleDM.
type Orchestrator struct {
	st         *store.Store
	llm        LLM
	gate       Gate
	publishers []Publisher
	cfg        *config.Config
	logger     *slog.Logger
	botID      func() string

	// timeout bounds each wait-for-reply step.
	timeout time.Duration

	mu      sync.Mutex
	busy    map[string]bool
	waiting map[string]chan string

	wg sync.WaitGroup
}

func New(st *store.Store, lc LLM, gate Gate, pubs []Publisher, cfg *config.Config, botID func() string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		st:         st,
		llm:        lc,
		gate:       gate,
		publishers: pubs,
		cfg:        cfg,
		botID:      botID,
		logger:     logger.With("component", "sharing"),
		timeout:    time.Duration(cfg.Sharing.TimeoutHours) * time.Hour,
		busy:       make(map[string]bool),
		waiting:    make(map[string]chan string),
	}
}

// HandleReactionAdd starts a dialog when the trigger emoji lands on a guild
// message. The dialog runs on its own goroutine; Wait blocks until all live
// dialogs finish.
func (o *Orchestrator) HandleReactionAdd(e *discordgo.MessageReactionAdd) {
	if e.GuildID == "" || e.Emoji.Name != o.cfg.Sharing.TriggerEmoji || e.UserID == o.botID() {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runDialog(context.Background(), e.UserID, e.ChannelID, e.MessageID)
	}()
}

// HandleDM routes a direct message into the dialog waiting on its author,
// if any. Returns true when the message was consumed by a dialog.
func (o *Orchestrator) HandleDM(e *discordgo.MessageCreate) bool {
	if e.GuildID != "" || e.Author == nil || e.Author.Bot {
		return false
	}
	o.mu.Lock()
	ch, ok := o.waiting[e.Author.ID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- strings.TrimSpace(e.Content):
	default:
	}
	return true
}

// Wait blocks until every in-flight dialog has ended.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) runDialog(ctx context.Context, reactorID, channelID, messageID string) {
	msg, err := o.loadMessage(ctx, messageID)
	if err != nil {
		o.logger.Warn("share trigger on unknown message", "message_id", messageID, "error", err)
		o.dm(ctx, reactorID, "Sorry, I couldn't find that message in my records, so it can't be shared.")
		return
	}
	if o.channelIsNSFW(ctx, channelID) {
		o.logger.Info("share refused for nsfw channel", "channel_id", channelID, "message_id", messageID)
		return
	}
	if !o.tryLock(msg.AuthorID) {
		o.dm(ctx, reactorID, "A sharing request for this creator is already in progress. Please try again once it finishes.")
		return
	}
	defer o.unlock(msg.AuthorID)

	initial, err := o.gate.DM(ctx, reactorID,
		"You asked to share this post. Reply with a caption for the post, or \"n\" for no caption. This request expires in "+o.timeoutLabel()+".")
	if err != nil {
		o.logger.Warn("share comment prompt failed", "reactor_id", reactorID, "error", err)
		return
	}
	comment, ok := o.await(ctx, reactorID)
	if !ok {
		o.expireDM(ctx, initial)
		o.dm(ctx, reactorID, "Your sharing request expired without a reply, so nothing was shared.")
		return
	}
	if elidedComment(comment) {
		comment = ""
	}

	author := o.loadMember(ctx, msg.AuthorID)
	var model, path string
	switch {
	case author.SharingConsent == store.ConsentGranted:
		model, path = o.cfg.Sharing.PreApprovedModel, "pre-approved"
	case author.SharingConsent == store.ConsentUnset && author.DMPreference:
		granted, done := o.askAuthorConsent(ctx, reactorID, &author)
		if !done {
			return
		}
		if !granted {
			o.dm(ctx, reactorID, "The creator declined to have this post shared.")
			return
		}
		model, path = o.cfg.Sharing.FirstAskModel, "first-ask"
	default:
		o.dm(ctx, reactorID, "This creator's posts can't be shared: they have opted out.")
		return
	}

	allowed, reason := o.moderate(ctx, comment, msg.Content, model, path)
	if !allowed {
		o.dm(ctx, reactorID, "This post can't be shared: it didn't pass content review.")
		o.alertAdmin(ctx, fmt.Sprintf("**Content Flagged by LLM**\nDecision: no\nReason: %s\nPath: %s\nMessage: %s", reason, path, msg.JumpURL))
		return
	}

	text := composeText(comment, twitterHandle(author.TwitterHandle, author.DisplayName()))
	for _, res := range o.publishAll(ctx, text, msg) {
		if res.err != nil {
			o.logger.Error("publish failed", "publisher", res.name, "message_id", msg.MessageID, "error", res.err)
			o.dm(ctx, reactorID, "Sorry, sharing to "+res.name+" failed. The admins have been notified in the logs.")
			continue
		}
		o.dm(ctx, reactorID, "Shared to "+res.name+": "+res.link)
	}
}

// askAuthorConsent runs the first-ask leg. done is false when the dialog
// ended inside (timeout or DM failure) with the reactor already notified.
func (o *Orchestrator) askAuthorConsent(ctx context.Context, reactorID string, author *store.Member) (granted, done bool) {
	prompt, err := o.gate.DM(ctx, author.MemberID,
		"A community member would like to share one of your posts outside the server, with credit to you. Reply \"yes\" to allow sharing of your posts, or \"no\" to decline. This request expires in "+o.timeoutLabel()+".")
	if err != nil {
		o.logger.Warn("consent prompt failed", "author_id", author.MemberID, "error", err)
		o.dm(ctx, reactorID, "I couldn't reach the creator to ask for permission, so nothing was shared.")
		return false, false
	}
	reply, ok := o.await(ctx, author.MemberID)
	if !ok {
		o.expireDM(ctx, prompt)
		o.dm(ctx, reactorID, "The creator didn't respond in time, so nothing was shared.")
		return false, false
	}
	granted = affirmative(reply)
	consent := store.ConsentDenied
	if granted {
		consent = store.ConsentGranted
	}
	if err := o.persistConsent(ctx, author.MemberID, consent); err != nil {
		o.logger.Error("persist consent failed", "author_id", author.MemberID, "error", err)
	}
	author.SharingConsent = consent
	if granted {
		o.dm(ctx, author.MemberID, "Thanks! Your posts can now be shared with credit. You can change this any time by messaging me.")
	} else {
		o.dm(ctx, author.MemberID, "Understood. Your posts won't be shared.")
	}
	return granted, true
}

// PublishPreApproved shares a message without a reactor dialog. Moderation
// still runs on the pre-approved model. Returns the first successful post
// URL. Used by the admin agent.
func (o *Orchestrator) PublishPreApproved(ctx context.Context, messageID string) (string, error) {
	msg, err := o.loadMessage(ctx, messageID)
	if err != nil {
		return "", fmt.Errorf("load message: %w", err)
	}
	if o.channelIsNSFW(ctx, msg.ChannelID) {
		return "", fmt.Errorf("message %s is in an nsfw channel", messageID)
	}
	author := o.loadMember(ctx, msg.AuthorID)
	allowed, reason := o.moderate(ctx, "", msg.Content, o.cfg.Sharing.PreApprovedModel, "agent")
	if !allowed {
		o.alertAdmin(ctx, fmt.Sprintf("**Content Flagged by LLM**\nDecision: no\nReason: %s\nPath: agent\nMessage: %s", reason, msg.JumpURL))
		return "", fmt.Errorf("content flagged: %s", reason)
	}
	text := composeText("", twitterHandle(author.TwitterHandle, author.DisplayName()))
	var firstLink string
	var errs []string
	for _, res := range o.publishAll(ctx, text, msg) {
		if res.err != nil {
			errs = append(errs, res.name+": "+res.err.Error())
			continue
		}
		if firstLink == "" {
			firstLink = res.link
		}
	}
	if firstLink == "" {
		if len(errs) == 0 {
			return "", fmt.Errorf("no publishers configured")
		}
		return "", fmt.Errorf("all publishers failed: %s", strings.Join(errs, "; "))
	}
	return firstLink, nil
}

// moderate returns the verdict for the composed content. Empty inputs skip
// the call entirely. Transport failures allow the content through but alert
// the admin; a malformed reply blocks it.
func (o *Orchestrator) moderate(ctx context.Context, comment, content, model, path string) (allowed bool, reason string) {
	if strings.TrimSpace(comment) == "" && strings.TrimSpace(content) == "" {
		return true, ""
	}
	out, err := o.llm.Generate(ctx, llm.Request{
		Provider: o.cfg.Sharing.Provider,
		Model:    model,
		System:   moderationSystem,
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Caption:\n%s\n\nPost content:\n%s", comment, content),
		}},
		MaxTokens: 200,
	})
	if err != nil {
		o.logger.Error("moderation call failed, allowing", "path", path, "error", err)
		o.alertAdmin(ctx, fmt.Sprintf("**Moderation Error**\nPath: %s\nError: %v\nContent was allowed through.", path, err))
		return true, ""
	}
	v, reason, ok := parseVerdict(out)
	if !ok {
		return false, "unreadable moderator reply: " + out
	}
	return v, reason
}

type publishResult struct {
	name string
	link string
	err  error
}

func (o *Orchestrator) publishAll(ctx context.Context, text string, msg store.Message) []publishResult {
	media := make([]string, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		media = append(media, a.URL)
	}
	results := make([]publishResult, 0, len(o.publishers))
	for _, p := range o.publishers {
		link, err := p.Publish(ctx, text, media, msg.MessageID, msg.AuthorID)
		results = append(results, publishResult{name: p.Name(), link: link, err: err})
	}
	return results
}

// await parks the dialog until the user's next DM, the timeout, or ctx.
func (o *Orchestrator) await(ctx context.Context, userID string) (string, bool) {
	ch := make(chan string, 1)
	o.mu.Lock()
	o.waiting[userID] = ch
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.waiting, userID)
		o.mu.Unlock()
	}()
	select {
	case reply := <-ch:
		return reply, true
	case <-time.After(o.timeout):
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

func (o *Orchestrator) tryLock(authorID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy[authorID] {
		return false
	}
	o.busy[authorID] = true
	return true
}

func (o *Orchestrator) unlock(authorID string) {
	o.mu.Lock()
	delete(o.busy, authorID)
	o.mu.Unlock()
}

func (o *Orchestrator) loadMessage(ctx context.Context, messageID string) (store.Message, error) {
	var msg store.Message
	err := o.st.Table(store.TableMessages).Select().Eq("message_id", messageID).FetchOne(ctx, &msg)
	return msg, err
}

// loadMember falls back to a default-preference member when the author was
// never indexed; dm_preference defaults to true.
func (o *Orchestrator) loadMember(ctx context.Context, memberID string) store.Member {
	var m store.Member
	err := o.st.Table(store.TableMembers).Select().Eq("member_id", memberID).FetchOne(ctx, &m)
	if err != nil {
		if err != store.ErrNotFound {
			o.logger.Warn("load member failed", "member_id", memberID, "error", err)
		}
		return store.Member{MemberID: memberID, Username: memberID, DMPreference: true}
	}
	return m
}

func (o *Orchestrator) persistConsent(ctx context.Context, memberID string, consent store.Consent) error {
	_, err := o.st.Table(store.TableMembers).
		Update(map[string]any{"sharing_consent": int(consent)}).
		Eq("member_id", memberID).Exec(ctx)
	return err
}

func (o *Orchestrator) channelIsNSFW(ctx context.Context, channelID string) bool {
	var ch store.Channel
	err := o.st.Table(store.TableChannels).Select().Eq("channel_id", channelID).FetchOne(ctx, &ch)
	if err != nil {
		return false
	}
	return ch.NSFW || strings.Contains(strings.ToLower(ch.Name), "nsfw")
}

// dm sends best-effort; dialog outcomes never depend on the send succeeding.
func (o *Orchestrator) dm(ctx context.Context, userID, content string) {
	if _, err := o.gate.DM(ctx, userID, content); err != nil {
		o.logger.Warn("dm failed", "user_id", userID, "error", err)
	}
}

func (o *Orchestrator) alertAdmin(ctx context.Context, content string) {
	if o.cfg.Bot.AdminUserID == "" {
		return
	}
	o.dm(ctx, o.cfg.Bot.AdminUserID, content)
}

// expireDM removes the prompt that timed out so stale asks don't linger.
func (o *Orchestrator) expireDM(ctx context.Context, prompt *discordgo.Message) {
	if prompt == nil {
		return
	}
	if err := o.gate.DeleteMessage(ctx, prompt.ChannelID, prompt.ID); err != nil {
		o.logger.Warn("delete expired prompt failed", "message_id", prompt.ID, "error", err)
	}
}

func (o *Orchestrator) timeoutLabel() string {
	if o.timeout >= time.Hour {
		return fmt.Sprintf("%d hours", int(o.timeout/time.Hour))
	}
	return o.timeout.String()
}
