// Package gateway wraps the Discord session: connection state tracking,
// heartbeat health, and a bounded event queue so slow handlers can never
// stall the socket. All outbound REST calls go through the rate limiter.
package gateway

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/mwestra/chronicle/ratelimit"
)

// ConnState is the logical session state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateReady
	StateResuming
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateResuming:
		return "RESUMING"
	default:
		return "DISCONNECTED"
	}
}

const (
	queueSize   = 512
	workerCount = 4
	// ackTimeout is how stale the last heartbeat ACK may be before the
	// connection is reported unhealthy.
	ackTimeout = 90 * time.Second
)

// Gateway owns the Discord session. Event handlers are registered before
// Start and dispatched from a worker pool; when the queue fills, the
// enqueue blocks, which delays further gateway reads (receive-side
// backpressure).
type Gateway struct {
	session *discordgo.Session
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	mu        sync.Mutex
	state     ConnState
	sessionID string
	readyAt   time.Time

	queue chan func()
	ready chan struct{} // closed on first READY

	onMessageCreate  []func(*discordgo.MessageCreate)
	onMessageUpdate  []func(*discordgo.MessageUpdate)
	onMessageDelete  []func(*discordgo.MessageDelete)
	onReactionAdd    []func(*discordgo.MessageReactionAdd)
	onReactionRemove []func(*discordgo.MessageReactionRemove)
	onMemberUpdate   []func(*discordgo.GuildMemberUpdate)
	onReady          []func()
}

// New creates the gateway with the required intents. Handlers must be
// registered before Start.
func New(token string, limiter *ratelimit.Limiter, logger *slog.Logger) (*Gateway, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	// The limiter owns retry policy for REST calls.
	session.MaxRestRetries = 0

	g := &Gateway{
		session: session,
		limiter: limiter,
		logger:  logger.With("component", "gateway"),
		queue:   make(chan func(), queueSize),
		ready:   make(chan struct{}),
	}
	session.AddHandler(g.handleConnect)
	session.AddHandler(g.handleDisconnect)
	session.AddHandler(g.handleReady)
	session.AddHandler(g.handleResumed)
	session.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageCreate) {
		g.dispatch(func() {
			for _, fn := range g.onMessageCreate {
				fn(e)
			}
		})
	})
	session.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageUpdate) {
		g.dispatch(func() {
			for _, fn := range g.onMessageUpdate {
				fn(e)
			}
		})
	})
	session.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageDelete) {
		g.dispatch(func() {
			for _, fn := range g.onMessageDelete {
				fn(e)
			}
		})
	})
	session.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageReactionAdd) {
		g.dispatch(func() {
			for _, fn := range g.onReactionAdd {
				fn(e)
			}
		})
	})
	session.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageReactionRemove) {
		g.dispatch(func() {
			for _, fn := range g.onReactionRemove {
				fn(e)
			}
		})
	})
	session.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildMemberUpdate) {
		g.dispatch(func() {
			for _, fn := range g.onMemberUpdate {
				fn(e)
			}
		})
	})
	return g, nil
}

// OnMessageCreate registers a MessageCreate handler. Not safe after Start.
func (g *Gateway) OnMessageCreate(fn func(*discordgo.MessageCreate)) {
	g.onMessageCreate = append(g.onMessageCreate, fn)
}

func (g *Gateway) OnMessageUpdate(fn func(*discordgo.MessageUpdate)) {
	g.onMessageUpdate = append(g.onMessageUpdate, fn)
}

func (g *Gateway) OnMessageDelete(fn func(*discordgo.MessageDelete)) {
	g.onMessageDelete = append(g.onMessageDelete, fn)
}

func (g *Gateway) OnReactionAdd(fn func(*discordgo.MessageReactionAdd)) {
	g.onReactionAdd = append(g.onReactionAdd, fn)
}

func (g *Gateway) OnReactionRemove(fn func(*discordgo.MessageReactionRemove)) {
	g.onReactionRemove = append(g.onReactionRemove, fn)
}

func (g *Gateway) OnMemberUpdate(fn func(*discordgo.GuildMemberUpdate)) {
	g.onMemberUpdate = append(g.onMemberUpdate, fn)
}

func (g *Gateway) OnReady(fn func()) {
	g.onReady = append(g.onReady, fn)
}

// Start opens the connection and launches the dispatch workers.
// An authentication failure is returned as a fatal error.
func (g *Gateway) Start() error {
	for i := 0; i < workerCount; i++ {
		go g.worker()
	}
	g.setState(StateConnecting)
	if err := g.session.Open(); err != nil {
		g.setState(StateDisconnected)
		if isAuthFailure(err) {
			return fmt.Errorf("authentication rejected, token invalid: %w", err)
		}
		return fmt.Errorf("open gateway: %w", err)
	}
	return nil
}

// Stop closes the connection and the dispatch queue.
func (g *Gateway) Stop() error {
	err := g.session.Close()
	close(g.queue)
	g.setState(StateDisconnected)
	return err
}

// Ready returns a channel closed once the first READY arrives.
func (g *Gateway) Ready() <-chan struct{} { return g.ready }

// BotUserID returns the bot's own user id once connected.
func (g *Gateway) BotUserID() string {
	if g.session.State != nil && g.session.State.User != nil {
		return g.session.State.User.ID
	}
	return ""
}

func (g *Gateway) dispatch(fn func()) {
	defer func() {
		// Stop closes the queue while the socket may still deliver events.
		_ = recover()
	}()
	g.queue <- fn
}

func (g *Gateway) worker() {
	for fn := range g.queue {
		fn()
	}
}

func (g *Gateway) setState(s ConnState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = s
}

func (g *Gateway) handleConnect(_ *discordgo.Session, _ *discordgo.Connect) {
	g.setState(StateConnecting)
	g.logger.Info("gateway socket connected")
}

func (g *Gateway) handleDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	g.mu.Lock()
	// With a live session id the transport will try to resume; without one
	// it must re-identify from scratch.
	if g.sessionID != "" {
		g.state = StateResuming
	} else {
		g.state = StateDisconnected
	}
	state := g.state
	g.mu.Unlock()
	g.logger.Warn("gateway disconnected", "state", state.String())
}

func (g *Gateway) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	g.mu.Lock()
	first := g.readyAt.IsZero()
	g.state = StateReady
	g.sessionID = r.SessionID
	g.readyAt = time.Now()
	g.mu.Unlock()

	g.logger.Info("gateway ready", "session_id", r.SessionID)
	if first {
		close(g.ready)
	}
	g.dispatch(func() {
		for _, fn := range g.onReady {
			fn()
		}
	})
}

func (g *Gateway) handleResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	g.setState(StateReady)
	g.logger.Info("gateway session resumed")
}

// Status is a point-in-time connection snapshot.
type Status struct {
	State            string    `json:"state"`
	SessionID        string    `json:"session_id,omitempty"`
	ReadySince       time.Time `json:"ready_since,omitempty"`
	LastHeartbeatAck time.Time `json:"last_heartbeat_ack,omitempty"`
	HeartbeatLatency string    `json:"heartbeat_latency,omitempty"`
	Healthy          bool      `json:"healthy"`
}

// Snapshot reports the current state and heartbeat health. The connection is
// healthy while READY and the last heartbeat ACK is fresh. Staleness is only
// reported; the transport's own reconnect handles recovery.
func (g *Gateway) Snapshot() Status {
	g.mu.Lock()
	st := Status{
		State:      g.state.String(),
		SessionID:  g.sessionID,
		ReadySince: g.readyAt,
	}
	ready := g.state == StateReady
	g.mu.Unlock()

	st.LastHeartbeatAck = g.session.LastHeartbeatAck
	if !st.LastHeartbeatAck.IsZero() {
		st.HeartbeatLatency = g.session.HeartbeatLatency().String()
	}
	st.Healthy = ready && !st.LastHeartbeatAck.IsZero() &&
		time.Since(st.LastHeartbeatAck) < ackTimeout
	return st
}

// Healthy reports whether the session is READY with a fresh heartbeat ACK.
func (g *Gateway) Healthy() bool { return g.Snapshot().Healthy }

func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "4004") ||
		strings.Contains(strings.ToLower(msg), "authentication failed")
}
