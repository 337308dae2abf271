// Package bot assembles the application: store, gateway, indexing,
// summarization, sharing, curation, the admin agent, the scheduler, and
// the status HTTP server.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/mwestra/chronicle/agent"
	"github.com/mwestra/chronicle/config"
	"github.com/mwestra/chronicle/curator"
	"github.com/mwestra/chronicle/gateway"
	"github.com/mwestra/chronicle/indexer"
	"github.com/mwestra/chronicle/llm"
	"github.com/mwestra/chronicle/moderation"
	"github.com/mwestra/chronicle/ratelimit"
	"github.com/mwestra/chronicle/schedule"
	"github.com/mwestra/chronicle/sharing"
	"github.com/mwestra/chronicle/store"
	"github.com/mwestra/chronicle/summarizer"
	"github.com/mwestra/chronicle/tools"
	"github.com/mwestra/chronicle/topcontent"
	"github.com/mwestra/chronicle/web"
)

// App owns every long-lived component and the goroutines that drive them.
type App struct {
	cfg    *config.Config
	st     *store.Store
	logger *slog.Logger

	gw      *gateway.Gateway
	ix      *indexer.Indexer
	share   *sharing.Orchestrator
	curate  *curator.Curator
	agent   *agent.Agent
	sched   *schedule.Scheduler
	web     *web.Server
	started time.Time

	ctx        context.Context
	cancel     context.CancelFunc
	enrichOnce sync.Once
	bg         sync.WaitGroup
}

// New wires the full dependency graph. ctx bounds every background
// goroutine the app starts; cancelling it begins shutdown.
func New(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithCancel(ctx)
	a := &App{
		cfg:    cfg,
		st:     st,
		logger: logger.With("component", "bot"),
		ctx:    ctx,
		cancel: cancel,
	}

	limiter := ratelimit.New(500*time.Millisecond, 30*time.Second, 5)
	gw, err := gateway.New(cfg.Bot.Token, limiter, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create gateway: %w", err)
	}
	a.gw = gw

	llmClient := llm.New(&cfg.LLM)
	mod := moderation.New(&cfg.Moderation, logger)
	if !mod.Enabled() {
		logger.Warn("moderation.endpoint not set, media moderation disabled")
	}

	a.ix = indexer.New(st, gw, gw, cfg.Bot.AdminUserID, gw.BotUserID, logger)
	top := topcontent.New(st, gw, logger)
	summ := summarizer.New(st, llmClient, gw, top, mod, cfg, logger)

	var pubs []sharing.Publisher
	if cfg.Sharing.TwitterBearerToken != "" {
		pubs = append(pubs, sharing.NewXPublisher(cfg.Sharing.TwitterBearerToken))
	} else {
		logger.Warn("sharing.twitter_bearer_token not set, shares will not be published")
	}
	a.share = sharing.New(st, llmClient, gw, pubs, cfg, gw.BotUserID, logger)
	a.curate = curator.New(st, llmClient, gw, cfg, gw.BotUserID, logger)

	adminSend := func(content string) error {
		_, err := gw.DM(a.ctx, cfg.Bot.AdminUserID, content)
		return err
	}
	reg := tools.NewAdminRegistry(tools.AdminDeps{
		Store:     st,
		Sharer:    a.share,
		Refresher: a.ix,
		Top:       top,
		Status:    a.statusText,
		Send:      adminSend,
	})
	a.agent = agent.New(llmClient, reg, adminSend, cfg, logger)

	a.sched = schedule.New(st, summ, gw, cfg.Bot.AdminUserID, logger)
	a.web = web.New(cfg.Health.Addr, gw.Snapshot, logger)

	a.registerHandlers()
	return a, nil
}

// registerHandlers binds gateway events to the pipelines. Everything runs
// on the gateway's dispatch workers, so handlers only do quick store work
// or hand off to their own goroutines.
func (a *App) registerHandlers() {
	a.gw.OnMessageCreate(func(e *discordgo.MessageCreate) {
		if e.Author == nil || e.Author.Bot {
			return
		}
		if e.GuildID == "" {
			a.routeDM(e)
			return
		}
		a.ix.HandleMessageCreate(a.ctx, e)
	})
	a.gw.OnMessageUpdate(func(e *discordgo.MessageUpdate) {
		a.ix.HandleMessageUpdate(a.ctx, e)
	})
	a.gw.OnMessageDelete(func(e *discordgo.MessageDelete) {
		a.ix.HandleMessageDelete(a.ctx, e)
	})
	a.gw.OnReactionAdd(func(e *discordgo.MessageReactionAdd) {
		a.ix.HandleReactionAdd(a.ctx, e)
		a.share.HandleReactionAdd(e)
		a.curate.HandleReactionAdd(e)
	})
	a.gw.OnReactionRemove(func(e *discordgo.MessageReactionRemove) {
		a.ix.HandleReactionRemove(a.ctx, e)
	})
	a.gw.OnMemberUpdate(func(e *discordgo.GuildMemberUpdate) {
		a.ix.HandleMemberUpdate(a.ctx, e)
	})
	a.gw.OnReady(func() {
		a.enrichOnce.Do(func() {
			a.bg.Add(1)
			go func() {
				defer a.bg.Done()
				a.enrichChannels(a.ctx)
			}()
		})
	})
}

// routeDM gives waiting consent dialogs first claim on a DM so their
// replies are never swallowed by the admin agent, which consumes every
// remaining admin DM.
func (a *App) routeDM(e *discordgo.MessageCreate) {
	if a.share.HandleDM(e) {
		return
	}
	if a.curate.HandleDM(e) {
		return
	}
	if a.agent.HandleDM(a.ctx, e) {
		return
	}
	a.logger.Debug("unrouted dm ignored", "author_id", e.Author.ID)
}

// Start opens the gateway and launches the indexer, scheduler, and status
// server. It returns once the gateway connection is up.
func (a *App) Start() error {
	a.started = time.Now()
	if err := a.gw.Start(); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	a.bg.Add(2)
	go func() {
		defer a.bg.Done()
		a.ix.Run(a.ctx)
	}()
	go func() {
		defer a.bg.Done()
		a.sched.Run(a.ctx)
	}()
	go func() {
		if err := a.web.Start(); err != nil {
			a.logger.Error("status server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts everything down in dependency order: stop accepting events,
// let in-flight dialogs and batches drain, then close the store users.
func (a *App) Stop() {
	a.logger.Info("stopping")
	a.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.web.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("status server shutdown failed", "error", err)
	}
	if err := a.gw.Stop(); err != nil {
		a.logger.Error("gateway stop failed", "error", err)
	}

	a.ix.Flush(shutdownCtx)
	a.share.Wait()
	a.curate.Wait()
	a.bg.Wait()
	a.logger.Info("stopped")
}

// enrichChannels reconciles the channels table with the live guild layout.
// Name, category, and nsfw come from Discord; curated fields like the
// channel description are admin-owned and left untouched.
func (a *App) enrichChannels(ctx context.Context) {
	chans, err := a.gw.GuildChannels(ctx, a.cfg.GuildID())
	if err != nil {
		a.logger.Error("channel enrichment failed", "error", err)
		return
	}
	var updated int
	for _, ch := range chans {
		switch ch.Type {
		case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews, discordgo.ChannelTypeGuildForum:
		default:
			continue
		}
		patch := map[string]any{
			"name":        ch.Name,
			"category_id": ch.ParentID,
			"nsfw":        ch.NSFW,
			"enriched":    true,
		}
		n, err := a.st.Table(store.TableChannels).Update(patch).Eq("channel_id", ch.ID).Exec(ctx)
		if err != nil {
			a.logger.Error("channel enrichment update failed", "channel_id", ch.ID, "error", err)
			continue
		}
		if n == 0 {
			row := store.Channel{
				ChannelID:  ch.ID,
				Name:       ch.Name,
				CategoryID: ch.ParentID,
				NSFW:       ch.NSFW,
				Enriched:   true,
			}
			if err := a.st.Table(store.TableChannels).Insert(ctx, row); err != nil {
				a.logger.Error("channel enrichment insert failed", "channel_id", ch.ID, "error", err)
				continue
			}
		}
		updated++
	}
	a.logger.Info("channels enriched", "count", updated)
}

func (a *App) statusText() string {
	s := a.gw.Snapshot()
	uptime := time.Since(a.started).Round(time.Second)
	return fmt.Sprintf(
		"State: %s\nHealthy: %t\nSession: %s\nReady since: %s\nHeartbeat latency: %s\nUptime: %s",
		s.State, s.Healthy, s.SessionID, s.ReadySince.Format(time.RFC3339), s.HeartbeatLatency, uptime,
	)
}
