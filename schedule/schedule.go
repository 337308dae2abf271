// Package schedule is the single cooperative clock: it fires the daily
// summary run at 07:00 UTC and a set of health checks every 6 hours,
// coalescing health findings into one admin DM.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/mwestra/chronicle/store"
	"github.com/mwestra/chronicle/summarizer"
)

const (
	dailyHour      = 7
	healthInterval = 6 * time.Hour
)

// DailyRunner is the summarizer surface the scheduler drives.
type DailyRunner interface {
	RunDaily(ctx context.Context, now time.Time) error
}

// Alerter delivers health findings to the admin.
type Alerter interface {
	DM(ctx context.Context, userID, content string) (*discordgo.Message, error)
}

type Scheduler struct {
	st      *store.Store
	daily   DailyRunner
	alert   Alerter
	adminID string
	logger  *slog.Logger

	// now is replaced in tests.
	now func() time.Time
}

func New(st *store.Store, daily DailyRunner, alert Alerter, adminID string, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		st:      st,
		daily:   daily,
		alert:   alert,
		adminID: adminID,
		logger:  logger.With("component", "schedule"),
		now:     time.Now,
	}
}

// Run blocks until ctx is done, waking for the next due daily run or health
// sweep, whichever comes first.
func (s *Scheduler) Run(ctx context.Context) {
	nextHealth := s.now().UTC().Add(healthInterval)
	for {
		now := s.now().UTC()
		nextDaily := nextDailyRun(now)
		wake := nextDaily
		if nextHealth.Before(wake) {
			wake = nextHealth
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wake.Sub(now)):
		}

		now = s.now().UTC()
		if !now.Before(nextDaily) {
			s.logger.Info("daily summary run starting")
			if err := s.daily.RunDaily(ctx, now); err != nil {
				s.logger.Error("daily summary run failed", "error", err)
			}
		}
		if !now.Before(nextHealth) {
			s.RunHealthChecks(ctx)
			nextHealth = now.Add(healthInterval)
		}
	}
}

// nextDailyRun is the next 07:00 UTC strictly after now.
func nextDailyRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), dailyHour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// RunHealthChecks runs all checks and sends a single coalesced admin DM
// when any of them fail.
func (s *Scheduler) RunHealthChecks(ctx context.Context) {
	now := s.now().UTC()
	var findings []string

	ingested, err := s.countSince(ctx, now.Add(-healthInterval))
	if err != nil {
		s.logger.Error("ingestion check failed", "error", err)
	} else if ingested == 0 {
		findings = append(findings, "No messages indexed in the last 6 hours")
	}

	if err == nil && ingested > 0 {
		reacted, rerr := s.reactionsSince(ctx, now.Add(-24*time.Hour))
		if rerr != nil {
			s.logger.Error("reaction check failed", "error", rerr)
		} else if !reacted {
			findings = append(findings, "No reactions recorded on messages in the last 24 hours")
		}
	}

	if now.Hour() >= dailyHour+1 {
		// The summary row is keyed by the run day, the window's end.
		_, _, windowDate := summarizer.Window(now)
		ok, serr := s.summaryCompleted(ctx, windowDate)
		if serr != nil {
			s.logger.Error("summary check failed", "error", serr)
		} else if !ok {
			findings = append(findings, fmt.Sprintf("No daily summary found for %s", windowDate))
		}
	}

	if len(findings) == 0 {
		s.logger.Info("health checks passed")
		return
	}
	s.logger.Warn("health checks failed", "findings", len(findings))
	body := "⚠️ **Health check findings**\n• " + strings.Join(findings, "\n• ")
	if _, err := s.alert.DM(ctx, s.adminID, body); err != nil {
		s.logger.Error("health alert failed", "error", err)
	}
}

func (s *Scheduler) countSince(ctx context.Context, since time.Time) (int, error) {
	return s.st.Table(store.TableMessages).Select().
		Gte("indexed_at", store.FormatTime(since)).
		Count(ctx)
}

func (s *Scheduler) reactionsSince(ctx context.Context, since time.Time) (bool, error) {
	n, err := s.st.Table(store.TableMessages).Select().
		Gte("created_at", store.FormatTime(since)).
		Gt("reaction_count", 0).
		Count(ctx)
	return n > 0, err
}

func (s *Scheduler) summaryCompleted(ctx context.Context, date string) (bool, error) {
	n, err := s.st.Table(store.TableDailySummaries).Select().
		Eq("date", date).
		Eq("status", store.SummaryCompleted).
		Count(ctx)
	return n > 0, err
}
