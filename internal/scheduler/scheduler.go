// Package scheduler runs the server's timed work: the snapshot broadcast
// loop and daily maintenance such as session log pruning.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/tether/internal/config"
	"github.com/energizer-project/tether/internal/registry"
)

// SessionStore is the part of the session audit log the scheduler maintains.
type SessionStore interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
	Count(ctx context.Context) (int, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg         *config.Config
	reg         *registry.Registry
	sessions    SessionStore
	broadcaster *Broadcaster

	now func() time.Time
}

// NewScheduler creates a new task scheduler. sessions and broadcaster may
// be nil.
func NewScheduler(cfg *config.Config, reg *registry.Registry, sessions SessionStore, broadcaster *Broadcaster) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		reg:         reg,
		sessions:    sessions,
		broadcaster: broadcaster,
		now:         time.Now,
	}
}

// Start begins running all scheduled tasks and blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	if s.sessions != nil && s.cfg.GetApplicationData().SessionLog.Enabled {
		go s.runSessionPruneLoop(ctx)
	}

	go s.runStatsCollectionLoop(ctx)

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runSessionPruneLoop prunes the session log at the configured time daily.
func (s *Scheduler) runSessionPruneLoop(ctx context.Context) {
	for {
		nextRun := s.nextCleanupTime()
		sleepDuration := nextRun.Sub(s.now())
		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		log.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("session log pruning scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleepDuration):
			s.pruneSessions(ctx)
		}
	}
}

// pruneSessions deletes closed sessions older than the retention window.
func (s *Scheduler) pruneSessions(ctx context.Context) (int64, error) {
	retentionDays := s.cfg.GetApplicationData().SessionLog.RetentionDays
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	n, err := s.sessions.Prune(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("session log pruning failed")
		return 0, err
	}

	log.Info().
		Int64("deleted", n).
		Int("retention_days", retentionDays).
		Msg("session log pruned")
	return n, nil
}

// runStatsCollectionLoop logs daily statistics.
func (s *Scheduler) runStatsCollectionLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collectStats(ctx)
		}
	}
}

// DailyStats is the summary logged once a day.
type DailyStats struct {
	Participants   int
	StoredSessions int
	Broadcast      BroadcastStats
}

// collectStats gathers and logs daily statistics.
func (s *Scheduler) collectStats(ctx context.Context) DailyStats {
	stats := DailyStats{Participants: s.reg.Len()}

	if s.sessions != nil {
		if n, err := s.sessions.Count(ctx); err == nil {
			stats.StoredSessions = n
		}
	}
	if s.broadcaster != nil {
		stats.Broadcast = s.broadcaster.Stats()
	}

	log.Info().
		Int("participants", stats.Participants).
		Int("stored_sessions", stats.StoredSessions).
		Uint64("ticks", stats.Broadcast.Ticks).
		Uint64("skipped_ticks", stats.Broadcast.Skipped).
		Uint64("datagrams_failed", stats.Broadcast.Failed).
		Uint64("overruns", stats.Broadcast.Overruns).
		Msg("daily stats collected")
	return stats
}

// nextCleanupTime returns the next time the pruning should run.
func (s *Scheduler) nextCleanupTime() time.Time {
	cleanupTime := s.cfg.GetApplicationData().SessionLog.CleanupTime
	parts := strings.Split(cleanupTime, ":")

	hour, minute := 4, 0 // Default: 4:00 AM
	if len(parts) >= 2 {
		fmt.Sscanf(parts[0], "%d", &hour)
		fmt.Sscanf(parts[1], "%d", &minute)
	}

	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
