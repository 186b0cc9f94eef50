package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/campusiot/relayd/internal/config"
)

// motionRetention is how long motion events are kept in memory
const motionRetention = time.Hour

type ledgerCleaner interface {
	DeleteOlderThan(retention time.Duration) (int64, error)
}

type motionPruner interface {
	Prune(maxAge time.Duration) int
}

type dayFormatter interface {
	FormatDay(day time.Time) string
	Timezone() *time.Location
}

// maintenance runs the periodic housekeeping tasks.
type maintenance struct {
	cfg      *config.Config
	ledger   ledgerCleaner
	motion   motionPruner
	schedule dayFormatter
}

func newMaintenance(cfg *config.Config, l ledgerCleaner, m motionPruner, d dayFormatter) *maintenance {
	return &maintenance{cfg: cfg, ledger: l, motion: m, schedule: d}
}

// Start launches the background loops on wg. Each stops when ctx is cancelled.
func (m *maintenance) Start(ctx context.Context, wg *sync.WaitGroup) {
	loop := func(interval time.Duration, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.every(ctx, interval, fn)
		}()
	}

	if m.cfg.Ledger.CleanupInterval.Duration() > 0 && m.cfg.Ledger.RetentionDays > 0 {
		loop(m.cfg.Ledger.CleanupInterval.Duration(), m.cleanupLedger)
	}
	loop(motionRetention/4, m.pruneMotion)

	if interval := m.cfg.Log.PrintSchedule.Duration(); interval > 0 && m.cfg.Scheduler.IsEnabled() {
		m.printSchedule()
		loop(interval, m.printSchedule)
	}
}

func (m *maintenance) every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// cleanupLedger deletes activity and alerts past the retention window.
func (m *maintenance) cleanupLedger() {
	retention := m.cfg.Ledger.RetentionPeriod()
	deleted, err := m.ledger.DeleteOlderThan(retention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
	}
}

func (m *maintenance) pruneMotion() {
	if n := m.motion.Prune(motionRetention); n > 0 {
		log.Debug().Int("pruned", n).Msg("Pruned stale motion events")
	}
}

func (m *maintenance) printSchedule() {
	now := time.Now().In(m.schedule.Timezone())
	log.Info().Msg("Today's schedule:\n" + m.schedule.FormatDay(now))
}
