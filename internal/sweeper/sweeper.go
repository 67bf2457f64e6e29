// Package sweeper runs the background maintenance loops: presence
// expiry on a short ticker, thread auto-archive and analytics
// recomputation on cron schedules. A failing iteration is logged and
// the loop continues; a sweep can never stop subsequent sweeps.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/prometheus/client_golang/prometheus"

	"chatstate/pkg/config"
	"chatstate/pkg/logger"
	"chatstate/pkg/presence"
	"chatstate/pkg/telemetry"
	"chatstate/pkg/threads"
)

// consistency checks piggyback on the expiry loop every this many
// iterations.
const consistencyEvery = 60

// Sweeper owns the background loops for one presence and one thread
// registry.
type Sweeper struct {
	presence *presence.Registry
	threads  *threads.Registry

	interval      time.Duration
	archiveCron   string
	analyticsCron string

	archiveEnabled   bool
	analyticsEnabled bool

	wg sync.WaitGroup
}

// Start validates the schedules and launches the loops. Cancel ctx to
// stop them; Wait joins all loops before returning, so shutdown is
// cancel-then-wait.
func Start(ctx context.Context, pres *presence.Registry, thr *threads.Registry, cfg *config.Config) (*Sweeper, error) {
	s := &Sweeper{
		presence:         pres,
		threads:          thr,
		interval:         cfg.Presence.SweepInterval.Duration(),
		archiveCron:      cfg.Threads.AutoArchiveCron,
		analyticsCron:    cfg.Threads.AnalyticsCron,
		archiveEnabled:   config.Enabled(cfg.Threads.AutoArchive),
		analyticsEnabled: config.Enabled(cfg.Threads.AnalyticsEnabled),
	}
	if s.interval <= 0 {
		s.interval = config.DefaultSweepInterval
	}
	if s.archiveEnabled && !gronx.IsValid(s.archiveCron) {
		return nil, fmt.Errorf("invalid auto-archive cron expression: %s", s.archiveCron)
	}
	if s.analyticsEnabled && !gronx.IsValid(s.analyticsCron) {
		return nil, fmt.Errorf("invalid analytics cron expression: %s", s.analyticsCron)
	}

	s.wg.Add(1)
	go s.expiryLoop(ctx)
	if s.archiveEnabled {
		s.wg.Add(1)
		go s.cronLoop(ctx, "auto_archive", s.archiveCron, func() {
			s.threads.AutoArchiveStale()
		})
	} else {
		logger.Info("auto_archive_disabled")
	}
	if s.analyticsEnabled {
		s.wg.Add(1)
		go s.cronLoop(ctx, "analytics", s.analyticsCron, func() {
			s.threads.RecomputeAnalytics()
		})
	} else {
		logger.Info("analytics_disabled")
	}

	logger.Info("sweeper_started", "interval", s.interval.String(),
		"auto_archive_cron", s.archiveCron, "analytics_cron", s.analyticsCron)
	return s, nil
}

// Wait blocks until every loop has observed cancellation and exited.
func (s *Sweeper) Wait() {
	s.wg.Wait()
}

func (s *Sweeper) expiryLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	iter := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("expiry_loop_stopping")
			return
		case <-ticker.C:
			s.runOnce("presence_expiry", func() {
				s.presence.ExpireStale()
			})
			iter++
			if iter%consistencyEvery == 0 {
				s.runOnce("consistency", func() {
					s.presence.CheckConsistency()
					s.threads.CheckConsistency()
				})
			}
		}
	}
}

// cronLoop sleeps until the next cron tick and runs fn, in the style
// of a retention scheduler: a scheduling error backs off and retries
// rather than exiting.
func (s *Sweeper) cronLoop(ctx context.Context, name, cronExpr string, fn func()) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			logger.Info("cron_loop_stopping", "sweep", name)
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("cron_nexttick_failed", "sweep", name, "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				logger.Info("cron_loop_stopping", "sweep", name)
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			s.runOnce(name, fn)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				logger.Info("cron_loop_stopping", "sweep", name)
				return
			}
			continue
		}

		select {
		case <-time.After(wait):
			s.runOnce(name, fn)
		case <-ctx.Done():
			logger.Info("cron_loop_stopping", "sweep", name)
			return
		}
	}
}

// runOnce executes one sweep iteration, isolating panics and timing it.
func (s *Sweeper) runOnce(name string, fn func()) {
	timer := prometheus.NewTimer(telemetry.SweepDuration.WithLabelValues(name))
	defer timer.ObserveDuration()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("sweep_panic", "sweep", name, "panic", r)
		}
	}()
	fn()
}
