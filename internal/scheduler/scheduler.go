package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dukerupert/calsync/internal/model"
	"github.com/dukerupert/calsync/internal/reconcile"
)

const (
	DefaultRenewSchedule  = "@every 1h"
	DefaultResyncSchedule = "@every 30m"
	DefaultRenewWindow    = 24 * time.Hour
)

// Renewer replaces channels that are about to expire.
type Renewer interface {
	RenewExpiring(ctx context.Context, within time.Duration) (int, error)
}

// WatchLister lists subscriptions eligible for a fallback resync.
type WatchLister interface {
	ListEnabled(ctx context.Context) ([]model.WatchSubscription, error)
}

// Runner performs one reconciliation.
type Runner interface {
	Run(ctx context.Context, t reconcile.Target, trigger string) (reconcile.Result, error)
}

type Config struct {
	RenewSchedule  string
	ResyncSchedule string
	RenewWindow    time.Duration
}

// Scheduler runs periodic channel renewal and a fallback incremental sync
// of every enabled watch, covering pushes that never arrived.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	renewer Renewer
	watches WatchLister
	runner  Runner
	logger  *slog.Logger
	cron    *cron.Cron
	cancel  context.CancelFunc
}

func New(cfg Config, renewer Renewer, watches WatchLister, runner Runner, logger *slog.Logger) *Scheduler {
	if cfg.RenewSchedule == "" {
		cfg.RenewSchedule = DefaultRenewSchedule
	}
	if cfg.ResyncSchedule == "" {
		cfg.ResyncSchedule = DefaultResyncSchedule
	}
	if cfg.RenewWindow <= 0 {
		cfg.RenewWindow = DefaultRenewWindow
	}
	return &Scheduler{
		cfg:     cfg,
		renewer: renewer,
		watches: watches,
		runner:  runner,
		logger:  logger,
	}
}

// Start registers the jobs and begins running them. Jobs never overlap
// with a still-running instance of themselves.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)))

	if _, err := c.AddFunc(s.cfg.RenewSchedule, func() { s.RenewWatches(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule renewal %q: %w", s.cfg.RenewSchedule, err)
	}
	if _, err := c.AddFunc(s.cfg.ResyncSchedule, func() { s.ResyncAll(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule resync %q: %w", s.cfg.ResyncSchedule, err)
	}

	c.Start()
	s.cron = c
	s.cancel = cancel
	s.logger.Info("scheduler started", "renew", s.cfg.RenewSchedule, "resync", s.cfg.ResyncSchedule)
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
}

func (s *Scheduler) RenewWatches(ctx context.Context) {
	n, err := s.renewer.RenewExpiring(ctx, s.cfg.RenewWindow)
	if err != nil {
		s.logger.Error("renew watches", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("watches renewed", "count", n)
	}
}

// ResyncAll runs an incremental sync for each enabled watch in turn.
func (s *Scheduler) ResyncAll(ctx context.Context) {
	watches, err := s.watches.ListEnabled(ctx)
	if err != nil {
		s.logger.Error("list watches for resync", "error", err)
		return
	}

	for _, w := range watches {
		if ctx.Err() != nil {
			return
		}
		t := reconcile.Target{UserID: w.UserID, CalendarID: w.CalendarID, WatchID: w.ID}
		if _, err := s.runner.Run(ctx, t, model.TriggerSchedule); err != nil {
			s.logger.Debug("scheduled sync failed", "watch_id", w.ID, "error", err)
		}
	}
}
