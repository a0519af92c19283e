package webhook

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/calsync/internal/model"
	"github.com/dukerupert/calsync/internal/reconcile"
)

const (
	defaultConcurrency = 4
	defaultRunTimeout  = 5 * time.Minute
)

// Resource states sent by the provider. StateSync is the handshake sent
// when a channel is created and carries no changes.
const (
	StateSync      = "sync"
	StateExists    = "exists"
	StateNotExists = "not_exists"
)

// Notification is one inbound push delivery.
type Notification struct {
	ChannelID     string
	ResourceID    string
	ResourceState string
	Token         string
	MessageNumber string
}

// Runner performs one reconciliation.
type Runner interface {
	Run(ctx context.Context, t reconcile.Target, trigger string) (reconcile.Result, error)
}

// WatchLookup resolves a channel to its enabled subscriptions.
type WatchLookup interface {
	ListByChannel(ctx context.Context, channelID, resourceID string) ([]model.WatchSubscription, error)
}

// Dispatcher turns push notifications into background sync runs. Each
// subscribed user/calendar pair runs on its own; a failure is logged and
// never affects the other pairs.
type Dispatcher struct {
	watches     WatchLookup
	runner      Runner
	concurrency int
	runTimeout  time.Duration
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(watches WatchLookup, runner Runner, concurrency int, logger *slog.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		watches:     watches,
		runner:      runner,
		concurrency: concurrency,
		runTimeout:  defaultRunTimeout,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Handle schedules the work for n and returns immediately.
func (d *Dispatcher) Handle(n Notification) {
	if n.ResourceState == StateSync {
		d.logger.Info("channel handshake", "channel_id", n.ChannelID, "resource_id", n.ResourceID)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.process(n)
	}()
}

func (d *Dispatcher) process(n Notification) {
	logger := d.logger.With("channel_id", n.ChannelID, "resource_id", n.ResourceID, "message", n.MessageNumber)

	watches, err := d.watches.ListByChannel(d.ctx, n.ChannelID, n.ResourceID)
	if err != nil {
		logger.Error("resolve channel", "error", err)
		return
	}
	if len(watches) == 0 {
		logger.Warn("notification for unknown channel")
		return
	}

	var g errgroup.Group
	g.SetLimit(d.concurrency)

	for _, w := range watches {
		if !tokenMatches(w.ChannelToken, n.Token) {
			logger.Warn("channel token mismatch", "watch_id", w.ID)
			continue
		}

		target := reconcile.Target{UserID: w.UserID, CalendarID: w.CalendarID, WatchID: w.ID}
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(d.ctx, d.runTimeout)
			defer cancel()

			// Run logs and records its own outcome.
			if _, err := d.runner.Run(ctx, target, model.TriggerWebhook); err != nil {
				logger.Debug("webhook sync failed", "user_id", target.UserID, "calendar_id", target.CalendarID, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

func tokenMatches(want, got string) bool {
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// Wait blocks until all dispatched work has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown cancels in-flight runs and waits for them, or for ctx.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
