package reconcile

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukerupert/calsync/internal/model"
)

// DefaultMaxCredentialFailures is how many consecutive credential failures
// disable a watch subscription.
const DefaultMaxCredentialFailures = 3

// CredentialSource loads and updates a user's OAuth grant.
type CredentialSource interface {
	Get(ctx context.Context, userID int64) (*model.Credential, error)
	TokenSaver
}

// RunRecorder persists the status of each run.
type RunRecorder interface {
	Start(ctx context.Context, userID int64, calendarID, trigger string) (*model.SyncRun, error)
	Finish(ctx context.Context, id int64, status string, inserted int, errText string) error
}

// WatchHealth tracks credential failures per watch subscription.
type WatchHealth interface {
	RecordCredentialFailure(ctx context.Context, id int64) (int, error)
	ResetCredentialFailures(ctx context.Context, id int64) error
	Disable(ctx context.Context, id int64) error
}

// Service runs one reconciliation for a user/calendar pair and records
// its outcome.
type Service struct {
	walker      *Walker
	creds       CredentialSource
	refresher   Refresher
	runs        RunRecorder
	watches     WatchHealth
	maxFailures int
	logger      *slog.Logger
}

func NewService(walker *Walker, creds CredentialSource, refresher Refresher, runs RunRecorder, watches WatchHealth, maxFailures int, logger *slog.Logger) *Service {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxCredentialFailures
	}
	return &Service{
		walker:      walker,
		creds:       creds,
		refresher:   refresher,
		runs:        runs,
		watches:     watches,
		maxFailures: maxFailures,
		logger:      logger,
	}
}

func (s *Service) Run(ctx context.Context, t Target, trigger string) (Result, error) {
	logger := s.logger.With("user_id", t.UserID, "calendar_id", t.CalendarID, "trigger", trigger)

	run, err := s.runs.Start(ctx, t.UserID, t.CalendarID, trigger)
	if err != nil {
		logger.Error("record sync run start", "error", err)
	}

	res, err := s.walk(ctx, t, logger)

	if run != nil {
		status, errText := model.RunSucceeded, ""
		if err != nil {
			status, errText = model.RunFailed, err.Error()
		}
		// The run row is written even when ctx was cancelled mid-walk.
		if ferr := s.runs.Finish(context.WithoutCancel(ctx), run.ID, status, res.Inserted, errText); ferr != nil {
			logger.Error("record sync run finish", "error", ferr)
		}
	}

	s.trackWatchHealth(ctx, t, err, logger)

	if err != nil {
		logger.Error("sync run failed", "inserted", res.Inserted, "error", err)
		return res, err
	}
	logger.Info("sync run complete", "inserted", res.Inserted, "skipped", res.Skipped, "restarted", res.Restarted)
	return res, nil
}

func (s *Service) walk(ctx context.Context, t Target, logger *slog.Logger) (Result, error) {
	cred, err := s.creds.Get(ctx, t.UserID)
	if err != nil {
		return Result{}, err
	}
	if cred == nil {
		return Result{}, &CredentialError{UserID: t.UserID, Err: errors.New("no credential on file")}
	}

	sess := NewSession(cred, s.refresher, s.creds, logger)
	return s.walker.Walk(ctx, t, sess)
}

func (s *Service) trackWatchHealth(ctx context.Context, t Target, runErr error, logger *slog.Logger) {
	if t.WatchID == 0 || s.watches == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	var credErr *CredentialError
	if !errors.As(runErr, &credErr) {
		if runErr == nil {
			if err := s.watches.ResetCredentialFailures(ctx, t.WatchID); err != nil {
				logger.Error("reset credential failures", "watch_id", t.WatchID, "error", err)
			}
		}
		return
	}

	n, err := s.watches.RecordCredentialFailure(ctx, t.WatchID)
	if err != nil {
		logger.Error("record credential failure", "watch_id", t.WatchID, "error", err)
		return
	}
	if n < s.maxFailures {
		return
	}
	if err := s.watches.Disable(ctx, t.WatchID); err != nil {
		logger.Error("disable watch", "watch_id", t.WatchID, "error", err)
		return
	}
	logger.Warn("watch disabled after repeated credential failures", "watch_id", t.WatchID, "failures", n)
}
