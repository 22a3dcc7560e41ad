package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Default periods when none are configured.
const (
	defaultJanitorInterval   = 10 * time.Minute
	defaultReconcileInterval = 30 * time.Second
)

type sessionPurger interface {
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

type jobPurger interface {
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

type cachePurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

type stallReconciler interface {
	ReconcileStalled(ctx context.Context) (int, error)
}

// SweepResult counts the rows removed by one [Janitor.Sweep].
type SweepResult struct {
	Sessions int64
	Jobs     int64
	Speech   int64
}

// JanitorConfig holds the collaborators and retention windows of a [Janitor].
// Nil collaborators are skipped.
type JanitorConfig struct {
	Sessions sessionPurger
	Jobs     jobPurger
	Cache    cachePurger

	// Stalled advances sessions that stopped receiving events. It runs
	// every ReconcileInterval, independently of the purge sweep.
	Stalled           stallReconciler
	ReconcileInterval time.Duration

	// Vacuum compacts the on-disk speech tier after rows were purged.
	Vacuum func(ctx context.Context) error

	Interval         time.Duration
	SessionRetention time.Duration
	JobRetention     time.Duration
}

// Janitor periodically removes finished sessions, finished transcription
// jobs, expired dead letters and expired speech cache rows, and takes over
// stalled sessions.
type Janitor struct {
	cfg JanitorConfig
	now func() time.Time
}

// NewJanitor returns a Janitor. Zero durations fall back to defaults: a
// 10 minute purge interval, a 30 second reconcile interval and 24 hour
// retention windows.
func NewJanitor(cfg JanitorConfig) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultJanitorInterval
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}
	if cfg.SessionRetention <= 0 {
		cfg.SessionRetention = 24 * time.Hour
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = 24 * time.Hour
	}
	return &Janitor{cfg: cfg, now: time.Now}
}

// Run sweeps and reconciles on their intervals until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	reconcile := time.NewTicker(j.cfg.ReconcileInterval)
	defer reconcile.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reconcile.C:
			n, err := j.Reconcile(ctx)
			if err != nil {
				slog.Warn("janitor: reconcile incomplete", "err", err)
			}
			if n > 0 {
				slog.Info("janitor: stalled sessions advanced", "sessions", n)
			}
		case <-ticker.C:
			res, err := j.Sweep(ctx)
			if err != nil {
				slog.Warn("janitor: sweep incomplete", "err", err)
			}
			if res.Sessions+res.Jobs+res.Speech > 0 {
				slog.Info("janitor: purged expired rows",
					"sessions", res.Sessions,
					"jobs", res.Jobs,
					"speech", res.Speech,
				)
			}
		}
	}
}

// Reconcile runs one pass over stalled sessions.
func (j *Janitor) Reconcile(ctx context.Context) (int, error) {
	if j.cfg.Stalled == nil {
		return 0, nil
	}
	return j.cfg.Stalled.ReconcileStalled(ctx)
}

// Sweep runs one purge pass. Failures of one purger do not stop the others.
func (j *Janitor) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		res  SweepResult
		errs []error
		err  error
	)
	if j.cfg.Sessions != nil {
		res.Sessions, err = j.cfg.Sessions.PurgeTerminal(ctx, j.now().Add(-j.cfg.SessionRetention))
		if err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}
	}
	if j.cfg.Jobs != nil {
		res.Jobs, err = j.cfg.Jobs.Purge(ctx, j.cfg.JobRetention)
		if err != nil {
			errs = append(errs, fmt.Errorf("jobs: %w", err))
		}
	}
	if j.cfg.Cache != nil {
		res.Speech, err = j.cfg.Cache.PurgeExpired(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("speech cache: %w", err))
		}
		if res.Speech > 0 && j.cfg.Vacuum != nil {
			if err := j.cfg.Vacuum(ctx); err != nil {
				errs = append(errs, fmt.Errorf("vacuum: %w", err))
			}
		}
	}
	return res, errors.Join(errs...)
}
