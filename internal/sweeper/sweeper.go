// Package sweeper runs the periodic maintenance pass over the three stores:
// terminal jobs past retention, success ledger rows past retention, and
// expired cache entries. Each sub-sweep is independent; a failure in one
// does not stop the others, and a concurrent second sweep simply finds
// nothing extra to delete.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"reliability-core/internal/telemetry"
)

// JobStore deletes terminal job rows past a retention window.
type JobStore interface {
	SweepTerminal(ctx context.Context, olderThan time.Time) (int64, error)
}

// LedgerStore deletes success idempotency rows past a retention window.
type LedgerStore interface {
	Sweep(ctx context.Context, olderThan time.Time) (int64, error)
}

// CacheStore deletes cache entries expired at the given instant.
type CacheStore interface {
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// Report carries per-store deleted counts for observability.
type Report struct {
	JobsDeleted   int64 `json:"jobs_deleted"`
	LedgerDeleted int64 `json:"ledger_deleted"`
	CacheDeleted  int64 `json:"cache_deleted"`
}

// Total sums deletions across stores.
func (r Report) Total() int64 {
	return r.JobsDeleted + r.LedgerDeleted + r.CacheDeleted
}

// Sweeper composes the three retention sweeps.
type Sweeper struct {
	jobs            JobStore
	ledger          LedgerStore
	cache           CacheStore
	jobRetention    time.Duration
	ledgerRetention time.Duration
	log             zerolog.Logger
}

func New(jobs JobStore, ledger LedgerStore, cache CacheStore, jobRetention, ledgerRetention time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		jobs:            jobs,
		ledger:          ledger,
		cache:           cache,
		jobRetention:    jobRetention,
		ledgerRetention: ledgerRetention,
		log:             log,
	}
}

// Run executes one maintenance pass. Sub-sweeps are order-insensitive and
// failures are joined rather than short-circuiting; the report always
// reflects whatever was deleted before any error.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	now := time.Now().UTC()
	var report Report
	var errs []error

	if n, err := s.jobs.SweepTerminal(ctx, now.Add(-s.jobRetention)); err != nil {
		errs = append(errs, fmt.Errorf("jobs: %w", err))
	} else {
		report.JobsDeleted = n
		telemetry.SweepDeleted.WithLabelValues("jobs").Add(float64(n))
	}

	if n, err := s.ledger.Sweep(ctx, now.Add(-s.ledgerRetention)); err != nil {
		errs = append(errs, fmt.Errorf("ledger: %w", err))
	} else {
		report.LedgerDeleted = n
		telemetry.SweepDeleted.WithLabelValues("ledger").Add(float64(n))
	}

	if n, err := s.cache.Sweep(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	} else {
		report.CacheDeleted = n
		telemetry.SweepDeleted.WithLabelValues("cache").Add(float64(n))
	}

	s.log.Info().
		Int64("jobs_deleted", report.JobsDeleted).
		Int64("ledger_deleted", report.LedgerDeleted).
		Int64("cache_deleted", report.CacheDeleted).
		Int("errors", len(errs)).
		Msg("maintenance sweep finished")

	return report, errors.Join(errs...)
}

// Start runs sweeps on the given cron schedule until the context is
// cancelled. Sweep errors are logged, never fatal.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if _, err := s.Run(ctx); err != nil {
			s.log.Error().Err(err).Msg("maintenance sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}

	c.Start()
	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	return ctx.Err()
}
