// Package worker drives job execution: claim, dispatch to a type-specific
// handler, then complete or fail. Dispatch is generic over job type; the
// registry is populated by the worker binary.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"reliability-core/internal/models"
	"reliability-core/internal/telemetry"
)

// JobQueue is the slice of the queue contract the processor needs.
type JobQueue interface {
	ClaimNext(ctx context.Context) (models.Job, bool, error)
	Complete(ctx context.Context, id string, result json.RawMessage) (models.Job, error)
	Fail(ctx context.Context, id string, errMsg string) (models.Job, error)
	ReportProgress(ctx context.Context, id string, percent int) error
	ReclaimTimedOut(ctx context.Context, now time.Time) (int64, error)
}

// ActiveJob is a claimed job handed to a handler. Progress reports double
// as heartbeats that keep the watchdog from reclaiming the job.
type ActiveJob struct {
	models.Job

	queue JobQueue
}

// ReportProgress records a 0-100 completion percentage.
func (a *ActiveJob) ReportProgress(ctx context.Context, percent int) error {
	return a.queue.ReportProgress(ctx, a.ID, percent)
}

// Handler executes a job of one type and returns its result blob.
type Handler func(ctx context.Context, job *ActiveJob) (json.RawMessage, error)

// Options tune the processor loop.
type Options struct {
	PollInterval     time.Duration
	WatchdogInterval time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
}

// Processor is the worker execution loop.
type Processor struct {
	queue    JobQueue
	handlers map[string]Handler
	opts     Options
	log      zerolog.Logger
}

func NewProcessor(queue JobQueue, opts Options, log zerolog.Logger) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = 15 * time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = opts.PollInterval
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	return &Processor{
		queue:    queue,
		handlers: make(map[string]Handler),
		opts:     opts,
		log:      log,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	p.handlers[jobType] = h
}

// Run claims and executes jobs until context cancellation. A watchdog pass
// reclaims timed-out jobs from crashed workers on a fixed cadence; idle
// polling backs off exponentially and resets on the first claimed job.
func (p *Processor) Run(ctx context.Context) error {
	watchdog := time.NewTicker(p.opts.WatchdogInterval)
	defer watchdog.Stop()

	emptyPolls := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-watchdog.C:
			p.reclaim(ctx)
		default:
		}

		job, ok, err := p.queue.ClaimNext(ctx)
		if err != nil {
			p.log.Error().Err(err).Msg("claim failed")
			if !sleepCtx(ctx, backoffWithJitter(p.opts.BackoffInitial, p.opts.BackoffMax, emptyPolls+1)) {
				return ctx.Err()
			}
			continue
		}
		if !ok {
			emptyPolls++
			if !sleepCtx(ctx, backoffWithJitter(p.opts.PollInterval, p.opts.BackoffMax, emptyPolls)) {
				return ctx.Err()
			}
			continue
		}
		emptyPolls = 0
		p.process(ctx, job)
	}
}

func (p *Processor) reclaim(ctx context.Context) {
	n, err := p.queue.ReclaimTimedOut(ctx, time.Now().UTC())
	if err != nil {
		p.log.Error().Err(err).Msg("watchdog reclaim failed")
		return
	}
	if n > 0 {
		telemetry.JobsReclaimed.Add(float64(n))
		p.log.Warn().Int64("reclaimed", n).Msg("reclaimed timed-out jobs")
	}
}

func (p *Processor) process(ctx context.Context, job models.Job) {
	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	log := p.log.With().Str("job_id", job.ID).Str("type", job.Type).Logger()

	handler, ok := p.handlers[job.Type]
	if !ok {
		p.finishFailure(ctx, log, job, fmt.Sprintf("no handler registered for type %q", job.Type))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	result, err := handler(jobCtx, &ActiveJob{Job: job, queue: p.queue})
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("timeout after %s", job.Timeout)
		}
		p.finishFailure(ctx, log, job, msg)
		return
	}

	if _, err := p.queue.Complete(ctx, job.ID, result); err != nil {
		// Likely reclaimed by the watchdog mid-flight; the retry budget
		// decides what happens next, nothing more to do here.
		log.Warn().Err(err).Msg("complete rejected")
		return
	}
	telemetry.JobsCompleted.Inc()
	log.Info().Msg("job completed")
}

func (p *Processor) finishFailure(ctx context.Context, log zerolog.Logger, job models.Job, msg string) {
	failed, err := p.queue.Fail(ctx, job.ID, msg)
	if err != nil {
		log.Warn().Err(err).Msg("fail rejected")
		return
	}
	if failed.Status == models.StatusFailed {
		telemetry.JobsFailed.Inc()
		log.Error().Str("error", msg).Int("retries", failed.Retries).Msg("job failed terminally")
		return
	}
	telemetry.JobsRetried.Inc()
	log.Warn().Str("error", msg).Int("retries", failed.Retries).Msg("job failed, returned to pending")
}

// backoffWithJitter grows exponentially with the attempt number, capped at
// max, with half the wait randomized to spread contending workers.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait <= 1 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

// sleepCtx sleeps for d unless the context ends first; it reports whether
// the full sleep happened.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
