// Package queue implements the durable job queue. All mutual exclusion is
// enforced by row-level atomic updates in Postgres; workers share nothing
// in process.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"reliability-core/internal/models"
)

var (
	// ErrNotFound means the referenced job id does not exist.
	ErrNotFound = errors.New("queue: job not found")
	// ErrInvalidTransition means the requested status change violates the
	// job state machine (e.g. completing a job that is not processing).
	ErrInvalidTransition = errors.New("queue: invalid status transition")
	// ErrInvalidProgress means the reported percentage is out of range.
	ErrInvalidProgress = errors.New("queue: progress must be between 0 and 100")
)

// TimeoutError is recorded on jobs reclaimed by the watchdog.
const TimeoutError = "timeout: processing exceeded allotted time"

const (
	// DefaultMaxRetries applies when the producer does not set a budget.
	DefaultMaxRetries = 3
	// DefaultTimeout applies when the producer does not set one.
	DefaultTimeout = 5 * time.Minute
)

const jobColumns = `id, type, payload, status, priority, retries, max_retries,
	timeout_ms, error, result, progress, scheduled_for,
	created_at, updated_at, started_at, completed_at`

// Queue exposes the producer, worker, and operational contracts over the
// shared jobs table.
type Queue struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// EnqueueParams collects inputs required to insert a job. Zero values take
// the documented defaults; MaxRetries is a pointer because zero is a
// meaningful budget (fail terminally on the first failure).
type EnqueueParams struct {
	Type         string
	Payload      json.RawMessage
	Priority     models.Priority
	MaxRetries   *int
	Timeout      time.Duration
	ScheduledFor *time.Time
}

// Enqueue inserts a pending job and returns it.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	if p.Type == "" {
		return models.Job{}, errors.New("queue: job type is required")
	}
	if p.Priority == "" {
		p.Priority = models.PriorityNormal
	}
	maxRetries := DefaultMaxRetries
	if p.MaxRetries != nil {
		maxRetries = *p.MaxRetries
	}
	if maxRetries < 0 {
		return models.Job{}, fmt.Errorf("queue: negative max retries %d", maxRetries)
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	payload := p.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}

	id := "job_" + uuid.NewString()
	row := q.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, type, payload, status, priority, retries, max_retries, timeout_ms, progress, scheduled_for)
		VALUES ($1, $2, $3, 'pending', $4, 0, $5, $6, 0, $7)
		RETURNING `+jobColumns,
		id, p.Type, []byte(payload), p.Priority.Rank(), maxRetries, p.Timeout.Milliseconds(), p.ScheduledFor)

	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// ClaimNext atomically moves the most eligible pending job to processing and
// returns it. Eligibility: scheduled_for unset or due; ordering: priority
// descending, then created_at ascending. The select-and-update runs as one
// statement with FOR UPDATE SKIP LOCKED, so two workers can never claim the
// same row. Returns ok=false when no job is eligible.
func (q *Queue) ClaimNext(ctx context.Context) (models.Job, bool, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'processing', started_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND (scheduled_for IS NULL OR scheduled_for <= NOW())
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// ReportProgress records a 0-100 completion percentage on a processing job.
// The update also bumps updated_at, which doubles as the worker heartbeat
// consulted by ReclaimTimedOut.
func (q *Queue) ReportProgress(ctx context.Context, id string, percent int) error {
	if percent < 0 || percent > 100 {
		return ErrInvalidProgress
	}
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, percent)
	if err != nil {
		return fmt.Errorf("report progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return q.classifyMiss(ctx, id)
	}
	return nil
}

// Complete transitions a processing job to completed and stores its result.
func (q *Queue) Complete(ctx context.Context, id string, result json.RawMessage) (models.Job, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'completed', result = $2, error = NULL, progress = 100,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING `+jobColumns, id, nullableJSON(result))

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, q.classifyMiss(ctx, id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("complete job: %w", err)
	}
	return job, nil
}

// Fail records a failed attempt on a processing job. While the retry budget
// lasts (retries < max_retries) the job re-enters pending with retries
// incremented; otherwise it fails terminally with the error recorded. A
// max_retries of zero therefore fails on the first attempt.
func (q *Queue) Fail(ctx context.Context, id string, errMsg string) (models.Job, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status       = CASE WHEN retries < max_retries THEN 'pending' ELSE 'failed' END,
		    retries      = CASE WHEN retries < max_retries THEN retries + 1 ELSE retries END,
		    started_at   = CASE WHEN retries < max_retries THEN NULL ELSE started_at END,
		    progress     = CASE WHEN retries < max_retries THEN 0 ELSE progress END,
		    completed_at = CASE WHEN retries < max_retries THEN NULL ELSE NOW() END,
		    error        = $2,
		    updated_at   = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING `+jobColumns, id, errMsg)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, q.classifyMiss(ctx, id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("fail job: %w", err)
	}
	return job, nil
}

// Cancel transitions a pending job to cancelled. Processing jobs cannot be
// cancelled; the worker must finish or time out.
func (q *Queue) Cancel(ctx context.Context, id string) (models.Job, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+jobColumns, id)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, q.classifyMiss(ctx, id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	return job, nil
}

// ReclaimTimedOut applies an implicit Fail to every processing job whose
// last heartbeat (updated_at) plus timeout has elapsed, using the same
// retry-or-terminal rule as Fail. It returns how many rows were reclaimed.
func (q *Queue) ReclaimTimedOut(ctx context.Context, now time.Time) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs
		SET status       = CASE WHEN retries < max_retries THEN 'pending' ELSE 'failed' END,
		    retries      = CASE WHEN retries < max_retries THEN retries + 1 ELSE retries END,
		    started_at   = CASE WHEN retries < max_retries THEN NULL ELSE started_at END,
		    progress     = CASE WHEN retries < max_retries THEN 0 ELSE progress END,
		    completed_at = CASE WHEN retries < max_retries THEN NULL ELSE $1 END,
		    error        = $2,
		    updated_at   = $1
		WHERE status = 'processing'
		  AND updated_at + timeout_ms * INTERVAL '1 millisecond' < $1
	`, now, TimeoutError)
	if err != nil {
		return 0, fmt.Errorf("reclaim timed out jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Get fetches a job by id.
func (q *Queue) Get(ctx context.Context, id string) (models.Job, error) {
	row := q.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Stats returns job counts per status, optionally filtered by type.
func (q *Queue) Stats(ctx context.Context, typeFilter string) (map[models.Status]int64, error) {
	query := `SELECT status, COUNT(*) FROM jobs GROUP BY status`
	args := []any{}
	if typeFilter != "" {
		query = `SELECT status, COUNT(*) FROM jobs WHERE type = $1 GROUP BY status`
		args = append(args, typeFilter)
	}
	rows, err := q.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		counts[models.Status(status)] = n
	}
	return counts, rows.Err()
}

// SweepTerminal deletes terminal jobs not touched since the cutoff,
// returning the number of rows removed. Failed jobs are kept queryable
// until then so operators can inspect them.
func (q *Queue) SweepTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed','failed','cancelled') AND updated_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("sweep terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// classifyMiss distinguishes a missing row from a state-machine violation
// after a guarded update matched nothing.
func (q *Queue) classifyMiss(ctx context.Context, id string) error {
	var status string
	err := q.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect job %s: %w", id, err)
	}
	return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, status)
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job          models.Job
		priorityRank int16
		timeoutMS    int64
		payload      []byte
		result       []byte
		errMsg       pgtype.Text
		scheduledFor pgtype.Timestamptz
		startedAt    pgtype.Timestamptz
		completedAt  pgtype.Timestamptz
	)
	err := row.Scan(
		&job.ID, &job.Type, &payload, &job.Status, &priorityRank, &job.Retries,
		&job.MaxRetries, &timeoutMS, &errMsg, &result, &job.Progress,
		&scheduledFor, &job.CreatedAt, &job.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return models.Job{}, err
	}
	job.Payload = payload
	job.Result = result
	job.Priority = models.PriorityFromRank(priorityRank)
	job.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if errMsg.Valid {
		job.Error = &errMsg.String
	}
	if scheduledFor.Valid {
		job.ScheduledFor = &scheduledFor.Time
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
