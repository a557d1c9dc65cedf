// Package ledger implements the idempotency ledger: one durable row per
// external event identifier, guaranteeing at-most-once side effects for
// externally-retried events.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"reliability-core/internal/models"
)

// ErrNotFound means no record exists for the event identifier.
var ErrNotFound = errors.New("ledger: event not found")

const recordColumns = `event_id, event_type, status, error_message, attempt_count, processed_at`

// Ledger answers "have I seen this event" before side-effecting work runs.
type Ledger struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// CheckAndReserve atomically claims an event identifier for processing.
// Exactly one caller racing on the same id observes reserved=true and should
// proceed with the side-effecting work; every other caller gets the existing
// record and reserved=false. Losing the race is normal control flow, not an
// error. The winner's row is inserted with status pending and attempt_count
// zero; RecordOutcome bumps the count when the outcome lands.
func (l *Ledger) CheckAndReserve(ctx context.Context, eventID, eventType string) (models.IdempotencyRecord, bool, error) {
	if eventID == "" {
		return models.IdempotencyRecord{}, false, errors.New("ledger: event id is required")
	}
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO idempotency_records (event_id, event_type, status, attempt_count, processed_at)
		VALUES ($1, $2, 'pending', 0, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return models.IdempotencyRecord{}, false, fmt.Errorf("reserve event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		rec, err := l.Get(ctx, eventID)
		if err != nil {
			return models.IdempotencyRecord{}, false, err
		}
		return rec, true, nil
	}

	// Lost the race (or the event was processed earlier): surface the
	// existing record so the caller can skip the work.
	rec, err := l.Get(ctx, eventID)
	if err != nil {
		return models.IdempotencyRecord{}, false, err
	}
	return rec, false, nil
}

// RecordOutcome upserts the final outcome for an event. A pre-existing row
// (from CheckAndReserve or an earlier deliberate reprocess) has its
// attempt_count incremented in place; a second row is never created.
func (l *Ledger) RecordOutcome(ctx context.Context, eventID, eventType string, status models.Outcome, errorMessage *string) (models.IdempotencyRecord, error) {
	if status != models.OutcomeSuccess && status != models.OutcomeFailed {
		return models.IdempotencyRecord{}, fmt.Errorf("ledger: outcome must be success or failed, got %q", status)
	}
	row := l.pool.QueryRow(ctx, `
		INSERT INTO idempotency_records (event_id, event_type, status, error_message, attempt_count, processed_at)
		VALUES ($1, $2, $3, $4, 1, NOW())
		ON CONFLICT (event_id) DO UPDATE SET
			event_type    = EXCLUDED.event_type,
			status        = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			attempt_count = idempotency_records.attempt_count + 1,
			processed_at  = NOW()
		RETURNING `+recordColumns, eventID, eventType, status, errorMessage)

	rec, err := scanRecord(row)
	if err != nil {
		return models.IdempotencyRecord{}, fmt.Errorf("record outcome: %w", err)
	}
	return rec, nil
}

// Get fetches the record for an event identifier.
func (l *Ledger) Get(ctx context.Context, eventID string) (models.IdempotencyRecord, error) {
	row := l.pool.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM idempotency_records WHERE event_id = $1
	`, eventID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.IdempotencyRecord{}, ErrNotFound
	}
	if err != nil {
		return models.IdempotencyRecord{}, fmt.Errorf("get event record: %w", err)
	}
	return rec, nil
}

// Sweep deletes success records processed before the cutoff. Failed records
// are retained indefinitely for manual inspection.
func (l *Ledger) Sweep(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := l.pool.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE status = 'success' AND processed_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("sweep ledger: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRecord(row pgx.Row) (models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	var errMsg pgtype.Text
	if err := row.Scan(&rec.EventID, &rec.EventType, &rec.Status, &errMsg, &rec.AttemptCount, &rec.ProcessedAt); err != nil {
		return models.IdempotencyRecord{}, err
	}
	if errMsg.Valid {
		rec.ErrorMessage = &errMsg.String
	}
	return rec, nil
}
