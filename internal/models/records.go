package models

import (
	"encoding/json"
	"time"
)

// Outcome is the recorded result of processing an external event.
type Outcome string

const (
	// OutcomePending marks an event that has been reserved but whose
	// outcome has not been recorded yet.
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// IdempotencyRecord tracks whether an external event identifier has already
// been processed. Exactly one row exists per event id.
type IdempotencyRecord struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	Status       Outcome   `json:"status"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	AttemptCount int       `json:"attempt_count"`
	ProcessedAt  time.Time `json:"processed_at"`
}

// CacheEntry is a computed artifact keyed by (tenant, fingerprint, context).
// The fingerprint is caller-supplied; the cache never computes or checks it.
type CacheEntry struct {
	TenantID    string          `json:"tenant_id"`
	Fingerprint string          `json:"fingerprint"`
	Context     string          `json:"context"`
	Analysis    json.RawMessage `json:"analysis"`
	HitCount    int64           `json:"hit_count"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}
