package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status enumerates the job lifecycle states persisted in Postgres.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the job state machine allows from -> to.
// A failed attempt with retry budget left re-enters pending; that is the
// only edge back out of processing besides the terminal ones.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusPending
	default:
		return false
	}
}

// Priority orders eligible jobs within ClaimNext. Higher ranks are claimed
// first; within a rank, oldest-first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank maps a priority to its stored ordering value.
func (p Priority) Rank() int16 {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	}
	return 1
}

// PriorityFromRank is the inverse of Rank. Unknown ranks map to normal.
func PriorityFromRank(rank int16) Priority {
	switch rank {
	case 0:
		return PriorityLow
	case 1:
		return PriorityNormal
	case 2:
		return PriorityHigh
	case 3:
		return PriorityUrgent
	}
	return PriorityNormal
}

// ParsePriority validates an externally supplied priority string. The empty
// string maps to normal so producers can omit it.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return Priority(s), nil
	case "":
		return PriorityNormal, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Job is a unit of asynchronous work persisted in Postgres. Payload and
// Result are opaque to the core; only the scheduling fields are interpreted.
type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Status       Status          `json:"status"`
	Priority     Priority        `json:"priority"`
	Retries      int             `json:"retries"`
	MaxRetries   int             `json:"max_retries"`
	Timeout      time.Duration   `json:"timeout"`
	Error        *string         `json:"error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Progress     int             `json:"progress"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}
