package models

import (
	"encoding/json"
	"time"
)

// TimerStatus is the lifecycle state of a scheduled timer.
type TimerStatus string

// Timer status constants.
const (
	TimerStatusPending   TimerStatus = "pending"
	TimerStatusPromoted  TimerStatus = "promoted"
	TimerStatusCancelled TimerStatus = "cancelled"
)

// Timer is a durably scheduled future action. (SessionKey, TimerID) is
// unique; upserting an existing pair replaces fire time and payload and
// resets status to pending (last-writer-wins rescheduling). Cancellation is a
// soft delete that stamps CancelledAt — rows are never hard-deleted.
type Timer struct {
	ID          string          `json:"id"`
	SessionKey  SessionKey      `json:"session_key"`
	TimerID     string          `json:"timer_id"`
	FireAtMs    int64           `json:"fire_at_ms"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      TimerStatus     `json:"status"`
	CancelledAt *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// UpsertTimerInput contains the caller-supplied fields for a timer upsert.
type UpsertTimerInput struct {
	SessionKey SessionKey      `json:"session_key"`
	TimerID    string          `json:"timer_id"`
	FireAtMs   int64           `json:"fire_at_ms"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
