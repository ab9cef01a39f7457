package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EffectType discriminates the payload carried by an Effect.
type EffectType string

// Effect type constants.
const (
	EffectTypeSendMessage   EffectType = "send_message"
	EffectTypeScheduleTimer EffectType = "schedule_timer"
)

// EffectStatus is the outbox lifecycle state of an Effect.
type EffectStatus string

// Effect status constants. Normal lifecycle only moves forward:
// pending → executing → {completed, failed}. The runner's retry requeue and
// the stale-claim reaper are the two supervised exceptions that return an
// effect to pending.
const (
	EffectStatusPending   EffectStatus = "pending"
	EffectStatusExecuting EffectStatus = "executing"
	EffectStatusCompleted EffectStatus = "completed"
	EffectStatusFailed    EffectStatus = "failed"
)

// Effect is a durably recorded side action (outbox row). Effects are written
// atomically alongside the checkpoint that produced them and are never
// deleted, only status-transitioned, so the audit trail survives abandonment.
type Effect struct {
	ID            string          `json:"id"`
	SessionKey    SessionKey      `json:"session_key"`
	CheckpointID  string          `json:"checkpoint_id"`
	Type          EffectType      `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	DedupeKey     string          `json:"dedupe_key"`
	Status        EffectStatus    `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// EffectInput contains the caller-supplied fields for a new outbox row.
type EffectInput struct {
	SessionKey   SessionKey      `json:"session_key"`
	CheckpointID string          `json:"checkpoint_id"`
	Type         EffectType      `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	DedupeKey    string          `json:"dedupe_key"`
}

// SendMessagePayload is the payload for send_message effects.
type SendMessagePayload struct {
	Content string `json:"content"`
}

// ScheduleTimerPayload is the payload for schedule_timer effects. FireAt is an
// ISO-8601 timestamp; the runner converts it to epoch millis on upsert.
type ScheduleTimerPayload struct {
	TimerID string          `json:"timer_id"`
	FireAt  time.Time       `json:"fire_at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DedupeKey builds the recommended dedupe key convention
// {session_key}:{effect_type}:{logical_id}.
func DedupeKey(key SessionKey, effectType EffectType, logicalID string) string {
	return fmt.Sprintf("%s:%s:%s", key, effectType, logicalID)
}

// Validate checks an EffectInput before it reaches the outbox.
func (in *EffectInput) Validate() error {
	if _, err := ParseSessionKey(string(in.SessionKey)); err != nil {
		return err
	}
	if in.DedupeKey == "" {
		return fmt.Errorf("%w: effect requires dedupe_key", ErrInvalidPayload)
	}
	switch in.Type {
	case EffectTypeSendMessage:
		var p SendMessagePayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			return fmt.Errorf("%w: send_message: %v", ErrInvalidPayload, err)
		}
		if p.Content == "" {
			return fmt.Errorf("%w: send_message requires non-empty content", ErrInvalidPayload)
		}
	case EffectTypeScheduleTimer:
		var p ScheduleTimerPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			return fmt.Errorf("%w: schedule_timer: %v", ErrInvalidPayload, err)
		}
		if p.TimerID == "" {
			return fmt.Errorf("%w: schedule_timer requires timer_id", ErrInvalidPayload)
		}
		if p.FireAt.IsZero() {
			return fmt.Errorf("%w: schedule_timer requires fire_at", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unknown effect type %q", ErrInvalidPayload, in.Type)
	}
	return nil
}
