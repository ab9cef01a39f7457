// Package queue provides the in-process event sequencer and the background
// loops that drain the durable stores: the effect runner and the timer
// promoter.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/threadworks/autonomy/pkg/models"
	"github.com/threadworks/autonomy/pkg/store"
)

// Sentinel errors for queue operations.
var (
	// ErrQueueClosed indicates the queue is shutting down and rejects enqueues.
	ErrQueueClosed = errors.New("event queue closed")

	// ErrHandlerPanic wraps a panic recovered from the processing handler.
	ErrHandlerPanic = errors.New("event handler panicked")

	// ErrMaxAttemptsExceeded marks an effect that exhausted its retry budget.
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")
)

// EffectSource is the subset of OutboxStore the runner needs.
type EffectSource interface {
	ClaimPending(ctx context.Context, opts store.ClaimOptions) ([]*models.Effect, error)
	UpdateStatus(ctx context.Context, effectID string, status models.EffectStatus, opts store.UpdateStatusOptions) error
	ReclaimStale(ctx context.Context, threshold time.Duration) (int64, error)
}

// TimerSource is the subset of TimerStore the promoter needs.
type TimerSource interface {
	ClaimDueTimers(ctx context.Context, beforeMs int64, limit int) ([]*models.Timer, error)
}

// Ingestor turns a promoted timer into a new timer event that re-enters the
// event pipeline. Implemented by services.IngestService.
type Ingestor interface {
	SubmitTimerEvent(ctx context.Context, timer *models.Timer) error
}

// MessageSender delivers a send_message effect to the outside world. The
// transport (chat connector, push gateway) is a collaborator outside this
// core.
type MessageSender interface {
	SendMessage(ctx context.Context, sessionKey models.SessionKey, content string) error
}

// TimerScheduler is the subset of TimerStore the executor needs for
// schedule_timer effects.
type TimerScheduler interface {
	UpsertTimer(ctx context.Context, in models.UpsertTimerInput) (*models.Timer, error)
}

// RunnerHealth is a snapshot of the effect runner's counters.
type RunnerHealth struct {
	Running          bool      `json:"running"`
	EffectsCompleted int       `json:"effects_completed"`
	EffectsFailed    int       `json:"effects_failed"`
	EffectsRequeued  int       `json:"effects_requeued"`
	StaleReclaimed   int64     `json:"stale_reclaimed"`
	LastPollAt       time.Time `json:"last_poll_at"`
}

// PromoterHealth is a snapshot of the timer promoter's counters.
type PromoterHealth struct {
	Running         bool      `json:"running"`
	TimersPromoted  int       `json:"timers_promoted"`
	PromotionErrors int       `json:"promotion_errors"`
	LastSweepAt     time.Time `json:"last_sweep_at"`
}
