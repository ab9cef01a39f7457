package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/threadworks/autonomy/pkg/config"
	"github.com/threadworks/autonomy/pkg/models"
	"github.com/threadworks/autonomy/pkg/store"
)

// EffectRunner drains the effect outbox. Each sweep atomically claims a batch
// of due pending effects (FOR UPDATE SKIP LOCKED — safe across replicas),
// executes them, and records the outcome.
//
// Retry policy: a failed attempt returns the effect to pending, where it
// waits out an exponential backoff derived from its attempt count before the
// claim query will pick it up again. Once MaxAttempts is exhausted the effect
// is marked failed for good. A separate periodic scan reclaims effects stuck
// in executing by a crashed replica.
type EffectRunner struct {
	outbox   EffectSource
	sender   MessageSender
	timers   TimerScheduler
	config   *config.RunnerConfig
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.Mutex
	started   bool
	completed int
	failed    int
	requeued  int
	reclaimed int64
	lastPoll  time.Time
}

// NewEffectRunner creates a runner that executes send_message effects via
// sender and schedule_timer effects via timers.
func NewEffectRunner(outbox EffectSource, sender MessageSender, timers TimerScheduler, cfg *config.RunnerConfig) *EffectRunner {
	return &EffectRunner{
		outbox: outbox,
		sender: sender,
		timers: timers,
		config: cfg,
		stopCh: make(chan struct{}),
	}
}

// Start launches the claim loop and the stale-claim scan.
// Safe to call multiple times; subsequent calls are no-ops.
func (r *EffectRunner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		slog.Warn("Effect runner already started, ignoring duplicate Start call")
		return
	}
	r.started = true
	r.mu.Unlock()

	slog.Info("Starting effect runner",
		"poll_interval", r.config.PollInterval,
		"batch_size", r.config.BatchSize,
		"max_attempts", r.config.MaxAttempts)

	r.wg.Add(2)
	go r.runClaimLoop(ctx)
	go r.runStaleScan(ctx)
}

// Stop signals the runner to stop and waits for in-flight work to finish.
func (r *EffectRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	slog.Info("Effect runner stopped")
}

// Health returns a snapshot of the runner's counters.
func (r *EffectRunner) Health() RunnerHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunnerHealth{
		Running:          r.started,
		EffectsCompleted: r.completed,
		EffectsFailed:    r.failed,
		EffectsRequeued:  r.requeued,
		StaleReclaimed:   r.reclaimed,
		LastPollAt:       r.lastPoll,
	}
}

func (r *EffectRunner) runClaimLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			n, err := r.claimAndExecute(ctx)
			if err != nil {
				slog.Error("Effect sweep failed", "error", err)
				r.sleep(time.Second)
				continue
			}
			if n == 0 {
				r.sleep(r.pollInterval())
			}
		}
	}
}

// claimAndExecute claims one batch and executes each claimed effect.
// Returns the number of effects claimed.
func (r *EffectRunner) claimAndExecute(ctx context.Context) (int, error) {
	r.mu.Lock()
	r.lastPoll = time.Now()
	r.mu.Unlock()

	effects, err := r.outbox.ClaimPending(ctx, store.ClaimOptions{
		Limit:       r.config.BatchSize,
		BackoffBase: r.config.BackoffBase,
		MaxBackoff:  r.config.MaxBackoff,
	})
	if err != nil {
		return 0, fmt.Errorf("claiming pending effects: %w", err)
	}

	for _, effect := range effects {
		r.executeOne(ctx, effect)
	}
	return len(effects), nil
}

// executeOne runs a single claimed effect and records its terminal or
// requeued state. The claim already bumped attempt_count.
func (r *EffectRunner) executeOne(ctx context.Context, effect *models.Effect) {
	log := slog.With(
		"effect_id", effect.ID,
		"effect_type", effect.Type,
		"session_key", effect.SessionKey,
		"attempt", effect.AttemptCount)

	execErr := r.execute(ctx, effect)
	if execErr == nil {
		if err := r.outbox.UpdateStatus(ctx, effect.ID, models.EffectStatusCompleted, store.UpdateStatusOptions{}); err != nil {
			log.Error("Failed to mark effect completed", "error", err)
			return
		}
		r.mu.Lock()
		r.completed++
		r.mu.Unlock()
		log.Info("Effect completed")
		return
	}

	if effect.AttemptCount >= r.config.MaxAttempts {
		log.Error("Effect failed permanently",
			"error", fmt.Errorf("%w: %w", ErrMaxAttemptsExceeded, execErr))
		// Use a background-derived context: the effect outcome must be
		// recorded even when the sweep's context is being cancelled.
		if err := r.outbox.UpdateStatus(context.WithoutCancel(ctx), effect.ID, models.EffectStatusFailed, store.UpdateStatusOptions{}); err != nil {
			log.Error("Failed to mark effect failed", "error", err)
		}
		r.mu.Lock()
		r.failed++
		r.mu.Unlock()
		return
	}

	log.Warn("Effect attempt failed, requeueing with backoff", "error", execErr)
	if err := r.outbox.UpdateStatus(context.WithoutCancel(ctx), effect.ID, models.EffectStatusPending, store.UpdateStatusOptions{}); err != nil {
		log.Error("Failed to requeue effect", "error", err)
		return
	}
	r.mu.Lock()
	r.requeued++
	r.mu.Unlock()
}

// execute dispatches one effect by type.
func (r *EffectRunner) execute(ctx context.Context, effect *models.Effect) error {
	switch effect.Type {
	case models.EffectTypeSendMessage:
		var p models.SendMessagePayload
		if err := json.Unmarshal(effect.Payload, &p); err != nil {
			return fmt.Errorf("decoding send_message payload: %w", err)
		}
		return r.sender.SendMessage(ctx, effect.SessionKey, p.Content)

	case models.EffectTypeScheduleTimer:
		var p models.ScheduleTimerPayload
		if err := json.Unmarshal(effect.Payload, &p); err != nil {
			return fmt.Errorf("decoding schedule_timer payload: %w", err)
		}
		_, err := r.timers.UpsertTimer(ctx, models.UpsertTimerInput{
			SessionKey: effect.SessionKey,
			TimerID:    p.TimerID,
			FireAtMs:   p.FireAt.UnixMilli(),
			Payload:    p.Payload,
		})
		return err

	default:
		return fmt.Errorf("unknown effect type %q", effect.Type)
	}
}

// runStaleScan periodically reclaims effects stuck in executing.
// All replicas run this independently — the update is idempotent.
func (r *EffectRunner) runStaleScan(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.StaleScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.outbox.ReclaimStale(ctx, r.config.StaleClaimThreshold)
			if err != nil {
				slog.Error("Stale effect scan failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Warn("Reclaimed stale executing effects", "count", n)
				r.mu.Lock()
				r.reclaimed += n
				r.mu.Unlock()
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (r *EffectRunner) sleep(d time.Duration) {
	select {
	case <-r.stopCh:
	case <-time.After(d):
	}
}

// pollInterval returns the poll duration with jitter.
func (r *EffectRunner) pollInterval() time.Duration {
	base := r.config.PollInterval
	jitter := r.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}
