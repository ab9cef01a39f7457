package queue

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/threadworks/autonomy/pkg/config"
	"github.com/threadworks/autonomy/pkg/models"
)

// TimerPromoter sweeps the timer store for due timers and promotes each into
// a new timer event that re-enters the event pipeline. Claims are atomic
// (conditional update under FOR UPDATE SKIP LOCKED), so concurrent sweeps on
// other replicas never promote the same timer twice.
type TimerPromoter struct {
	timers   TimerSource
	ingestor Ingestor
	config   *config.PromoterConfig
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.Mutex
	started   bool
	promoted  int
	errors    int
	lastSweep time.Time
}

// NewTimerPromoter creates a promoter that feeds due timers to ingestor.
func NewTimerPromoter(timers TimerSource, ingestor Ingestor, cfg *config.PromoterConfig) *TimerPromoter {
	return &TimerPromoter{
		timers:   timers,
		ingestor: ingestor,
		config:   cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
// Safe to call multiple times; subsequent calls are no-ops.
func (p *TimerPromoter) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		slog.Warn("Timer promoter already started, ignoring duplicate Start call")
		return
	}
	p.started = true
	p.mu.Unlock()

	slog.Info("Starting timer promoter",
		"sweep_interval", p.config.SweepInterval,
		"batch_size", p.config.BatchSize)

	p.wg.Add(1)
	go p.run(ctx)
}

// Stop signals the promoter to stop and waits for the current sweep.
func (p *TimerPromoter) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	slog.Info("Timer promoter stopped")
}

// Health returns a snapshot of the promoter's counters.
func (p *TimerPromoter) Health() PromoterHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PromoterHealth{
		Running:         p.started,
		TimersPromoted:  p.promoted,
		PromotionErrors: p.errors,
		LastSweepAt:     p.lastSweep,
	}
}

func (p *TimerPromoter) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			if err := p.sweep(ctx); err != nil {
				slog.Error("Timer sweep failed", "error", err)
			}
			p.sleep(p.sweepInterval())
		}
	}
}

// sweep claims one batch of due timers and promotes each into an event.
func (p *TimerPromoter) sweep(ctx context.Context) error {
	p.mu.Lock()
	p.lastSweep = time.Now()
	p.mu.Unlock()

	timers, err := p.timers.ClaimDueTimers(ctx, time.Now().UnixMilli(), p.config.BatchSize)
	if err != nil {
		return err
	}

	for _, timer := range timers {
		p.promoteOne(ctx, timer)
	}
	return nil
}

// promoteOne feeds a claimed timer to the ingestor, retrying once before
// giving up. The claim already transitioned the row to promoted; a timer
// whose event append ultimately fails stays promoted and is surfaced through
// the error counter rather than re-fired.
func (p *TimerPromoter) promoteOne(ctx context.Context, timer *models.Timer) {
	log := slog.With(
		"session_key", timer.SessionKey,
		"timer_id", timer.TimerID,
		"fire_at_ms", timer.FireAtMs)

	err := p.ingestor.SubmitTimerEvent(ctx, timer)
	if err != nil {
		log.Warn("Timer promotion failed, retrying once", "error", err)
		err = p.ingestor.SubmitTimerEvent(ctx, timer)
	}
	if err != nil {
		log.Error("Timer promotion failed", "error", err)
		p.mu.Lock()
		p.errors++
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.promoted++
	p.mu.Unlock()
	log.Info("Timer promoted")
}

// sleep waits for the given duration or until stop is signalled.
func (p *TimerPromoter) sleep(d time.Duration) {
	select {
	case <-p.stopCh:
	case <-time.After(d):
	}
}

// sweepInterval returns the sweep duration with jitter.
func (p *TimerPromoter) sweepInterval() time.Duration {
	base := p.config.SweepInterval
	jitter := p.config.SweepIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}
