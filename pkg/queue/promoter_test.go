package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadworks/autonomy/pkg/config"
	"github.com/threadworks/autonomy/pkg/models"
)

func testPromoterConfig() *config.PromoterConfig {
	return &config.PromoterConfig{
		SweepInterval:       10 * time.Millisecond,
		SweepIntervalJitter: 0,
		BatchSize:           50,
	}
}

// fakeTimerSource hands out one batch of claimed timers.
type fakeTimerSource struct {
	mu    sync.Mutex
	batch []*models.Timer
}

func (f *fakeTimerSource) ClaimDueTimers(_ context.Context, _ int64, _ int) ([]*models.Timer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := f.batch
	f.batch = nil
	return batch, nil
}

type fakeIngestor struct {
	mu        sync.Mutex
	submitted []string
	failFirst int // number of leading calls that fail
	calls     int
}

func (f *fakeIngestor) SubmitTimerEvent(_ context.Context, timer *models.Timer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return errors.New("append failed")
	}
	f.submitted = append(f.submitted, timer.TimerID)
	return nil
}

func dueTimer(timerID string, fireAtMs int64) *models.Timer {
	return &models.Timer{
		ID:         "row-" + timerID,
		SessionKey: "u:a:t",
		TimerID:    timerID,
		FireAtMs:   fireAtMs,
		Status:     models.TimerStatusPromoted,
	}
}

func TestTimerPromoterSweepPromotesClaimedTimers(t *testing.T) {
	source := &fakeTimerSource{batch: []*models.Timer{
		dueTimer("t1", 1000),
		dueTimer("t2", 2000),
	}}
	ingestor := &fakeIngestor{}
	promoter := NewTimerPromoter(source, ingestor, testPromoterConfig())

	require.NoError(t, promoter.sweep(context.Background()))

	assert.Equal(t, []string{"t1", "t2"}, ingestor.submitted)
	h := promoter.Health()
	assert.Equal(t, 2, h.TimersPromoted)
	assert.Equal(t, 0, h.PromotionErrors)
	assert.False(t, h.LastSweepAt.IsZero())
}

func TestTimerPromoterRetriesOnce(t *testing.T) {
	source := &fakeTimerSource{batch: []*models.Timer{dueTimer("t1", 1000)}}
	ingestor := &fakeIngestor{failFirst: 1}
	promoter := NewTimerPromoter(source, ingestor, testPromoterConfig())

	require.NoError(t, promoter.sweep(context.Background()))

	assert.Equal(t, []string{"t1"}, ingestor.submitted)
	assert.Equal(t, 1, promoter.Health().TimersPromoted)
}

func TestTimerPromoterCountsPersistentFailure(t *testing.T) {
	source := &fakeTimerSource{batch: []*models.Timer{dueTimer("t1", 1000)}}
	ingestor := &fakeIngestor{failFirst: 2}
	promoter := NewTimerPromoter(source, ingestor, testPromoterConfig())

	require.NoError(t, promoter.sweep(context.Background()))

	assert.Empty(t, ingestor.submitted)
	h := promoter.Health()
	assert.Equal(t, 0, h.TimersPromoted)
	assert.Equal(t, 1, h.PromotionErrors)
}

func TestTimerPromoterStartStop(t *testing.T) {
	source := &fakeTimerSource{batch: []*models.Timer{dueTimer("t1", 1000)}}
	ingestor := &fakeIngestor{}
	promoter := NewTimerPromoter(source, ingestor, testPromoterConfig())

	promoter.Start(context.Background())
	promoter.Start(context.Background()) // duplicate is a no-op

	require.Eventually(t, func() bool {
		return promoter.Health().TimersPromoted == 1
	}, 2*time.Second, 5*time.Millisecond)

	promoter.Stop()
}

func TestTimerPromoterSweepInterval(t *testing.T) {
	cfg := testPromoterConfig()
	cfg.SweepInterval = time.Second
	cfg.SweepIntervalJitter = 250 * time.Millisecond
	promoter := NewTimerPromoter(nil, nil, cfg)

	for i := 0; i < 100; i++ {
		d := promoter.sweepInterval()
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}
