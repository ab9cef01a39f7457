package config

import (
	"errors"
	"time"
)

// RunnerConfig tunes the effect runner: how pending effects are claimed,
// retried, and reclaimed after a crashed replica.
type RunnerConfig struct {
	// PollInterval is the base interval between claim sweeps.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// BatchSize is the maximum number of effects claimed per sweep.
	BatchSize int `yaml:"batch_size"`

	// MaxAttempts is the retry budget per effect; once exhausted the effect
	// is marked failed.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBase is the delay before the second attempt; doubled per
	// further attempt up to MaxBackoff.
	BackoffBase time.Duration `yaml:"backoff_base"`

	// MaxBackoff caps the exponential backoff delay.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// StaleClaimThreshold is how long an effect may sit in executing before
	// it is considered abandoned by a crashed replica.
	StaleClaimThreshold time.Duration `yaml:"stale_claim_threshold"`

	// StaleScanInterval is how often to scan for abandoned executing effects.
	StaleScanInterval time.Duration `yaml:"stale_scan_interval"`
}

// DefaultRunnerConfig returns the built-in runner defaults.
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		PollInterval:        1 * time.Second,
		PollIntervalJitter:  250 * time.Millisecond,
		BatchSize:           10,
		MaxAttempts:         5,
		BackoffBase:         2 * time.Second,
		MaxBackoff:          2 * time.Minute,
		StaleClaimThreshold: 5 * time.Minute,
		StaleScanInterval:   1 * time.Minute,
	}
}

func (c *RunnerConfig) applyDefaults() {
	d := DefaultRunnerConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.StaleClaimThreshold <= 0 {
		c.StaleClaimThreshold = d.StaleClaimThreshold
	}
	if c.StaleScanInterval <= 0 {
		c.StaleScanInterval = d.StaleScanInterval
	}
}

func (c *RunnerConfig) validate() error {
	if c.MaxBackoff < c.BackoffBase {
		return errors.New("max_backoff must be >= backoff_base")
	}
	if c.PollIntervalJitter < 0 {
		return errors.New("poll_interval_jitter must be non-negative")
	}
	return nil
}
