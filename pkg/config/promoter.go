package config

import (
	"errors"
	"time"
)

// PromoterConfig tunes the due-timer promotion sweep.
type PromoterConfig struct {
	// SweepInterval is the base interval between due-timer sweeps.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// SweepIntervalJitter is the random jitter added to SweepInterval so
	// multiple replicas do not sweep in lockstep.
	SweepIntervalJitter time.Duration `yaml:"sweep_interval_jitter"`

	// BatchSize is the maximum number of timers claimed per sweep.
	BatchSize int `yaml:"batch_size"`
}

// DefaultPromoterConfig returns the built-in promoter defaults.
func DefaultPromoterConfig() *PromoterConfig {
	return &PromoterConfig{
		SweepInterval:       2 * time.Second,
		SweepIntervalJitter: 500 * time.Millisecond,
		BatchSize:           50,
	}
}

func (c *PromoterConfig) applyDefaults() {
	d := DefaultPromoterConfig()
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
}

func (c *PromoterConfig) validate() error {
	if c.SweepIntervalJitter < 0 {
		return errors.New("sweep_interval_jitter must be non-negative")
	}
	return nil
}
