// Package config loads service configuration from an optional YAML file with
// built-in defaults. Database settings are loaded separately from the
// environment (pkg/database).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Runner   *RunnerConfig   `yaml:"runner"`
	Promoter *PromoterConfig `yaml:"promoter"`
}

// Load reads configuration from path, filling any unset section with
// defaults. A missing file is not an error — defaults apply.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Runner:   DefaultRunnerConfig(),
		Promoter: DefaultPromoterConfig(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.Runner.applyDefaults()
	cfg.Promoter.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.Runner.validate(); err != nil {
		return fmt.Errorf("runner config: %w", err)
	}
	if err := c.Promoter.validate(); err != nil {
		return fmt.Errorf("promoter config: %w", err)
	}
	return nil
}
