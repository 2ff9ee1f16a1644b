package worker

import (
	"errors"
	"time"

	"github.com/geowarn/geowarn/internal/config"
)

var ErrInvalidConfig = errors.New("invalid_worker_config")

// Config controls worker intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 15 * time.Second,
		BatchSize:   100,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Worker.RunInterval,
		BatchSize:   cfg.Worker.BatchSize,
		EnabledJobs: cfg.Worker.EnabledJobs,
	}
}
