package app

import (
	"errors"
	"fmt"
	"log/slog"
)

// Config holds everything an App instance needs to run one job.
type Config struct {
	JobPath     string // .hcl job file or directory
	ProfilePath string // platform profile yaml; env-only when empty
	Experiment  string // experiment name; derived from the dataset when empty
	OutputDir   string // overrides the job's evaluation output dir when set

	LogFormat       string
	LogLevel        slog.Level
	HealthcheckPort int
	WorkerCount     int
}

// NewConfig validates a Config.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.JobPath == "" {
		return nil, errors.New("JobPath is a required configuration field and cannot be empty")
	}
	if cfg.WorkerCount < 1 {
		return nil, fmt.Errorf("workers must be >= 1, got %d", cfg.WorkerCount)
	}
	return &cfg, nil
}
