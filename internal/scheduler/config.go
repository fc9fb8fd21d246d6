package scheduler

import (
	"time"
)

type Config struct {
	// Number of jobs whose steps may run at the same time.
	WorkerPoolSize int `validate:"gt=0"`
	// Deadline of a single attempt of a step.
	StepTimeout time.Duration `validate:"gt=0"`
	// How long cancelling a running job waits for its current step to return.
	CancelTimeout time.Duration
	Retry         RetryConfig
	// Number of completed jobs kept in memory for queries and wait_for checks.
	CompletedJobCacheSize int `validate:"gt=0"`
}

// RetryConfig controls retries of failed idempotent steps. The delay doubles on every retry, starting at
// BaseDelay and never exceeding MaxDelay.
type RetryConfig struct {
	MaxRetries int `validate:"gte=0"`
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		WorkerPoolSize: 8,
		StepTimeout:    300 * time.Second,
		CancelTimeout:  30 * time.Second,
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  2 * time.Second,
			MaxDelay:   30 * time.Second,
		},
		CompletedJobCacheSize: 10000,
	}
}
