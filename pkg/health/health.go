package health

import (
	"context"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeGRPC CheckType = "grpc"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement.
// Check never returns an error: health is a liveness signal, not a
// correctness-critical path, so any failure to reach or parse the
// endpoint folds into an unhealthy Result.
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config contains common configuration for health check polling
type Config struct {
	// Attempts is the maximum number of checks before giving up
	Attempts int

	// Wait is the fixed delay between attempts
	Wait time.Duration

	// Timeout is the maximum time for a single check to complete
	Timeout time.Duration
}

// DefaultConfig returns the polling budget used around worker restarts:
// four attempts spaced fifteen seconds apart, roughly a minute total.
func DefaultConfig() Config {
	return Config{
		Attempts: 4,
		Wait:     15 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// WaitReady polls the checker until it reports healthy or the attempt
// budget is exhausted. Callers always get a boolean; an expired context
// counts as not ready.
func WaitReady(ctx context.Context, checker Checker, cfg Config) bool {
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cfg.Wait):
			case <-ctx.Done():
				return false
			}
		}

		checkCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		result := checker.Check(checkCtx)
		cancel()

		if result.Healthy {
			return true
		}
	}
	return false
}
