package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Unlimited makes Do retry until the function succeeds or ctx is done
const Unlimited = -1

// Config holds retry configuration
type Config struct {
	MaxRetries  int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// DefaultConfig returns the backoff used for agent reconnects
func DefaultConfig() Config {
	return Config{
		MaxRetries:  Unlimited,
		InitialWait: 1 * time.Second,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that Do stops retrying and returns it
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do executes fn with exponential backoff until it succeeds, returns a
// Permanent error, runs out of attempts, or ctx is cancelled. The attempt
// number (starting at 0) is passed to fn.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 0; cfg.MaxRetries < 0 || attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if cfg.MaxRetries >= 0 && attempt == cfg.MaxRetries {
			break
		}

		timer := time.NewTimer(Backoff(attempt, cfg))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return lastErr
}

// Backoff returns the wait before the attempt after the given one:
// InitialWait * Multiplier^attempt capped at MaxWait, with ±25% jitter,
// never below InitialWait.
func Backoff(attempt int, cfg Config) time.Duration {
	backoff := float64(cfg.InitialWait) * math.Pow(cfg.Multiplier, float64(attempt))
	if backoff > float64(cfg.MaxWait) {
		backoff = float64(cfg.MaxWait)
	}

	backoff += backoff * 0.25 * (rand.Float64()*2 - 1)

	if backoff < float64(cfg.InitialWait) {
		backoff = float64(cfg.InitialWait)
	}
	return time.Duration(backoff)
}
