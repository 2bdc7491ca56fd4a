package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"piecefs/internal/logging"
)

const (
	DefaultMaxRetries    = 5
	DefaultInitialDelay  = 1 * time.Second
	DefaultMaxDelay      = 32 * time.Second
	DefaultBackoffFactor = 2.0
	DefaultJitter        = 0.2
)

// Config is an exponential backoff policy. MaxRetries counts retries, not
// attempts: an operation runs at most MaxRetries+1 times.
type Config struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Jitter spreads each delay by up to ±Jitter of its value.
	Jitter float64
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:    DefaultMaxRetries,
		InitialDelay:  DefaultInitialDelay,
		MaxDelay:      DefaultMaxDelay,
		BackoffFactor: DefaultBackoffFactor,
		Jitter:        DefaultJitter,
	}
}

// IsRetryableStatus reports whether an HTTP status is transient.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// CalculateDelay returns the wait before retry number attempt+1. A
// server-provided retryAfter wins when it does not exceed MaxDelay.
func (c Config) CalculateDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 && retryAfter <= c.MaxDelay {
		return retryAfter
	}

	delay := float64(c.InitialDelay)
	for range attempt {
		delay *= c.BackoffFactor
		if delay >= float64(c.MaxDelay) {
			break
		}
	}
	delay = min(delay, float64(c.MaxDelay))

	if c.Jitter > 0 {
		delay += delay * c.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(delay)
}

// ParseRetryAfter understands the delay-seconds form of Retry-After only.
func ParseRetryAfter(header string) time.Duration {
	seconds, err := strconv.ParseInt(header, 10, 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs op until it succeeds, returns a Permanent error, the policy is
// exhausted, or ctx is done.
func Do(ctx context.Context, cfg Config, name string, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.CalculateDelay(attempt-1, 0)
			logging.Debugf("%s: retry %d/%d after %v: %v", name, attempt, cfg.MaxRetries, delay, err)
			if werr := wait(ctx, delay); werr != nil {
				return fmt.Errorf("%s: %w (last error: %v)", name, werr, err)
			}
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", name, cfg.MaxRetries+1, err)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
