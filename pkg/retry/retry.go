// Package retry retries blob store calls with exponential backoff.
//
// Only errors classified as retryable by pkg/errors are retried; a missing key or an
// access failure is returned after the first attempt.
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/multierr"

	"github.com/objectfs/tilecache/pkg/errors"
)

// Config defines retry behavior
type Config struct {
	// MaxAttempts includes the initial attempt
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Multiplier   float64       `yaml:"multiplier" env:"MULTIPLIER"`
	Jitter       bool          `yaml:"jitter" env:"JITTER"`

	// RetryableErrors extends the codes retried beyond those marked Retryable
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" env:"-"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" env:"-"`
}

// DefaultConfig returns the retry configuration used by the blob stores
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeConnectionTimeout,
			errors.ErrCodeNetworkError,
			errors.ErrCodeServiceUnavailable,
		},
	}
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
}

// New creates a Retryer, filling zero values from DefaultConfig
func New(config Config) *Retryer {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = def.Multiplier
	}

	return &Retryer{config: config}
}

// Do executes fn until it succeeds, fails permanently, attempts run out or ctx is done.
// When attempts run out, the returned error combines every attempt's error, the last
// one first so it decides the classification.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	var earlier error

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !r.isRetryable(err) {
			return err
		}
		if attempt >= r.config.MaxAttempts {
			return fmt.Errorf("max retry attempts (%d) exceeded: %w",
				r.config.MaxAttempts, multierr.Append(err, earlier))
		}
		earlier = multierr.Append(earlier, err)

		delay := r.calculateDelay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("operation canceled after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}
}

// MaxAttempts returns the configured attempt limit
func (r *Retryer) MaxAttempts() int {
	return r.config.MaxAttempts
}

// WithOnRetry returns a new Retryer with a retry callback
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	newConfig := r.config
	newConfig.OnRetry = callback
	return New(newConfig)
}

func (r *Retryer) isRetryable(err error) bool {
	var tcErr *errors.TileCacheError
	if !stderr.As(err, &tcErr) {
		return false
	}
	if tcErr.Retryable {
		return true
	}
	for _, code := range r.config.RetryableErrors {
		if tcErr.Code == code {
			return true
		}
	}
	return false
}

// calculateDelay: initialDelay * multiplier^(attempt-1), capped, with ±20% jitter
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}

	return time.Duration(delay)
}
