package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	jitterSpread = 0.2
	minJittered  = 100 * time.Millisecond
)

var validate = validator.New()

// Config describes an exponential backoff schedule. It is a value type:
// build one per call site and never mutate it afterwards.
type Config struct {
	MaxAttempts  uint          `validate:"min=1"`
	InitialDelay time.Duration `validate:"gte=0"`
	MaxDelay     time.Duration `validate:"gtefield=InitialDelay"`
	Multiplier   float64       `validate:"gt=0"`
	Jitter       bool
}

// Default is the general-purpose schedule used for short requests.
func Default() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// Download is tuned for large-file transfers where multi-minute stalls are common.
func Download() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     300 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// Validate reports whether c satisfies MaxAttempts >= 1 and InitialDelay <= MaxDelay.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid retry config: %w", err)
	}
	return nil
}

// Delay returns the un-jittered wait before the given retry (0-based):
// min(InitialDelay * Multiplier^retry, MaxDelay).
func (c Config) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(retry))
	if d > float64(c.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// JitteredDelay applies a uniform ±20% perturbation to Delay(retry) and
// floors the result at 100ms. u must be in [0, 1). Without jitter it
// returns Delay(retry) unchanged.
func (c Config) JitteredDelay(retry int, u float64) time.Duration {
	d := c.Delay(retry)
	if !c.Jitter {
		return d
	}
	offset := (u*2 - 1) * jitterSpread
	j := time.Duration(float64(d) * (1 + offset))
	if j < minJittered {
		j = minJittered
	}
	return j
}

// Operation is one attempt of a fallible call. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type options struct {
	onRetry func(attempt int, err error, delay time.Duration)
	sleep   func(ctx context.Context, d time.Duration) error
	rand    func() float64
}

// Option customizes a single Do call.
type Option func(*options)

// OnRetry registers a callback invoked once per retry, before sleeping.
func OnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

// WithSleep replaces the context-aware sleep. Tests use it to skip real waits.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

// WithRand replaces the uniform [0,1) source used for jitter.
func WithRand(fn func() float64) Option {
	return func(o *options) { o.rand = fn }
}

// Do runs op until it succeeds, returns an error shouldRetry rejects, the
// context ends, or cfg.MaxAttempts attempts have been made.
//
// A nil shouldRetry retries every error.
func Do(ctx context.Context, cfg Config, shouldRetry func(error) bool, op Operation, opts ...Option) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	o := options{sleep: sleepContext, rand: rand.Float64}
	for _, opt := range opts {
		opt(&o)
	}

	var lastErr error
	attempts := int(cfg.MaxAttempts)
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return err
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := cfg.JitteredDelay(attempt-1, o.rand())
		if o.onRetry != nil {
			o.onRetry(attempt, err, delay)
		}
		if err := o.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}

	return &ExhaustedError{Attempts: attempts, Err: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
