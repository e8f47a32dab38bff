package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errPermanent = errors.New("permanent")

func onlyTransient(err error) bool { return errors.Is(err, errTransient) }

// recordSleep returns a sleep hook that records delays without waiting.
func recordSleep(delays *[]time.Duration) Option {
	return WithSleep(func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	})
}

func TestDelay_ExponentialCapped(t *testing.T) {
	cfg := Config{MaxAttempts: 8, InitialDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Multiplier: 2}

	want := []time.Duration{2, 4, 8, 16, 30, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, cfg.Delay(i), "retry %d", i)
	}
}

func TestDelay_NonDecreasingAndCapped(t *testing.T) {
	for _, mult := range []float64{1.1, 1.5, 2, 3, 10} {
		cfg := Config{MaxAttempts: 20, InitialDelay: 150 * time.Millisecond, MaxDelay: 45 * time.Second, Multiplier: mult}
		prev := time.Duration(0)
		for i := 0; i < 40; i++ {
			d := cfg.Delay(i)
			assert.GreaterOrEqual(t, d, prev, "multiplier %v retry %d", mult, i)
			assert.LessOrEqual(t, d, cfg.MaxDelay)
			prev = d
		}
	}
}

func TestJitteredDelay_Bounds(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 3, Jitter: true}

	for retry := 0; retry < 8; retry++ {
		capped := cfg.Delay(retry)
		for _, u := range []float64{0, 0.01, 0.25, 0.5, 0.75, 0.999999} {
			d := cfg.JitteredDelay(retry, u)
			assert.GreaterOrEqual(t, d, 100*time.Millisecond)
			upper := time.Duration(float64(capped) * 1.2)
			if upper < 100*time.Millisecond {
				upper = 100 * time.Millisecond
			}
			assert.LessOrEqual(t, d, upper, "retry %d u %v", retry, u)
		}
	}
}

func TestJitteredDelay_DisabledIsExact(t *testing.T) {
	cfg := Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	assert.Equal(t, time.Millisecond, cfg.JitteredDelay(0, 0.9))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Default().Validate())
	require.NoError(t, Download().Validate())

	bad := Default()
	bad.MaxAttempts = 0
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.InitialDelay = time.Minute
	bad.MaxDelay = time.Second
	assert.Error(t, bad.Validate())
}

func TestDo_RetryableExhaustsAllAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	var calls int
	var delays []time.Duration

	err := Do(context.Background(), cfg, onlyTransient, func(ctx context.Context, attempt int) error {
		calls++
		return errTransient
	}, recordSleep(&delays))

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, delays, 2, "no delay after the final attempt")
	assert.ErrorIs(t, err, errTransient)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	var calls int
	var delays []time.Duration

	err := Do(context.Background(), cfg, onlyTransient, func(ctx context.Context, attempt int) error {
		calls++
		return errPermanent
	}, recordSleep(&delays))

	assert.Equal(t, 1, calls)
	assert.Empty(t, delays)
	assert.Same(t, errPermanent, err)
}

func TestDo_SucceedsAfterRetry(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	var seen []int

	err := Do(context.Background(), cfg, nil, func(ctx context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errTransient
		}
		return nil
	}, WithSleep(func(context.Context, time.Duration) error { return nil }))

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestDo_OnRetryCalledBeforeEachSleep(t *testing.T) {
	cfg := Config{MaxAttempts: 4, InitialDelay: 2 * time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	type call struct {
		attempt int
		delay   time.Duration
	}
	var events []string
	var calls []call

	_ = Do(context.Background(), cfg, nil, func(ctx context.Context, attempt int) error {
		return errTransient
	},
		OnRetry(func(attempt int, err error, delay time.Duration) {
			events = append(events, "retry")
			calls = append(calls, call{attempt, delay})
		}),
		WithSleep(func(context.Context, time.Duration) error {
			events = append(events, "sleep")
			return nil
		}),
	)

	assert.Equal(t, []string{"retry", "sleep", "retry", "sleep", "retry", "sleep"}, events)
	assert.Equal(t, []call{{1, 2 * time.Second}, {2, 4 * time.Second}, {3, 5 * time.Second}}, calls)
}

func TestDo_CancelledDuringSleep(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}
	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, nil, func(ctx context.Context, attempt int) error {
			calls++
			cancel()
			return errTransient
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDo_InvalidConfig(t *testing.T) {
	err := Do(context.Background(), Config{}, nil, func(context.Context, int) error { return nil })
	assert.Error(t, err)
}
