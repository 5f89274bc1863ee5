package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quickRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}
}

func TestRetry_FirstAttemptSucceeds(t *testing.T) {
	var calls int
	got, err := Retry(context.Background(), DefaultRetryConfig(), func(context.Context) (string, error) {
		calls++
		return "listing", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "listing", got)
	assert.Equal(t, 1, calls)
}

func TestRetry_RecoversFromTransient(t *testing.T) {
	var calls int
	got, err := Retry(context.Background(), quickRetry(3), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, NewTransientError(errors.New("gateway timeout"), 504)
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	var calls int
	got, err := Retry(context.Background(), quickRetry(3), func(context.Context) (int, error) {
		calls++
		return 42, NewTransientError(errors.New("bad gateway"), 502)
	})
	require.Error(t, err)
	assert.Zero(t, got)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unclassified", errors.New("listing not found")},
		// The message looks transient but the explicit wrapper wins.
		{"permanent wrapper", NewPermanentError(errors.New("broken pipe while parsing"), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			_, err := Retry(context.Background(), quickRetry(4), func(context.Context) (struct{}, error) {
				calls++
				return struct{}{}, tt.err
			})
			assert.Equal(t, tt.err, err)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestRetry_ContextCancelStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: 50 * time.Millisecond, MaxBackoff: 100 * time.Millisecond}

	_, err := Retry(ctx, cfg, func(context.Context) (struct{}, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return struct{}{}, NewTransientError(errors.New("reset"), 500)
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_CustomClassifierAndHook(t *testing.T) {
	var calls int
	var hooked []int
	cfg := quickRetry(3)
	cfg.ShouldRetry = func(err error) bool { return err.Error() == "captcha" }
	cfg.OnRetry = func(attempt int, _ error) { hooked = append(hooked, attempt) }

	_, err := Retry(context.Background(), cfg, func(context.Context) (struct{}, error) {
		calls++
		if calls < 3 {
			return struct{}{}, errors.New("captcha")
		}
		return struct{}{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, hooked)
}

func TestRetry_ZeroConfigUsesDefaults(t *testing.T) {
	var calls atomic.Int32
	_, err := Retry(context.Background(), RetryConfig{}, func(context.Context) (struct{}, error) {
		calls.Add(1)
		return struct{}{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	d := RetryConfig{}.withDefaults()
	assert.Equal(t, 3, d.MaxAttempts)
	assert.Equal(t, 30*time.Second, d.MaxBackoff)
	assert.NotNil(t, d.ShouldRetry)
}

func TestRetry_HonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	cfg := RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Second}

	start := time.Now()
	got, err := Retry(context.Background(), cfg, func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", &TransientError{Err: errors.New("slow down"), StatusCode: 429, RetryAfter: 40 * time.Millisecond}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestWait(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 10 * time.Second, Multiplier: 2}.withDefaults()
	for i, want := range []time.Duration{100, 200, 400, 800} {
		assert.Equal(t, want*time.Millisecond, cfg.wait(i, nil), "attempt %d", i)
	}

	capped := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 10}.withDefaults()
	assert.Equal(t, 5*time.Second, capped.wait(5, nil))

	// Retry-After above the cap is clamped.
	slow := &TransientError{Err: errors.New("429"), RetryAfter: time.Minute}
	assert.Equal(t, 5*time.Second, capped.wait(0, slow))
}

func TestWait_Jitter(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, JitterFraction: 0.5}.withDefaults()

	seen := make(map[time.Duration]bool)
	for range 100 {
		d := cfg.wait(0, nil)
		seen[d] = true
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
	assert.Greater(t, len(seen), 1)
}

func TestLogRetries(t *testing.T) {
	assert.NotPanics(t, func() { LogRetries("heritage", "fetch")(1, errors.New("timeout")) })
}
