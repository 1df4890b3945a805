package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quickRetry keeps backoffs in the low milliseconds so exhaustion tests
// finish fast.
func quickRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDoVal_FirstAttemptSucceeds(t *testing.T) {
	calls := 0
	roster, err := DoVal(context.Background(), quickRetry(3), func(context.Context) ([]string, error) {
		calls++
		return []string{"Keller", "Vogel"}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"Keller", "Vogel"}, roster)
	assert.Equal(t, 1, calls)
}

func TestDoVal_TransientFailuresAreRetried(t *testing.T) {
	calls := 0
	val, err := DoVal(context.Background(), quickRetry(3), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, NewTransientError(eris.New("model api overloaded"), 529)
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, val)
	assert.Equal(t, 3, calls)
}

func TestDoVal_PermanentErrorStopsAfterOneAttempt(t *testing.T) {
	calls := 0
	_, err := DoVal(context.Background(), quickRetry(5), func(context.Context) (int, error) {
		calls++
		return 0, eris.New("sf: invalid session id")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_ExhaustionReturnsLastError(t *testing.T) {
	calls := 0
	portalDown := NewTransientError(eris.New("registry portal unavailable"), 503)
	_, err := DoVal(context.Background(), quickRetry(3), func(context.Context) (int, error) {
		calls++
		return 0, portalDown
	})

	assert.ErrorIs(t, err, portalDown)
	assert.Equal(t, 3, calls)
}

func TestDoVal_OnRetryObservesEachBackoff(t *testing.T) {
	var attempts []int
	cfg := quickRetry(3)
	cfg.OnRetry = func(attempt int, err error) {
		attempts = append(attempts, attempt)
		assert.Error(t, err)
	}

	_, err := DoVal(context.Background(), cfg, func(context.Context) (int, error) {
		return 0, NewTransientError(eris.New("timeout"), 504)
	})

	assert.Error(t, err)
	// No hook fires after the final attempt.
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoVal_ShouldRetryOverridesTransientCheck(t *testing.T) {
	calls := 0
	cfg := quickRetry(4)
	cfg.ShouldRetry = func(error) bool { return false }

	_, err := DoVal(context.Background(), cfg, func(context.Context) (int, error) {
		calls++
		return 0, NewTransientError(eris.New("rate limited"), 429)
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_CancellationEndsBackoffEarly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := quickRetry(2)
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	calls := 0
	start := time.Now()
	_, err := DoVal(ctx, cfg, func(context.Context) (int, error) {
		calls++
		return 0, NewTransientError(eris.New("slow portal"), 503)
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestDoVal_CancelledContextIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	_, err := DoVal(ctx, quickRetry(3), func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, NewTransientError(eris.New("interrupted"), 0)
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryConfig_DelayGrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     300 * time.Millisecond,
		Multiplier:     2.0,
	}.withDefaults()

	assert.Equal(t, 100*time.Millisecond, cfg.delay(1))
	assert.Equal(t, 200*time.Millisecond, cfg.delay(2))
	assert.Equal(t, 300*time.Millisecond, cfg.delay(3))
	assert.Equal(t, 300*time.Millisecond, cfg.delay(6))
}

func TestRetryConfig_JitterStaysWithinFraction(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}.withDefaults()

	for i := 0; i < 50; i++ {
		d := cfg.delay(1)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}

func TestFromRetryConfig(t *testing.T) {
	t.Run("explicit values", func(t *testing.T) {
		cfg := FromRetryConfig(5, 250, 4000, 1.5, 0.1)
		assert.Equal(t, 5, cfg.MaxAttempts)
		assert.Equal(t, 250*time.Millisecond, cfg.InitialBackoff)
		assert.Equal(t, 4*time.Second, cfg.MaxBackoff)
		assert.InDelta(t, 1.5, cfg.Multiplier, 1e-9)
		assert.InDelta(t, 0.1, cfg.JitterFraction, 1e-9)
	})

	t.Run("zero values keep defaults", func(t *testing.T) {
		cfg := FromRetryConfig(0, 0, 0, 0, -1)
		def := DefaultRetryConfig()
		assert.Equal(t, def.MaxAttempts, cfg.MaxAttempts)
		assert.Equal(t, def.InitialBackoff, cfg.InitialBackoff)
		assert.Equal(t, def.MaxBackoff, cfg.MaxBackoff)
		assert.InDelta(t, def.Multiplier, cfg.Multiplier, 1e-9)
		assert.InDelta(t, def.JitterFraction, cfg.JitterFraction, 1e-9)
	})
}
