package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTestError    = errors.New("test error")
	errNonRetryable = errors.New("non-retryable error")
	errRetryable    = errors.New("retryable error")
)

func fastConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// failing returns a function that fails n times with err before succeeding.
func failing(n int, err error, attempts *int) func() error {
	return func() error {
		*attempts++
		if *attempts <= n {
			return err
		}
		return nil
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	require.NoError(t, Retry(context.Background(), fastConfig(), failing(0, errTestError, &attempts)))
	assert.Equal(t, 1, attempts)
}

func TestRetry_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	require.NoError(t, Retry(context.Background(), fastConfig(), failing(2, errTestError, &attempts)))
	assert.Equal(t, 3, attempts)
}

func TestRetry_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(), failing(100, errTestError, &attempts))

	assert.ErrorIs(t, err, errTestError)
	assert.Contains(t, err.Error(), "max attempts (3) exceeded")
	assert.Equal(t, 4, attempts)
}

func TestRetry_Disabled(t *testing.T) {
	cfg := fastConfig()
	cfg.Enabled = false

	attempts := 0
	err := Retry(context.Background(), cfg, failing(100, errTestError, &attempts))
	assert.Equal(t, errTestError, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_ContextCancellation(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	attempts := 0
	start := time.Now()
	err := Retry(ctx, cfg, failing(100, errTestError, &attempts))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRetry_NonRetryableError(t *testing.T) {
	cfg := fastConfig()
	cfg.NonRetryableErrors = []error{errNonRetryable}

	attempts := 0
	err := Retry(context.Background(), cfg, failing(100, fmt.Errorf("claim: %w", errNonRetryable), &attempts))

	assert.ErrorIs(t, err, errNonRetryable)
	assert.Equal(t, 1, attempts)
}

func TestRetry_RetryableErrorList(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryableErrors = []error{errRetryable}

	attempts := 0
	require.NoError(t, Retry(context.Background(), cfg, failing(2, errRetryable, &attempts)))
	assert.Equal(t, 3, attempts)
}

func TestRetry_ErrorNotInRetryableList(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryableErrors = []error{errRetryable}

	attempts := 0
	err := Retry(context.Background(), cfg, failing(100, errTestError, &attempts))

	assert.ErrorIs(t, err, errTestError)
	assert.Contains(t, err.Error(), "not in retryable list")
	assert.Equal(t, 1, attempts)
}

func TestRetry_OnRetryCallback(t *testing.T) {
	cfg := fastConfig()
	var seen []int
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		assert.ErrorIs(t, err, errTestError)
		assert.Positive(t, delay)
		seen = append(seen, attempt)
	}

	attempts := 0
	require.NoError(t, Retry(context.Background(), cfg, failing(2, errTestError, &attempts)))
	assert.Equal(t, []int{1, 2}, seen)
}

func TestRetryWithResult_Success(t *testing.T) {
	attempts := 0
	result, err := RetryWithResult(context.Background(), fastConfig(), func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errTestError
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, attempts)
}

func TestRetryWithResult_Failure(t *testing.T) {
	result, err := RetryWithResult(context.Background(), fastConfig(), func() (int, error) {
		return 7, errTestError
	})

	assert.ErrorIs(t, err, errTestError)
	assert.Zero(t, result)
}

func TestRetryWithResult_Disabled(t *testing.T) {
	cfg := fastConfig()
	cfg.Enabled = false

	result, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, result)
}

func TestCalculateDelay_ExponentialBackoff(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}

	assert.Equal(t, 100*time.Millisecond, calculateDelay(cfg, 0))
	assert.Equal(t, 200*time.Millisecond, calculateDelay(cfg, 1))
	assert.Equal(t, 400*time.Millisecond, calculateDelay(cfg, 2))
}

func TestCalculateDelay_MaxDelayCap(t *testing.T) {
	cfg := Config{
		InitialDelay: time.Second,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}

	assert.Equal(t, 2*time.Second, calculateDelay(cfg, 5))
}

func TestCalculateDelay_WithJitter(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}

	base := 200 * time.Millisecond
	for i := 0; i < 20; i++ {
		delay := calculateDelay(cfg, 1)
		assert.GreaterOrEqual(t, delay, base-base/4)
		assert.LessOrEqual(t, delay, base+base/4)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.True(t, cfg.Enabled)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)
	assert.True(t, cfg.Jitter)
}
