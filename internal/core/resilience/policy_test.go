package resilience

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/internal/core/apperror"
)

func TestDelayGrowsExponentially(t *testing.T) {
	cfg := RetryConfig{
		BaseDelay:         time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
	}

	assert.Equal(t, time.Second, cfg.Delay(1))
	assert.Equal(t, 2*time.Second, cfg.Delay(2))
	assert.Equal(t, 4*time.Second, cfg.Delay(3))
}

func TestDelayIsCapped(t *testing.T) {
	cfg := RetryConfig{
		BaseDelay:         time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
	assert.Equal(t, 5*time.Minute, cfg.Delay(20))
}

func TestDelayJitterStaysInBand(t *testing.T) {
	cfg := DefaultRetryConfig()
	for i := 0; i < 100; i++ {
		d := cfg.Delay(2)
		assert.GreaterOrEqual(t, d, time.Duration(float64(2*time.Second)*0.9))
		assert.LessOrEqual(t, d, time.Duration(float64(2*time.Second)*1.1))
	}
}

func TestIsTransientClassification(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.True(t, IsTransient(apperror.NewDownstream(errors.New("502"))))
	assert.False(t, IsTransient(apperror.NewValidation("bad price")))
	assert.False(t, IsTransient(errors.New("schema mismatch")))
	assert.False(t, IsTransient(Permanent(context.DeadlineExceeded)))
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		BaseDelay:         time.Microsecond,
		MaxDelay:          time.Microsecond,
		BackoffMultiplier: 1,
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return errors.New("still down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrySucceedsMidway(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(5), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(5), func(_ context.Context) error {
		calls++
		return Permanent(errors.New("bad request"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, fastRetry(3), func(_ context.Context) error {
		t.Fatal("must not run after cancellation")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker("test", CircuitConfig{FailureThreshold: 3, OpenDuration: time.Hour})
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		assert.Error(t, b.Execute(context.Background(), func(_ context.Context) error { return boom }))
	}
	assert.Equal(t, CircuitOpen, b.State())

	err := b.Execute(context.Background(), func(_ context.Context) error { return nil })
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeCircuitOpen))
}

func TestCircuitSuccessResetsFailureCount(t *testing.T) {
	b := NewCircuitBreaker("test", CircuitConfig{FailureThreshold: 3, OpenDuration: time.Hour})
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func(_ context.Context) error { return boom })
	}
	require.NoError(t, b.Execute(context.Background(), func(_ context.Context) error { return nil }))

	// Two more failures after a reset must not open the circuit.
	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func(_ context.Context) error { return boom })
	}
	assert.Equal(t, CircuitClosed, b.State())
}

func TestCircuitHalfOpenProbe(t *testing.T) {
	b := NewCircuitBreaker("test", CircuitConfig{FailureThreshold: 1, OpenDuration: 5 * time.Millisecond})

	_ = b.Execute(context.Background(), func(_ context.Context) error { return errors.New("boom") })
	require.Equal(t, CircuitOpen, b.State())

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, CircuitHalfOpen, b.State())

	// A successful probe closes the circuit again.
	require.NoError(t, b.Execute(context.Background(), func(_ context.Context) error { return nil }))
	assert.Equal(t, CircuitClosed, b.State())
}

func TestCircuitHalfOpenFailureReopens(t *testing.T) {
	b := NewCircuitBreaker("test", CircuitConfig{FailureThreshold: 1, OpenDuration: 5 * time.Millisecond})

	_ = b.Execute(context.Background(), func(_ context.Context) error { return errors.New("boom") })
	time.Sleep(10 * time.Millisecond)

	_ = b.Execute(context.Background(), func(_ context.Context) error { return errors.New("still down") })
	assert.Equal(t, CircuitOpen, b.State())
}

func TestPolicyWrapsNonTransientAsPermanent(t *testing.T) {
	p := NewPolicy("test", PolicyConfig{
		Retry:            fastRetry(3),
		Circuit:          CircuitConfig{FailureThreshold: 100, OpenDuration: time.Minute},
		OperationTimeout: time.Second,
	})

	calls := 0
	err := p.Execute(context.Background(), func(_ context.Context) error {
		calls++
		return apperror.NewValidation("rejected")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
}

func TestPolicyRetriesTransient(t *testing.T) {
	p := NewPolicy("test", PolicyConfig{
		Retry:            fastRetry(3),
		Circuit:          CircuitConfig{FailureThreshold: 100, OpenDuration: time.Minute},
		OperationTimeout: time.Second,
	})

	calls := 0
	err := p.Execute(context.Background(), func(_ context.Context) error {
		calls++
		if calls < 2 {
			return &net.OpError{Op: "dial", Err: errors.New("refused")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestPolicyAppliesOperationTimeout(t *testing.T) {
	p := NewPolicy("test", PolicyConfig{
		Retry:            fastRetry(1),
		Circuit:          CircuitConfig{FailureThreshold: 100, OpenDuration: time.Minute},
		OperationTimeout: 5 * time.Millisecond,
	})

	err := p.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
