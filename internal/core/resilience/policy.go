// Package resilience provides the retry, timeout, and circuit-breaker policies
// wrapped around outbound submission calls.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"possync/internal/core/apperror"
	"possync/pkg/logger"
)

// RetryConfig controls exponential backoff retry.
type RetryConfig struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64
}

// DefaultRetryConfig returns the platform defaults: 3 attempts, 1s base delay,
// 5m max delay, x2 multiplier, 10% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.1,
	}
}

// Delay computes the backoff delay before the given attempt (1-based).
func (c RetryConfig) Delay(attempt int) time.Duration {
	delay := float64(c.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= c.BackoffMultiplier
	}
	if max := float64(c.MaxDelay); delay > max {
		delay = max
	}
	if c.JitterFactor > 0 {
		// jitter in [-f, +f] of the delay
		jitter := (rand.Float64()*2 - 1) * c.JitterFactor * delay
		delay += jitter
	}
	return time.Duration(delay)
}

// PermanentError marks an error as non-retryable.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Retry gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient classifies an error as retryable infrastructure failure.
// Network timeouts, connection refusals, and deadline expiry are transient;
// validation and business errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if appErr, ok := apperror.AsAppError(err); ok {
		switch appErr.Code {
		case apperror.CodeTimeout, apperror.CodeDownstream, apperror.CodeDatabase:
			return true
		}
		return false
	}
	return false
}

// Retry executes op with exponential backoff until it succeeds, returns a
// permanent error, or the attempt budget is exhausted.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		var perm *PermanentError
		if errors.As(lastErr, &perm) {
			return perm.Err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.Delay(attempt)
		logger.Debug(ctx, "retrying after failure",
			"attempt", attempt,
			"delay", delay.String(),
			"error", lastErr,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// --- Circuit breaker ---

// CircuitState is the breaker state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitConfig controls the breaker thresholds.
type CircuitConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int

	// OpenDuration is how long the circuit stays open before a probe.
	OpenDuration time.Duration
}

// DefaultCircuitConfig returns the platform defaults: 5 failures, 1m open.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		OpenDuration:     time.Minute,
	}
}

// CircuitBreaker guards an outbound dependency. After FailureThreshold
// consecutive failures the circuit opens; after OpenDuration a single probe
// is allowed through (half-open); a successful probe fully resets.
type CircuitBreaker struct {
	name string
	cfg  CircuitConfig

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a breaker named for logging and error details.
func NewCircuitBreaker(name string, cfg CircuitConfig) *CircuitBreaker {
	return &CircuitBreaker{name: name, cfg: cfg, state: CircuitClosed}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// currentState resolves open -> half-open transitions. Caller holds mu.
func (b *CircuitBreaker) currentState(now time.Time) CircuitState {
	if b.state == CircuitOpen && now.Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.state = CircuitHalfOpen
		b.probing = false
	}
	return b.state
}

// Execute runs op if the circuit allows it.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := op(ctx)
	b.record(ctx, err)
	return err
}

func (b *CircuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(time.Now()) {
	case CircuitOpen:
		return apperror.NewCircuitOpen(b.name)
	case CircuitHalfOpen:
		if b.probing {
			// only one probe at a time
			return apperror.NewCircuitOpen(b.name)
		}
		b.probing = true
	}
	return nil
}

func (b *CircuitBreaker) record(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != CircuitClosed {
			logger.Info(ctx, "circuit closed after successful probe", "circuit", b.name)
		}
		b.state = CircuitClosed
		b.failures = 0
		b.probing = false
		return
	}

	b.failures++
	b.probing = false
	if b.state == CircuitHalfOpen || b.failures >= b.cfg.FailureThreshold {
		if b.state != CircuitOpen {
			logger.Warn(ctx, "circuit opened",
				"circuit", b.name,
				"failures", b.failures,
			)
		}
		b.state = CircuitOpen
		b.openedAt = time.Now()
	}
}

// --- Composed policy ---

// Policy composes timeout, retry, and circuit breaker in the order
// retry(circuit(timeout(op))).
type Policy struct {
	Retry            RetryConfig
	Breaker          *CircuitBreaker
	OperationTimeout time.Duration
}

// PolicyConfig is the externally configurable policy surface.
type PolicyConfig struct {
	Retry            RetryConfig
	Circuit          CircuitConfig
	OperationTimeout time.Duration
	HTTPTimeout      time.Duration
}

// DefaultPolicyConfig returns all platform defaults.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		Retry:            DefaultRetryConfig(),
		Circuit:          DefaultCircuitConfig(),
		OperationTimeout: 2 * time.Minute,
		HTTPTimeout:      30 * time.Second,
	}
}

// NewPolicy builds a composed policy for the named dependency.
func NewPolicy(name string, cfg PolicyConfig) *Policy {
	return &Policy{
		Retry:            cfg.Retry,
		Breaker:          NewCircuitBreaker(name, cfg.Circuit),
		OperationTimeout: cfg.OperationTimeout,
	}
}

// Execute runs op under the composed policy.
func (p *Policy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	return Retry(ctx, p.Retry, func(ctx context.Context) error {
		return p.Breaker.Execute(ctx, func(ctx context.Context) error {
			opCtx := ctx
			if p.OperationTimeout > 0 {
				var cancel context.CancelFunc
				opCtx, cancel = context.WithTimeout(ctx, p.OperationTimeout)
				defer cancel()
			}
			err := op(opCtx)
			if err != nil && !IsTransient(err) {
				return Permanent(err)
			}
			return err
		})
	})
}
