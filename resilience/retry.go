package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Strategy is the default recovery action for an error class.
type Strategy int

const (
	StrategyRetry Strategy = iota
	StrategySkip
	StrategyDegrade
	StrategyAbort
	StrategyCircuitBreak
	StrategyRetryOnce
)

func (s Strategy) String() string {
	switch s {
	case StrategyRetry:
		return "retry"
	case StrategySkip:
		return "skip"
	case StrategyDegrade:
		return "degrade"
	case StrategyAbort:
		return "abort"
	case StrategyCircuitBreak:
		return "circuit_break"
	case StrategyRetryOnce:
		return "retry_once"
	}
	return "unknown"
}

// StrategyFor returns the recovery strategy of class.
func StrategyFor(class Class) Strategy {
	switch class {
	case Connection, Timeout:
		return StrategyRetry
	case Validation:
		return StrategySkip
	case Resource:
		return StrategyDegrade
	case Authentication, Permission, Configuration:
		return StrategyAbort
	case ExternalService:
		return StrategyCircuitBreak
	}
	return StrategyRetryOnce
}

// Policy controls retry attempts and backoff.
type Policy struct {
	// MaxRetries counts re-executions after the first attempt: an operation
	// runs at most MaxRetries+1 times.
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// Jitter is a fraction (0..1) of the delay applied as +/- noise.
	Jitter float64
}

// DefaultPolicy returns a policy of 3 retries starting at 500ms, doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		Multiplier: 2.0,
		MaxDelay:   30 * time.Second,
	}
}

// Delay returns the sleep before the given retry attempt (1-based):
// base * multiplier^(attempt-1), capped by MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delay += delay * p.Jitter * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Attempts returns how many retries class is entitled to beyond the first attempt.
func (p Policy) Attempts(class Class) int {
	switch StrategyFor(class) {
	case StrategyRetry, StrategyCircuitBreak:
		return p.MaxRetries
	case StrategyRetryOnce:
		if p.MaxRetries < 1 {
			return p.MaxRetries
		}
		return 1
	}
	return 0
}

// Retry executes op, re-executing it with backoff while the error class allows.
// An open breaker stops retrying immediately. onRetry, when set, is called before each sleep.
func Retry(ctx context.Context, policy Policy, op func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrOpen) || errors.Is(err, context.Canceled) {
			return err
		}
		if attempt > policy.Attempts(Classify(err)) {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
