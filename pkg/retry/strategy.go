// Package retry describes how failed operations are retried and bounded in time.
//
// A Strategy is one of three closed variants selected by Kind:
//   - FixedInterval: the same delay before every retry
//   - ExponentialBackoff: InitialDelay * Multiplier^(n-1), capped at MaxDelay
//   - LinearBackoff: InitialDelay + Increment*(n-1), capped at MaxDelay
//
// MaxAttempts counts the first attempt, so MaxAttempts=5 allows four retries.
//
// # Jitter
//
// With Jitter enabled the computed delay d becomes d/2 + random(0, d/2),
// which spreads retries of concurrent callers apart.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

type Kind int

const (
	FixedInterval Kind = iota
	ExponentialBackoff
	LinearBackoff
)

func (k Kind) String() string {
	switch k {
	case FixedInterval:
		return "fixed"
	case ExponentialBackoff:
		return "exponential"
	case LinearBackoff:
		return "linear"
	default:
		return "unknown"
	}
}

// ParseKind accepts the configuration names of the retry variants.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed", "fixed_interval":
		return FixedInterval, nil
	case "", "exponential", "exponential_backoff":
		return ExponentialBackoff, nil
	case "linear", "linear_backoff":
		return LinearBackoff, nil
	default:
		return 0, fmt.Errorf("unknown retry strategy %q", s)
	}
}

type Strategy struct {
	Kind         Kind
	MaxAttempts  int
	Interval     time.Duration // FixedInterval
	InitialDelay time.Duration // ExponentialBackoff, LinearBackoff
	Multiplier   float64       // ExponentialBackoff
	Increment    time.Duration // LinearBackoff
	MaxDelay     time.Duration // 0 means uncapped
	Jitter       bool
}

// Timeout bounds a single attempt and, optionally, the whole operation.
type Timeout struct {
	PerAttempt time.Duration
	Total      time.Duration // 0 disables the overall deadline
}

// ExecutionStrategy is the immutable pair of retry and timeout policies.
type ExecutionStrategy struct {
	Retry   Strategy
	Timeout Timeout
}

func DefaultStrategy() Strategy {
	return Strategy{
		Kind:         ExponentialBackoff,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
}

func DefaultExecutionStrategy() ExecutionStrategy {
	return ExecutionStrategy{
		Retry:   DefaultStrategy(),
		Timeout: Timeout{PerAttempt: 30 * time.Second},
	}
}

// Attempts returns the attempt limit, never less than one.
func (s Strategy) Attempts() int {
	if s.MaxAttempts < 1 {
		return 1
	}
	return s.MaxAttempts
}

// Delay returns the wait before retry number n (n=1 is the wait after the
// first failed attempt).
func (s Strategy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}

	var d time.Duration
	switch s.Kind {
	case FixedInterval:
		d = s.Interval
	case ExponentialBackoff:
		mult := s.Multiplier
		if mult <= 0 {
			mult = 2.0
		}
		f := float64(s.InitialDelay) * math.Pow(mult, float64(n-1))
		if s.MaxDelay > 0 && f > float64(s.MaxDelay) {
			f = float64(s.MaxDelay)
		}
		if f > math.MaxInt64 {
			f = math.MaxInt64
		}
		d = time.Duration(f)
	case LinearBackoff:
		d = s.InitialDelay + time.Duration(n-1)*s.Increment
	}

	if s.MaxDelay > 0 && d > s.MaxDelay {
		d = s.MaxDelay
	}

	if s.Jitter && d > 1 {
		d = d/2 + time.Duration(rand.Int63n(int64(d/2)))
	}
	return d
}

// Validate rejects strategies that cannot be executed.
func (s Strategy) Validate() error {
	if s.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	switch s.Kind {
	case FixedInterval:
		if s.Interval < 0 {
			return fmt.Errorf("interval must not be negative")
		}
	case ExponentialBackoff:
		if s.InitialDelay < 0 || s.Multiplier < 1 {
			return fmt.Errorf("exponential backoff needs initial delay >= 0 and multiplier >= 1")
		}
	case LinearBackoff:
		if s.InitialDelay < 0 || s.Increment < 0 {
			return fmt.Errorf("linear backoff needs non-negative initial delay and increment")
		}
	default:
		return fmt.Errorf("unknown retry kind %d", s.Kind)
	}
	return nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
