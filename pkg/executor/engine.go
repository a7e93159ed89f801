// Package executor runs one database operation under the configured retry
// and timeout policy.
//
// Every attempt is routed afresh, admitted by the endpoint's circuit breaker,
// counted as in flight on the endpoint and given a pooled connection. Only
// transient failures are retried, preferably on another endpoint.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/dbha/consts"
	"github.com/migadu/dbha/logger"
	"github.com/migadu/dbha/pkg/driver"
	"github.com/migadu/dbha/pkg/metrics"
	"github.com/migadu/dbha/pkg/pool"
	"github.com/migadu/dbha/pkg/retry"
	"github.com/migadu/dbha/pkg/router"
)

type ErrorKind int

const (
	// Permanent means the first permanent error was surfaced without retrying.
	Permanent ErrorKind = iota
	// RetriesExhausted means every attempt failed with a transient error.
	RetriesExhausted
	// NoRoute means no endpoint could take the operation.
	NoRoute
	// Canceled means the caller's context or the total deadline ended the run.
	Canceled
)

func (k ErrorKind) String() string {
	switch k {
	case Permanent:
		return "permanent"
	case RetriesExhausted:
		return "retries_exhausted"
	case NoRoute:
		return "no_route"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error is returned by Run for every failed operation.
type Error struct {
	Kind     ErrorKind
	Attempts int
	Endpoint string // endpoint of the last attempt, if any
	Err      error
}

func (e *Error) Error() string {
	if e.Kind == RetriesExhausted {
		return fmt.Sprintf("%v after %d attempts (last endpoint %s): %v", consts.ErrRetriesExhausted, e.Attempts, e.Endpoint, e.Err)
	}
	if e.Endpoint != "" {
		return fmt.Sprintf("%s error on endpoint %s after %d attempts: %v", e.Kind, e.Endpoint, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s error after %d attempts: %v", e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Kind == RetriesExhausted {
		return []error{consts.ErrRetriesExhausted, e.Err}
	}
	return []error{e.Err}
}

// Selector picks the endpoint for one attempt.
type Selector interface {
	Select(ctx context.Context, qt router.QueryType, exclude map[string]bool) (router.Selection, error)
}

// Admitter gates attempts on the endpoint's circuit. The returned function
// reports the attempt's error, nil on success.
type Admitter interface {
	Admit(name string) (func(err error), error)
}

// Tracker counts in-flight operations per endpoint.
type Tracker interface {
	Begin(name string) (func(), error)
}

// ConnSource hands out pooled connections.
type ConnSource interface {
	Acquire(ctx context.Context, name string) (*pool.Conn, error)
}

type Request struct {
	Type      router.QueryType
	Statement driver.Statement
}

type Outcome struct {
	Result   driver.Result
	Endpoint string
	Attempts int
	Duration time.Duration
}

type Engine struct {
	strategy   retry.ExecutionStrategy
	selector   Selector
	admitter   Admitter
	tracker    Tracker
	conns      ConnSource
	drv        driver.Driver
	classifier driver.Classifier

	// Sleep waits between attempts. Tests replace it to observe delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(strategy retry.ExecutionStrategy, selector Selector, admitter Admitter, tracker Tracker, conns ConnSource, drv driver.Driver) *Engine {
	classifier, _ := drv.(driver.Classifier)
	return &Engine{
		strategy:   strategy,
		selector:   selector,
		admitter:   admitter,
		tracker:    tracker,
		conns:      conns,
		drv:        drv,
		classifier: classifier,
		Sleep:      retry.Sleep,
	}
}

func (e *Engine) Strategy() retry.ExecutionStrategy { return e.strategy }

// Classify applies the driver's classification to err.
func (e *Engine) Classify(err error) driver.Kind {
	return driver.Classify(err, e.classifier)
}

// Run executes req, retrying transient failures until the attempt limit or
// the total deadline is reached.
func (e *Engine) Run(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()
	kind := req.Type.String()

	if e.strategy.Timeout.Total > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.strategy.Timeout.Total)
		defer cancel()
	}

	out, err := e.run(ctx, req)
	metrics.QueryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(kind, "error").Inc()
		return nil, err
	}
	metrics.QueriesTotal.WithLabelValues(kind, "success").Inc()
	out.Duration = time.Since(start)
	return out, nil
}

func (e *Engine) run(ctx context.Context, req Request) (*Outcome, error) {
	maxAttempts := e.strategy.Retry.Attempts()
	exclude := make(map[string]bool)
	var lastErr error
	var lastEndpoint string
	rerouted := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 && !rerouted {
			delay := e.strategy.Retry.Delay(attempt - 1)
			metrics.RetriesTotal.WithLabelValues(req.Type.String()).Inc()
			logger.Warn("Retrying operation", "component", "EXECUTOR", "type", req.Type.String(),
				"attempt", attempt, "max_attempts", maxAttempts, "delay", delay,
				"last_endpoint", lastEndpoint, "error", lastErr)
			if err := e.Sleep(ctx, delay); err != nil {
				return nil, &Error{Kind: Canceled, Attempts: attempt - 1, Endpoint: lastEndpoint, Err: err}
			}
		}

		sel, err := e.selector.Select(ctx, req.Type, exclude)
		if err != nil {
			if lastErr != nil {
				err = fmt.Errorf("%w (previous attempt: %v)", err, lastErr)
			}
			return nil, &Error{Kind: NoRoute, Attempts: attempt - 1, Endpoint: lastEndpoint, Err: err}
		}
		name := sel.Endpoint.Name
		rerouted = false

		res, err := e.attempt(ctx, name, req.Statement)
		if err == nil {
			return &Outcome{Result: res, Endpoint: name, Attempts: attempt}, nil
		}

		// The endpoint was removed after routing. Route again without
		// spending an attempt; a second miss on it means nothing else is left.
		if errors.Is(err, consts.ErrEndpointNotFound) && ctx.Err() == nil {
			if exclude[name] {
				return nil, &Error{Kind: NoRoute, Attempts: attempt - 1, Endpoint: name,
					Err: fmt.Errorf("%w: endpoint %s was removed", consts.ErrNoHealthyEndpoint, name)}
			}
			logger.Debug("Endpoint removed after routing, rerouting", "component", "EXECUTOR", "endpoint", name)
			exclude[name] = true
			rerouted = true
			attempt--
			continue
		}
		lastErr, lastEndpoint = err, name

		if ctx.Err() != nil {
			return nil, &Error{Kind: Canceled, Attempts: attempt, Endpoint: name, Err: err}
		}
		if e.Classify(err) == driver.Permanent {
			logger.Debug("Permanent error, not retrying", "component", "EXECUTOR", "endpoint", name, "error", err)
			return nil, &Error{Kind: Permanent, Attempts: attempt, Endpoint: name, Err: err}
		}
		exclude[name] = true
	}

	logger.Warn("Operation failed after all attempts", "component", "EXECUTOR", "type", req.Type.String(),
		"attempts", maxAttempts, "last_endpoint", lastEndpoint, "error", lastErr)
	return nil, &Error{Kind: RetriesExhausted, Attempts: maxAttempts, Endpoint: lastEndpoint, Err: lastErr}
}

// attempt runs stmt once on name. The connection is released on success and
// on permanent errors and discarded otherwise, so a cancelled attempt never
// returns a possibly broken connection to the pool.
func (e *Engine) attempt(ctx context.Context, name string, stmt driver.Statement) (driver.Result, error) {
	attemptCtx := ctx
	if d := e.strategy.Timeout.PerAttempt; d > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	done, err := e.admitter.Admit(name)
	if err != nil {
		return nil, err
	}

	release, err := e.tracker.Begin(name)
	if err != nil {
		done(err)
		return nil, err
	}
	defer release()

	conn, err := e.conns.Acquire(attemptCtx, name)
	if err != nil {
		err = e.timeoutError(ctx, attemptCtx, err)
		done(err)
		return nil, err
	}

	res, err := e.drv.Execute(attemptCtx, conn.Raw(), stmt)
	if err != nil {
		err = e.timeoutError(ctx, attemptCtx, err)
		if attemptCtx.Err() != nil || e.Classify(err) == driver.Transient {
			conn.Discard()
		} else {
			conn.Release()
		}
		done(err)
		return nil, err
	}

	conn.Release()
	done(nil)
	return res, nil
}

// timeoutError marks err as an attempt timeout when the per-attempt deadline,
// not the caller, ended the attempt.
func (e *Engine) timeoutError(ctx, attemptCtx context.Context, err error) error {
	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, consts.ErrPoolExhausted) {
		return fmt.Errorf("%w after %s: %v", consts.ErrAttemptTimeout, e.strategy.Timeout.PerAttempt, err)
	}
	return err
}
