package driver

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/migadu/dbha/consts"
)

// Kind classifies an execution error.
type Kind int

const (
	// Permanent errors are surfaced to the caller immediately.
	Permanent Kind = iota
	// Transient errors are retried, possibly on another endpoint.
	Transient
)

func (k Kind) String() string {
	if k == Transient {
		return "transient"
	}
	return "permanent"
}

// Classifier lets a driver classify its own error types.
type Classifier interface {
	Classify(err error) (Kind, bool)
}

// ClassifiedError carries an explicit classification.
type ClassifiedError struct {
	Kind Kind
	Err  error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// MarkTransient wraps err so that Classify reports it as transient.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: Transient, Err: err}
}

// MarkPermanent wraps err so that Classify reports it as permanent.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: Permanent, Err: err}
}

// Classify decides whether err is worth retrying. Explicit marks win, then the
// driver's own Classifier, then the generic rules below. Unknown errors are
// permanent.
func Classify(err error, c Classifier) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}

	// The caller gave up; retrying would outlive its context.
	if errors.Is(err, context.Canceled) {
		return Permanent
	}

	if c != nil {
		if k, ok := c.Classify(err); ok {
			return k
		}
	}

	switch {
	case errors.Is(err, consts.ErrPoolExhausted),
		errors.Is(err, consts.ErrEndpointQuarantined),
		errors.Is(err, consts.ErrAttemptTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Transient
	}

	return Permanent
}
