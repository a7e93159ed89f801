package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/migadu/dbha/consts"
	"github.com/stretchr/testify/assert"
)

type stubClassifier struct {
	target error
	kind   Kind
}

func (s stubClassifier) Classify(err error) (Kind, bool) {
	if errors.Is(err, s.target) {
		return s.kind, true
	}
	return Permanent, false
}

func TestClassify(t *testing.T) {
	custom := errors.New("custom")

	tests := []struct {
		name     string
		err      error
		c        Classifier
		expected Kind
	}{
		{name: "unknown is permanent", err: errors.New("syntax error"), expected: Permanent},
		{name: "connection refused", err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), expected: Transient},
		{name: "net op error", err: &net.OpError{Op: "dial", Err: errors.New("no route")}, expected: Transient},
		{name: "deadline", err: context.DeadlineExceeded, expected: Transient},
		{name: "caller cancelled", err: context.Canceled, expected: Permanent},
		{name: "pool exhausted", err: fmt.Errorf("acquire: %w", consts.ErrPoolExhausted), expected: Transient},
		{name: "quarantined", err: consts.ErrEndpointQuarantined, expected: Transient},
		{name: "marked transient", err: MarkTransient(errors.New("flaky")), expected: Transient},
		{name: "marked permanent beats generic rule", err: MarkPermanent(context.DeadlineExceeded), expected: Permanent},
		{name: "driver classifier", err: custom, c: stubClassifier{target: custom, kind: Transient}, expected: Transient},
		{name: "driver classifier declines", err: syscall.ECONNRESET, c: stubClassifier{target: custom, kind: Permanent}, expected: Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err, tt.c))
		})
	}
}

func TestMarkNil(t *testing.T) {
	assert.NoError(t, MarkTransient(nil))
	assert.NoError(t, MarkPermanent(nil))
}

func TestConfigAddress(t *testing.T) {
	assert.Equal(t, "db1:5432", Config{Host: "db1", Port: 5432}.Address())
	assert.Equal(t, "/tmp/app.db", Config{Host: "/tmp/app.db"}.Address())
	assert.Equal(t, "[::1]:5432", Config{Host: "::1", Port: 5432}.Address())
}
