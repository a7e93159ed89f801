// Package driver defines the boundary between the routing core and the
// engine-specific code that actually talks to a database.
//
// The core never inspects SQL text. It hands a Statement to Execute and
// forwards the opaque Result to the caller. Whether an error is worth
// retrying is decided by Classify, which drivers can refine by implementing
// Classifier.
package driver

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Config is the immutable connection description of one endpoint.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLS      bool
	Params   map[string]string
}

// Address returns host:port, or just the host when no port is set.
func (c Config) Address() string {
	if c.Port == 0 {
		return c.Host
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) String() string {
	return fmt.Sprintf("%s@%s/%s", c.User, c.Address(), c.Database)
}

// Conn is a driver-owned connection handle. The core only passes it back to
// the driver that created it.
type Conn any

// Result is whatever the driver returned for a statement.
type Result any

// Statement is a single query or command. Mutating reflects the caller's
// query type so drivers can pick an exec or query path without parsing SQL.
type Statement struct {
	SQL      string
	Params   []any
	Mutating bool
}

// CommandOutcome may be implemented by results of mutating statements.
type CommandOutcome interface {
	RowsAffected() int64
	LastInsertID() (int64, bool)
}

// Driver is the wire-level collaborator injected into the system.
type Driver interface {
	Connect(ctx context.Context, cfg Config) (Conn, error)
	Execute(ctx context.Context, conn Conn, stmt Statement) (Result, error)
	Probe(ctx context.Context, conn Conn) bool
	Close(conn Conn) error
}
