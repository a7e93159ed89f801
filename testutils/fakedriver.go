package testutils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/migadu/dbha/pkg/driver"
)

// ErrFakePermanent is a convenience error that FakeDriver classifies as permanent.
var ErrFakePermanent = errors.New("fake constraint violation")

// FakeConn is the connection handle returned by FakeDriver.
type FakeConn struct {
	ID   int64
	Host string
}

// FakeResult is returned for every successful execution.
type FakeResult struct {
	Host     string
	SQL      string
	Params   []any
	Mutating bool
	InsertID int64
}

func (r *FakeResult) RowsAffected() int64 {
	if r.Mutating {
		return 1
	}
	return 0
}

func (r *FakeResult) LastInsertID() (int64, bool) { return r.InsertID, r.Mutating }

type hostState struct {
	down       bool
	probeFails bool
	failNext   int
	failErr    error
	latency    time.Duration

	connects   int
	open       int
	executions int
	probes     int
	statements []string
}

// FakeDriver is a thread-safe scripted driver keyed by Config.Host.
type FakeDriver struct {
	mu     sync.Mutex
	hosts  map[string]*hostState
	nextID int64
	lastID int64
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{hosts: make(map[string]*hostState)}
}

func (d *FakeDriver) host(name string) *hostState {
	h, ok := d.hosts[name]
	if !ok {
		h = &hostState{}
		d.hosts[name] = h
	}
	return h
}

// SetDown makes connects, executions and probes of host fail with a
// connection-refused error.
func (d *FakeDriver) SetDown(host string, down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.host(host).down = down
}

// SetProbeFails makes probes of host report unhealthy while leaving
// executions alone.
func (d *FakeDriver) SetProbeFails(host string, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.host(host).probeFails = fail
}

// FailNext makes the next n executions on host return err. A nil err means a
// transient connection-reset error.
func (d *FakeDriver) FailNext(host string, n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.host(host)
	h.failNext = n
	h.failErr = err
}

// SetLatency delays every execution and probe on host.
func (d *FakeDriver) SetLatency(host string, latency time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.host(host).latency = latency
}

func (d *FakeDriver) Executions(host string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.host(host).executions
}

func (d *FakeDriver) Connects(host string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.host(host).connects
}

func (d *FakeDriver) OpenConns(host string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.host(host).open
}

func (d *FakeDriver) Probes(host string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.host(host).probes
}

// Statements returns the SQL executed successfully on host, in order.
func (d *FakeDriver) Statements(host string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.host(host).statements...)
}

func refused(host string) error {
	return &net.OpError{Op: "dial", Net: "tcp", Addr: fakeAddr(host), Err: syscall.ECONNREFUSED}
}

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *FakeDriver) Connect(ctx context.Context, cfg driver.Config) (driver.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := d.host(cfg.Host)
	if h.down {
		return nil, refused(cfg.Host)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.nextID++
	h.connects++
	h.open++
	return &FakeConn{ID: d.nextID, Host: cfg.Host}, nil
}

func (d *FakeDriver) Execute(ctx context.Context, c driver.Conn, stmt driver.Statement) (driver.Result, error) {
	conn, ok := c.(*FakeConn)
	if !ok {
		return nil, fmt.Errorf("fake driver: unexpected connection type %T", c)
	}

	d.mu.Lock()
	latency := d.host(conn.Host).latency
	d.mu.Unlock()

	if err := wait(ctx, latency); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	h := d.host(conn.Host)
	h.executions++
	if h.down {
		return nil, refused(conn.Host)
	}
	if h.failNext > 0 {
		h.failNext--
		if h.failErr != nil {
			return nil, h.failErr
		}
		return nil, &net.OpError{Op: "read", Net: "tcp", Addr: fakeAddr(conn.Host), Err: syscall.ECONNRESET}
	}

	h.statements = append(h.statements, stmt.SQL)
	res := &FakeResult{Host: conn.Host, SQL: stmt.SQL, Params: stmt.Params, Mutating: stmt.Mutating}
	if stmt.Mutating {
		d.lastID++
		res.InsertID = d.lastID
	}
	return res, nil
}

func (d *FakeDriver) Probe(ctx context.Context, c driver.Conn) bool {
	conn, ok := c.(*FakeConn)
	if !ok {
		return false
	}

	d.mu.Lock()
	latency := d.host(conn.Host).latency
	d.mu.Unlock()

	if wait(ctx, latency) != nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.host(conn.Host)
	h.probes++
	return !h.down && !h.probeFails
}

func (d *FakeDriver) Close(c driver.Conn) error {
	conn, ok := c.(*FakeConn)
	if !ok {
		return fmt.Errorf("fake driver: unexpected connection type %T", c)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.host(conn.Host).open--
	return nil
}

// Classify treats ErrFakePermanent as permanent and defers everything else
// to the generic rules.
func (d *FakeDriver) Classify(err error) (driver.Kind, bool) {
	if errors.Is(err, ErrFakePermanent) {
		return driver.Permanent, true
	}
	return driver.Permanent, false
}
