// Package sqldriver adapts database/sql drivers to the driver boundary.
//
// Each pooled connection owns a *sql.DB limited to a single open connection,
// so pooling and eviction stay with the core instead of database/sql.
package sqldriver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/lib/pq"
	"github.com/migadu/dbha/helpers"
	"github.com/migadu/dbha/logger"
	"github.com/migadu/dbha/pkg/driver"

	_ "modernc.org/sqlite"
)

// DSNFunc renders an endpoint description as a database/sql data source name.
type DSNFunc func(cfg driver.Config) string

// Driver wraps a registered database/sql driver name.
type Driver struct {
	name     string
	dsn      DSNFunc
	probeSQL string
	classify func(err error) (driver.Kind, bool)
}

// New returns a driver for any registered database/sql driver.
func New(driverName string, dsn DSNFunc) *Driver {
	return &Driver{name: driverName, dsn: dsn, probeSQL: "SELECT 1"}
}

// NewPostgres uses lib/pq.
func NewPostgres() *Driver {
	d := New("postgres", PostgresDSN)
	d.classify = classifyPQ
	return d
}

// NewSQLite uses modernc.org/sqlite. Host is the database file path.
func NewSQLite() *Driver {
	return New("sqlite", SQLiteDSN)
}

// PostgresDSN renders cfg as a postgres:// URL.
func PostgresDSN(cfg driver.Config) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   cfg.Address(),
		Path:   "/" + cfg.Database,
	}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	} else if cfg.User != "" {
		u.User = url.User(cfg.User)
	}

	q := url.Values{}
	if cfg.TLS {
		q.Set("sslmode", "require")
	} else {
		q.Set("sslmode", "disable")
	}
	for k, v := range cfg.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// SQLiteDSN renders the file path with params as pragmas, e.g.
// journal_mode=WAL becomes _pragma=journal_mode(WAL).
func SQLiteDSN(cfg driver.Config) string {
	if len(cfg.Params) == 0 {
		return cfg.Host
	}
	keys := make([]string, 0, len(cfg.Params))
	for k := range cfg.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pragmas := make([]string, 0, len(keys))
	for _, k := range keys {
		pragmas = append(pragmas, "_pragma="+url.QueryEscape(k+"("+cfg.Params[k]+")"))
	}
	return "file:" + cfg.Host + "?" + strings.Join(pragmas, "&")
}

type conn struct {
	db *sql.DB
}

// Result is returned for every statement. Mutations fill Affected and
// InsertID, queries fill Columns and Rows.
type Result struct {
	Columns  []string
	Rows     [][]any
	Affected int64
	InsertID int64
	HasID    bool
}

func (r *Result) RowsAffected() int64 { return r.Affected }

func (r *Result) LastInsertID() (int64, bool) { return r.InsertID, r.HasID }

func (d *Driver) Connect(ctx context.Context, cfg driver.Config) (driver.Conn, error) {
	dsn := d.dsn(cfg)
	logger.Debug("Opening connection", "component", "SQLDRIVER", "driver", d.name, "dsn", helpers.MaskDSN(dsn))

	db, err := sql.Open(d.name, dsn)
	if err != nil {
		return nil, driver.MarkPermanent(fmt.Errorf("failed to open %s connection: %w", d.name, err))
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Address(), err)
	}
	return &conn{db: db}, nil
}

func (d *Driver) Execute(ctx context.Context, c driver.Conn, stmt driver.Statement) (driver.Result, error) {
	cn, ok := c.(*conn)
	if !ok {
		return nil, driver.MarkPermanent(fmt.Errorf("sqldriver: unexpected connection type %T", c))
	}

	if stmt.Mutating {
		res, err := cn.db.ExecContext(ctx, stmt.SQL, stmt.Params...)
		if err != nil {
			return nil, err
		}
		out := &Result{}
		if n, err := res.RowsAffected(); err == nil {
			out.Affected = n
		}
		if id, err := res.LastInsertId(); err == nil {
			out.InsertID, out.HasID = id, true
		}
		return out, nil
	}

	rows, err := cn.db.QueryContext(ctx, stmt.SQL, stmt.Params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := &Result{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out.Rows = append(out.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Driver) Probe(ctx context.Context, c driver.Conn) bool {
	cn, ok := c.(*conn)
	if !ok {
		return false
	}
	var one int
	return cn.db.QueryRowContext(ctx, d.probeSQL).Scan(&one) == nil && one == 1
}

func (d *Driver) Close(c driver.Conn) error {
	cn, ok := c.(*conn)
	if !ok {
		return fmt.Errorf("sqldriver: unexpected connection type %T", c)
	}
	return cn.db.Close()
}

func (d *Driver) Classify(err error) (driver.Kind, bool) {
	if errors.Is(err, sql.ErrConnDone) {
		return driver.Transient, true
	}
	if d.classify != nil {
		return d.classify(err)
	}
	return driver.Permanent, false
}

// classifyPQ uses the SQLSTATE class of lib/pq errors.
func classifyPQ(err error) (driver.Kind, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return driver.Permanent, false
	}
	switch pqErr.Code.Class() {
	case "08", "40", "53", "57":
		return driver.Transient, true
	}
	if pqErr.Code == "25006" {
		return driver.Transient, true
	}
	return driver.Permanent, true
}
