// Package pgxdriver is the PostgreSQL driver built on jackc/pgx.
package pgxdriver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/migadu/dbha/helpers"
	"github.com/migadu/dbha/logger"
	"github.com/migadu/dbha/pkg/driver"
)

// Driver opens one pgx connection per pooled connection. Pooling itself is
// done by the core, so pgxpool is not used here.
type Driver struct {
	ConnectTimeout  time.Duration
	ApplicationName string
}

func New() *Driver {
	return &Driver{
		ConnectTimeout:  10 * time.Second,
		ApplicationName: "dbha",
	}
}

// Result holds the collected rows and the command tag of a statement.
type Result struct {
	Rows []map[string]any
	Tag  pgconn.CommandTag
}

func (r *Result) RowsAffected() int64 {
	return r.Tag.RowsAffected()
}

// LastInsertID reports the "id" column of a single returned row, which is
// what an INSERT ... RETURNING id produces. PostgreSQL has no implicit one.
func (r *Result) LastInsertID() (int64, bool) {
	if len(r.Rows) != 1 {
		return 0, false
	}
	switch v := r.Rows[0]["id"].(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int16:
		return int64(v), true
	default:
		return 0, false
	}
}

// ConnString renders cfg in keyword/value form.
func (d *Driver) ConnString(cfg driver.Config) string {
	sslMode := "disable"
	if cfg.TLS {
		sslMode = "require"
	}

	kv := map[string]string{
		"host":    cfg.Host,
		"user":    cfg.User,
		"dbname":  cfg.Database,
		"sslmode": sslMode,
	}
	if cfg.Port != 0 {
		kv["port"] = strconv.Itoa(cfg.Port)
	}
	if cfg.Password != "" {
		kv["password"] = cfg.Password
	}
	if d.ApplicationName != "" {
		kv["application_name"] = d.ApplicationName
	}
	if d.ConnectTimeout > 0 {
		kv["connect_timeout"] = strconv.Itoa(int(d.ConnectTimeout.Seconds()))
	}
	for k, v := range cfg.Params {
		kv[k] = v
	}

	keys := make([]string, 0, len(kv))
	for k, v := range kv {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+quote(kv[k]))
	}
	return strings.Join(parts, " ")
}

func quote(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func (d *Driver) Connect(ctx context.Context, cfg driver.Config) (driver.Conn, error) {
	connString := d.ConnString(cfg)
	logger.Debug("Opening connection", "component", "PGXDRIVER", "dsn", helpers.MaskDSN(connString))

	pcfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, driver.MarkPermanent(fmt.Errorf("invalid connection config for %s: %w", cfg.Address(), err))
	}

	conn, err := pgx.ConnectConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Address(), err)
	}
	return conn, nil
}

// Execute runs every statement through Query so that RETURNING clauses work
// for mutations too; the command tag is read after the rows are drained.
func (d *Driver) Execute(ctx context.Context, c driver.Conn, stmt driver.Statement) (driver.Result, error) {
	conn, ok := c.(*pgx.Conn)
	if !ok {
		return nil, driver.MarkPermanent(fmt.Errorf("pgxdriver: unexpected connection type %T", c))
	}

	rows, err := conn.Query(ctx, stmt.SQL, stmt.Params...)
	if err != nil {
		return nil, err
	}
	records, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	return &Result{Rows: records, Tag: rows.CommandTag()}, nil
}

func (d *Driver) Probe(ctx context.Context, c driver.Conn) bool {
	conn, ok := c.(*pgx.Conn)
	if !ok || conn.IsClosed() {
		return false
	}
	return conn.Ping(ctx) == nil
}

func (d *Driver) Close(c driver.Conn) error {
	conn, ok := c.(*pgx.Conn)
	if !ok {
		return fmt.Errorf("pgxdriver: unexpected connection type %T", c)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Close(ctx)
}

// Classify maps PostgreSQL error codes onto retry decisions.
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
func (d *Driver) Classify(err error) (driver.Kind, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected,
			pgerrcode.AdminShutdown, pgerrcode.CrashShutdown, pgerrcode.CannotConnectNow,
			// A demoted primary rejects writes; another endpoint may accept them.
			pgerrcode.ReadOnlySQLTransaction:
			return driver.Transient, true
		}
		if pgerrcode.IsConnectionException(pgErr.Code) || pgerrcode.IsInsufficientResources(pgErr.Code) {
			return driver.Transient, true
		}
		// Constraint violations, syntax errors, auth failures and the rest.
		return driver.Permanent, true
	}

	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return driver.Transient, true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return driver.Transient, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return driver.Transient, true
	}

	return driver.Permanent, false
}
