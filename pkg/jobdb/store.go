// Package jobdb persists job rows and dependency edges.
//
// Two backends are supported: SQLite (modernc.org/sqlite, or libsql when
// built with cgo) for single-host and test deployments, and MySQL for
// production. All queries use "?" placeholders, which both drivers accept.
package jobdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

type dialect string

const (
	dialectSQLite dialect = "sqlite"
	dialectMySQL  dialect = "mysql"
)

// Config selects and configures the database backend.
type Config struct {
	// Driver is "sqlite" (default) or "mysql".
	Driver string

	// Path is a local SQLite database path, or ":memory:".
	Path string

	// URL is a libsql/Turso URL (cgo builds only).
	URL string

	// AuthToken is appended to URL-based DSNs.
	AuthToken string

	// DSN is a go-sql-driver/mysql DSN. When empty, one is built from
	// User/Password/Host/Database.
	DSN      string
	User     string
	Password string
	Host     string
	Database string

	// ExtraFields are service-specific columns appended to the base schema.
	ExtraFields []Field

	Logger *zap.Logger
}

// DB is the job repository.
type DB struct {
	dialect dialect
	fields  []Field
	logger  *zap.Logger
	open    func(ctx context.Context) (*sql.DB, error)

	mu sync.RWMutex
	db *sql.DB

	writes atomic.Int64
}

// Open connects to the configured backend. It does not create tables.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	fields, err := mergeFields(cfg.ExtraFields)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &DB{fields: fields, logger: logger}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3", "libsql":
		d.dialect = dialectSQLite
		d.open = func(ctx context.Context) (*sql.DB, error) { return openSQLite(ctx, cfg) }
	case "mysql":
		d.dialect = dialectMySQL
		d.open = func(ctx context.Context) (*sql.DB, error) { return openMySQL(ctx, cfg) }
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := d.open(ctx)
	if err != nil {
		return nil, err
	}
	d.db = db
	return d, nil
}

func mergeFields(extra []Field) ([]Field, error) {
	fields := BaseFields()
	seen := make(map[string]bool, len(fields)+len(extra))
	for _, f := range fields {
		seen[f.Name] = true
	}
	for _, f := range extra {
		if err := f.Validate(); err != nil {
			return nil, err
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("duplicate job field %q", f.Name)
		}
		seen[f.Name] = true
		f.Nullable = true
		fields = append(fields, f)
	}
	return fields, nil
}

// Close releases the connection pool.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// Fields returns the jobs table columns (excluding state).
func (d *DB) Fields() []Field {
	out := make([]Field, len(d.fields))
	copy(out, d.fields)
	return out
}

// Writes returns the number of write statements executed so far.
func (d *DB) Writes() int64 {
	return d.writes.Load()
}

// NewMetadata returns empty metadata with this database's columns.
func (d *DB) NewMetadata(row map[string]any) *Metadata {
	return NewMetadata(d.fields, row)
}

// Ping verifies the connection, reconnecting once if it was lost.
func (d *DB) Ping(ctx context.Context) error {
	return d.withReconnect(ctx, "ping", func(db *sql.DB) error {
		return db.PingContext(ctx)
	})
}

func (d *DB) conn() *sql.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

func (d *DB) reconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		_ = d.db.Close()
		d.db = nil
	}
	db, err := d.open(ctx)
	if err != nil {
		return err
	}
	d.db = db
	return nil
}

// withReconnect runs fn, and if it fails because the server connection was
// lost, reconnects and runs it exactly once more. Any other error, or a
// second failure, is returned unchanged.
func (d *DB) withReconnect(ctx context.Context, op string, fn func(*sql.DB) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db := d.conn()
	var err error
	if db == nil {
		err = errDatabaseClosed
	} else {
		err = fn(db)
	}
	if err == nil || !isConnectionLost(err) {
		return err
	}

	d.logger.Warn("database connection lost, reconnecting", zap.String("op", op), zap.Error(err))
	if rerr := d.reconnect(ctx); rerr != nil {
		return fmt.Errorf("reconnect after %v: %w", err, rerr)
	}
	return fn(d.conn())
}

var errDatabaseClosed = errors.New("sql: database is closed")

// isConnectionLost reports errors that mean the server dropped us, as
// opposed to errors in the statement itself.
func isConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, sql.ErrConnDone) || errors.Is(err, errDatabaseClosed) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		// CR_SERVER_GONE_ERROR, CR_SERVER_LOST
		return me.Number == 2006 || me.Number == 2013
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "server has gone away") ||
		strings.Contains(msg, "lost connection") ||
		strings.Contains(msg, "database is closed")
}

func (d *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := d.withReconnect(ctx, "exec", func(db *sql.DB) error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	d.writes.Add(1)
	return res, nil
}

// query runs a SELECT and materializes every row before returning, so the
// caller may issue further statements while iterating the result.
func (d *DB) query(ctx context.Context, query string, args ...any) ([][]any, error) {
	var out [][]any
	err := d.withReconnect(ctx, "query", func(db *sql.DB) error {
		out = nil
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			out = append(out, vals)
		}
		return rows.Err()
	})
	return out, err
}

// inTx runs fn inside a transaction, counting it as one write.
func (d *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	err := d.withReconnect(ctx, "tx", func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err == nil {
		d.writes.Add(1)
	}
	return err
}
