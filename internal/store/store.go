// Package store persists the kernel's entities in a relational database.
//
// Every state change on a shared row is a single conditional statement or
// runs inside a transaction that first locks the row. Claims select with
// FOR UPDATE SKIP LOCKED on Postgres; SQLite serialises writers, so the same
// statements are atomic there without the locking clause.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"durableflow/internal/domain"
	"durableflow/internal/notify"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrEmpty is returned by claims when nothing is ready.
var ErrEmpty = errors.New("nothing ready")

type dialect struct {
	driver string
	bind   int
}

func newDialect(driver string) dialect {
	return dialect{driver: driver, bind: sqlx.BindType(driver)}
}

func (d dialect) q(query string) string { return sqlx.Rebind(d.bind, query) }

func (d dialect) forUpdate() string {
	if d.driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (d dialect) skipLocked() string {
	if d.driver == DriverPostgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

type Store struct {
	db        *sqlx.DB
	d         dialect
	notifier  notify.Notifier
	log       zerolog.Logger
	txRetries int
}

type Option func(*Store)

// WithNotifier wakes pollers of queues that received ready work once the
// transaction that readied it commits.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithTxRetries bounds how often a transaction is retried on transient errors.
func WithTxRetries(n int) Option {
	return func(s *Store) { s.txRetries = n }
}

// New wraps an open database. driver selects the SQL dialect.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:        db,
		d:         newDialect(db.DriverName()),
		log:       zerolog.Nop(),
		txRetries: 5,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to driver/dsn and applies migrations. For SQLite a bare path
// is expanded to a DSN with WAL and foreign keys enabled.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if !strings.HasPrefix(dsn, "file:") {
			dsn = fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dsn)
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1) // SQLite single writer
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := New(db, opts...)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying connection pool.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Driver() string { return s.d.driver }

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// Read-only repositories outside a transaction.

func (s *Store) Executions() Executions { return Executions{q: s.db, d: s.d} }
func (s *Store) Events() Events         { return Events{q: s.db, d: s.d} }
func (s *Store) Timers() Timers         { return Timers{q: s.db, d: s.d} }
func (s *Store) Promises() Promises     { return Promises{q: s.db, d: s.d} }
func (s *Store) Schedules() Schedules   { return Schedules{q: s.db, d: s.d} }
func (s *Store) Workers() Workers       { return Workers{q: s.db, d: s.d} }
func (s *Store) Attempts() Attempts     { return Attempts{q: s.db, d: s.d} }

// Tx is one unit of work. Repositories obtained from it share the transaction.
type Tx struct {
	tx    *sqlx.Tx
	d     dialect
	ready map[string]struct{}
}

func (t *Tx) Executions() Executions { return Executions{q: t.tx, d: t.d} }
func (t *Tx) Events() Events         { return Events{q: t.tx, d: t.d} }
func (t *Tx) Timers() Timers         { return Timers{q: t.tx, d: t.d} }
func (t *Tx) Promises() Promises     { return Promises{q: t.tx, d: t.d} }
func (t *Tx) Schedules() Schedules   { return Schedules{q: t.tx, d: t.d} }
func (t *Tx) Workers() Workers       { return Workers{q: t.tx, d: t.d} }
func (t *Tx) Attempts() Attempts     { return Attempts{q: t.tx, d: t.d} }

// MarkReady records that queue has dispatchable work once the transaction commits.
func (t *Tx) MarkReady(queue string) {
	t.ready[queue] = struct{}{}
}

// InTx runs fn in a transaction, committing when it returns nil. Transient
// failures (serialization failures, deadlocks, busy databases, lost
// duplicate-key races) roll back and rerun fn from the start, so fn must not
// keep state across calls.
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		var ready map[string]struct{}
		ready, err = s.runTx(ctx, fn)
		if err == nil {
			if s.notifier != nil {
				for q := range ready {
					s.notifier.Notify(q)
				}
			}
			return nil
		}
		if !isTransient(err) || attempt >= s.txRetries {
			return err
		}
		s.log.Debug().Err(err).Int("attempt", attempt+1).Msg("retrying transaction")

		backoff := time.Duration(5*(attempt+1))*time.Millisecond + time.Duration(rand.IntN(5))*time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (s *Store) runTx(ctx context.Context, fn func(*Tx) error) (map[string]struct{}, error) {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &Tx{tx: sqlTx, d: s.d, ready: make(map[string]struct{})}

	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return tx.ready, nil
}

func isTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "23505":
			return true
		}
		return false
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		switch sqErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

// notFound maps a missing row to domain.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

// Times are persisted as Unix milliseconds so the same schema and range
// comparisons work on every driver.

func millis(t time.Time) int64 { return t.UnixMilli() }

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMillis(*ms)
	return &t
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func rawPtr(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}

func raw(s *string) []byte {
	if s == nil {
		return nil
	}
	return []byte(*s)
}
