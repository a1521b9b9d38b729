// Package sqlstore implements store.Store on database/sql. The sqlite and
// postgres packages open the connection and pick the dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"hash/fnv"
	"sync"
	"time"

	"github.com/fitiq/fitiq-sync/internal/store"
)

const lockStripes = 64

// Store is a database/sql backed store.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time

	// Striped per-entity locks: one writer per entity, different entities
	// proceed concurrently.
	locks [lockStripes]sync.Mutex
}

// New wraps an open connection. Call Migrate before use.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, dialect: d, now: time.Now}
}

// SetClock overrides the time source used for timestamps and readiness.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// DB exposes the underlying *sql.DB connection.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the store's SQL dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Migrate creates tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Entities() store.Entities     { return &entities{s: s} }
func (s *Store) Outbox() store.Outbox         { return &outbox{s: s} }
func (s *Store) SyncStates() store.SyncStates { return &syncStates{s: s} }

// HealthPing verifies connectivity.
func (s *Store) HealthPing(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) lockFor(localID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(localID))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) exec(ctx context.Context, q queryer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, q queryer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, q queryer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// Timestamps are stored as UTC unix nanoseconds; 0 means unset.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ store.Store = (*Store)(nil)
