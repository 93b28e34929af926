package persist

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/roach88/dbwire/internal/txn"
)

// SessionFactory opens sessions on one unit's pool. Closing the factory does
// not close the pool; pools belong to the data source registry.
//
// Thread-safety: all methods are safe for concurrent use.
type SessionFactory struct {
	unit string
	db   *sql.DB

	mu     sync.RWMutex
	closed bool
}

// NewSessionFactory creates an open factory for unit over db.
func NewSessionFactory(unit string, db *sql.DB) *SessionFactory {
	return &SessionFactory{unit: unit, db: db}
}

// Unit returns the persistence unit name.
func (f *SessionFactory) Unit() string { return f.unit }

// DB returns the pool.
func (f *SessionFactory) DB() *sql.DB { return f.db }

// IsOpen reports whether sessions can be opened.
func (f *SessionFactory) IsOpen() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return !f.closed
}

// Open opens a session.
func (f *SessionFactory) Open() (*Session, error) {
	if !f.IsOpen() {
		return nil, fmt.Errorf("open session on %s: %w", f.unit, ErrFactoryClosed)
	}
	return &Session{factory: f}, nil
}

// Close closes the factory. Sessions opened from it stop working.
func (f *SessionFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Session runs statements for one unit. When ctx carries a transaction in
// progress, statements run on the transaction's *sql.Tx for this pool;
// otherwise they run on the pool directly.
type Session struct {
	factory *SessionFactory
	closed  atomic.Bool
}

// Unit returns the persistence unit name.
func (s *Session) Unit() string { return s.factory.unit }

// IsOpen reports whether the session and its factory are open.
func (s *Session) IsOpen() bool {
	return !s.closed.Load() && s.factory.IsOpen()
}

// Close closes the session.
func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Session) conn(ctx context.Context) (querier, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if !s.factory.IsOpen() {
		return nil, ErrFactoryClosed
	}
	// An ended transaction still claims ctx: Enlist fails, no pool fallback.
	if t := txn.FromContext(ctx); t != nil {
		return t.Enlist(ctx, s.factory.db)
	}
	return s.factory.db, nil
}

// ExecContext executes a statement.
func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return q.ExecContext(ctx, query, args...)
}

// QueryContext runs a query. Callers close the rows.
func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return q.QueryContext(ctx, query, args...)
}

// Row is the result of QueryRowContext. Errors from choosing the connection
// surface from Scan.
type Row struct {
	row *sql.Row
	err error
}

// Scan copies the row's columns into dest.
func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.row.Scan(dest...)
}

// Err returns the deferred error, if any.
func (r *Row) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.row.Err()
}

// QueryRowContext runs a query expected to return at most one row.
func (s *Session) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	q, err := s.conn(ctx)
	if err != nil {
		return &Row{err: err}
	}
	return &Row{row: q.QueryRowContext(ctx, query, args...)}
}

// QueryText runs a query and renders every value as text, NULL as "NULL".
// rows is never nil on success.
func (s *Session) QueryText(ctx context.Context, query string, args ...any) (columns []string, rows [][]string, err error) {
	r, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	columns, err = r.Columns()
	if err != nil {
		return nil, nil, err
	}
	values := make([]sql.NullString, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	rows = [][]string{}
	for r.Next() {
		if err := r.Scan(dest...); err != nil {
			return nil, nil, err
		}
		row := make([]string, len(columns))
		for i, v := range values {
			if v.Valid {
				row[i] = v.String
			} else {
				row[i] = "NULL"
			}
		}
		rows = append(rows, row)
	}
	return columns, rows, r.Err()
}
