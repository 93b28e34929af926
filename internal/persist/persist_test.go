package persist

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/roach88/dbwire/internal/metrics"
	"github.com/roach88/dbwire/internal/txn"
)

const ordersSchema = "CREATE TABLE IF NOT EXISTS orders (id INTEGER PRIMARY KEY, total INTEGER NOT NULL)"

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "persist.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func staticDB(db *sql.DB) DataSourceFunc {
	return func(context.Context) (*sql.DB, error) { return db, nil }
}

func startedService(t *testing.T) (*JPAService, *sql.DB) {
	t.Helper()
	db := openDB(t)
	s := NewJPAService("orders", "orders", staticDB(db), WithSchemaScripts(ordersSchema))
	require.NoError(t, s.Start(context.Background()))
	return s, db
}

func TestJPAService_StartAppliesSchemaOnce(t *testing.T) {
	db := openDB(t)
	calls := 0
	ds := func(context.Context) (*sql.DB, error) {
		calls++
		return db, nil
	}
	c := metrics.New()
	s := NewJPAService("orders", "orders", ds, WithSchemaScripts(ordersSchema, "  "), WithMetrics(c))

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))

	assert.True(t, s.IsStarted())
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.UnitsStarted.WithLabelValues("orders")))

	_, err := db.Exec("INSERT INTO orders (total) VALUES (1)")
	require.NoError(t, err)
}

func TestJPAService_StartFailures(t *testing.T) {
	c := metrics.New()
	s := NewJPAService("orders", "orders", func(context.Context) (*sql.DB, error) {
		return nil, errors.New("no pool")
	}, WithMetrics(c))

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start persistence unit orders: no pool")
	assert.False(t, s.IsStarted())
	assert.Equal(t, 1.0, testutil.ToFloat64(c.UnitsFailed.WithLabelValues("orders", "start")))

	bad := NewJPAService("orders", "orders", staticDB(openDB(t)), WithSchemaScripts("CREATE NONSENSE"))
	err = bad.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema script 1")

	none := NewJPAService("orders", "orders", nil)
	require.Error(t, none.Start(context.Background()))
}

func TestJPAService_Stop(t *testing.T) {
	s, _ := startedService(t)
	ctx, err := s.Begin(context.Background())
	require.NoError(t, err)
	sess, err := s.Session(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	assert.False(t, s.IsStarted())
	assert.False(t, sess.IsOpen())
	_, err = sess.ExecContext(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrFactoryClosed)

	_, err = s.Factory()
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = s.Begin(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestJPAService_UnitOfWork(t *testing.T) {
	s, _ := startedService(t)
	ctx := context.Background()

	_, err := s.Session(ctx)
	assert.ErrorIs(t, err, ErrNoUnitOfWork)
	assert.NoError(t, s.End(ctx), "End without a unit of work is a no-op")

	uowCtx, err := s.Begin(ctx)
	require.NoError(t, err)
	again, err := s.Begin(uowCtx)
	require.NoError(t, err)
	assert.Equal(t, uowCtx, again)

	sess, err := s.Session(uowCtx)
	require.NoError(t, err)
	assert.Equal(t, "orders", sess.Unit())

	require.NoError(t, s.End(uowCtx))
	_, err = s.Session(uowCtx)
	assert.ErrorIs(t, err, ErrNoUnitOfWork)
}

func TestSession_FollowsAmbientTransaction(t *testing.T) {
	s, db := startedService(t)
	m := txn.NewManager()

	ctx, err := s.Begin(context.Background())
	require.NoError(t, err)
	sess, err := s.Session(ctx)
	require.NoError(t, err)

	txCtx, err := m.Begin(ctx)
	require.NoError(t, err)
	_, err = sess.ExecContext(txCtx, "INSERT INTO orders (total) VALUES (?)", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, txn.FromContext(txCtx).Resources())

	var inTx int
	require.NoError(t, sess.QueryRowContext(txCtx, "SELECT COUNT(*) FROM orders").Scan(&inTx))
	assert.Equal(t, 1, inTx)

	require.NoError(t, m.Rollback(txCtx))

	var after int
	require.NoError(t, sess.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders").Scan(&after))
	assert.Equal(t, 0, after)

	_, err = db.Exec("INSERT INTO orders (total) VALUES (3)")
	require.NoError(t, err)
	rows, err := sess.QueryContext(ctx, "SELECT total FROM orders")
	require.NoError(t, err)
	defer rows.Close()
	var totals []int
	for rows.Next() {
		var v int
		require.NoError(t, rows.Scan(&v))
		totals = append(totals, v)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []int{3}, totals)
}

func countOrders(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM orders").Scan(&n))
	return n
}

func TestSession_TimedOutTransactionRefusesWork(t *testing.T) {
	s, db := startedService(t)
	m := txn.NewManager(txn.WithTimeout(50 * time.Millisecond))
	ic := txn.NewInterceptor(txn.Static(m))

	ctx, err := s.Begin(context.Background())
	require.NoError(t, err)
	defer s.End(ctx)
	sess, err := s.Session(ctx)
	require.NoError(t, err)

	_, err = ic.Invoke(ctx, txn.Attribute{Name: "slow"}, func(ctx context.Context) (any, error) {
		_, err := sess.ExecContext(ctx, "INSERT INTO orders (total) VALUES (1)")
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return txn.FromContext(ctx).TimedOut()
		}, time.Second, 5*time.Millisecond)

		_, err = sess.ExecContext(ctx, "INSERT INTO orders (total) VALUES (2)")
		assert.ErrorIs(t, err, txn.ErrRolledBack)
		assert.ErrorIs(t, err, txn.ErrTimedOut)
		return nil, err
	})

	assert.ErrorIs(t, err, txn.ErrTimedOut)
	assert.Equal(t, 0, countOrders(t, db))
}

func TestSession_NestedRollbackRefusesOuterWork(t *testing.T) {
	s, db := startedService(t)
	ic := txn.NewInterceptor(txn.Static(txn.NewManager()))
	rollbackAll := txn.Attribute{Name: "inner", RollbackOn: []txn.RollbackRule{txn.RollbackOn[error]()}}

	ctx, err := s.Begin(context.Background())
	require.NoError(t, err)
	defer s.End(ctx)
	sess, err := s.Session(ctx)
	require.NoError(t, err)

	_, err = ic.Invoke(ctx, txn.Attribute{Name: "outer"}, func(ctx context.Context) (any, error) {
		_, err := sess.ExecContext(ctx, "INSERT INTO orders (total) VALUES (1)")
		require.NoError(t, err)

		_, ierr := ic.Invoke(ctx, rollbackAll, func(context.Context) (any, error) {
			return nil, errors.New("inner failed")
		})
		require.Error(t, ierr)

		_, _, qerr := sess.QueryText(ctx, "SELECT total FROM orders")
		assert.ErrorIs(t, qerr, txn.ErrRolledBack)
		_, err = sess.ExecContext(ctx, "INSERT INTO orders (total) VALUES (2)")
		return nil, err
	})

	assert.ErrorIs(t, err, txn.ErrRolledBack)
	assert.Equal(t, 0, countOrders(t, db))
}

func TestSession_CommittedTransactionRefusesWork(t *testing.T) {
	s, db := startedService(t)
	m := txn.NewManager()

	ctx, err := s.Begin(context.Background())
	require.NoError(t, err)
	defer s.End(ctx)
	sess, err := s.Session(ctx)
	require.NoError(t, err)

	txCtx, err := m.Begin(ctx)
	require.NoError(t, err)
	_, err = sess.ExecContext(txCtx, "INSERT INTO orders (total) VALUES (1)")
	require.NoError(t, err)
	require.NoError(t, m.Commit(txCtx))

	_, err = sess.ExecContext(txCtx, "INSERT INTO orders (total) VALUES (2)")
	assert.ErrorIs(t, err, txn.ErrIllegalState)
	assert.Equal(t, 1, countOrders(t, db))
}

func TestSession_Closed(t *testing.T) {
	s, _ := startedService(t)
	f, err := s.Factory()
	require.NoError(t, err)

	sess, err := f.Open()
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	_, err = sess.ExecContext(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrSessionClosed)
	row := sess.QueryRowContext(context.Background(), "SELECT 1")
	assert.ErrorIs(t, row.Err(), ErrSessionClosed)
	var v int
	assert.ErrorIs(t, row.Scan(&v), ErrSessionClosed)

	require.NoError(t, f.Close())
	_, err = f.Open()
	assert.ErrorIs(t, err, ErrFactoryClosed)
}

func TestWithUnitOfWork(t *testing.T) {
	s, _ := startedService(t)

	var inside *Session
	err := WithUnitOfWork(context.Background(), s, func(ctx context.Context) error {
		var err error
		inside, err = s.Session(ctx)
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, inside)
	assert.False(t, inside.IsOpen(), "ended after fn")

	outer, err := s.Begin(context.Background())
	require.NoError(t, err)
	err = WithUnitOfWork(outer, s, func(ctx context.Context) error {
		return errors.New("fn failed")
	})
	assert.EqualError(t, err, "fn failed")
	sess, err := s.Session(outer)
	require.NoError(t, err, "an outer unit of work stays open")
	assert.True(t, sess.IsOpen())
}

func TestSession_QueryText(t *testing.T) {
	s, db := startedService(t)
	_, err := db.Exec("CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO notes (body) VALUES ('hello'), (NULL)")
	require.NoError(t, err)

	ctx, err := s.Begin(context.Background())
	require.NoError(t, err)
	defer s.End(ctx)
	sess, err := s.Session(ctx)
	require.NoError(t, err)

	cols, rows, err := sess.QueryText(ctx, "SELECT id, body FROM notes ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "body"}, cols)
	assert.Equal(t, [][]string{{"1", "hello"}, {"2", "NULL"}}, rows)

	_, rows, err = sess.QueryText(ctx, "SELECT id FROM notes WHERE id > 10")
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)

	_, _, err = sess.QueryText(ctx, "SELECT * FROM nope")
	assert.Error(t, err)
}
