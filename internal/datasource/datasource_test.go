package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/roach88/dbwire/internal/binding"
	"github.com/roach88/dbwire/internal/conninfo"
	"github.com/roach88/dbwire/internal/metrics"
)

func sqliteInfo(t *testing.T, unit, jndi string) *conninfo.Info {
	t.Helper()
	path := filepath.Join(t.TempDir(), strings.ReplaceAll(jndi, "/", "_")+".db")
	return &conninfo.Info{
		PersistenceUnitName: unit,
		JNDIName:            jndi,
		Driver:              "sqlite",
		URL:                 "jdbc:sqlite:" + path,
		DSN:                 path,
	}
}

// countingFactory opens in-memory pools and counts physical creations per JNDI name.
type countingFactory struct {
	mu    sync.Mutex
	count map[string]int
	fail  atomic.Bool
}

func (f *countingFactory) open(ctx context.Context, info *conninfo.Info) (*sql.DB, error) {
	if f.fail.Load() {
		return nil, errors.New("boom")
	}
	f.mu.Lock()
	if f.count == nil {
		f.count = make(map[string]int)
	}
	f.count[info.JNDIName]++
	f.mu.Unlock()
	return sql.Open("sqlite", ":memory:")
}

func (f *countingFactory) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.count {
		n += c
	}
	return n
}

func TestOpen_SQLiteFile(t *testing.T) {
	info := sqliteInfo(t, "orders", "jdbc/shop")
	info.MinPoolSize = 2
	info.MaxPoolSize = 4
	info.Prefill = true
	info.TestQuery = "SELECT 1"
	info.AcquireTimeout = 5 * time.Second

	db, err := Open(context.Background(), info)
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
	assert.Equal(t, 4, db.Stats().MaxOpenConnections)
	assert.GreaterOrEqual(t, db.Stats().Idle, 2)
}

func TestOpen_MattnDriver(t *testing.T) {
	info := sqliteInfo(t, "orders", "jdbc/cgo")
	info.Driver = "sqlite3"

	db, err := Open(context.Background(), info)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE t (id INTEGER)")
	require.NoError(t, err)
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(context.Background(), nil)
	require.Error(t, err)

	_, err = Open(context.Background(), &conninfo.Info{JNDIName: "jdbc/x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open data source jdbc/x")

	_, err = Open(context.Background(), &conninfo.Info{JNDIName: "jdbc/x", Driver: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown driver "nope"`)

	info := sqliteInfo(t, "u", "jdbc/bad")
	info.TestQuery = "SELECT * FROM missing_table"
	_, err = Open(context.Background(), info)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test query")
}

func TestRegistry_SharedJNDICreatesOnce(t *testing.T) {
	orders := []string{"a", "b", "c", "d"}
	reversed := []string{"d", "c", "b", "a"}

	for _, order := range [][]string{orders, reversed} {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			f := &countingFactory{}
			r := NewRegistry(nil, WithFactory(f.open))
			defer r.Close()

			for _, name := range order {
				require.NoError(t, r.Register(binding.NewMarker(name), &conninfo.Info{
					PersistenceUnitName: name,
					JNDIName:            "jdbc/shared",
					Driver:              "sqlite",
				}))
			}
			assert.Equal(t, 0, f.total(), "registration must not build")

			var wg sync.WaitGroup
			dbs := make([]*sql.DB, len(order))
			for i, name := range order {
				wg.Add(1)
				go func() {
					defer wg.Done()
					db, err := r.DataSource(context.Background(), binding.NewMarker(name))
					assert.NoError(t, err)
					dbs[i] = db
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, f.total())
			assert.Equal(t, 1, r.Created())
			for _, db := range dbs[1:] {
				assert.Same(t, dbs[0], db)
			}
			assert.Equal(t, order, r.Units("jdbc/shared"))
			assert.True(t, r.Bound("jdbc/shared"))
		})
	}
}

func TestRegistry_DistinctJNDINames(t *testing.T) {
	f := &countingFactory{}
	r := NewRegistry(nil, WithFactory(f.open))
	defer r.Close()

	require.NoError(t, r.Register("orders", &conninfo.Info{PersistenceUnitName: "orders", JNDIName: "jdbc/a"}))
	require.NoError(t, r.Register("billing", &conninfo.Info{PersistenceUnitName: "billing", JNDIName: "jdbc/b"}))

	a, err := r.DataSource(context.Background(), "orders")
	require.NoError(t, err)
	b, err := r.DataSource(context.Background(), "billing")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, []string{"jdbc/a", "jdbc/b"}, r.JNDINames())
	assert.Equal(t, []binding.Marker{"orders", "billing"}, r.Markers())
	assert.Equal(t, 2, r.Created())
}

func TestRegistry_FailedBuildNotCached(t *testing.T) {
	c := metrics.New()
	f := &countingFactory{}
	f.fail.Store(true)
	r := NewRegistry(nil, WithFactory(f.open), WithMetrics(c))
	defer r.Close()

	require.NoError(t, r.Register("orders", &conninfo.Info{PersistenceUnitName: "orders", JNDIName: "jdbc/a"}))

	_, err := r.DataSource(context.Background(), "orders")
	require.Error(t, err)
	assert.False(t, r.Bound("jdbc/a"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.DataSourcesFailed.WithLabelValues("jdbc/a")))

	f.fail.Store(false)
	db, err := r.DataSource(context.Background(), "orders")
	require.NoError(t, err)
	assert.NotNil(t, db)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.DataSourcesCreated.WithLabelValues("jdbc/a")))
}

func TestRegistry_RegisterErrors(t *testing.T) {
	r := NewRegistry(nil)

	require.Error(t, r.Register("x", nil))
	require.Error(t, r.Register("x", &conninfo.Info{}))

	require.NoError(t, r.Register("x", &conninfo.Info{JNDIName: "jdbc/a"}))
	err := r.Register("x", &conninfo.Info{JNDIName: "jdbc/b"})
	var dup binding.DuplicateBindingError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, binding.KindDataSource, dup.Kind)

	_, err = r.DataSource(context.Background(), "unknown")
	var missing binding.MissingBindingError
	assert.ErrorAs(t, err, &missing)
}

func TestRegistry_Unregister(t *testing.T) {
	f := &countingFactory{}
	r := NewRegistry(nil, WithFactory(f.open))
	defer r.Close()

	require.NoError(t, r.Register("orders", &conninfo.Info{PersistenceUnitName: "orders", JNDIName: "jdbc/shop", Driver: "sqlite"}))
	require.NoError(t, r.Register("payments", &conninfo.Info{PersistenceUnitName: "billing", JNDIName: "jdbc/shop", Driver: "sqlite"}))
	require.NoError(t, r.Register("audit", &conninfo.Info{PersistenceUnitName: "audit", JNDIName: "jdbc/audit", Driver: "sqlite"}))

	assert.True(t, r.Unregister("payments"))
	assert.False(t, r.Unregister("payments"))
	assert.Equal(t, []string{"orders"}, r.Units("jdbc/shop"))
	assert.Equal(t, []binding.Marker{"orders", "audit"}, r.Markers())

	assert.True(t, r.Unregister("audit"))
	assert.Equal(t, []string{"jdbc/shop"}, r.JNDINames(), "unbuilt name without units is forgotten")
	_, err := r.DataSource(context.Background(), "audit")
	var missing binding.MissingBindingError
	assert.ErrorAs(t, err, &missing)

	_, err = r.DataSource(context.Background(), "orders")
	require.NoError(t, err)
	assert.True(t, r.Unregister("orders"))
	assert.Equal(t, []string{"jdbc/shop"}, r.JNDINames(), "built pool stays until Close")
	assert.True(t, r.Bound("jdbc/shop"))

	require.NoError(t, r.Register("payments", &conninfo.Info{PersistenceUnitName: "billing", JNDIName: "jdbc/shop", Driver: "sqlite"}))
	_, err = r.DataSource(context.Background(), "payments")
	require.NoError(t, err)
	assert.Equal(t, 1, f.total())
}

func TestRegistry_ConflictingSettingsWarn(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := NewRegistry(zap.New(core))

	require.NoError(t, r.Register("a", &conninfo.Info{PersistenceUnitName: "a", JNDIName: "jdbc/x", URL: "one"}))
	require.NoError(t, r.Register("b", &conninfo.Info{PersistenceUnitName: "b", JNDIName: "jdbc/x", URL: "two"}))

	assert.Equal(t, 1, logs.FilterMessageSnippet("reusing first").Len())
	info, ok := r.Info("jdbc/x")
	require.True(t, ok)
	assert.Equal(t, "one", info.URL)
}

func TestRegistry_Close(t *testing.T) {
	f := &countingFactory{}
	r := NewRegistry(nil, WithFactory(f.open))
	require.NoError(t, r.Register("orders", &conninfo.Info{JNDIName: "jdbc/a"}))

	db, err := r.DataSource(context.Background(), "orders")
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Error(t, db.Ping(), "pool must be closed")

	_, err = r.DataSource(context.Background(), "orders")
	assert.ErrorIs(t, err, ErrClosed)
}
