package module

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zapcore"

	"github.com/roach88/dbwire/internal/binding"
	"github.com/roach88/dbwire/internal/conninfo"
	"github.com/roach88/dbwire/internal/datasource"
	"github.com/roach88/dbwire/internal/descriptor"
	"github.com/roach88/dbwire/internal/metrics"
	"github.com/roach88/dbwire/internal/persist"
	"github.com/roach88/dbwire/internal/startup"
	dbtest "github.com/roach88/dbwire/internal/testutil"
	"github.com/roach88/dbwire/internal/txn"
)

const shopYAML = `
persistence-units:
  - name: orders
    jta-data-source: jdbc/shop
    startup-order: 60
    schema-scripts:
      - CREATE TABLE IF NOT EXISTS orders (id INTEGER PRIMARY KEY, total INTEGER NOT NULL)
    properties:
      javax.persistence.jdbc.driver: org.sqlite.JDBC
      javax.persistence.jdbc.url: jdbc:sqlite:${DATA_DIR}/shop.db
  - name: billing
    marker: payments
    jta-data-source: jdbc/shop
    properties:
      javax.persistence.jdbc.url: jdbc:sqlite:${DATA_DIR}/shop.db
  - name: audit
    non-jta-data-source: jdbc/audit
    properties:
      javax.persistence.jdbc.url: jdbc:sqlite:${DATA_DIR}/audit.db
  - name: broken
    properties:
      hibernate.show_sql: "true"
`

func loadShop(t *testing.T) *descriptor.File {
	t.Helper()
	desc, err := descriptor.Parse([]byte(shopYAML), descriptor.FormatYAML)
	require.NoError(t, err)
	return desc
}

func dirLookup(dir string) descriptor.LookupFunc {
	return func(name string) (string, bool) {
		if name == "DATA_DIR" {
			return dir, true
		}
		return "", false
	}
}

// opens counts physical pool creations per JNDI name.
type opens struct {
	mu    sync.Mutex
	count map[string]int
}

func (o *opens) factory(ctx context.Context, info *conninfo.Info) (*sql.DB, error) {
	o.mu.Lock()
	if o.count == nil {
		o.count = make(map[string]int)
	}
	o.count[info.JNDIName]++
	o.mu.Unlock()
	return datasource.Open(ctx, info)
}

func (o *opens) get(jndi string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count[jndi]
}

func newShop(t *testing.T, opts ...Option) (*Bootstrap, *opens) {
	t.Helper()
	o := &opens{}
	base := []Option{
		WithLookup(dirLookup(t.TempDir())),
		WithDataSourceFactory(o.factory),
	}
	b := New(loadShop(t), append(base, opts...)...)
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b, o
}

func shopDefs() []Definition {
	return []Definition{
		{UnitName: "orders", Priority: 60},
		{UnitName: "billing"},
		{UnitName: "audit"},
	}
}

func TestBootstrap_SharedJNDIBuildsOnePool(t *testing.T) {
	c := metrics.New()
	b, o := newShop(t, WithMetrics(c))
	require.NoError(t, b.Install(shopDefs()...))

	assert.Equal(t, 0, b.Registry().Created(), "install opens nothing")
	require.NoError(t, b.Start(context.Background()))

	assert.Equal(t, 1, o.get("jdbc/shop"))
	assert.Equal(t, 1, o.get("jdbc/audit"))
	assert.Equal(t, 2, b.Registry().Created())
	assert.Equal(t, []string{"orders", "billing"}, b.Registry().Units("jdbc/shop"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.UnitsStarted.WithLabelValues("billing")))

	ordersDB, err := binding.Lookup[DataSourceProvider](b.Table(), "orders", binding.KindDataSource)
	require.NoError(t, err)
	billingDB, err := binding.Lookup[DataSourceProvider](b.Table(), "payments", binding.KindDataSource)
	require.NoError(t, err)
	db1, err := ordersDB(context.Background())
	require.NoError(t, err)
	db2, err := billingDB(context.Background())
	require.NoError(t, err)
	assert.Same(t, db1, db2)
}

func TestBootstrap_SharedJNDIOrderIndependent(t *testing.T) {
	defs := shopDefs()
	reversed := []Definition{defs[2], defs[1], defs[0]}

	b, o := newShop(t)
	require.NoError(t, b.Install(reversed...))
	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, 1, o.get("jdbc/shop"))
	assert.Equal(t, []string{"billing", "orders"}, b.Registry().Units("jdbc/shop"))
}

func TestBootstrap_StartOrder(t *testing.T) {
	log := &dbtest.CallLog{}
	b, _ := newShop(t, WithServiceDecorator(func(def Definition, svc persist.Service) persist.Service {
		return &dbtest.RecordingService{Name: def.UnitName, Next: svc, Log: log}
	}))
	require.NoError(t, b.Install(shopDefs()...))
	require.NoError(t, b.Start(context.Background()))

	// billing and audit share the default priority and keep declaration order.
	assert.Equal(t, []string{"start billing", "start audit", "start orders"}, log.Calls())

	var hooks []string
	for _, ev := range b.Trace() {
		hooks = append(hooks, ev.Hook)
	}
	assert.Equal(t, []string{
		"datasource jdbc/shop (orders)",
		"datasource jdbc/shop (payments)",
		"datasource jdbc/audit (audit)",
		"unit billing",
		"unit audit",
		"unit orders",
	}, hooks)

	defs := b.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, binding.Marker("payments"), defs[1].Marker)
	assert.Equal(t, DefaultPriority, defs[1].Priority)
	assert.Equal(t, []binding.Marker{"orders", "payments", "audit"}, b.Bound())
}

func TestBootstrap_StartOpensNoUnitOfWork(t *testing.T) {
	b, _ := newShop(t)
	require.NoError(t, b.Install(shopDefs()...))
	require.NoError(t, b.Start(context.Background()))

	_, err := b.Session(context.Background(), "orders")
	assert.ErrorIs(t, err, persist.ErrNoUnitOfWork)

	orders, err := b.Service("orders")
	require.NoError(t, err)
	assert.True(t, orders.IsStarted())
}

func TestBootstrap_ShutdownStopsEveryStartedService(t *testing.T) {
	log := &dbtest.CallLog{}
	logger, logs := dbtest.ObservedLogger(zapcore.ErrorLevel)
	b, _ := newShop(t, WithLogger(logger), WithServiceDecorator(func(def Definition, svc persist.Service) persist.Service {
		rec := &dbtest.RecordingService{Name: def.UnitName, Next: svc, Log: log}
		if def.UnitName == "orders" {
			rec.StopErr = errors.New("stuck")
		}
		return rec
	}))
	require.NoError(t, b.Install(shopDefs()...))
	require.NoError(t, b.Start(context.Background()))

	err := b.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stuck")

	calls := log.Calls()
	assert.Equal(t, []string{"stop orders", "stop billing", "stop audit"}, calls[3:])

	failed := logs.FilterMessage("failed to stop persist service").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "orders", failed[0].ContextMap()["marker"])

	_, err = b.Registry().DataSource(context.Background(), "audit")
	assert.ErrorIs(t, err, datasource.ErrClosed)

	billing, err := b.Service("payments")
	require.NoError(t, err)
	assert.False(t, billing.IsStarted())
}

func TestBootstrap_ShutdownSkipsUnstartedServices(t *testing.T) {
	log := &dbtest.CallLog{}
	b, _ := newShop(t, WithServiceDecorator(func(def Definition, svc persist.Service) persist.Service {
		rec := &dbtest.RecordingService{Name: def.UnitName, Next: svc, Log: log}
		if def.UnitName == "audit" {
			rec.StartErr = errors.New("no disk")
		}
		return rec
	}))
	require.NoError(t, b.Install(shopDefs()...))

	err := b.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unit audit: no disk")

	require.NoError(t, b.Shutdown(context.Background()))
	assert.Equal(t, []string{
		"start billing", "start audit", "start orders",
		"stop orders", "stop billing",
	}, log.Calls())
}

func TestBootstrap_InstallErrors(t *testing.T) {
	b, _ := newShop(t)

	err := b.Install(Definition{UnitName: "missing"})
	assert.ErrorIs(t, err, descriptor.ErrUnitNotFound)

	err = b.Install(Definition{UnitName: "broken"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "install broken")

	require.NoError(t, b.Install(Definition{UnitName: "orders"}))
	err = b.Install(Definition{UnitName: "audit", Marker: "orders"})
	var dup binding.DuplicateBindingError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, binding.Marker("orders"), dup.Marker)

	err = New(nil).Install(Definition{UnitName: "orders"})
	assert.Error(t, err)
}

func TestBootstrap_InstallAfterStartLeavesNoState(t *testing.T) {
	b, _ := newShop(t)
	require.NoError(t, b.Install(Definition{UnitName: "orders"}))
	require.NoError(t, b.Start(context.Background()))

	err := b.Install(Definition{UnitName: "audit"})
	assert.ErrorIs(t, err, startup.ErrAlreadyStarted)

	assert.False(t, b.Table().Has("audit", binding.KindPersistenceUnit))
	assert.Equal(t, []binding.Marker{"orders"}, b.Registry().Markers())
	assert.Equal(t, []string{"jdbc/shop"}, b.Registry().JNDINames())
	assert.Nil(t, b.Registry().Units("jdbc/audit"))
	assert.Len(t, b.Definitions(), 1)
}

func TestBootstrap_FailedBindIsUndone(t *testing.T) {
	b, _ := newShop(t)
	require.NoError(t, b.Table().Bind("audit", binding.KindSession, "taken"))

	err := b.Install(Definition{UnitName: "audit"})
	var dup binding.DuplicateBindingError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, binding.KindSession, dup.Kind)

	assert.False(t, b.Table().Has("audit", binding.KindPersistenceUnit))
	assert.False(t, b.Table().Has("audit", binding.KindConnectionInfo))
	assert.True(t, b.Table().Has("audit", binding.KindSession), "bindings made by others survive")
	assert.Empty(t, b.Registry().Markers())
	assert.Empty(t, b.Registry().JNDINames())

	b.Table().Unbind("audit", binding.KindSession)
	require.NoError(t, b.Install(Definition{UnitName: "audit"}))
	assert.Equal(t, []string{"audit"}, b.Registry().Units("jdbc/audit"))
	require.NoError(t, b.Start(context.Background()))
}

func TestBootstrap_CustomizeAndJNDIDefault(t *testing.T) {
	b, o := newShop(t)
	dir := t.TempDir()
	require.NoError(t, b.Install(Definition{
		UnitName: "broken",
		JNDIName: "jdbc/fixed",
		Customize: func(info *conninfo.Info) {
			info.URL = "jdbc:sqlite:" + dir + "/fixed.db"
			info.Driver = "sqlite"
			info.DSN = dir + "/fixed.db"
			info.MaxPoolSize = 3
		},
	}))

	info, err := b.Info("broken")
	require.NoError(t, err)
	assert.Equal(t, "jdbc/fixed", info.JNDIName)
	assert.Equal(t, 3, info.MaxPoolSize)
	assert.Equal(t, map[string]string{"hibernate.show_sql": "true"}, info.Extra)

	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, 1, o.get("jdbc/fixed"))
}

func TestBootstrap_JNDIFallsBackToUnitName(t *testing.T) {
	b, _ := newShop(t)
	require.NoError(t, b.Install(Definition{
		UnitName: "broken",
		Customize: func(info *conninfo.Info) {
			info.URL = "jdbc:sqlite::memory:"
			info.Driver = "sqlite"
			info.DSN = ":memory:"
		},
	}))
	assert.Equal(t, []string{"broken"}, b.Registry().JNDINames())
	assert.False(t, b.Registry().Bound("broken"), "nothing is opened before Start")
}

func TestBootstrap_DisableDataSource(t *testing.T) {
	b, _ := newShop(t)
	require.NoError(t, b.Install(Definition{UnitName: "audit", DisableDataSource: true}))

	assert.False(t, b.Table().Has("audit", binding.KindDataSource))
	assert.True(t, b.Table().Has("audit", binding.KindSessionFactory))

	require.NoError(t, b.Start(context.Background()))
	require.Len(t, b.Trace(), 1)
	assert.Equal(t, "unit audit", b.Trace()[0].Hook)

	svc, err := b.Service("audit")
	require.NoError(t, err)
	assert.True(t, svc.IsStarted())
}

func TestBootstrap_PropertiesReaders(t *testing.T) {
	var seen string
	b, _ := newShop(t, WithPropertiesReaders(PropertiesReaderFunc(
		func(unit descriptor.Unit, props conninfo.Properties) (map[string]string, error) {
			seen = props["javax.persistence.jdbc.url"]
			return map[string]string{conninfo.KeyPoolMax: "7"}, nil
		})))
	require.NoError(t, b.Install(Definition{UnitName: "audit"}))

	assert.NotContains(t, seen, "${DATA_DIR}", "expansion runs first")
	info, err := b.Info("audit")
	require.NoError(t, err)
	assert.Equal(t, 7, info.MaxPoolSize)

	failing := New(loadShop(t), WithPropertiesReaders(PropertiesReaderFunc(
		func(descriptor.Unit, conninfo.Properties) (map[string]string, error) {
			return nil, errors.New("vault sealed")
		})))
	err = failing.Install(Definition{UnitName: "audit"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault sealed")
}

func TestBootstrap_SessionInsideInterceptor(t *testing.T) {
	b, _ := newShop(t, WithIDGenerator(dbtest.NewFixedIDGenerator("tx-1")))
	require.NoError(t, b.Install(shopDefs()...))
	require.NoError(t, b.Start(context.Background()))

	svc, err := b.Service("orders")
	require.NoError(t, err)

	err = persist.WithUnitOfWork(context.Background(), svc, func(ctx context.Context) error {
		_, err := b.Interceptor().Invoke(ctx, txn.Attribute{Name: "place-order"}, func(ctx context.Context) (any, error) {
			assert.Equal(t, "tx-1", txn.FromContext(ctx).ID())
			sess, err := b.Session(ctx, "orders")
			if err != nil {
				return nil, err
			}
			return sess.ExecContext(ctx, "INSERT INTO orders (total) VALUES (?)", 42)
		})
		return err
	})
	require.NoError(t, err)

	billing, err := b.Service("payments")
	require.NoError(t, err)
	ctx, err := billing.Begin(context.Background())
	require.NoError(t, err)
	defer billing.End(ctx)
	sess, err := b.Session(ctx, "payments")
	require.NoError(t, err)
	var total int
	require.NoError(t, sess.QueryRowContext(ctx, "SELECT total FROM orders").Scan(&total))
	assert.Equal(t, 42, total)

	_, err = b.Session(context.Background(), "nobody")
	var missing binding.MissingBindingError
	assert.ErrorAs(t, err, &missing)
}

func TestBootstrap_TransactionsBoundInDirectory(t *testing.T) {
	b := New(loadShop(t))
	ut, err := b.Directory().Resolve(txn.DefaultName)
	require.NoError(t, err)
	assert.Same(t, b.Transactions(), ut)

	_, err = b.Service("orders")
	assert.Error(t, err)
}

func TestBootstrap_Definition(t *testing.T) {
	b, _ := newShop(t)
	require.NoError(t, b.Install(shopDefs()...))

	def, ok := b.Definition("billing")
	require.True(t, ok)
	assert.Equal(t, "payments", def.Marker.String())
	assert.Equal(t, DefaultPriority, def.Priority)

	def, ok = b.Definition("payments")
	require.True(t, ok)
	assert.Equal(t, "billing", def.UnitName)

	_, ok = b.Definition("broken")
	assert.False(t, ok)
}

func TestFromDescriptor(t *testing.T) {
	defs := FromDescriptor(loadShop(t))
	require.Len(t, defs, 4)
	assert.Equal(t, Definition{UnitName: "orders", JNDIName: "jdbc/shop", Priority: 60}, defs[0])
	assert.Equal(t, "billing", defs[1].UnitName)
	assert.Equal(t, 0, defs[1].Priority)
	assert.Nil(t, FromDescriptor(nil))
}

type unitParams struct {
	fx.In

	DB          *sql.DB                 `name:"orders"`
	Factory     *persist.SessionFactory `name:"orders"`
	Service     persist.Service         `name:"payments"`
	UnitOfWork  persist.UnitOfWork      `name:"audit"`
	Manager     *txn.Manager
	Interceptor *txn.Interceptor
}

func TestBootstrap_FxModule(t *testing.T) {
	b, _ := newShop(t)
	require.NoError(t, b.Install(shopDefs()...))

	var got unitParams
	app := fxtest.New(t,
		b.FxLogger(),
		b.FxModule(),
		fx.Invoke(func(p unitParams) { got = p }),
	)
	app.RequireStart()

	require.NotNil(t, got.DB)
	assert.True(t, got.Factory.IsOpen())
	assert.Same(t, got.DB, got.Factory.DB())
	assert.Same(t, b.Transactions(), got.Manager)
	assert.Same(t, b.Interceptor(), got.Interceptor)

	billing, err := b.Service("payments")
	require.NoError(t, err)
	assert.Same(t, billing, got.Service)
	assert.True(t, billing.IsStarted())

	app.RequireStop()
	assert.False(t, billing.IsStarted())
	assert.False(t, got.Factory.IsOpen())
}
