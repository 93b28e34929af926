// Package module installs persistence units into an application.
//
// A Bootstrap works in two phases. Install is phase one: for every Definition
// it reads the unit from the descriptor, builds and validates its connection
// info, registers the data source with the registry and binds the unit's
// services under its marker. Nothing is opened. Start is phase two: data
// sources are opened (order 50), then every unit's persist service is started
// in priority order and its unit of work ended. Shutdown stops the started
// services, one marker at a time, and closes the pools.
//
// Example:
//
//	desc, _ := descriptor.Load("persistence.yaml")
//	b := module.New(desc, module.WithLogger(logger))
//	if err := b.Install(module.FromDescriptor(desc)...); err != nil {
//		return err
//	}
//	if err := b.Start(ctx); err != nil {
//		return err
//	}
//	defer b.Shutdown(context.Background())
package module

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/roach88/dbwire/internal/binding"
	"github.com/roach88/dbwire/internal/conninfo"
	"github.com/roach88/dbwire/internal/datasource"
	"github.com/roach88/dbwire/internal/descriptor"
	"github.com/roach88/dbwire/internal/metrics"
	"github.com/roach88/dbwire/internal/persist"
	"github.com/roach88/dbwire/internal/startup"
	"github.com/roach88/dbwire/internal/txn"
)

const (
	// DataSourcePriority is the startup order of data source hooks.
	DataSourcePriority = 50

	// DefaultPriority is the startup order of units without an explicit one.
	DefaultPriority = 55
)

// Definition selects one persistence unit of the descriptor.
type Definition struct {
	// Marker identifies the unit's bindings. Defaults to the unit's marker.
	Marker binding.Marker

	// UnitName is the persistence unit name in the descriptor.
	UnitName string

	// JNDIName is used when neither the unit nor its properties name a data source.
	JNDIName string

	// Priority orders unit startup, lower first. Zero selects DefaultPriority.
	Priority int

	// DisableDataSource skips the DataSource binding and its startup hook.
	// The unit still opens its pool through the registry when it starts.
	DisableDataSource bool

	// Customize adjusts the connection info before validation.
	Customize func(info *conninfo.Info)
}

// DataSourceProvider is bound under KindDataSource.
type DataSourceProvider func(ctx context.Context) (*sql.DB, error)

// FactoryProvider is bound under KindSessionFactory.
type FactoryProvider func() (*persist.SessionFactory, error)

// SessionProvider is bound under KindSession.
type SessionProvider func(ctx context.Context) (*persist.Session, error)

// ServiceDecorator wraps the persist service bound for a unit.
type ServiceDecorator func(def Definition, svc persist.Service) persist.Service

// Option configures a Bootstrap.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	metrics     *metrics.Collector
	propReaders []PropertiesReader
	infoReaders []conninfo.Reader
	lookup      descriptor.LookupFunc
	parallel    bool
	txTimeout   time.Duration
	ids         txn.IDGenerator
	factory     datasource.Factory
	tracer      trace.TracerProvider
	decorate    ServiceDecorator
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics reports to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithPropertiesReaders appends readers after the placeholder expansion.
func WithPropertiesReaders(r ...PropertiesReader) Option {
	return func(o *options) { o.propReaders = append(o.propReaders, r...) }
}

// WithConnInfoReaders replaces conninfo.DefaultReaders.
func WithConnInfoReaders(r ...conninfo.Reader) Option {
	return func(o *options) { o.infoReaders = r }
}

// WithLookup resolves ${} placeholders through lookup instead of the environment.
func WithLookup(lookup descriptor.LookupFunc) Option {
	return func(o *options) { o.lookup = lookup }
}

// WithParallelStartup lets hooks of equal priority start concurrently.
func WithParallelStartup(parallel bool) Option {
	return func(o *options) { o.parallel = parallel }
}

// WithTxTimeout sets the transaction timeout of the manager.
func WithTxTimeout(d time.Duration) Option {
	return func(o *options) { o.txTimeout = d }
}

// WithIDGenerator sets the transaction ID generator.
func WithIDGenerator(g txn.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithDataSourceFactory replaces datasource.Open.
func WithDataSourceFactory(f datasource.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithTracerProvider sets the tracer provider of the interceptor.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithServiceDecorator wraps every unit's persist service.
func WithServiceDecorator(d ServiceDecorator) Option {
	return func(o *options) { o.decorate = d }
}

type unit struct {
	def     Definition
	info    *conninfo.Info
	jpa     *persist.JPAService
	service persist.Service
	started atomic.Bool
}

// Bootstrap installs and runs persistence units.
//
// Thread-safety: all methods are safe for concurrent use. Install must
// complete before Start.
type Bootstrap struct {
	desc    *descriptor.File
	logger  *zap.Logger
	metrics *metrics.Collector
	readers []PropertiesReader
	info    []conninfo.Reader
	decor   ServiceDecorator

	registry    *datasource.Registry
	table       *binding.Table
	bound       *binding.MarkerSet
	seq         *startup.Sequencer
	manager     *txn.Manager
	directory   *txn.Directory
	interceptor *txn.Interceptor

	mu    sync.RWMutex
	defs  []Definition
	units map[binding.Marker]*unit
}

// New creates a Bootstrap over desc.
func New(desc *descriptor.File, opts ...Option) *Bootstrap {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	regOpts := []datasource.Option{datasource.WithMetrics(o.metrics)}
	if o.factory != nil {
		regOpts = append(regOpts, datasource.WithFactory(o.factory))
	}

	mgrOpts := []txn.ManagerOption{
		txn.WithManagerLogger(o.logger),
		txn.WithManagerMetrics(o.metrics),
	}
	if o.txTimeout > 0 {
		mgrOpts = append(mgrOpts, txn.WithTimeout(o.txTimeout))
	}
	if o.ids != nil {
		mgrOpts = append(mgrOpts, txn.WithIDGenerator(o.ids))
	}
	manager := txn.NewManager(mgrOpts...)

	directory := txn.NewDirectory()
	directory.Bind(txn.DefaultName, manager)

	icOpts := []txn.InterceptorOption{txn.WithLogger(o.logger), txn.WithMetrics(o.metrics)}
	if o.tracer != nil {
		icOpts = append(icOpts, txn.WithTracerProvider(o.tracer))
	}

	b := &Bootstrap{
		desc:        desc,
		logger:      o.logger,
		metrics:     o.metrics,
		readers:     append([]PropertiesReader{EnvExpander{Lookup: o.lookup}}, o.propReaders...),
		info:        o.infoReaders,
		decor:       o.decorate,
		registry:    datasource.NewRegistry(o.logger, regOpts...),
		table:       binding.NewTable(),
		bound:       binding.NewMarkerSet(),
		seq:         startup.New(startup.WithLogger(o.logger), startup.WithParallel(o.parallel)),
		manager:     manager,
		directory:   directory,
		interceptor: txn.NewInterceptor(txn.Chain(directory, txn.Static(manager)), icOpts...),
		units:       make(map[binding.Marker]*unit),
	}
	// Cannot fail: the sequencer is still configuring.
	_ = b.seq.AddPreDestroy(startup.PreDestroy{Name: "persist services", OnDestroy: b.destroy})
	return b
}

// Install runs phase one for every definition, stopping at the first failure.
func (b *Bootstrap) Install(defs ...Definition) error {
	for _, def := range defs {
		if err := b.install(def); err != nil {
			return fmt.Errorf("install %s: %w", def.UnitName, err)
		}
	}
	return nil
}

func (b *Bootstrap) install(def Definition) error {
	if b.desc == nil {
		return errors.New("no descriptor")
	}
	pu, err := b.desc.Unit(def.UnitName)
	if err != nil {
		b.logger.Error("unable to register persistence unit", zap.String("unit", def.UnitName), zap.Error(err))
		return err
	}
	if def.Marker.IsZero() {
		def.Marker = binding.NewMarker(pu.MarkerName())
	}
	if def.Priority == 0 {
		def.Priority = DefaultPriority
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if phase := b.seq.Phase(); phase != startup.PhaseConfigure {
		return fmt.Errorf("install in phase %s: %w", phase, startup.ErrAlreadyStarted)
	}
	if b.bound.Contains(def.Marker) {
		return binding.DuplicateBindingError{Marker: def.Marker, Kind: binding.KindPersistenceUnit}
	}

	props, err := b.properties(pu)
	if err != nil {
		return err
	}
	info, err := conninfo.Build(pu, props, b.info...)
	if err != nil {
		return err
	}
	if def.Customize != nil {
		def.Customize(info)
	}
	if info.JNDIName == "" {
		info.JNDIName = def.JNDIName
	}
	if info.JNDIName == "" {
		info.JNDIName = pu.Name
	}
	if err := info.Validate(); err != nil {
		return err
	}
	b.logger.Debug("connection info built", zap.String("unit", pu.Name), zap.Stringer("info", info))

	if err := b.registry.Register(def.Marker, info); err != nil {
		return err
	}

	marker := def.Marker
	jpa := persist.NewJPAService(marker, pu.Name,
		func(ctx context.Context) (*sql.DB, error) { return b.registry.DataSource(ctx, marker) },
		persist.WithLogger(b.logger),
		persist.WithMetrics(b.metrics),
		persist.WithSchemaScripts(pu.SchemaScripts...),
	)
	u := &unit{def: def, info: info, jpa: jpa, service: jpa}
	if b.decor != nil {
		u.service = b.decor(def, jpa)
	}

	kinds, err := b.bind(u, pu)
	if err == nil {
		err = b.addHooks(u)
	}
	if err != nil {
		b.table.Unbind(marker, kinds...)
		b.registry.Unregister(marker)
		return err
	}

	b.bound.Add(marker)
	b.units[marker] = u
	b.defs = append(b.defs, def)
	b.logger.Info("persistence unit installed",
		zap.String("unit", pu.Name),
		zap.String("marker", marker.String()),
		zap.String("jndi", info.JNDIName),
		zap.Int("priority", def.Priority))
	return nil
}

func (b *Bootstrap) properties(pu descriptor.Unit) (conninfo.Properties, error) {
	props := conninfo.Properties(pu.Properties).Clone()
	for _, r := range b.readers {
		out, err := r.ProcessProperties(pu, props)
		if err != nil {
			return nil, fmt.Errorf("process properties: %w", err)
		}
		for k, v := range out {
			props[k] = v
		}
	}
	return props, nil
}

// bind stores every service of u and returns the kinds it bound, including
// on failure.
func (b *Bootstrap) bind(u *unit, pu descriptor.Unit) ([]binding.Kind, error) {
	m := u.def.Marker
	jpa := u.jpa
	bindings := []struct {
		kind  binding.Kind
		value any
	}{
		{binding.KindPersistenceUnit, pu},
		{binding.KindConnectionInfo, u.info.Clone()},
		{binding.KindPersistService, u.service},
		{binding.KindUnitOfWork, persist.UnitOfWork(jpa)},
		{binding.KindSessionFactory, FactoryProvider(jpa.Factory)},
		{binding.KindSession, SessionProvider(jpa.Session)},
	}
	if !u.def.DisableDataSource {
		bindings = append(bindings, struct {
			kind  binding.Kind
			value any
		}{binding.KindDataSource, DataSourceProvider(func(ctx context.Context) (*sql.DB, error) {
			return b.registry.DataSource(ctx, m)
		})})
	}
	kinds := make([]binding.Kind, 0, len(bindings))
	for _, bd := range bindings {
		if err := b.table.Bind(m, bd.kind, bd.value); err != nil {
			return kinds, err
		}
		kinds = append(kinds, bd.kind)
	}
	return kinds, nil
}

func (b *Bootstrap) addHooks(u *unit) error {
	m := u.def.Marker
	if !u.def.DisableDataSource {
		err := b.seq.Add(startup.PostStartup{
			Name:      "datasource " + u.info.JNDIName + " (" + m.String() + ")",
			SortOrder: DataSourcePriority,
			PostLoad: func(ctx context.Context) error {
				_, err := b.registry.DataSource(ctx, m)
				return err
			},
		})
		if err != nil {
			return err
		}
	}
	return b.seq.Add(startup.PostStartup{
		Name:      "unit " + u.jpa.Unit(),
		SortOrder: u.def.Priority,
		PostLoad: func(ctx context.Context) error {
			if err := u.service.Start(ctx); err != nil {
				return err
			}
			u.started.Store(true)
			return nil
		},
	})
}

// destroy stops every started service, logging failures per marker.
func (b *Bootstrap) destroy(ctx context.Context) error {
	var errs error
	for _, m := range b.bound.All() {
		b.mu.RLock()
		u := b.units[m]
		b.mu.RUnlock()
		if u == nil || !u.started.Load() {
			continue
		}
		if err := u.service.Stop(ctx); err != nil {
			b.logger.Error("failed to stop persist service", zap.String("marker", m.String()), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", m, err))
			continue
		}
		u.started.Store(false)
		b.logger.Debug("persist service stopped", zap.String("marker", m.String()))
	}
	return errs
}

// Start runs phase two. Failures of individual units are combined; the other
// units still start.
func (b *Bootstrap) Start(ctx context.Context) error {
	return b.seq.Start(ctx)
}

// Shutdown stops the started services and closes every pool.
func (b *Bootstrap) Shutdown(ctx context.Context) error {
	return multierr.Append(b.seq.Shutdown(ctx), b.registry.Close())
}

// Bound returns the installed markers in installation order.
func (b *Bootstrap) Bound() []binding.Marker { return b.bound.All() }

// Table returns the binding table.
func (b *Bootstrap) Table() *binding.Table { return b.table }

// Registry returns the data source registry.
func (b *Bootstrap) Registry() *datasource.Registry { return b.registry }

// Transactions returns the transaction manager.
func (b *Bootstrap) Transactions() *txn.Manager { return b.manager }

// Directory returns the directory the manager is bound in under txn.DefaultName.
func (b *Bootstrap) Directory() *txn.Directory { return b.directory }

// Interceptor returns the transaction interceptor.
func (b *Bootstrap) Interceptor() *txn.Interceptor { return b.interceptor }

// Metrics returns the collector, nil when none was configured.
func (b *Bootstrap) Metrics() *metrics.Collector { return b.metrics }

// Trace returns the startup and shutdown hook runs so far.
func (b *Bootstrap) Trace() []startup.Event { return b.seq.Trace() }

// Definitions returns the installed definitions with defaults applied.
func (b *Bootstrap) Definitions() []Definition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Definition(nil), b.defs...)
}

// Definition finds an installed definition by unit name, then by marker.
func (b *Bootstrap) Definition(name string) (Definition, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, def := range b.defs {
		if def.UnitName == name {
			return def, true
		}
	}
	for _, def := range b.defs {
		if def.Marker.String() == name {
			return def, true
		}
	}
	return Definition{}, false
}

// Service returns the persistence service installed under marker.
func (b *Bootstrap) Service(marker binding.Marker) (*persist.JPAService, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	u, ok := b.units[marker]
	if !ok {
		return nil, binding.MissingBindingError{Marker: marker, Kind: binding.KindPersistService}
	}
	return u.jpa, nil
}

// Info returns the connection info bound under marker.
func (b *Bootstrap) Info(marker binding.Marker) (*conninfo.Info, error) {
	info, err := binding.Lookup[*conninfo.Info](b.table, marker, binding.KindConnectionInfo)
	if err != nil {
		return nil, err
	}
	return info.Clone(), nil
}

// Session returns the session of the unit of work ctx carries for marker.
func (b *Bootstrap) Session(ctx context.Context, marker binding.Marker) (*persist.Session, error) {
	get, err := binding.Lookup[SessionProvider](b.table, marker, binding.KindSession)
	if err != nil {
		return nil, err
	}
	return get(ctx)
}
