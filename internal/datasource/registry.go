package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/roach88/dbwire/internal/binding"
	"github.com/roach88/dbwire/internal/conninfo"
	"github.com/roach88/dbwire/internal/metrics"
)

// ErrClosed is returned by DataSource after Close.
var ErrClosed = errors.New("datasource: registry closed")

// Factory builds the physical pool for a JNDI name.
type Factory func(ctx context.Context, info *conninfo.Info) (*sql.DB, error)

// Option configures a Registry.
type Option func(*Registry)

// WithFactory replaces Open as the pool constructor.
func WithFactory(f Factory) Option {
	return func(r *Registry) { r.factory = f }
}

// WithMetrics reports builds to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Registry) { r.metrics = c }
}

type entry struct {
	info  *conninfo.Info
	units []string

	mu sync.Mutex
	db *sql.DB
}

// Registry memoizes pooled data sources by JNDI name.
//
// Register only records the marker; the pool for a JNDI name is built on the
// first DataSource call for any marker attached to it, and exactly once per
// JNDI name no matter how many units share it. Failed builds are not cached.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	logger  *zap.Logger
	metrics *metrics.Collector
	factory Factory

	mu       sync.Mutex
	entries  map[string]*entry
	order    []string
	markers  map[binding.Marker]*entry
	unitOf   map[binding.Marker]string
	marked   []binding.Marker
	built    []*entry
	created  int
	isClosed bool
}

// NewRegistry creates an empty registry. A nil logger logs nothing.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:  logger,
		factory: Open,
		entries: make(map[string]*entry),
		markers: make(map[binding.Marker]*entry),
		unitOf:  make(map[binding.Marker]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register attaches marker to the data source named by info.JNDIName.
// The first info registered for a JNDI name is the one used to build it.
func (r *Registry) Register(marker binding.Marker, info *conninfo.Info) error {
	if info == nil {
		return fmt.Errorf("register data source for %q: nil connection info", marker)
	}
	if info.JNDIName == "" {
		return fmt.Errorf("register data source for %q: empty JNDI name", marker)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.markers[marker]; dup {
		return binding.DuplicateBindingError{Marker: marker, Kind: binding.KindDataSource}
	}

	e, ok := r.entries[info.JNDIName]
	if !ok {
		e = &entry{info: info.Clone()}
		r.entries[info.JNDIName] = e
		r.order = append(r.order, info.JNDIName)
	} else if e.info.URL != info.URL || e.info.Driver != info.Driver {
		r.logger.Warn("data source already registered with different settings, reusing first",
			zap.String("jndi", info.JNDIName),
			zap.String("unit", info.PersistenceUnitName),
			zap.String("bound_unit", e.info.PersistenceUnitName))
	}
	e.units = append(e.units, info.PersistenceUnitName)
	r.markers[marker] = e
	r.unitOf[marker] = info.PersistenceUnitName
	r.marked = append(r.marked, marker)
	return nil
}

// Unregister detaches marker from its data source. A JNDI name left without
// units is forgotten unless its pool was already built. It reports whether
// marker was registered.
func (r *Registry) Unregister(marker binding.Marker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.markers[marker]
	if !ok {
		return false
	}
	delete(r.markers, marker)
	r.marked = slices.DeleteFunc(r.marked, func(m binding.Marker) bool { return m == marker })

	unit := r.unitOf[marker]
	delete(r.unitOf, marker)
	if i := slices.Index(e.units, unit); i >= 0 {
		e.units = slices.Delete(e.units, i, i+1)
	}

	if len(e.units) == 0 && !slices.Contains(r.built, e) {
		jndi := e.info.JNDIName
		delete(r.entries, jndi)
		r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == jndi })
	}
	return true
}

// DataSource returns the pool for marker, building it on first use.
func (r *Registry) DataSource(ctx context.Context, marker binding.Marker) (*sql.DB, error) {
	r.mu.Lock()
	e, ok := r.markers[marker]
	closed := r.isClosed
	r.mu.Unlock()

	if !ok {
		return nil, binding.MissingBindingError{Marker: marker, Kind: binding.KindDataSource}
	}
	if closed {
		return nil, ErrClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db != nil {
		return e.db, nil
	}

	jndi := e.info.JNDIName
	db, err := r.factory(ctx, e.info)
	if err != nil {
		r.metrics.DataSourceFailed(jndi)
		r.logger.Error("data source build failed",
			zap.String("jndi", jndi),
			zap.String("marker", marker.String()),
			zap.Error(err))
		return nil, err
	}

	r.mu.Lock()
	if r.isClosed {
		r.mu.Unlock()
		_ = db.Close()
		return nil, ErrClosed
	}
	e.db = db
	r.built = append(r.built, e)
	r.created++
	r.mu.Unlock()

	r.metrics.DataSourceCreated(jndi)
	r.logger.Info("data source created",
		zap.String("jndi", jndi),
		zap.String("driver", e.info.Driver),
		zap.Strings("units", e.units))
	return db, nil
}

// Bound reports whether the pool for jndi has been built.
func (r *Registry) Bound(jndi string) bool {
	r.mu.Lock()
	e, ok := r.entries[jndi]
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db != nil
}

// JNDINames returns the registered JNDI names in registration order.
func (r *Registry) JNDINames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Units returns the persistence units sharing jndi, in registration order.
func (r *Registry) Units(jndi string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[jndi]
	if !ok {
		return nil
	}
	return append([]string(nil), e.units...)
}

// Info returns a copy of the connection info jndi is built from.
func (r *Registry) Info(jndi string) (*conninfo.Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[jndi]
	if !ok {
		return nil, false
	}
	return e.info.Clone(), true
}

// Markers returns the registered markers in registration order.
func (r *Registry) Markers() []binding.Marker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]binding.Marker(nil), r.marked...)
}

// Created returns how many physical pools have been built.
func (r *Registry) Created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}

// Close closes every built pool, most recent first. Later DataSource calls
// return ErrClosed. Close is idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.isClosed {
		r.mu.Unlock()
		return nil
	}
	r.isClosed = true
	built := r.built
	r.built = nil
	r.mu.Unlock()

	var errs error
	for i := len(built) - 1; i >= 0; i-- {
		e := built[i]
		e.mu.Lock()
		if e.db != nil {
			if err := e.db.Close(); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("close data source %s: %w", e.info.JNDIName, err))
			}
			e.db = nil
		}
		e.mu.Unlock()
	}
	if errs != nil {
		r.logger.Error("closing data sources", zap.Error(errs))
	}
	return errs
}
