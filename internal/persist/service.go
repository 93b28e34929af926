package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/roach88/dbwire/internal/binding"
	"github.com/roach88/dbwire/internal/metrics"
)

// DataSourceFunc resolves the unit's pool.
type DataSourceFunc func(ctx context.Context) (*sql.DB, error)

// Option configures a JPAService.
type Option func(*JPAService)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *JPAService) { s.logger = l }
}

// WithMetrics reports starts and stops to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *JPAService) { s.metrics = c }
}

// WithSchemaScripts sets the statements applied on Start.
func WithSchemaScripts(scripts ...string) Option {
	return func(s *JPAService) { s.scripts = append([]string(nil), scripts...) }
}

// JPAService is the persistence service of one unit. It implements Service and
// UnitOfWork.
//
// Start resolves the pool, applies the schema scripts in one transaction and
// opens the session factory. The scripts run on every Start, so they must be
// idempotent (CREATE TABLE IF NOT EXISTS and the like).
//
// Thread-safety: all methods are safe for concurrent use.
type JPAService struct {
	marker     binding.Marker
	unit       string
	dataSource DataSourceFunc
	scripts    []string
	logger     *zap.Logger
	metrics    *metrics.Collector

	mu      sync.Mutex
	factory *SessionFactory
}

// NewJPAService creates a stopped service for unit, bound under marker.
func NewJPAService(marker binding.Marker, unit string, ds DataSourceFunc, opts ...Option) *JPAService {
	s := &JPAService{
		marker:     marker,
		unit:       unit,
		dataSource: ds,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("unit", unit), zap.String("marker", marker.String()))
	return s
}

// Marker returns the binding marker.
func (s *JPAService) Marker() binding.Marker { return s.marker }

// Unit returns the persistence unit name.
func (s *JPAService) Unit() string { return s.unit }

// Start starts the service. It is a no-op when already started.
func (s *JPAService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.factory != nil {
		return nil
	}

	if err := s.start(ctx); err != nil {
		s.metrics.UnitFailed(s.unit, "start")
		return fmt.Errorf("start persistence unit %s: %w", s.unit, err)
	}
	s.metrics.UnitStarted(s.unit)
	s.logger.Info("persistence service started", zap.Int("schema_scripts", len(s.scripts)))
	return nil
}

func (s *JPAService) start(ctx context.Context) error {
	if s.dataSource == nil {
		return errors.New("no data source")
	}
	db, err := s.dataSource(ctx)
	if err != nil {
		return err
	}
	if err := applySchema(ctx, db, s.scripts); err != nil {
		return err
	}
	s.factory = NewSessionFactory(s.unit, db)
	return nil
}

// applySchema runs scripts in order inside one transaction.
func applySchema(ctx context.Context, db *sql.DB, scripts []string) error {
	if len(scripts) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer tx.Rollback()

	for i, script := range scripts {
		if strings.TrimSpace(script) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, script); err != nil {
			return fmt.Errorf("schema script %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Stop closes the session factory. It is a no-op when not started.
func (s *JPAService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.factory == nil {
		return nil
	}
	if err := s.factory.Close(); err != nil {
		s.metrics.UnitFailed(s.unit, "stop")
		return fmt.Errorf("stop persistence unit %s: %w", s.unit, err)
	}
	s.factory = nil
	s.metrics.UnitStopped(s.unit)
	s.logger.Info("persistence service stopped")
	return nil
}

// IsStarted reports whether Start has succeeded and Stop has not run since.
func (s *JPAService) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.factory != nil
}

// Factory returns the session factory.
func (s *JPAService) Factory() (*SessionFactory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.factory == nil {
		return nil, fmt.Errorf("%s: %w", s.unit, ErrNotStarted)
	}
	return s.factory, nil
}

type sessionKey struct{ marker binding.Marker }

func (s *JPAService) current(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionKey{s.marker}).(*Session)
	if sess == nil || !sess.IsOpen() {
		return nil
	}
	return sess
}

// Begin implements UnitOfWork.
func (s *JPAService) Begin(ctx context.Context) (context.Context, error) {
	if s.current(ctx) != nil {
		return ctx, nil
	}
	f, err := s.Factory()
	if err != nil {
		return ctx, err
	}
	sess, err := f.Open()
	if err != nil {
		return ctx, err
	}
	return context.WithValue(ctx, sessionKey{s.marker}, sess), nil
}

// End implements UnitOfWork.
func (s *JPAService) End(ctx context.Context) error {
	if sess := s.current(ctx); sess != nil {
		return sess.Close()
	}
	return nil
}

// Session returns the session of the unit of work carried by ctx.
func (s *JPAService) Session(ctx context.Context) (*Session, error) {
	if sess := s.current(ctx); sess != nil {
		return sess, nil
	}
	return nil, fmt.Errorf("%s: %w", s.unit, ErrNoUnitOfWork)
}

var (
	_ Service    = (*JPAService)(nil)
	_ UnitOfWork = (*JPAService)(nil)
)
