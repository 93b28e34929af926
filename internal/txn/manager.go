package txn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roach88/dbwire/internal/metrics"
)

// DefaultTimeout bounds how long a transaction may stay in progress.
const DefaultTimeout = 60 * time.Second

// UserTransaction is the demarcation API of a transaction manager. The
// transaction is scoped to the context: Begin returns the context to run the
// transactional work in.
type UserTransaction interface {
	Status(ctx context.Context) Status
	Begin(ctx context.Context) (context.Context, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	SetRollbackOnly(ctx context.Context) error
}

// IDGenerator produces transaction identifiers.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 transaction IDs.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new UUIDv7 string.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SequenceGenerator returns prefix-1, prefix-2, ... for tests and golden output.
//
// Thread-safety: SequenceGenerator is safe for concurrent use via internal mutex.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator; an empty prefix means "tx".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "tx"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next ID in sequence.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeout sets the transaction timeout; zero or negative disables it.
func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.timeout = d }
}

// WithIDGenerator replaces the UUIDv7 generator.
func WithIDGenerator(g IDGenerator) ManagerOption {
	return func(m *Manager) { m.ids = g }
}

// WithTxOptions sets the options used when enlisting pools.
func WithTxOptions(opts *sql.TxOptions) ManagerOption {
	return func(m *Manager) { m.txOpts = opts }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerMetrics reports timeouts to c.
func WithManagerMetrics(c *metrics.Collector) ManagerOption {
	return func(m *Manager) { m.metrics = c }
}

// Manager is the local transaction manager. It implements UserTransaction.
//
// Thread-safety: Manager is safe for concurrent use; a single transaction
// should be driven by one goroutine at a time.
type Manager struct {
	ids     IDGenerator
	timeout time.Duration
	txOpts  *sql.TxOptions
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewManager creates a manager with a 60s timeout and UUIDv7 IDs.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		ids:     UUIDv7Generator{},
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// Timeout returns the configured transaction timeout.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Status returns the status of the transaction in ctx.
func (m *Manager) Status(ctx context.Context) Status {
	t := FromContext(ctx)
	if t == nil {
		return NoTransaction
	}
	return t.Status()
}

// Begin starts a transaction and returns a context carrying it.
// It fails with ErrNotSupported when ctx already has one in progress.
func (m *Manager) Begin(ctx context.Context) (context.Context, error) {
	if t := ActiveFrom(ctx); t != nil {
		return ctx, fmt.Errorf("begin inside %s: %w", t.ID(), ErrNotSupported)
	}

	t := newTransaction(m.ids.Generate(), m.txOpts)
	if m.timeout > 0 {
		timer := time.AfterFunc(m.timeout, func() {
			if t.expire() {
				m.metrics.TxRollback("timeout")
				m.logger.Warn("transaction timed out and was rolled back",
					zap.String("tx", t.ID()),
					zap.Duration("timeout", m.timeout))
			}
		})
		t.mu.Lock()
		t.onDone = func() { timer.Stop() }
		t.mu.Unlock()
	}

	m.logger.Debug("transaction begun", zap.String("tx", t.ID()))
	return NewContext(ctx, t), nil
}

// Commit commits the transaction in ctx.
//
// Without a transaction in progress it returns ErrIllegalState. A rollback-only
// transaction is rolled back and ErrRolledBack returned; so is one whose
// timeout expired, together with ErrTimedOut.
func (m *Manager) Commit(ctx context.Context) error {
	t := FromContext(ctx)
	if t == nil {
		return fmt.Errorf("commit: %w", ErrIllegalState)
	}
	if err := t.commit(); err != nil {
		return err
	}
	m.logger.Debug("transaction committed", zap.String("tx", t.ID()))
	return nil
}

// Rollback rolls back the transaction in ctx.
func (m *Manager) Rollback(ctx context.Context) error {
	t := FromContext(ctx)
	if t == nil {
		return fmt.Errorf("rollback: %w", ErrIllegalState)
	}
	if err := t.rollback(); err != nil {
		return err
	}
	m.logger.Debug("transaction rolled back", zap.String("tx", t.ID()))
	return nil
}

// SetRollbackOnly marks the transaction in ctx rollback-only.
func (m *Manager) SetRollbackOnly(ctx context.Context) error {
	t := FromContext(ctx)
	if t == nil {
		return fmt.Errorf("set rollback-only: %w", ErrIllegalState)
	}
	return t.SetRollbackOnly()
}

var _ UserTransaction = (*Manager)(nil)
