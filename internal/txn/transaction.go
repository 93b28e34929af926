package txn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Status is the lifecycle state of a transaction.
type Status int

const (
	NoTransaction Status = iota
	Active
	MarkedRollback
	Committed
	RolledBack
)

func (s Status) String() string {
	switch s {
	case NoTransaction:
		return "NO_TRANSACTION"
	case Active:
		return "ACTIVE"
	case MarkedRollback:
		return "MARKED_ROLLBACK"
	case Committed:
		return "COMMITTED"
	case RolledBack:
		return "ROLLED_BACK"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// InProgress reports whether work can still join the transaction.
func (s Status) InProgress() bool {
	return s == Active || s == MarkedRollback
}

type resource struct {
	db *sql.DB
	tx *sql.Tx
}

// Transaction is one unit of transactional work spanning any number of pools.
//
// Thread-safety: all methods are safe for concurrent use.
type Transaction struct {
	id   string
	opts *sql.TxOptions

	mu        sync.Mutex
	status    Status
	timedOut  bool
	resources []resource
	onDone    func()
}

func newTransaction(id string, opts *sql.TxOptions) *Transaction {
	return &Transaction{id: id, opts: opts, status: Active}
}

// ID returns the transaction identifier.
func (t *Transaction) ID() string {
	return t.id
}

// Status returns the current status.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// TimedOut reports whether the transaction was rolled back by its timeout.
func (t *Transaction) TimedOut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timedOut
}

// Resources returns the number of enlisted pools.
func (t *Transaction) Resources() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.resources)
}

// Enlist returns the transaction's *sql.Tx on db, beginning one on first use.
// The *sql.Tx is not bound to ctx's cancellation; it ends with the transaction.
func (t *Transaction) Enlist(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.status {
	case Active:
	case MarkedRollback:
		return nil, fmt.Errorf("enlist in %s: %w", t.id, ErrRolledBack)
	case RolledBack:
		if t.timedOut {
			return nil, fmt.Errorf("enlist in %s: %w: %w", t.id, ErrRolledBack, ErrTimedOut)
		}
		return nil, fmt.Errorf("enlist in %s: %w", t.id, ErrRolledBack)
	default:
		return nil, fmt.Errorf("enlist in %s (%s): %w", t.id, t.status, ErrIllegalState)
	}

	for _, r := range t.resources {
		if r.db == db {
			return r.tx, nil
		}
	}

	tx, err := db.BeginTx(context.WithoutCancel(ctx), t.opts)
	if err != nil {
		return nil, fmt.Errorf("enlist in %s: %w", t.id, err)
	}
	t.resources = append(t.resources, resource{db: db, tx: tx})
	return tx, nil
}

// SetRollbackOnly marks the transaction so that Commit rolls it back.
func (t *Transaction) SetRollbackOnly() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.InProgress() {
		return fmt.Errorf("set rollback-only on %s (%s): %w", t.id, t.status, ErrIllegalState)
	}
	t.status = MarkedRollback
	return nil
}

// commit commits resources in enlistment order. When one fails the remaining
// resources are rolled back and the transaction ends RolledBack.
func (t *Transaction) commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.status {
	case Active:
	case MarkedRollback:
		errs := t.rollbackLocked()
		return multierr.Append(fmt.Errorf("commit %s: rollback-only: %w", t.id, ErrRolledBack), errs)
	default:
		if t.timedOut {
			return fmt.Errorf("commit %s: %w: %w", t.id, ErrRolledBack, ErrTimedOut)
		}
		return fmt.Errorf("commit %s (%s): %w", t.id, t.status, ErrIllegalState)
	}

	for i, r := range t.resources {
		if err := r.tx.Commit(); err != nil {
			var errs error
			for _, rest := range t.resources[i+1:] {
				errs = multierr.Append(errs, rest.tx.Rollback())
			}
			t.finishLocked(RolledBack)
			return multierr.Append(fmt.Errorf("commit %s: resource %d: %w", t.id, i, err), errs)
		}
	}
	t.finishLocked(Committed)
	return nil
}

// rollback rolls back every resource. A transaction already rolled back by its
// timeout rolls back without error.
func (t *Transaction) rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.status.InProgress() {
		if t.status == RolledBack && t.timedOut {
			return nil
		}
		return fmt.Errorf("rollback %s (%s): %w", t.id, t.status, ErrIllegalState)
	}
	if errs := t.rollbackLocked(); errs != nil {
		return fmt.Errorf("rollback %s: %w", t.id, errs)
	}
	return nil
}

// expire rolls back a transaction still in progress. It reports whether it did.
func (t *Transaction) expire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.InProgress() {
		return false
	}
	t.timedOut = true
	_ = t.rollbackLocked()
	return true
}

func (t *Transaction) rollbackLocked() error {
	var errs error
	for i := len(t.resources) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, t.resources[i].tx.Rollback())
	}
	t.finishLocked(RolledBack)
	return errs
}

func (t *Transaction) finishLocked(s Status) {
	t.status = s
	if t.onDone != nil {
		t.onDone()
		t.onDone = nil
	}
}

type contextKey struct{}

// FromContext returns the transaction carried by ctx, or nil.
func FromContext(ctx context.Context) *Transaction {
	t, _ := ctx.Value(contextKey{}).(*Transaction)
	return t
}

// NewContext returns a copy of ctx carrying t.
func NewContext(ctx context.Context, t *Transaction) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// ActiveFrom returns the in-progress transaction carried by ctx, or nil.
func ActiveFrom(ctx context.Context) *Transaction {
	t := FromContext(ctx)
	if t == nil || !t.Status().InProgress() {
		return nil
	}
	return t
}
