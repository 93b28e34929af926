package txn

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalState is returned by Commit and Rollback when the context has
	// no transaction that can be completed.
	ErrIllegalState = errors.New("txn: no active transaction")

	// ErrContextLookup is returned when the transaction manager cannot be found.
	ErrContextLookup = errors.New("txn: transaction context lookup failed")

	// ErrNotSupported is returned by Begin when a transaction is already active.
	ErrNotSupported = errors.New("txn: nested transactions are not supported")

	// ErrRolledBack is returned by Commit when the transaction was rolled back
	// instead.
	ErrRolledBack = errors.New("txn: transaction rolled back")

	// ErrTimedOut marks a transaction rolled back by its timeout.
	ErrTimedOut = errors.New("txn: transaction timed out")
)

// PanicError carries a value recovered from a panic in an intercepted function.
// Rollback rules see it as the failure; the panic is re-raised afterwards.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it is an error, so rules written for that
// error also match a panic carrying it.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
