// Package persist provides the per-unit persistence services: a session
// factory over the unit's pool, sessions that follow the ambient transaction,
// and the service that starts and stops them.
package persist

import (
	"context"
	"errors"
)

var (
	// ErrNotStarted is returned when the persistence service has not been started.
	ErrNotStarted = errors.New("persist: service not started")

	// ErrNoUnitOfWork is returned by Session when no unit of work is active.
	ErrNoUnitOfWork = errors.New("persist: no unit of work in context")

	// ErrFactoryClosed is returned when opening a session on a closed factory.
	ErrFactoryClosed = errors.New("persist: session factory closed")

	// ErrSessionClosed is returned when using a closed session.
	ErrSessionClosed = errors.New("persist: session closed")
)

// Service starts and stops the persistence machinery of one unit.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// UnitOfWork scopes a session to a context.
type UnitOfWork interface {
	// Begin returns a context carrying an open session. It is a no-op when
	// ctx already carries one.
	Begin(ctx context.Context) (context.Context, error)

	// End closes the session carried by ctx; a no-op when there is none.
	End(ctx context.Context) error
}

// WithUnitOfWork runs fn inside a unit of work and ends it afterwards.
// A unit of work already carried by ctx is reused and left open.
func WithUnitOfWork(ctx context.Context, uow UnitOfWork, fn func(ctx context.Context) error) (err error) {
	inner, err := uow.Begin(ctx)
	if err != nil {
		return err
	}
	if inner == ctx {
		return fn(ctx)
	}
	defer func() {
		err = errors.Join(err, uow.End(inner))
	}()
	return fn(inner)
}
