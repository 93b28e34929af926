package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// DefaultName is the directory name the transaction manager is bound under.
const DefaultName = "java:comp/UserTransaction"

// Lookup locates the transaction manager for a call.
type Lookup interface {
	Lookup(ctx context.Context) (UserTransaction, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context) (UserTransaction, error)

// Lookup implements Lookup.
func (f LookupFunc) Lookup(ctx context.Context) (UserTransaction, error) {
	return f(ctx)
}

// Static always returns ut.
func Static(ut UserTransaction) Lookup {
	return LookupFunc(func(context.Context) (UserTransaction, error) {
		if ut == nil {
			return nil, fmt.Errorf("%w: no transaction manager", ErrContextLookup)
		}
		return ut, nil
	})
}

// Directory is a naming directory for transaction managers.
//
// Thread-safety: all methods are safe for concurrent use.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]UserTransaction
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{entries: make(map[string]UserTransaction)}
}

// Bind binds ut under name, replacing any previous binding.
func (d *Directory) Bind(name string, ut UserTransaction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[name] = ut
}

// Unbind removes name.
func (d *Directory) Unbind(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, name)
}

// Resolve returns the manager bound under name.
func (d *Directory) Resolve(name string) (UserTransaction, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ut, ok := d.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not bound", ErrContextLookup, name)
	}
	return ut, nil
}

// Name returns a Lookup resolving name.
func (d *Directory) Name(name string) Lookup {
	return LookupFunc(func(context.Context) (UserTransaction, error) {
		return d.Resolve(name)
	})
}

// Lookup resolves DefaultName.
func (d *Directory) Lookup(context.Context) (UserTransaction, error) {
	return d.Resolve(DefaultName)
}

// Chain tries each lookup in order and returns the first success. When all
// fail the combined failures are returned wrapped in ErrContextLookup.
func Chain(lookups ...Lookup) Lookup {
	return LookupFunc(func(ctx context.Context) (UserTransaction, error) {
		var errs error
		for _, l := range lookups {
			ut, err := l.Lookup(ctx)
			if err == nil && ut != nil {
				return ut, nil
			}
			if err == nil {
				err = errors.New("lookup returned no transaction manager")
			}
			errs = multierr.Append(errs, err)
		}
		if errs == nil {
			return nil, fmt.Errorf("%w: no lookups configured", ErrContextLookup)
		}
		return nil, fmt.Errorf("%w: %w", ErrContextLookup, errs)
	})
}
