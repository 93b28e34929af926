package binding

import (
	"errors"
	"reflect"
	"strconv"
	"sync"
)

// Kind names the type of service stored under a marker.
type Kind string

const (
	KindDataSource      Kind = "datasource"
	KindSessionFactory  Kind = "session-factory"
	KindSession         Kind = "session"
	KindPersistService  Kind = "persist-service"
	KindUnitOfWork      Kind = "unit-of-work"
	KindPersistenceUnit Kind = "persistence-unit"
	KindConnectionInfo  Kind = "connection-info"
)

// ErrNilValue is returned when binding a nil value.
var ErrNilValue = errors.New("binding: nil value")

// DuplicateBindingError is returned when (Marker, Kind) is already bound.
type DuplicateBindingError struct {
	Marker Marker
	Kind   Kind
}

func (e DuplicateBindingError) Error() string {
	return "binding: duplicate " + string(e.Kind) + " for marker " + strconv.Quote(string(e.Marker))
}

// MissingBindingError is returned when (Marker, Kind) has no binding.
type MissingBindingError struct {
	Marker Marker
	Kind   Kind
}

func (e MissingBindingError) Error() string {
	return "binding: no " + string(e.Kind) + " bound for marker " + strconv.Quote(string(e.Marker))
}

// WrongTypeError is returned by Lookup when the bound value has another type.
type WrongTypeError struct {
	Marker  Marker
	Kind    Kind
	GotType string
}

func (e WrongTypeError) Error() string {
	return "binding: " + string(e.Kind) + " for marker " + strconv.Quote(string(e.Marker)) +
		" has wrong type (" + e.GotType + ")"
}

type key struct {
	marker Marker
	kind   Kind
}

// Table stores per-marker services.
//
// Thread-safety: all methods are safe for concurrent use.
type Table struct {
	mu    sync.RWMutex
	items map[key]any
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{items: make(map[key]any)}
}

// Bind stores v under (m, k).
func (t *Table) Bind(m Marker, k Kind, v any) error {
	if v == nil {
		return ErrNilValue
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	kk := key{marker: m, kind: k}
	if _, exists := t.items[kk]; exists {
		return DuplicateBindingError{Marker: m, Kind: k}
	}
	t.items[kk] = v
	return nil
}

// Unbind removes the values under m for each of kinds. Kinds not bound are
// ignored.
func (t *Table) Unbind(m Marker, kinds ...Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range kinds {
		delete(t.items, key{marker: m, kind: k})
	}
}

// Get returns the raw value under (m, k).
func (t *Table) Get(m Marker, k Kind) (any, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	v, ok := t.items[key{marker: m, kind: k}]
	if !ok {
		return nil, MissingBindingError{Marker: m, Kind: k}
	}
	return v, nil
}

// Has reports whether (m, k) is bound.
func (t *Table) Has(m Marker, k Kind) bool {
	_, err := t.Get(m, k)
	return err == nil
}

// Lookup returns the value under (m, k) typed as T.
func Lookup[T any](t *Table, m Marker, k Kind) (T, error) {
	var zero T
	raw, err := t.Get(m, k)
	if err != nil {
		return zero, err
	}
	v, ok := raw.(T)
	if !ok {
		return zero, WrongTypeError{Marker: m, Kind: k, GotType: reflect.TypeOf(raw).String()}
	}
	return v, nil
}
