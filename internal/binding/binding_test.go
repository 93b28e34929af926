package binding

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMarker_Normalizes(t *testing.T) {
	// "e" + combining acute accent vs precomposed "é"
	decomposed := NewMarker("  cafe\u0301 ")
	composed := NewMarker("café")

	assert.Equal(t, composed, decomposed)
	assert.Equal(t, "café", decomposed.String())
	assert.True(t, NewMarker("   ").IsZero())
}

func TestMarkerSet_PreservesInsertionOrder(t *testing.T) {
	s := NewMarkerSet()

	assert.True(t, s.Add("orders"))
	assert.True(t, s.Add("billing"))
	assert.False(t, s.Add("orders"), "duplicate add must report false")
	assert.True(t, s.Add("audit"))

	assert.Equal(t, []Marker{"orders", "billing", "audit"}, s.All())
	assert.Equal(t, 3, s.Len())
	assert.True(t, s.Contains("billing"))
	assert.False(t, s.Contains("missing"))
}

func TestMarkerSet_AllReturnsCopy(t *testing.T) {
	s := NewMarkerSet()
	s.Add("a")

	all := s.All()
	all[0] = "mutated"

	assert.Equal(t, []Marker{"a"}, s.All())
}

func TestMarkerSet_ConcurrentAdd(t *testing.T) {
	s := NewMarkerSet()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Add("shared")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, s.Len())
}

func TestTable_BindAndGet(t *testing.T) {
	tbl := NewTable()

	require.NoError(t, tbl.Bind("orders", KindDataSource, "pool"))

	got, err := tbl.Get("orders", KindDataSource)
	require.NoError(t, err)
	assert.Equal(t, "pool", got)
	assert.True(t, tbl.Has("orders", KindDataSource))
	assert.False(t, tbl.Has("orders", KindSession))
}

func TestTable_DuplicateBinding(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Bind("orders", KindDataSource, 1))

	err := tbl.Bind("orders", KindDataSource, 2)
	require.Error(t, err)

	var dup DuplicateBindingError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, Marker("orders"), dup.Marker)
	assert.Equal(t, KindDataSource, dup.Kind)
	assert.Equal(t, `binding: duplicate datasource for marker "orders"`, err.Error())

	// Same kind under a different marker is fine.
	require.NoError(t, tbl.Bind("billing", KindDataSource, 3))
}

func TestTable_Unbind(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Bind("orders", KindDataSource, 1))
	require.NoError(t, tbl.Bind("orders", KindSession, 2))

	tbl.Unbind("orders", KindDataSource, KindUnitOfWork)

	assert.False(t, tbl.Has("orders", KindDataSource))
	assert.True(t, tbl.Has("orders", KindSession))
	require.NoError(t, tbl.Bind("orders", KindDataSource, 3))
}

func TestTable_BindNil(t *testing.T) {
	tbl := NewTable()
	assert.ErrorIs(t, tbl.Bind("orders", KindSession, nil), ErrNilValue)
}

func TestTable_GetMissing(t *testing.T) {
	tbl := NewTable()

	_, err := tbl.Get("orders", KindUnitOfWork)
	var missing MissingBindingError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, KindUnitOfWork, missing.Kind)
}

func TestLookup_Typed(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Bind("orders", KindConnectionInfo, 42))

	n, err := Lookup[int](tbl, "orders", KindConnectionInfo)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = Lookup[string](tbl, "orders", KindConnectionInfo)
	var wrong WrongTypeError
	require.True(t, errors.As(err, &wrong))
	assert.Equal(t, "int", wrong.GotType)

	_, err = Lookup[int](tbl, "nope", KindConnectionInfo)
	assert.True(t, errors.As(err, &MissingBindingError{}))
}
