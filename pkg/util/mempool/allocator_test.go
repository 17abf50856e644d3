package mempool

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"
)

func TestAllocator(t *testing.T) {
	checked := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer checked.AssertSize(t, 0)

	parent := NewTracker("engine", 0, nil)
	tr := NewTracker("fragment", 16, parent)
	alloc := NewAllocator(tr, checked)

	b := array.NewInt64Builder(alloc)
	for i := range 1000 {
		b.Append(int64(i))
	}
	arr := b.NewInt64Array()
	b.Release()

	// Allocations are charged even beyond the limit.
	require.Equal(t, int64(checked.CurrentAlloc()), tr.Consumption())
	require.Greater(t, tr.Consumption(), tr.Limit())
	require.Equal(t, tr.Consumption(), parent.Consumption())

	arr.Release()
	require.Zero(t, tr.Consumption())
	require.Zero(t, parent.Consumption())
	require.GreaterOrEqual(t, tr.Peak(), int64(8000))
}
