package mempool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qiyongbo/starrocks/pkg/exec/status"
)

func TestTracker(t *testing.T) {
	t.Run("unlimited", func(t *testing.T) {
		tr := Unlimited("query")
		require.NoError(t, tr.TryConsume(1<<40))
		require.Equal(t, int64(1<<40), tr.Consumption())
		require.Zero(t, tr.Limit())
	})

	t.Run("limit rejects and rolls back", func(t *testing.T) {
		tr := NewTracker("aggregator", 100, nil)
		require.NoError(t, tr.TryConsume(60))

		err := tr.TryConsume(50)
		require.Error(t, err)
		require.True(t, status.Is(err, status.CodeResourceExhausted))
		require.Contains(t, err.Error(), "aggregator")
		require.Equal(t, int64(60), tr.Consumption())

		tr.Release(60)
		require.Zero(t, tr.Consumption())
		require.Equal(t, int64(60), tr.Peak())
	})

	t.Run("parent limit applies to children", func(t *testing.T) {
		parent := NewTracker("fragment", 100, nil)
		left := NewTracker("left", 0, parent)
		right := NewTracker("right", 80, parent)

		require.NoError(t, left.TryConsume(70))
		err := right.TryConsume(40)
		require.True(t, status.Is(err, status.CodeResourceExhausted))
		require.Contains(t, err.Error(), "fragment")

		// Failed reservations leave no trace on any level.
		require.Zero(t, right.Consumption())
		require.Equal(t, int64(70), parent.Consumption())

		require.NoError(t, right.TryConsume(30))
		require.Equal(t, int64(100), parent.Consumption())
	})

	t.Run("concurrent consumers", func(t *testing.T) {
		tr := NewTracker("shared", 1000, nil)

		var wg sync.WaitGroup
		var mut sync.Mutex
		var granted int64
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 10 {
					if tr.TryConsume(10) == nil {
						mut.Lock()
						granted += 10
						mut.Unlock()
					}
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int64(1000), granted)
		require.Equal(t, int64(1000), tr.Consumption())
	})
}
