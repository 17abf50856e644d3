package aggregate

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dolthub/swiss"
)

// group holds the aggregate states of one group key.
type group struct {
	key    string
	states []aggState
}

// groupOverhead approximates the bytes retained by a group besides its key
// and states.
const (
	groupOverhead = 64
	stateSize     = 48
)

func groupSize(key string, funcs int) int64 {
	return int64(len(key)) + groupOverhead + int64(funcs)*stateSize
}

// table maps encoded group keys to groups.
type table struct {
	groups *swiss.Map[string, *group]
}

func newTable(sizeHint uint32) *table {
	return &table{groups: swiss.NewMap[string, *group](sizeHint)}
}

// lookup returns the group for key, creating it when missing. created
// reports whether a new group was inserted.
func (t *table) lookup(key string, funcs int) (g *group, created bool) {
	if g, ok := t.groups.Get(key); ok {
		return g, false
	}
	g = &group{key: key, states: make([]aggState, funcs)}
	t.groups.Put(key, g)
	return g, true
}

func (t *table) len() int { return t.groups.Count() }

func (t *table) each(fn func(g *group)) {
	t.groups.Iter(func(_ string, g *group) bool {
		fn(g)
		return false
	})
}

// stripe is one lock-guarded partition of a table shared by all sink lanes.
type stripe struct {
	mu sync.Mutex
	*table
}

func hashKey(key string) uint64 { return xxhash.Sum64String(key) }
