package mempool

import (
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Allocator is an Arrow allocator that charges the buffers it hands out to a
// [Tracker]. Allocations are accounted for but never rejected; components
// that can fail gracefully reserve memory with [Tracker.TryConsume] instead.
type Allocator struct {
	memory.Allocator
	tracker *Tracker
}

var _ memory.Allocator = (*Allocator)(nil)

// NewAllocator wraps alloc, charging its allocations to tracker.
// memory.DefaultAllocator is used if alloc is nil.
func NewAllocator(tracker *Tracker, alloc memory.Allocator) *Allocator {
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	return &Allocator{Allocator: alloc, tracker: tracker}
}

// Allocate implements [memory.Allocator].
func (a *Allocator) Allocate(size int) []byte {
	b := a.Allocator.Allocate(size)
	a.tracker.Consume(int64(len(b)))
	return b
}

// Reallocate implements [memory.Allocator].
func (a *Allocator) Reallocate(size int, b []byte) []byte {
	old := len(b)
	b = a.Allocator.Reallocate(size, b)
	if grown := int64(len(b) - old); grown > 0 {
		a.tracker.Consume(grown)
	} else {
		a.tracker.Release(-grown)
	}
	return b
}

// Free implements [memory.Allocator].
func (a *Allocator) Free(b []byte) {
	a.tracker.Release(int64(len(b)))
	a.Allocator.Free(b)
}
