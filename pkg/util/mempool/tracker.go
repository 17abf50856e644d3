package mempool

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"go.uber.org/atomic"

	"github.com/qiyongbo/starrocks/pkg/exec/status"
)

// Tracker accounts for memory consumed by an execution component and rejects
// reservations that would exceed its limit. Trackers form a tree: a
// reservation is charged to the tracker and all of its ancestors, and fails if
// any of them would exceed its limit.
//
// A Tracker is safe for concurrent use.
type Tracker struct {
	label  string
	limit  int64 // <= 0 means unlimited
	parent *Tracker

	used *atomic.Int64
	peak *atomic.Int64
}

// NewTracker returns a Tracker with the given limit in bytes. A limit of zero
// or less disables the limit for this tracker; ancestors still apply.
func NewTracker(label string, limit int64, parent *Tracker) *Tracker {
	return &Tracker{
		label:  label,
		limit:  limit,
		parent: parent,
		used:   atomic.NewInt64(0),
		peak:   atomic.NewInt64(0),
	}
}

// Unlimited returns a root tracker without a limit.
func Unlimited(label string) *Tracker { return NewTracker(label, 0, nil) }

// TryConsume reserves n bytes. If the reservation would exceed the limit of
// t or any ancestor, nothing is reserved and an error with code
// [status.CodeResourceExhausted] is returned.
func (t *Tracker) TryConsume(n int64) error {
	if n <= 0 {
		return nil
	}

	for cur := t; cur != nil; cur = cur.parent {
		used := cur.used.Add(n)
		if cur.limit > 0 && used > cur.limit {
			cur.used.Sub(n)
			// Roll back the ancestors charged so far.
			for undo := t; undo != cur; undo = undo.parent {
				undo.used.Sub(n)
			}
			return status.New(status.CodeResourceExhausted, fmt.Sprintf(
				"memory limit of %s exceeded: used %s, requested %s, limit %s",
				cur.label,
				humanize.IBytes(uint64(used-n)),
				humanize.IBytes(uint64(n)),
				humanize.IBytes(uint64(cur.limit)),
			))
		}
		cur.updatePeak(used)
	}
	return nil
}

// Consume reserves n bytes even if that exceeds a limit.
func (t *Tracker) Consume(n int64) {
	if n <= 0 {
		return
	}
	for cur := t; cur != nil; cur = cur.parent {
		cur.updatePeak(cur.used.Add(n))
	}
}

// Release returns n previously reserved bytes.
func (t *Tracker) Release(n int64) {
	if n <= 0 {
		return
	}
	for cur := t; cur != nil; cur = cur.parent {
		cur.used.Sub(n)
	}
}

func (t *Tracker) updatePeak(used int64) {
	for {
		peak := t.peak.Load()
		if used <= peak || t.peak.CompareAndSwap(peak, used) {
			return
		}
	}
}

// Consumption returns the number of bytes currently reserved.
func (t *Tracker) Consumption() int64 { return t.used.Load() }

// Peak returns the highest consumption observed.
func (t *Tracker) Peak() int64 { return t.peak.Load() }

// Limit returns the limit of t, or zero if it is unlimited.
func (t *Tracker) Limit() int64 { return max(t.limit, 0) }

// Label returns the label of t.
func (t *Tracker) Label() string { return t.label }
