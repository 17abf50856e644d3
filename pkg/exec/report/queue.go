package report

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"
)

// Reasons a report is dropped.
const (
	dropSuperseded = "superseded"
	dropFinalized  = "finalized"
	dropQueueFull  = "queue_full"
	dropShutdown   = "shutdown"
)

type item struct {
	id     ulid.ULID
	report Report
	clean  bool
}

func (it *item) key() string { return it.report.InstanceID }

// keyState tracks the reports of one fragment instance.
type keyState struct {
	pending       *item
	inflight      bool
	inflightFinal bool
}

// reportQueue is a FIFO of fragment instances with a pending report. Each
// instance has at most one pending and one in-flight report.
type reportQueue struct {
	size int // maximum number of pending keys

	mu        sync.Mutex
	keys      map[string]*keyState
	order     []string // keys with a pending report and nothing in flight
	pending   int
	finalized *lru.Cache[string, struct{}]
	closed    bool
	signal    chan struct{}
}

func newReportQueue(size, finalizedKeys int) (*reportQueue, error) {
	finalized, err := lru.New[string, struct{}](finalizedKeys)
	if err != nil {
		return nil, err
	}
	return &reportQueue{
		size:      size,
		keys:      make(map[string]*keyState),
		finalized: finalized,
		signal:    make(chan struct{}, 1),
	}, nil
}

// push enqueues it. It returns the reason a report was dropped, if any: the
// new one when it is rejected, or the pending one it superseded.
func (q *reportQueue) push(it *item) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return dropShutdown
	}
	key := it.key()
	if q.finalized.Contains(key) {
		return dropFinalized
	}

	ks := q.keys[key]
	if ks != nil && ks.inflightFinal {
		return dropFinalized
	}
	if ks != nil && ks.pending != nil {
		if ks.pending.report.Done {
			return dropFinalized
		}
		ks.pending = it
		return dropSuperseded
	}

	if !it.report.Done && q.pending >= q.size {
		return dropQueueFull
	}
	if ks == nil {
		ks = &keyState{}
		q.keys[key] = ks
	}
	ks.pending = it
	q.pending++
	if !ks.inflight {
		q.order = append(q.order, key)
		q.notify()
	}
	return ""
}

func (q *reportQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until a report can be delivered or ctx is canceled. The key of
// the returned report is in flight until [reportQueue.done] is called.
func (q *reportQueue) pop(ctx context.Context) (*item, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}

		q.mu.Lock()
		if len(q.order) > 0 {
			key := q.order[0]
			q.order = q.order[1:]
			ks := q.keys[key]
			it := ks.pending
			ks.pending = nil
			ks.inflight = true
			ks.inflightFinal = it.report.Done
			q.pending--
			more := len(q.order) > 0
			q.mu.Unlock()

			if more {
				q.notify()
			}
			return it, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.signal:
		}
	}
}

// superseded reports whether a newer report is pending for key.
func (q *reportQueue) superseded(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	ks := q.keys[key]
	return ks != nil && ks.pending != nil
}

// done ends the delivery of the in-flight report of key.
func (q *reportQueue) done(it *item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := it.key()
	ks := q.keys[key]
	ks.inflight = false
	ks.inflightFinal = false
	if it.report.Done {
		q.finalized.Add(key, struct{}{})
	}
	if ks.pending == nil {
		delete(q.keys, key)
		return
	}
	q.order = append(q.order, key)
	q.notify()
}

// requeue makes the in-flight report of it pending again, ahead of the
// reports queued since.
func (q *reportQueue) requeue(it *item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := it.key()
	ks := q.keys[key]
	ks.inflight = false
	ks.inflightFinal = false
	if ks.pending == nil {
		q.pending++
	}
	ks.pending = it
	q.order = append([]string{key}, q.order...)
	q.notify()
}

// drain closes the queue and returns every pending report.
func (q *reportQueue) drain() []*item {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true

	var items []*item
	for _, key := range q.order {
		ks := q.keys[key]
		items = append(items, ks.pending)
		ks.pending = nil
		q.pending--
	}
	q.order = nil
	return items
}

// len returns the number of pending reports.
func (q *reportQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}
