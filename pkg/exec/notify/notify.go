// Package notify provides readiness events used to resume parked drivers.
package notify

import "sync"

// Notifier fans a readiness change out to every attached callback. Shared
// state that more than one driver depends on (an aggregator, an exchange
// queue) owns a Notifier and calls [Notifier.Broadcast] whenever a predicate
// such as HasOutput or NeedInput may have changed.
type Notifier struct {
	mut       sync.Mutex
	callbacks []func()
}

// Attach registers fn to be invoked on every Broadcast. fn must not block.
func (n *Notifier) Attach(fn func()) {
	n.mut.Lock()
	defer n.mut.Unlock()
	n.callbacks = append(n.callbacks, fn)
}

// Broadcast invokes all attached callbacks. Callbacks are invoked outside of
// the Notifier lock so they may call back into the owner of n.
func (n *Notifier) Broadcast() {
	n.mut.Lock()
	callbacks := make([]func(), len(n.callbacks))
	copy(callbacks, n.callbacks)
	n.mut.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Observable is implemented by operators whose readiness depends on state
// shared with other drivers.
type Observable interface {
	Notifier() *Notifier
}
