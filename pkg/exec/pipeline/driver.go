package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/qiyongbo/starrocks/pkg/exec/notify"
	"github.com/qiyongbo/starrocks/pkg/exec/status"
)

// DriverState is the scheduling state of a [Driver].
type DriverState int32

const (
	StateInit DriverState = iota
	StateReady
	StateRunning
	StateBlockedOnInput
	StateBlockedOnOutput
	StateFinished
	StateCancelled
	StateError
)

func (s DriverState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateBlockedOnInput:
		return "BLOCKED_ON_INPUT"
	case StateBlockedOnOutput:
		return "BLOCKED_ON_OUTPUT"
	case StateFinished:
		return "FINISHED"
	case StateCancelled:
		return "CANCELLED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("DriverState(%d)", int32(s))
	}
}

// Terminal reports whether s is a final state.
func (s DriverState) Terminal() bool {
	return s == StateFinished || s == StateCancelled || s == StateError
}

// Blocked reports whether s is a blocked state.
func (s DriverState) Blocked() bool {
	return s == StateBlockedOnInput || s == StateBlockedOnOutput
}

// Driver runs one lane of a pipeline: an ordered chain of operators from a
// source to a sink.
type Driver struct {
	id       int
	pipeline int
	lane     int
	fragment *FragmentContext // nil for standalone drivers

	ops      []Operator
	finished []bool // Finish has been called on ops[i]

	state *atomic.Int32
	token *atomic.Bool // held while Process runs
	err   error

	wakeMut   sync.Mutex
	parked    bool
	pending   bool // a wake-up arrived while the driver was not parked
	scheduler func(*Driver)
}

// NewDriver returns a driver over ops, which must hold at least a source and
// a sink.
func NewDriver(id int, ops []Operator) *Driver {
	return &Driver{
		id:       id,
		ops:      ops,
		finished: make([]bool, len(ops)),
		state:    atomic.NewInt32(int32(StateInit)),
		token:    atomic.NewBool(false),
	}
}

// ID returns the id of the driver within its fragment.
func (d *Driver) ID() int { return d.id }

// State returns the current state of the driver.
func (d *Driver) State() DriverState { return DriverState(d.state.Load()) }

// Err returns the error that moved the driver into [StateError].
func (d *Driver) Err() error { return d.err }

// Operators returns the operators of the driver.
func (d *Driver) Operators() []Operator { return d.ops }

func (d *Driver) setState(s DriverState) DriverState {
	d.state.Store(int32(s))
	return s
}

// Prepare prepares every operator and subscribes to readiness events of
// operators sharing state with other drivers.
func (d *Driver) Prepare(ctx context.Context) error {
	if len(d.ops) < 2 {
		return status.Errorf(status.CodeContractViolation, "driver %d needs a source and a sink, got %d operators", d.id, len(d.ops))
	}
	for _, op := range d.ops {
		if err := op.Prepare(ctx); err != nil {
			return fmt.Errorf("preparing %s %d: %w", op.Name(), op.ID(), err)
		}
	}

	attached := make(map[*notify.Notifier]struct{})
	for _, op := range d.ops {
		obs, ok := op.(notify.Observable)
		if !ok {
			continue
		}
		n := obs.Notifier()
		if _, seen := attached[n]; seen {
			continue
		}
		attached[n] = struct{}{}
		n.Attach(d.Wake)
	}

	d.setState(StateReady)
	return nil
}

// Process runs the driver for one scheduling quantum of at most maxTransfers
// chunk transfers and returns the resulting state. The returned error is
// non-nil when the driver moved into [StateError], or when Process was called
// while another call was still running.
func (d *Driver) Process(ctx context.Context, maxTransfers int) (DriverState, error) {
	if !d.token.CompareAndSwap(false, true) {
		return d.State(), status.Errorf(status.CodeContractViolation, "driver %d is already running", d.id)
	}
	defer d.token.Store(false)

	if s := d.State(); s.Terminal() {
		return s, d.err
	}

	// Wake-ups that arrived before this point are observed by the scan below.
	d.wakeMut.Lock()
	d.pending = false
	d.wakeMut.Unlock()

	d.setState(StateRunning)

	var transfers int
	for {
		if ctx.Err() != nil {
			d.finishAll(ctx)
			return d.setState(StateCancelled), nil
		}

		progressed, err := d.step(ctx, &transfers, maxTransfers)
		if err != nil {
			d.err = err
			if d.fragment != nil {
				d.fragment.fail(err)
			}
			// Operators see a canceled context so that shared state is
			// abandoned rather than completed.
			failCtx, cancel := context.WithCancelCause(ctx)
			cancel(err)
			d.finishAll(failCtx)
			return d.setState(StateError), err
		}

		if d.ops[len(d.ops)-1].IsFinished() {
			d.finishAll(ctx)
			return d.setState(StateFinished), nil
		}
		if !progressed {
			return d.setState(d.blockedState()), nil
		}
		if transfers >= maxTransfers {
			return d.setState(StateReady), nil
		}
	}
}

// step scans the chain once from source to sink.
func (d *Driver) step(ctx context.Context, transfers *int, maxTransfers int) (bool, error) {
	var progressed bool

	for i := 0; i+1 < len(d.ops); i++ {
		cur, next := d.ops[i], d.ops[i+1]

		if next.IsFinished() {
			// Downstream wants no more input, for example because a limit
			// was reached.
			if d.finishUpTo(ctx, i) {
				progressed = true
			}
			continue
		}

		if cur.HasOutput() && next.NeedInput() {
			rec, err := cur.PullChunk(ctx)
			if err != nil {
				return progressed, err
			}
			if rec != nil {
				if err := next.PushChunk(ctx, rec); err != nil {
					return progressed, err
				}
			}
			progressed = true
			if *transfers++; *transfers >= maxTransfers {
				return true, nil
			}
		}

		if cur.IsFinished() && !d.finished[i+1] {
			next.Finish(ctx)
			d.finished[i+1] = true
			progressed = true
		}
	}
	return progressed, nil
}

func (d *Driver) finishUpTo(ctx context.Context, last int) bool {
	var changed bool
	for i := 0; i <= last; i++ {
		if !d.finished[i] {
			d.ops[i].Finish(ctx)
			d.finished[i] = true
			changed = true
		}
	}
	return changed
}

func (d *Driver) finishAll(ctx context.Context) {
	d.finishUpTo(ctx, len(d.ops)-1)
}

func (d *Driver) blockedState() DriverState {
	for _, op := range d.ops[:len(d.ops)-1] {
		if op.HasOutput() {
			return StateBlockedOnOutput
		}
	}
	return StateBlockedOnInput
}

// Wake signals that the readiness of an operator of d may have changed. A
// parked driver is handed back to its scheduler; otherwise the wake-up is
// remembered so the next [Driver.Park] does not park.
func (d *Driver) Wake() {
	d.wakeMut.Lock()
	if !d.parked {
		d.pending = true
		d.wakeMut.Unlock()
		return
	}
	d.parked = false
	schedule := d.scheduler
	d.wakeMut.Unlock()

	if schedule != nil {
		schedule(d)
	}
}

// Park parks a blocked driver until the next [Driver.Wake]. It returns false
// if a wake-up arrived since the last Process began, in which case the
// driver must be rescheduled instead.
func (d *Driver) Park() bool {
	d.wakeMut.Lock()
	defer d.wakeMut.Unlock()
	if d.pending {
		d.pending = false
		return false
	}
	d.parked = true
	return true
}

// Close closes every operator.
func (d *Driver) Close() {
	for _, op := range d.ops {
		op.Close()
	}
}
