package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid/v2"
	"go.uber.org/atomic"

	"github.com/qiyongbo/starrocks/pkg/exec/status"
)

// PipelineSpec describes one pipeline of a fragment: its operator factories
// from source to sink and its degree of parallelism.
type PipelineSpec struct {
	Factories []OperatorFactory
	DOP       int
}

// FragmentParams holds the parameters used to create a [FragmentContext].
type FragmentParams struct {
	QueryID    string
	InstanceID ulid.ULID // Generated when zero.
	Pipelines  []PipelineSpec
	Logger     log.Logger
}

func (p *FragmentParams) validate() error {
	if len(p.Pipelines) == 0 {
		return errors.New("fragment has no pipelines")
	}
	for i, ps := range p.Pipelines {
		if ps.DOP <= 0 {
			return fmt.Errorf("pipeline %d: degree of parallelism must be greater than 0", i)
		}
		if len(ps.Factories) < 2 {
			return fmt.Errorf("pipeline %d: needs a source and a sink", i)
		}
	}
	if p.InstanceID == (ulid.ULID{}) {
		p.InstanceID = ulid.Make()
	}
	if p.Logger == nil {
		p.Logger = log.NewNopLogger()
	}
	return nil
}

// FragmentContext owns the drivers of one fragment instance and tracks their
// completion. The fragment finishes exactly once, when its last driver
// reaches a terminal state; its status is the first error observed by any
// driver, or nil.
type FragmentContext struct {
	queryID    string
	instanceID ulid.ULID
	logger     log.Logger
	created    time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	drivers    []*Driver
	unfinished *atomic.Int32
	cancelled  *atomic.Bool

	mu       sync.Mutex
	firstErr error
	laterErr []error
	onFinish []func(*FragmentContext)
	finished bool

	done chan struct{}
}

// NewFragmentContext instantiates every pipeline of params once per lane.
func NewFragmentContext(ctx context.Context, params FragmentParams) (*FragmentContext, error) {
	if err := params.validate(); err != nil {
		return nil, status.Wrap(status.CodeContractViolation, err, "invalid fragment")
	}

	ctx, cancel := context.WithCancelCause(ctx)
	f := &FragmentContext{
		queryID:    params.QueryID,
		instanceID: params.InstanceID,
		created:    time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		cancelled:  atomic.NewBool(false),
		done:       make(chan struct{}),
	}
	f.logger = log.With(params.Logger, "query_id", params.QueryID, "fragment_instance_id", params.InstanceID)

	for p, ps := range params.Pipelines {
		for lane := range ps.DOP {
			ops := make([]Operator, len(ps.Factories))
			for i, factory := range ps.Factories {
				ops[i] = factory.Create(ps.DOP, lane)
			}
			d := NewDriver(len(f.drivers), ops)
			d.pipeline, d.lane, d.fragment = p, lane, f
			f.drivers = append(f.drivers, d)
		}
	}
	f.unfinished = atomic.NewInt32(int32(len(f.drivers)))
	return f, nil
}

// QueryID returns the id of the query the fragment belongs to.
func (f *FragmentContext) QueryID() string { return f.queryID }

// InstanceID returns the id of the fragment instance.
func (f *FragmentContext) InstanceID() ulid.ULID { return f.instanceID }

// Context returns the context of the fragment, canceled with the
// cancellation reason when the fragment is canceled or fails.
func (f *FragmentContext) Context() context.Context { return f.ctx }

// Drivers returns the drivers of the fragment.
func (f *FragmentContext) Drivers() []*Driver { return f.drivers }

// Prepare prepares every driver. On failure the fragment finishes
// immediately with the error as its status.
func (f *FragmentContext) Prepare() error {
	for _, d := range f.drivers {
		if err := d.Prepare(f.ctx); err != nil {
			f.abort(err)
			return err
		}
	}
	return nil
}

// OnFinish registers fn to run once the fragment has finished. fn runs
// immediately if the fragment already finished.
func (f *FragmentContext) OnFinish(fn func(*FragmentContext)) {
	f.mu.Lock()
	if !f.finished {
		f.onFinish = append(f.onFinish, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	fn(f)
}

// Cancel cancels the fragment with reason. Only the first call before the
// fragment finished has an effect: it records reason as the status unless a
// driver failed earlier, and wakes every driver so it can observe the
// cancellation.
func (f *FragmentContext) Cancel(reason error) {
	if reason == nil {
		reason = status.New(status.CodeCancelled, "fragment cancelled")
	} else if status.CodeOf(reason) == status.CodeInternal {
		reason = status.Wrap(status.CodeCancelled, reason, "fragment cancelled")
	}
	if f.Finished() || !f.cancelled.CompareAndSwap(false, true) {
		return
	}
	f.record(reason)
	f.cancelDrivers(reason)
}

// Cancelled reports whether the fragment has been canceled.
func (f *FragmentContext) Cancelled() bool { return f.cancelled.Load() }

// fail records a driver error and cancels the sibling drivers.
func (f *FragmentContext) fail(err error) {
	f.record(err)
	if f.cancelled.CompareAndSwap(false, true) {
		level.Warn(f.logger).Log("msg", "fragment failed, cancelling drivers", "err", err)
		f.cancelDrivers(err)
	}
}

func (f *FragmentContext) cancelDrivers(cause error) {
	f.cancel(cause)
	for _, d := range f.drivers {
		d.Wake()
	}
}

// record adds err to the status. The status of a finished fragment is final.
func (f *FragmentContext) record(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return
	}
	if f.firstErr == nil {
		f.firstErr = err
		return
	}
	f.laterErr = append(f.laterErr, err)
}

// driverFinished is called once by the executor for every driver reaching a
// terminal state.
func (f *FragmentContext) driverFinished(d *Driver) {
	if left := f.unfinished.Dec(); left > 0 {
		return
	} else if left < 0 {
		level.Error(f.logger).Log("msg", "driver finished more than once", "driver", d.id)
		return
	}

	f.mu.Lock()
	f.finished = true
	callbacks := f.onFinish
	f.onFinish = nil
	f.mu.Unlock()

	level.Debug(f.logger).Log("msg", "fragment finished", "code", status.CodeOf(f.Status()), "duration", time.Since(f.created))

	for _, fn := range callbacks {
		fn(f)
	}
	// Release the context once nothing runs on behalf of the fragment.
	f.cancel(context.Canceled)
	close(f.done)
}

// abort moves every driver that has not reached a terminal state to
// [StateCancelled]. It must only be called when no worker runs drivers of
// the fragment.
func (f *FragmentContext) abort(reason error) {
	f.Cancel(reason)
	for _, d := range f.drivers {
		if d.State().Terminal() {
			continue
		}
		d.finishAll(f.ctx)
		d.setState(StateCancelled)
		d.Close()
		f.driverFinished(d)
	}
}

// Done returns a channel closed once the fragment finished.
func (f *FragmentContext) Done() <-chan struct{} { return f.done }

// Finished reports whether the fragment finished.
func (f *FragmentContext) Finished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished
}

// Status returns the first error observed by the fragment, or nil.
func (f *FragmentContext) Status() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.firstErr
}

// Errors returns the errors observed after the first one.
func (f *FragmentContext) Errors() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.laterErr...)
}

// Profile returns a snapshot of the operator counters, summed across lanes
// and keyed by "<operator>.<id>.<counter>", and fragment totals keyed by
// "fragment.<counter>".
func (f *FragmentContext) Profile() map[string]int64 {
	profile := make(map[string]int64)
	var finished int64
	for _, d := range f.drivers {
		if d.State().Terminal() {
			finished++
		}
		for _, op := range d.ops {
			p, ok := op.(Profiled)
			if !ok {
				continue
			}
			stats := p.Stats()
			prefix := fmt.Sprintf("%s.%d.", op.Name(), op.ID())
			profile[prefix+"rows_in"] += stats.RowsIn.Load()
			profile[prefix+"rows_out"] += stats.RowsOut.Load()
			profile[prefix+"push_calls"] += stats.PushCalls.Load()
			profile[prefix+"pull_calls"] += stats.PullCalls.Load()
		}
	}
	profile["fragment.drivers"] = int64(len(f.drivers))
	profile["fragment.finished_drivers"] = finished
	profile["fragment.elapsed_ms"] = time.Since(f.created).Milliseconds()
	return profile
}
