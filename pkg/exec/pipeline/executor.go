package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/qiyongbo/starrocks/pkg/exec/status"
)

// ExecutorParams holds the parameters used to create an [Executor].
type ExecutorParams struct {
	Config Config
	Logger log.Logger // Logger for optional log messages.
}

func (p *ExecutorParams) validate() error {
	if p.Logger == nil {
		p.Logger = log.NewNopLogger()
	}
	return p.Config.Validate()
}

// Executor runs the drivers of submitted fragments on a fixed pool of worker
// goroutines. Use [Executor.Service] to manage its lifecycle.
//
// Ready drivers wait in a FIFO queue. A driver that cannot make progress is
// parked and only re-queued when one of its operators signals a readiness
// change, or when its fragment is canceled.
type Executor struct {
	cfg     Config
	logger  log.Logger
	metrics *metrics
	svc     services.Service

	queue *readyQueue

	mu        sync.Mutex
	fragments map[*FragmentContext]struct{}
}

// NewExecutor creates a new Executor.
func NewExecutor(params ExecutorParams) (*Executor, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	m := newMetrics()
	e := &Executor{
		cfg:       params.Config,
		logger:    log.With(params.Logger, "component", "pipeline_executor"),
		metrics:   m,
		queue:     &readyQueue{signal: make(chan struct{}, 1), length: m.readyDrivers},
		fragments: make(map[*FragmentContext]struct{}),
	}
	e.svc = services.NewBasicService(nil, e.running, e.stopping)
	return e, nil
}

// Service returns the service used to manage the lifecycle of the Executor.
func (e *Executor) Service() services.Service { return e.svc }

// RegisterMetrics registers metrics about e to report to reg.
func (e *Executor) RegisterMetrics(reg prometheus.Registerer) error {
	return e.metrics.Register(reg)
}

// UnregisterMetrics unregisters metrics about e from reg.
func (e *Executor) UnregisterMetrics(reg prometheus.Registerer) {
	e.metrics.Unregister(reg)
}

// Submit schedules every driver of a prepared fragment. A fragment submitted
// to a stopped executor is aborted.
func (e *Executor) Submit(f *FragmentContext) error {
	for _, d := range f.drivers {
		if s := d.State(); s != StateReady {
			return status.Errorf(status.CodeContractViolation, "driver %d of fragment %s is %s, not READY", d.id, f.instanceID, s)
		}
	}

	e.mu.Lock()
	if e.fragments == nil {
		e.mu.Unlock()
		err := status.New(status.CodeCancelled, "executor is stopped")
		f.abort(err)
		return err
	}
	e.fragments[f] = struct{}{}
	e.mu.Unlock()

	f.OnFinish(func(f *FragmentContext) {
		e.mu.Lock()
		delete(e.fragments, f)
		e.mu.Unlock()
		e.metrics.fragmentsTotal.WithLabelValues(status.CodeOf(f.Status()).String()).Inc()
	})

	for _, d := range f.drivers {
		d.wakeMut.Lock()
		d.scheduler = e.queue.push
		d.wakeMut.Unlock()
		e.queue.push(d)
	}
	return nil
}

// running implements [services.RunningFn].
func (e *Executor) running(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range e.cfg.WorkerThreads {
		g.Go(func() error {
			e.work(ctx)
			return nil
		})
	}
	return g.Wait()
}

// stopping implements [services.StoppingFn].
func (e *Executor) stopping(_ error) error {
	e.mu.Lock()
	fragments := e.fragments
	e.fragments = nil
	e.mu.Unlock()

	for f := range fragments {
		level.Warn(e.logger).Log("msg", "aborting fragment on shutdown", "fragment_instance_id", f.instanceID)
		f.abort(status.New(status.CodeCancelled, "executor stopped"))
	}
	return nil
}

func (e *Executor) work(ctx context.Context) {
	for {
		d, ok := e.queue.pop(ctx)
		if !ok {
			return
		}
		e.runQuantum(d)
	}
}

func (e *Executor) runQuantum(d *Driver) {
	start := time.Now()
	state, err := d.Process(d.fragment.ctx, e.cfg.MaxChunksPerQuantum)
	e.metrics.quantumSeconds.Observe(time.Since(start).Seconds())
	e.metrics.quantaTotal.Inc()

	switch {
	case state.Terminal():
		if err != nil && !errors.Is(err, context.Canceled) {
			level.Warn(e.logger).Log("msg", "driver failed", "fragment_instance_id", d.fragment.instanceID, "driver", d.id, "pipeline", d.pipeline, "lane", d.lane, "err", err)
		}
		d.Close()
		e.metrics.driversTotal.WithLabelValues(state.String()).Inc()
		d.fragment.driverFinished(d)

	case state == StateReady:
		e.queue.push(d)

	default:
		if d.Park() {
			e.metrics.parksTotal.Inc()
			return
		}
		e.queue.push(d)
	}
}

// readyQueue is an unbounded FIFO queue of runnable drivers.
type readyQueue struct {
	mu      sync.Mutex
	drivers []*Driver
	signal  chan struct{} // capacity 1
	length  prometheus.Gauge
}

func (q *readyQueue) push(d *Driver) {
	q.mu.Lock()
	q.drivers = append(q.drivers, d)
	q.length.Set(float64(len(q.drivers)))
	q.mu.Unlock()

	q.notify()
}

func (q *readyQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until a driver is available or ctx is canceled.
func (q *readyQueue) pop(ctx context.Context) (*Driver, bool) {
	for {
		q.mu.Lock()
		if len(q.drivers) > 0 {
			d := q.drivers[0]
			q.drivers[0] = nil
			q.drivers = q.drivers[1:]
			left := len(q.drivers)
			q.length.Set(float64(left))
			q.mu.Unlock()

			if left > 0 {
				// Pass the signal on to another idle worker.
				q.notify()
			}
			return d, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.signal:
		}
	}
}
