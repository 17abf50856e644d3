// Package engine wires the pipeline executor, the aggregation engine and the
// execution state reporter into a service running fragment instances.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/qiyongbo/starrocks/pkg/exec/aggregate"
	"github.com/qiyongbo/starrocks/pkg/exec/pipeline"
	"github.com/qiyongbo/starrocks/pkg/exec/report"
	"github.com/qiyongbo/starrocks/pkg/exec/status"
	"github.com/qiyongbo/starrocks/pkg/util/mempool"
)

var tracer = otel.Tracer("pkg/exec/engine")

// Params holds the parameters used to create an [Engine].
type Params struct {
	Config Config
	Logger log.Logger // Logger for optional log messages.

	// Registerer for the metrics of the engine and its components. Metrics
	// are not registered if nil.
	Registerer prometheus.Registerer

	// Transport overrides the transport of the reporter.
	Transport report.Transport

	Clock quartz.Clock // Defaults to the real clock.
}

func (p *Params) validate() error {
	if p.Logger == nil {
		p.Logger = log.NewNopLogger()
	}
	if p.Clock == nil {
		p.Clock = quartz.NewReal()
	}
	return p.Config.Validate()
}

// Request describes a fragment instance to execute.
type Request struct {
	QueryID    string
	InstanceID ulid.ULID // Generated when zero.
	Pipelines  []pipeline.PipelineSpec
}

// Engine executes fragment instances and reports their execution state.
type Engine struct {
	services.Service

	cfg    Config
	logger log.Logger
	clock  quartz.Clock

	tracker   *mempool.Tracker
	allocator *mempool.Allocator
	fragments *fragmentManager
	metrics   *metrics

	executor *pipeline.Executor
	reporter *report.Reporter

	registerer         prometheus.Registerer
	subservices        *services.Manager
	subservicesWatcher *services.FailureWatcher
}

// New creates a new Engine.
func New(params Params) (*Engine, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        params.Config,
		logger:     log.With(params.Logger, "component", "engine"),
		clock:      params.Clock,
		tracker:    mempool.NewTracker("engine", int64(params.Config.MemoryLimit), nil),
		fragments:  newFragmentManager(),
		registerer: params.Registerer,
	}
	e.allocator = mempool.NewAllocator(e.tracker, memory.DefaultAllocator)
	e.metrics = newMetrics(e.fragments, e.tracker)

	var err error
	e.executor, err = pipeline.NewExecutor(pipeline.ExecutorParams{
		Config: params.Config.Pipeline,
		Logger: params.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating executor: %w", err)
	}
	e.reporter, err = report.New(report.Params{
		Config:    params.Config.Report,
		Transport: params.Transport,
		Cleaner:   e.fragments,
		Clock:     params.Clock,
		Logger:    params.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating reporter: %w", err)
	}

	if reg := params.Registerer; reg != nil {
		if err := e.registerMetrics(reg); err != nil {
			return nil, err
		}
	}

	e.subservices, err = services.NewManager(e.executor.Service(), e.reporter.Service())
	if err != nil {
		return nil, fmt.Errorf("error creating subservices manager: %w", err)
	}
	e.subservicesWatcher = services.NewFailureWatcher()
	e.subservicesWatcher.WatchManager(e.subservices)

	e.Service = services.NewBasicService(e.starting, e.running, e.stopping)
	return e, nil
}

func (e *Engine) registerMetrics(reg prometheus.Registerer) error {
	if err := e.metrics.Register(reg); err != nil {
		return fmt.Errorf("registering engine metrics: %w", err)
	}
	if err := e.executor.RegisterMetrics(reg); err != nil {
		return fmt.Errorf("registering executor metrics: %w", err)
	}
	if err := e.reporter.RegisterMetrics(reg); err != nil {
		return fmt.Errorf("registering reporter metrics: %w", err)
	}
	return nil
}

func (e *Engine) starting(ctx context.Context) error {
	if err := services.StartManagerAndAwaitHealthy(ctx, e.subservices); err != nil {
		return fmt.Errorf("error starting engine subservices: %w", err)
	}
	return nil
}

func (e *Engine) running(ctx context.Context) error {
	if e.cfg.ReportInterval > 0 {
		e.clock.TickerFunc(ctx, e.cfg.ReportInterval, func() error {
			e.reportProgress()
			return nil
		}, "progress")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-e.subservicesWatcher.Chan():
		return fmt.Errorf("engine subservice failed: %w", err)
	}
}

func (e *Engine) stopping(_ error) error {
	// Fragments aborted by the executor still hand their final report to
	// the reporter, so the executor stops first.
	var errs []error
	if err := services.StopAndAwaitTerminated(context.Background(), e.executor.Service()); err != nil {
		errs = append(errs, fmt.Errorf("stopping executor: %w", err))
	}
	if err := services.StopManagerAndAwaitStopped(context.Background(), e.subservices); err != nil {
		errs = append(errs, fmt.Errorf("error stopping engine subservices: %w", err))
	}

	if e.registerer != nil {
		e.metrics.Unregister(e.registerer)
		e.executor.UnregisterMetrics(e.registerer)
		e.reporter.UnregisterMetrics(e.registerer)
	}
	return errors.Join(errs...)
}

func (e *Engine) reportProgress() {
	for _, f := range e.fragments.running() {
		e.reporter.Submit(f, f.Status(), false, false)
	}
}

// NewAggregator returns an aggregator whose memory is bounded by the
// aggregate configuration of the engine. Unset chunk size, stripes and
// allocator of p are taken from the engine.
func (e *Engine) NewAggregator(p aggregate.Params) *aggregate.Aggregator {
	if p.ChunkSize <= 0 {
		p.ChunkSize = e.cfg.Aggregate.ChunkSize
	}
	if p.MergeStripes <= 0 {
		p.MergeStripes = e.cfg.Aggregate.MergeStripes
	}
	if p.Tracker == nil {
		p.Tracker = mempool.NewTracker("aggregator", int64(e.cfg.Aggregate.MemoryLimit), e.tracker)
	}
	if p.Allocator == nil {
		p.Allocator = e.allocator
	}
	return aggregate.New(p)
}

// NewExchange returns a local exchange sized by the pipeline configuration
// of the engine.
func (e *Engine) NewExchange() *pipeline.LocalExchange {
	return pipeline.NewLocalExchange(e.cfg.Pipeline.ExchangeCapacity)
}

// Allocator returns the allocator charging Arrow buffers to the memory
// tracker of the engine.
func (e *Engine) Allocator() memory.Allocator { return e.allocator }

// Execute creates, prepares and schedules the fragment instance described by
// req. The final report of the instance is submitted once it finishes,
// including when preparation fails after the instance was created.
func (e *Engine) Execute(ctx context.Context, req Request) (*pipeline.FragmentContext, error) {
	if req.InstanceID == (ulid.ULID{}) {
		req.InstanceID = ulid.Make()
	}

	ctx, span := tracer.Start(ctx, "Engine.Execute", trace.WithAttributes(
		attribute.String("query_id", req.QueryID),
		attribute.String("fragment_instance_id", req.InstanceID.String()),
		attribute.Int("pipelines", len(req.Pipelines)),
	))
	defer span.End()

	f, err := e.execute(ctx, req)
	if err != nil {
		e.metrics.fragmentsSubmitted.WithLabelValues(status.CodeOf(err).String()).Inc()
		level.Warn(e.logger).Log("msg", "failed to execute fragment", "query_id", req.QueryID, "fragment_instance_id", req.InstanceID, "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	e.metrics.fragmentsSubmitted.WithLabelValues(status.CodeOK.String()).Inc()
	span.SetStatus(codes.Ok, "")
	return f, nil
}

func (e *Engine) execute(ctx context.Context, req Request) (*pipeline.FragmentContext, error) {
	if s := e.State(); s != services.Running {
		return nil, status.Errorf(status.CodeCancelled, "engine is %s", s)
	}
	if err := e.fragments.reserve(req.InstanceID); err != nil {
		return nil, err
	}

	// Fragments are canceled explicitly, not by the caller's context.
	f, err := pipeline.NewFragmentContext(context.WithoutCancel(ctx), pipeline.FragmentParams{
		QueryID:    req.QueryID,
		InstanceID: req.InstanceID,
		Pipelines:  req.Pipelines,
		Logger:     e.logger,
	})
	if err != nil {
		e.fragments.Unregister(req.InstanceID)
		return nil, err
	}
	e.fragments.register(f)

	f.OnFinish(func(f *pipeline.FragmentContext) {
		e.reporter.Submit(f, f.Status(), true, true)
	})

	if err := f.Prepare(); err != nil {
		return nil, fmt.Errorf("preparing fragment: %w", err)
	}
	if err := e.executor.Submit(f); err != nil {
		return nil, fmt.Errorf("submitting fragment: %w", err)
	}
	return f, nil
}

// Fragment returns the fragment instance with the given id, if it is known
// to the engine.
func (e *Engine) Fragment(id ulid.ULID) (*pipeline.FragmentContext, bool) {
	return e.fragments.get(id)
}

// Cancel cancels the fragment instance with the given id. It reports whether
// the instance was found.
func (e *Engine) Cancel(id ulid.ULID, reason error) bool {
	f, ok := e.fragments.get(id)
	if !ok {
		return false
	}
	f.Cancel(reason)
	return true
}

// MemoryTracker returns the root memory tracker of the engine.
func (e *Engine) MemoryTracker() *mempool.Tracker { return e.tracker }
