package report

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/qiyongbo/starrocks/pkg/exec/status"
)

var tracer = otel.Tracer("pkg/exec/report")

// Params holds the parameters used to create a [Reporter].
type Params struct {
	Config Config

	// Transport delivers reports. When nil, an [HTTPTransport] to
	// Config.CoordinatorURL is used, or reports are only logged if no
	// coordinator is configured.
	Transport Transport

	Cleaner Cleaner      // Optional. Called for final reports submitted with clean set.
	Clock   quartz.Clock // Clock for report timestamps; defaults to the real clock.
	Logger  log.Logger   // Logger for optional log messages.
}

func (p *Params) validate() error {
	if p.Logger == nil {
		p.Logger = log.NewNopLogger()
	}
	if p.Clock == nil {
		p.Clock = quartz.NewReal()
	}
	if err := p.Config.Validate(); err != nil {
		return err
	}

	if p.Transport != nil {
		return nil
	}
	if p.Config.CoordinatorURL == "" {
		p.Transport = logTransport(p.Logger)
		return nil
	}
	t, err := NewHTTPTransport(p.Config.CoordinatorURL, &http.Client{})
	if err != nil {
		return err
	}
	p.Transport = t
	return nil
}

// Reporter delivers reports asynchronously on its own pool of workers. Use
// [Reporter.Service] to manage its lifecycle.
type Reporter struct {
	cfg       Config
	transport Transport
	cleaner   Cleaner
	clock     quartz.Clock
	logger    log.Logger
	metrics   *metrics
	svc       services.Service

	queue *reportQueue
	seq   *atomic.Uint64
}

// New creates a new Reporter.
func New(params Params) (*Reporter, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	queue, err := newReportQueue(params.Config.QueueSize, params.Config.FinalizedKeys)
	if err != nil {
		return nil, fmt.Errorf("creating report queue: %w", err)
	}

	r := &Reporter{
		cfg:       params.Config,
		transport: params.Transport,
		cleaner:   params.Cleaner,
		clock:     params.Clock,
		logger:    log.With(params.Logger, "component", "exec_state_reporter"),
		metrics:   newMetrics(queue),
		queue:     queue,
		seq:       atomic.NewUint64(0),
	}
	r.svc = services.NewBasicService(nil, r.running, r.stopping)
	return r, nil
}

// Service returns the service used to manage the lifecycle of the Reporter.
func (r *Reporter) Service() services.Service { return r.svc }

// RegisterMetrics registers metrics about r to report to reg.
func (r *Reporter) RegisterMetrics(reg prometheus.Registerer) error {
	return r.metrics.Register(reg)
}

// UnregisterMetrics unregisters metrics about r from reg.
func (r *Reporter) UnregisterMetrics(reg prometheus.Registerer) {
	r.metrics.Unregister(reg)
}

// Submit takes a snapshot of src with status st and queues it for delivery.
// done marks the final report of the fragment instance; clean asks for the
// instance to be passed to the [Cleaner] once that report was handled.
// Submit never blocks on delivery.
func (r *Reporter) Submit(src Snapshotter, st error, done, clean bool) {
	id := src.InstanceID()
	rep := Report{
		QueryID:    src.QueryID(),
		InstanceID: id.String(),
		BackendID:  r.cfg.BackendID,
		StatusCode: status.CodeOf(st).String(),
		Done:       done,
		Profile:    src.Profile(),
		Seq:        r.seq.Inc(),
		Timestamp:  r.clock.Now(),
	}
	if st != nil {
		rep.ErrorMessage = st.Error()
	}
	r.metrics.submitted.WithLabelValues(strconv.FormatBool(done)).Inc()

	it := &item{id: id, report: rep, clean: clean && done}
	reason := r.queue.push(it)
	switch reason {
	case "":
		return
	case dropShutdown:
		level.Warn(r.logger).Log("msg", "dropping report submitted after shutdown", "fragment_instance_id", rep.InstanceID, "done", done)
	default:
		level.Debug(r.logger).Log("msg", "dropped report", "fragment_instance_id", rep.InstanceID, "seq", rep.Seq, "reason", reason)
	}
	r.metrics.dropped.WithLabelValues(reason).Inc()

	// A superseded report is the pending one it replaced, which is never
	// clean. Any other reason rejects it.
	if reason != dropSuperseded {
		r.cleanup(it)
	}
}

// running implements [services.RunningFn].
func (r *Reporter) running(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range r.cfg.Workers {
		g.Go(func() error {
			for {
				it, ok := r.queue.pop(ctx)
				if !ok {
					return nil
				}
				if !r.deliver(ctx, it) {
					if it.report.Done {
						// Delivered again by stopping.
						r.queue.requeue(it)
						continue
					}
					r.metrics.failed.WithLabelValues(dropShutdown).Inc()
				}
				r.queue.done(it)
				r.cleanup(it)
			}
		})
	}
	return g.Wait()
}

// stopping implements [services.StoppingFn]. Pending final reports are
// delivered within ShutdownTimeout, other pending reports are dropped.
func (r *Reporter) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for _, it := range r.queue.drain() {
		if !it.report.Done {
			r.metrics.dropped.WithLabelValues(dropShutdown).Inc()
			continue
		}
		g.Go(func() error {
			if !r.deliver(ctx, it) {
				r.metrics.failed.WithLabelValues(dropShutdown).Inc()
				level.Warn(r.logger).Log("msg", "final report not delivered before shutdown timeout", "query_id", it.report.QueryID, "fragment_instance_id", it.report.InstanceID)
			}
			r.cleanup(it)
			return nil
		})
	}
	return g.Wait()
}

func (r *Reporter) cleanup(it *item) {
	if it.clean && r.cleaner != nil {
		r.cleaner.Unregister(it.id)
	}
}

// deliver sends it until it is delivered, superseded or given up on. It
// returns false if ctx was canceled first.
func (r *Reporter) deliver(ctx context.Context, it *item) bool {
	rep := it.report
	ctx, span := tracer.Start(ctx, "Reporter.deliver", trace.WithAttributes(
		attribute.String("query_id", rep.QueryID),
		attribute.String("fragment_instance_id", rep.InstanceID),
		attribute.String("status_code", rep.StatusCode),
		attribute.Bool("done", rep.Done),
		attribute.Int64("seq", int64(rep.Seq)),
	))
	defer span.End()

	start := r.clock.Now()
	defer func() { r.metrics.deliverySeconds.Observe(r.clock.Since(start).Seconds()) }()

	logger := log.With(r.logger, "query_id", rep.QueryID, "fragment_instance_id", rep.InstanceID, "seq", rep.Seq, "done", rep.Done)

	retries := backoff.New(ctx, r.cfg.Backoff)
	var err error
	for retries.Ongoing() {
		r.metrics.attempts.Inc()
		if err = r.send(ctx, rep); err == nil {
			r.metrics.delivered.Inc()
			span.SetStatus(codes.Ok, "")
			return true
		}
		if IsPermanent(err) {
			break
		}
		if !rep.Done && r.queue.superseded(it.key()) {
			// A newer report carries the same information.
			r.metrics.dropped.WithLabelValues(dropSuperseded).Inc()
			span.AddEvent("superseded")
			return true
		}

		level.Warn(logger).Log("msg", "error sending report, will retry", "err", err)
		retries.Wait()
	}
	if err == nil {
		err = retries.Err()
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if ctx.Err() != nil && !IsPermanent(err) {
		level.Warn(logger).Log("msg", "report delivery interrupted", "err", err)
		return false
	}

	reason := "retries_exhausted"
	if IsPermanent(err) {
		reason = "permanent"
	}
	r.metrics.failed.WithLabelValues(reason).Inc()
	level.Error(logger).Log("msg", "final error sending report", "reason", reason, "attempts", retries.NumRetries()+1, "err", err)
	return true
}

func (r *Reporter) send(ctx context.Context, rep Report) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()
	return r.transport.Send(ctx, rep)
}

func logTransport(logger log.Logger) Transport {
	return TransportFunc(func(_ context.Context, r Report) error {
		level.Info(logger).Log(
			"msg", "execution status",
			"query_id", r.QueryID,
			"fragment_instance_id", r.InstanceID,
			"backend_id", r.BackendID,
			"code", r.StatusCode,
			"error", r.ErrorMessage,
			"done", r.Done,
			"seq", r.Seq,
		)
		return nil
	})
}
