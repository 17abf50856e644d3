package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/coder/quartz"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/services"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/qiyongbo/starrocks/pkg/exec/aggregate"
	"github.com/qiyongbo/starrocks/pkg/exec/pipeline"
	"github.com/qiyongbo/starrocks/pkg/exec/report"
	"github.com/qiyongbo/starrocks/pkg/exec/status"
	"github.com/qiyongbo/starrocks/pkg/util/arrowtest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var kvSchema = arrow.NewSchema([]arrow.Field{
	{Name: "key", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "value", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
}, nil)

type recordingTransport struct {
	mu      sync.Mutex
	reports []report.Report
}

func (t *recordingTransport) Send(_ context.Context, r report.Report) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reports = append(t.reports, r)
	return nil
}

func (t *recordingTransport) find(id ulid.ULID, done bool) (report.Report, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.reports {
		if r.InstanceID == id.String() && r.Done == done {
			return r, true
		}
	}
	return report.Report{}, false
}

func testConfig() Config {
	var cfg Config
	flagext.DefaultValues(&cfg)
	cfg.Pipeline.WorkerThreads = 2
	cfg.Report.Workers = 1
	cfg.Report.Backoff.MinBackoff = time.Millisecond
	cfg.Report.Backoff.MaxBackoff = 5 * time.Millisecond
	cfg.ReportInterval = 0
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, clock quartz.Clock) (*Engine, *recordingTransport) {
	t.Helper()

	transport := &recordingTransport{}
	e, err := New(Params{
		Config:     cfg,
		Registerer: prometheus.NewRegistry(),
		Transport:  transport,
		Clock:      clock,
	})
	require.NoError(t, err)
	return e, transport
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), e))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), e))
	})
}

// blockedPipelines returns a fragment reading an aggregation nobody feeds.
// Its driver parks until the fragment is canceled.
func blockedPipelines(e *Engine) []pipeline.PipelineSpec {
	agg := e.NewAggregator(aggregate.Params{
		Schema:     kvSchema,
		GroupBy:    []string{"key"},
		Aggregates: []aggregate.Spec{{Func: aggregate.FuncCount, Name: "n"}},
	})
	return []pipeline.PipelineSpec{{DOP: 1, Factories: []pipeline.OperatorFactory{
		pipeline.NewAggregateSourceFactory(1, 1, agg),
		pipeline.NewResultSinkFactory(2, 2, &pipeline.ResultBuffer{}),
	}}}
}

func waitDone(t *testing.T, f *pipeline.FragmentContext) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("fragment %s did not finish", f.InstanceID())
	}
}

func TestEngine_Execute(t *testing.T) {
	e, transport := newTestEngine(t, testConfig(), nil)
	startEngine(t, e)

	var chunks []arrow.Record
	for c := range 6 {
		rows := make(arrowtest.Rows, 5)
		for i := range rows {
			rows[i] = map[string]any{"key": []string{"a", "b", "c"}[(c+i)%3], "value": int64(i)}
		}
		chunks = append(chunks, arrowtest.Record(memory.DefaultAllocator, kvSchema, rows))
	}

	agg := e.NewAggregator(aggregate.Params{
		Schema:  kvSchema,
		GroupBy: []string{"key"},
		Aggregates: []aggregate.Spec{
			{Func: aggregate.FuncSum, Column: "value", Name: "sum"},
			{Func: aggregate.FuncCount, Name: "n"},
		},
		Finalize:  true,
		SinkLanes: 3,
	})
	source := pipeline.NewBufferedSourceFactory(1, 1, chunks)
	buf := &pipeline.ResultBuffer{}
	defer buf.Release()

	f, err := e.Execute(context.Background(), Request{
		QueryID: "q1",
		Pipelines: []pipeline.PipelineSpec{
			{DOP: 3, Factories: []pipeline.OperatorFactory{source, pipeline.NewAggregateSinkFactory(2, 2, agg)}},
			{DOP: 2, Factories: []pipeline.OperatorFactory{pipeline.NewAggregateSourceFactory(3, 2, agg), pipeline.NewResultSinkFactory(4, 3, buf)}},
		},
	})
	source.Close()
	require.NoError(t, err)
	require.NotEqual(t, ulid.ULID{}, f.InstanceID())

	waitDone(t, f)
	require.NoError(t, f.Status())
	require.Equal(t, int64(3), buf.Rows())
	require.Positive(t, e.MemoryTracker().Peak())

	// The final report is delivered and the fragment forgotten afterwards.
	require.Eventually(t, func() bool {
		_, known := e.Fragment(f.InstanceID())
		return !known
	}, 5*time.Second, time.Millisecond)
	rep, ok := transport.find(f.InstanceID(), true)
	require.True(t, ok)
	require.Equal(t, "q1", rep.QueryID)
	require.Equal(t, status.CodeOK, rep.Code())
	require.Empty(t, rep.ErrorMessage)
	require.Equal(t, int64(3), rep.Profile["result_sink.4.rows_in"])
	require.Equal(t, int64(30), rep.Profile["buffered_source.1.rows_out"])
	require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.fragmentsSubmitted.WithLabelValues("OK")))
}

func TestEngine_ExecuteDuplicateInstance(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), nil)
	startEngine(t, e)

	id := ulid.Make()
	f, err := e.Execute(context.Background(), Request{QueryID: "q1", InstanceID: id, Pipelines: blockedPipelines(e)})
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), Request{QueryID: "q1", InstanceID: id, Pipelines: blockedPipelines(e)})
	require.True(t, status.Is(err, status.CodeContractViolation))
	require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.fragmentsSubmitted.WithLabelValues("CONTRACT_VIOLATION")))

	got, ok := e.Fragment(id)
	require.True(t, ok)
	require.Same(t, f, got)

	require.True(t, e.Cancel(id, nil))
	waitDone(t, f)
}

func TestEngine_ExecuteInvalidFragment(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), nil)
	startEngine(t, e)

	id := ulid.Make()
	_, err := e.Execute(context.Background(), Request{QueryID: "q1", InstanceID: id})
	require.True(t, status.Is(err, status.CodeContractViolation))

	// The id is released when the fragment could not be created.
	_, ok := e.Fragment(id)
	require.False(t, ok)
	require.Zero(t, e.fragments.len())
}

func TestEngine_ExecuteBeforeStart(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), nil)

	_, err := e.Execute(context.Background(), Request{QueryID: "q1", Pipelines: blockedPipelines(e)})
	require.True(t, status.Is(err, status.CodeCancelled))
}

func TestEngine_Cancel(t *testing.T) {
	e, transport := newTestEngine(t, testConfig(), nil)
	startEngine(t, e)

	require.False(t, e.Cancel(ulid.Make(), nil))

	f, err := e.Execute(context.Background(), Request{QueryID: "q1", Pipelines: blockedPipelines(e)})
	require.NoError(t, err)
	require.True(t, e.Cancel(f.InstanceID(), nil))
	waitDone(t, f)
	require.Equal(t, status.CodeCancelled, status.CodeOf(f.Status()))

	require.Eventually(t, func() bool {
		rep, ok := transport.find(f.InstanceID(), true)
		return ok && rep.Code() == status.CodeCancelled
	}, 5*time.Second, time.Millisecond)
}

func TestEngine_MemoryLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Aggregate.MemoryLimit = flagext.Bytes(1)
	e, transport := newTestEngine(t, cfg, nil)
	startEngine(t, e)

	rows := arrowtest.Rows{{"key": "a", "value": 1}, {"key": "b", "value": 2}}
	source := pipeline.NewBufferedSourceFactory(1, 1, []arrow.Record{arrowtest.Record(memory.DefaultAllocator, kvSchema, rows)})
	agg := e.NewAggregator(aggregate.Params{
		Schema:     kvSchema,
		GroupBy:    []string{"key"},
		Aggregates: []aggregate.Spec{{Func: aggregate.FuncCount, Name: "n"}},
		Finalize:   true,
	})

	f, err := e.Execute(context.Background(), Request{
		QueryID: "q1",
		Pipelines: []pipeline.PipelineSpec{
			{DOP: 1, Factories: []pipeline.OperatorFactory{source, pipeline.NewAggregateSinkFactory(2, 2, agg)}},
			{DOP: 1, Factories: []pipeline.OperatorFactory{pipeline.NewAggregateSourceFactory(3, 2, agg), pipeline.NewResultSinkFactory(4, 3, &pipeline.ResultBuffer{})}},
		},
	})
	source.Close()
	require.NoError(t, err)

	waitDone(t, f)
	require.Equal(t, status.CodeResourceExhausted, status.CodeOf(f.Status()))
	require.Eventually(t, func() bool {
		rep, ok := transport.find(f.InstanceID(), true)
		return ok && rep.Code() == status.CodeResourceExhausted && rep.ErrorMessage != ""
	}, 5*time.Second, time.Millisecond)
}

func TestEngine_ProgressReports(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := testConfig()
	cfg.ReportInterval = time.Second
	clock := quartz.NewMock(t)
	e, transport := newTestEngine(t, cfg, clock)

	trap := clock.Trap().TickerFunc()
	defer trap.Close()
	startEngine(t, e)
	call, err := trap.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, call.Release(ctx))

	f, err := e.Execute(ctx, Request{QueryID: "q1", Pipelines: blockedPipelines(e)})
	require.NoError(t, err)

	clock.Advance(time.Second).MustWait(ctx)
	require.Eventually(t, func() bool {
		rep, ok := transport.find(f.InstanceID(), false)
		return ok && rep.Code() == status.CodeOK && rep.Timestamp.Equal(clock.Now())
	}, 5*time.Second, time.Millisecond)

	require.True(t, e.Cancel(f.InstanceID(), nil))
	waitDone(t, f)
	require.Eventually(t, func() bool {
		_, ok := transport.find(f.InstanceID(), true)
		return ok
	}, 5*time.Second, time.Millisecond)
}

func TestEngine_StopAbortsFragments(t *testing.T) {
	e, transport := newTestEngine(t, testConfig(), nil)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), e))

	f, err := e.Execute(context.Background(), Request{QueryID: "q1", Pipelines: blockedPipelines(e)})
	require.NoError(t, err)

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), e))
	waitDone(t, f)
	require.Equal(t, status.CodeCancelled, status.CodeOf(f.Status()))

	// The final report of the aborted fragment is delivered before the
	// engine terminates, then the fragment is cleaned up.
	final, ok := transport.find(f.InstanceID(), true)
	require.True(t, ok)
	require.Equal(t, status.CodeCancelled, final.Code())
	_, known := e.Fragment(f.InstanceID())
	require.False(t, known)
	require.Zero(t, e.fragments.len())
}

func TestConfig_Validate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	cfg.ReportInterval = -time.Second
	cfg.Pipeline.WorkerThreads = 0
	err := cfg.Validate()
	require.ErrorContains(t, err, "ReportInterval")
	require.ErrorContains(t, err, "invalid pipeline config")
}
