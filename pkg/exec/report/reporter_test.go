package report

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/qiyongbo/starrocks/pkg/exec/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct {
	query string
	id    ulid.ULID
	rows  int64
}

func newFakeSource(query string) *fakeSource {
	return &fakeSource{query: query, id: ulid.Make()}
}

func (s *fakeSource) QueryID() string       { return s.query }
func (s *fakeSource) InstanceID() ulid.ULID { return s.id }
func (s *fakeSource) Profile() map[string]int64 {
	return map[string]int64{"result_sink.1.rows_in": s.rows}
}

// recordingTransport records delivered reports. Each call to Send is first
// passed to fn, if set, which may fail it.
type recordingTransport struct {
	fn func(ctx context.Context, r Report) error

	mu        sync.Mutex
	attempts  int
	delivered []Report
}

func (t *recordingTransport) Send(ctx context.Context, r Report) error {
	t.mu.Lock()
	t.attempts++
	fn := t.fn
	t.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, r); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.delivered = append(t.delivered, r)
	return nil
}

func (t *recordingTransport) Delivered() []Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Report(nil), t.delivered...)
}

func (t *recordingTransport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

type recordingCleaner struct {
	mu  sync.Mutex
	ids []ulid.ULID
}

func (c *recordingCleaner) Unregister(id ulid.ULID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
}

func (c *recordingCleaner) IDs() []ulid.ULID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ulid.ULID(nil), c.ids...)
}

func testConfig() Config {
	return Config{
		BackendID:       7,
		Workers:         2,
		QueueSize:       16,
		SendTimeout:     time.Second,
		ShutdownTimeout: time.Second,
		FinalizedKeys:   16,
		Backoff: backoff.Config{
			MinBackoff: time.Millisecond,
			MaxBackoff: 5 * time.Millisecond,
			MaxRetries: 3,
		},
	}
}

func newTestReporter(t *testing.T, params Params) *Reporter {
	t.Helper()
	r, err := New(params)
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), r.Service()))
	t.Cleanup(func() {
		_ = services.StopAndAwaitTerminated(context.Background(), r.Service())
	})
	return r
}

func TestReporter_Delivers(t *testing.T) {
	clock := quartz.NewMock(t)

	transport := &recordingTransport{}
	cleaner := &recordingCleaner{}
	r := newTestReporter(t, Params{Config: testConfig(), Transport: transport, Cleaner: cleaner, Clock: clock})

	src := newFakeSource("q1")
	src.rows = 42
	failure := status.New(status.CodeResourceExhausted, "memory limit exceeded")
	r.Submit(src, failure, true, true)

	require.Eventually(t, func() bool { return len(cleaner.IDs()) == 1 }, 5*time.Second, time.Millisecond)
	require.Equal(t, []ulid.ULID{src.id}, cleaner.IDs())

	delivered := transport.Delivered()
	require.Len(t, delivered, 1)
	got := delivered[0]
	require.Equal(t, "q1", got.QueryID)
	require.Equal(t, src.id.String(), got.InstanceID)
	require.Equal(t, int64(7), got.BackendID)
	require.Equal(t, status.CodeResourceExhausted, got.Code())
	require.Equal(t, failure.Error(), got.ErrorMessage)
	require.True(t, got.Done)
	require.Equal(t, int64(42), got.Profile["result_sink.1.rows_in"])
	require.Equal(t, clock.Now(), got.Timestamp)
	require.Equal(t, float64(1), testutil.ToFloat64(r.metrics.delivered))
}

func TestReporter_RetriesTransientErrors(t *testing.T) {
	transport := &recordingTransport{}
	transport.fn = func(context.Context, Report) error {
		if transport.Attempts() < 3 {
			return status.New(status.CodeNetworkFailure, "connection refused")
		}
		return nil
	}
	cleaner := &recordingCleaner{}
	r := newTestReporter(t, Params{Config: testConfig(), Transport: transport, Cleaner: cleaner})

	r.Submit(newFakeSource("q1"), nil, true, true)

	require.Eventually(t, func() bool { return len(cleaner.IDs()) == 1 }, 5*time.Second, time.Millisecond)
	require.Len(t, transport.Delivered(), 1)
	require.Equal(t, 3, transport.Attempts())
	require.Equal(t, status.CodeOK, transport.Delivered()[0].Code())
}

func TestReporter_GivesUp(t *testing.T) {
	for _, tc := range []struct {
		name     string
		err      error
		attempts int
		reason   string
	}{
		{"permanent error", Permanent(errors.New("bad request")), 1, "permanent"},
		{"retries exhausted", errors.New("unavailable"), 3, "retries_exhausted"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			transport := &recordingTransport{fn: func(context.Context, Report) error { return tc.err }}
			cleaner := &recordingCleaner{}
			r := newTestReporter(t, Params{Config: testConfig(), Transport: transport, Cleaner: cleaner})

			r.Submit(newFakeSource("q1"), nil, true, true)

			// The fragment is cleaned up even if its final report is lost.
			require.Eventually(t, func() bool { return len(cleaner.IDs()) == 1 }, 5*time.Second, time.Millisecond)
			require.Equal(t, tc.attempts, transport.Attempts())
			require.Empty(t, transport.Delivered())
			require.Equal(t, float64(1), testutil.ToFloat64(r.metrics.failed.WithLabelValues(tc.reason)))
		})
	}
}

func TestReporter_FinalNeverSuperseded(t *testing.T) {
	var (
		started = make(chan struct{}, 1)
		release = make(chan struct{})
	)
	transport := &recordingTransport{}
	transport.fn = func(ctx context.Context, r Report) error {
		if r.Seq != 1 {
			return nil
		}
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	cleaner := &recordingCleaner{}
	cfg := testConfig()
	cfg.Workers = 1
	r := newTestReporter(t, Params{Config: cfg, Transport: transport, Cleaner: cleaner})

	src := newFakeSource("q1")
	// Seq 1 is in flight and seq 2 pending until seq 3 replaces it.
	r.Submit(src, nil, false, false)
	<-started
	r.Submit(src, nil, false, false)
	r.Submit(src, status.New(status.CodeCancelled, "cancelled"), true, true)

	// Neither replaces the pending final report. The rejected final report
	// still hands the instance to the cleaner.
	r.Submit(src, nil, false, false)
	r.Submit(src, nil, true, true)
	require.Equal(t, []ulid.ULID{src.id}, cleaner.IDs())
	close(release)

	require.Eventually(t, func() bool { return len(cleaner.IDs()) == 2 }, 5*time.Second, time.Millisecond)

	// The key is finalized.
	r.Submit(src, nil, false, false)

	delivered := transport.Delivered()
	require.Len(t, delivered, 2)
	require.Equal(t, uint64(1), delivered[0].Seq)
	require.Equal(t, uint64(3), delivered[1].Seq)
	require.Equal(t, status.CodeCancelled, delivered[1].Code())
	require.Equal(t, float64(1), testutil.ToFloat64(r.metrics.dropped.WithLabelValues(dropSuperseded)))
	require.Equal(t, float64(3), testutil.ToFloat64(r.metrics.dropped.WithLabelValues(dropFinalized)))
}

func TestReporter_AbandonsSupersededRetry(t *testing.T) {
	failing := make(chan struct{}, 1)
	transport := &recordingTransport{}
	transport.fn = func(_ context.Context, r Report) error {
		if r.Seq == 1 {
			select {
			case failing <- struct{}{}:
			default:
			}
			return errors.New("unavailable")
		}
		return nil
	}
	cfg := testConfig()
	cfg.Workers = 1
	cfg.Backoff = backoff.Config{MinBackoff: 20 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, MaxRetries: 100}
	r := newTestReporter(t, Params{Config: cfg, Transport: transport})

	src := newFakeSource("q1")
	r.Submit(src, nil, false, false)
	<-failing
	r.Submit(src, nil, false, false)

	require.Eventually(t, func() bool { return len(transport.Delivered()) == 1 }, 5*time.Second, time.Millisecond)
	require.Equal(t, uint64(2), transport.Delivered()[0].Seq)
	require.Equal(t, float64(1), testutil.ToFloat64(r.metrics.dropped.WithLabelValues(dropSuperseded)))
	require.Zero(t, testutil.ToFloat64(r.metrics.failed.WithLabelValues("retries_exhausted")))
}

func TestReporter_Shutdown(t *testing.T) {
	started := make(chan struct{}, 1)
	transport := &recordingTransport{}
	transport.fn = func(ctx context.Context, _ Report) error {
		// The first attempt hangs until the reporter stops.
		if transport.Attempts() > 1 {
			return nil
		}
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	cleaner := &recordingCleaner{}
	cfg := testConfig()
	cfg.Workers = 1
	cfg.SendTimeout = time.Minute

	r, err := New(Params{Config: cfg, Transport: transport, Cleaner: cleaner})
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), r.Service()))

	inflight, pending, progress, late := newFakeSource("q1"), newFakeSource("q1"), newFakeSource("q1"), newFakeSource("q1")
	r.Submit(inflight, nil, true, true)
	<-started
	r.Submit(pending, nil, true, true)
	r.Submit(progress, nil, false, false)

	// Both final reports are delivered on shutdown, the progress report is
	// dropped.
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), r.Service()))
	require.ElementsMatch(t, []ulid.ULID{inflight.id, pending.id}, cleaner.IDs())

	var delivered []string
	for _, rep := range transport.Delivered() {
		require.True(t, rep.Done)
		delivered = append(delivered, rep.InstanceID)
	}
	require.ElementsMatch(t, []string{inflight.id.String(), pending.id.String()}, delivered)

	r.Submit(late, nil, true, true)
	require.ElementsMatch(t, []ulid.ULID{inflight.id, pending.id, late.id}, cleaner.IDs())
	require.Equal(t, float64(2), testutil.ToFloat64(r.metrics.dropped.WithLabelValues(dropShutdown)))
	require.Zero(t, testutil.ToFloat64(r.metrics.failed.WithLabelValues(dropShutdown)))
}

func TestReporter_ShutdownTimeout(t *testing.T) {
	started := make(chan struct{}, 1)
	transport := &recordingTransport{}
	transport.fn = func(ctx context.Context, _ Report) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}
	cleaner := &recordingCleaner{}
	cfg := testConfig()
	cfg.Workers = 1
	cfg.SendTimeout = time.Minute
	cfg.ShutdownTimeout = 20 * time.Millisecond

	r, err := New(Params{Config: cfg, Transport: transport, Cleaner: cleaner})
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), r.Service()))

	src := newFakeSource("q1")
	r.Submit(src, nil, true, true)
	<-started

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), r.Service()))
	require.Equal(t, []ulid.ULID{src.id}, cleaner.IDs())
	require.Empty(t, transport.Delivered())
	require.GreaterOrEqual(t, transport.Attempts(), 2)
	require.Equal(t, float64(1), testutil.ToFloat64(r.metrics.failed.WithLabelValues(dropShutdown)))
}

func TestConfig_Validate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	cfg.Workers = 0
	cfg.QueueSize = -1
	err := cfg.Validate()
	require.ErrorContains(t, err, "Workers")
	require.ErrorContains(t, err, "QueueSize")

	// Zero retries would retry forever.
	cfg = testConfig()
	cfg.Backoff.MaxRetries = 0
	cfg.ShutdownTimeout = 0
	err = cfg.Validate()
	require.ErrorContains(t, err, "MaxRetries")
	require.ErrorContains(t, err, "ShutdownTimeout")
}
