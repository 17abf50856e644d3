package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qiyongbo/starrocks/pkg/exec/report"
)

// coordinator is an in-process stand-in for the coordinator receiving
// execution reports. It keeps the latest report of every fragment instance.
type coordinator struct {
	logger   log.Logger
	listener net.Listener
	server   *http.Server

	mu      sync.Mutex
	reports map[string]report.Report
	changed chan struct{} // closed and replaced on every accepted report
}

func startCoordinator(addr string, gatherer prometheus.Gatherer, logger log.Logger) (*coordinator, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	c := &coordinator{
		logger:   log.With(logger, "component", "coordinator"),
		listener: listener,
		reports:  make(map[string]report.Report),
		changed:  make(chan struct{}),
	}

	router := mux.NewRouter()
	router.Path(report.ReportPath).Handler(report.NewHandler(c.logger, c.receive))
	router.Path("/metrics").Methods(http.MethodGet).Handler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	c.server = &http.Server{Handler: router}

	go func() {
		if err := c.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			level.Error(c.logger).Log("msg", "coordinator server failed", "err", err)
		}
	}()
	level.Info(c.logger).Log("msg", "coordinator listening", "addr", listener.Addr())
	return c, nil
}

// URL returns the base URL of the coordinator.
func (c *coordinator) URL() string { return "http://" + c.listener.Addr().String() }

func (c *coordinator) receive(_ context.Context, r report.Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Reports may arrive out of order; only newer ones are kept and a final
	// report is never replaced.
	if prev, ok := c.reports[r.InstanceID]; ok && (prev.Done || prev.Seq > r.Seq) {
		return nil
	}
	c.reports[r.InstanceID] = r
	level.Debug(c.logger).Log("msg", "received report", "fragment_instance_id", r.InstanceID, "seq", r.Seq, "status", r.StatusCode, "done", r.Done)

	close(c.changed)
	c.changed = make(chan struct{})
	return nil
}

// waitFinal blocks until the final report of the instance id was received.
func (c *coordinator) waitFinal(ctx context.Context, id string) (report.Report, error) {
	for {
		c.mu.Lock()
		r, ok := c.reports[id]
		changed := c.changed
		c.mu.Unlock()

		if ok && r.Done {
			return r, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return report.Report{}, ctx.Err()
		}
	}
}

func (c *coordinator) stop(ctx context.Context) error {
	return c.server.Shutdown(ctx)
}
