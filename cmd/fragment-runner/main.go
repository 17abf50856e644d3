// Command fragment-runner executes a group-by fragment over a CSV file and
// prints the resulting rows.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/services"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/qiyongbo/starrocks/pkg/exec/engine"
	"github.com/qiyongbo/starrocks/pkg/exec/pipeline"
)

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		level.Error(logger).Log("msg", "validating config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, *cfg, logger, os.Stdout)
	stop()
	if err != nil {
		level.Error(logger).Log("msg", "running fragment", "err", err)
		os.Exit(1)
	}
}

func newLogger(logLevel dslog.Level) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, logLevel.Option)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

// run executes the fragment described by cfg and writes its rows to out.
func run(ctx context.Context, cfg Config, logger log.Logger, out io.Writer) error {
	reg := prometheus.NewRegistry()

	var coord *coordinator
	if cfg.Coordinator.ListenAddr != "" {
		var err error
		coord, err = startCoordinator(cfg.Coordinator.ListenAddr, reg, logger)
		if err != nil {
			return fmt.Errorf("starting coordinator: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = coord.stop(shutdownCtx)
		}()
		cfg.Engine.Report.CoordinatorURL = coord.URL()
	}

	e, err := engine.New(engine.Params{Config: cfg.Engine, Logger: logger, Registerer: reg})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	if err := services.StartAndAwaitRunning(ctx, e); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	// Stopping the engine flushes the final report to the coordinator.
	defer func() {
		if err := services.StopAndAwaitTerminated(context.Background(), e); err != nil {
			level.Warn(logger).Log("msg", "stopping engine", "err", err)
		}
	}()

	schema, err := parseColumns(cfg.Input.Columns)
	if err != nil {
		return err
	}
	chunks, err := readFile(cfg.Input, schema, e)
	if err != nil {
		return err
	}
	source := pipeline.NewBufferedSourceFactory(1, 1, chunks)
	defer source.Close()

	p, err := buildPlan(e, schema, source, cfg.Query)
	if err != nil {
		return fmt.Errorf("planning fragment: %w", err)
	}
	defer p.result.Release()

	start := time.Now()
	f, err := e.Execute(ctx, engine.Request{QueryID: ulid.Make().String(), Pipelines: p.pipelines})
	if err != nil {
		return err
	}
	select {
	case <-f.Done():
	case <-ctx.Done():
		e.Cancel(f.InstanceID(), context.Cause(ctx))
		<-f.Done()
	}
	if err := f.Status(); err != nil {
		return err
	}

	rows, err := printRows(out, p.schema, p.result.Take())
	if err != nil {
		return err
	}
	level.Info(logger).Log(
		"msg", "fragment finished",
		"fragment_instance_id", f.InstanceID(),
		"input_chunks", len(chunks),
		"rows", rows,
		"duration", time.Since(start),
		"peak_memory", humanize.IBytes(uint64(e.MemoryTracker().Peak())),
	)

	if coord != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		rep, err := coord.waitFinal(waitCtx, f.InstanceID().String())
		if err != nil {
			return fmt.Errorf("waiting for final report: %w", err)
		}
		level.Info(logger).Log("msg", "coordinator received final report", "seq", rep.Seq, "status", rep.StatusCode)
	}
	return nil
}

func readFile(cfg InputConfig, schema *arrow.Schema, e *engine.Engine) ([]arrow.Record, error) {
	file, err := os.Open(cfg.Path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return readChunks(file, schema, cfg, e.Allocator())
}

// printRows writes a header and one tab-separated line per row, and releases
// recs. Nulls are printed as \N.
func printRows(out io.Writer, schema *arrow.Schema, recs []arrow.Record) (int64, error) {
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()

	names := make([]string, schema.NumFields())
	for i, field := range schema.Fields() {
		names[i] = field.Name
	}
	if _, err := fmt.Fprintln(out, strings.Join(names, "\t")); err != nil {
		return 0, err
	}

	var rows int64
	values := make([]string, len(names))
	for _, rec := range recs {
		for row := range int(rec.NumRows()) {
			for i, col := range rec.Columns() {
				if col.IsNull(row) {
					values[i] = nullValue
					continue
				}
				values[i] = col.ValueStr(row)
			}
			if _, err := fmt.Fprintln(out, strings.Join(values, "\t")); err != nil {
				return rows, err
			}
			rows++
		}
	}
	return rows, nil
}
