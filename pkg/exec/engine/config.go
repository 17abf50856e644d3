package engine

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/grafana/dskit/flagext"

	"github.com/qiyongbo/starrocks/pkg/exec/aggregate"
	"github.com/qiyongbo/starrocks/pkg/exec/pipeline"
	"github.com/qiyongbo/starrocks/pkg/exec/report"
)

// Config configures the [Engine] and its components.
type Config struct {
	Pipeline  pipeline.Config  `yaml:"pipeline"`
	Aggregate aggregate.Config `yaml:"aggregate"`
	Report    report.Config    `yaml:"report"`

	// MemoryLimit bounds the memory tracked across all fragments. Zero
	// disables the limit.
	MemoryLimit flagext.Bytes `yaml:"memory_limit"`

	// ReportInterval is the period of progress reports for running
	// fragments. Zero disables progress reports.
	ReportInterval time.Duration `yaml:"report_interval"`
}

// RegisterFlags registers flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.Pipeline.RegisterFlags(f)
	cfg.Aggregate.RegisterFlags(f)
	cfg.Report.RegisterFlags(f)

	f.Var(&cfg.MemoryLimit, "engine.memory-limit", "Maximum memory tracked across all fragments. 0 to disable.")
	f.DurationVar(&cfg.ReportInterval, "engine.report-interval", 5*time.Second, "Interval between progress reports of running fragments. 0 to disable.")
}

// Validate validates the Config.
func (cfg *Config) Validate() error {
	var errs []error

	if err := cfg.Pipeline.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("invalid pipeline config: %w", err))
	}
	if err := cfg.Aggregate.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("invalid aggregate config: %w", err))
	}
	if err := cfg.Report.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("invalid report config: %w", err))
	}
	if cfg.ReportInterval < 0 {
		errs = append(errs, errors.New("ReportInterval must not be negative"))
	}

	return errors.Join(errs...)
}
