package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/grafana/dskit/flagext"
	dslog "github.com/grafana/dskit/log"
	"gopkg.in/yaml.v2"

	"github.com/qiyongbo/starrocks/pkg/exec/engine"
)

// Config is the configuration of the fragment runner.
type Config struct {
	Engine      engine.Config     `yaml:"engine"`
	Input       InputConfig       `yaml:"input"`
	Query       QueryConfig       `yaml:"query"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`

	LogLevel dslog.Level `yaml:"log_level"`
}

// RegisterFlags registers flags.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.Engine.RegisterFlags(f)
	c.Input.RegisterFlags(f)
	c.Query.RegisterFlags(f)
	c.Coordinator.RegisterFlags(f)
	c.LogLevel.RegisterFlags(f)
}

// Validate validates the Config.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Engine.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Input.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("invalid input config: %w", err))
	}
	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("invalid query config: %w", err))
	}
	if c.Coordinator.ListenAddr != "" && c.Engine.Report.CoordinatorURL != "" {
		errs = append(errs, errors.New("an in-process coordinator cannot be combined with a coordinator URL"))
	}
	return errors.Join(errs...)
}

// InputConfig describes the CSV file scanned by the fragment.
type InputConfig struct {
	Path      string                 `yaml:"path"`
	Columns   flagext.StringSliceCSV `yaml:"columns"`
	Header    bool                   `yaml:"header"`
	Delimiter string                 `yaml:"delimiter"`
	ChunkSize int                    `yaml:"chunk_size"`
}

// RegisterFlags registers flags.
func (c *InputConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.Path, "input.path", "", "CSV file to scan.")
	f.Var(&c.Columns, "input.columns", "Comma-separated columns of the CSV file as name:type, with type one of int64, float64, string or bool.")
	f.BoolVar(&c.Header, "input.header", true, "Whether the first line of the CSV file is a header.")
	f.StringVar(&c.Delimiter, "input.delimiter", ",", "Field delimiter of the CSV file.")
	f.IntVar(&c.ChunkSize, "input.chunk-size", 1024, "Number of rows in each chunk read from the CSV file.")
}

// Validate validates the InputConfig.
func (c *InputConfig) Validate() error {
	var errs []error
	if c.Path == "" {
		errs = append(errs, errors.New("input path is required"))
	}
	if len(c.Columns) == 0 {
		errs = append(errs, errors.New("at least one input column is required"))
	}
	if len([]rune(c.Delimiter)) != 1 {
		errs = append(errs, fmt.Errorf("delimiter must be a single character, got %q", c.Delimiter))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, errors.New("ChunkSize must be greater than 0"))
	}
	return errors.Join(errs...)
}

// QueryConfig describes the aggregation run over the input.
type QueryConfig struct {
	GroupBy    flagext.StringSliceCSV `yaml:"group_by"`
	Aggregates flagext.StringSliceCSV `yaml:"aggregates"`
	DOP        int                    `yaml:"dop"`
	Limit      int64                  `yaml:"limit"`
}

// RegisterFlags registers flags.
func (c *QueryConfig) RegisterFlags(f *flag.FlagSet) {
	f.Var(&c.GroupBy, "query.group-by", "Comma-separated group-by columns.")
	f.Var(&c.Aggregates, "query.aggregates", "Comma-separated aggregates as func:column, or count for count(*).")
	f.IntVar(&c.DOP, "query.dop", 4, "Degree of parallelism of every pipeline.")
	f.Int64Var(&c.Limit, "query.limit", 0, "Maximum number of rows to print. 0 to disable.")
}

// Validate validates the QueryConfig.
func (c *QueryConfig) Validate() error {
	var errs []error
	if len(c.GroupBy) == 0 && len(c.Aggregates) == 0 {
		errs = append(errs, errors.New("at least one group-by column or aggregate is required"))
	}
	if c.DOP <= 0 {
		errs = append(errs, errors.New("DOP must be greater than 0"))
	}
	if c.Limit < 0 {
		errs = append(errs, errors.New("Limit must not be negative"))
	}
	return errors.Join(errs...)
}

// CoordinatorConfig configures the in-process coordinator.
type CoordinatorConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// RegisterFlags registers flags.
func (c *CoordinatorConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.ListenAddr, "coordinator.listen-addr", "", "Address of an in-process coordinator receiving execution reports, e.g. 127.0.0.1:0. Empty to disable.")
}

// loadConfig parses args into a Config. Values of the file named by
// -config.file override the flag defaults and are in turn overridden by
// flags set explicitly.
func loadConfig(args []string, errOut io.Writer) (*Config, error) {
	var (
		cfg        Config
		configFile string
	)

	fs := flag.NewFlagSet("fragment-runner", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.StringVar(&configFile, "config.file", "", "YAML configuration file to load.")
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if configFile == "" {
		return &cfg, nil
	}
	if err := readConfig(configFile, &cfg); err != nil {
		return nil, err
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfig(filename string, cfg *Config) error {
	buf, err := os.ReadFile(filepath.Clean(filename))
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(buf, cfg); err != nil {
		return fmt.Errorf("error parsing config file %s: %w", filename, err)
	}
	return nil
}
