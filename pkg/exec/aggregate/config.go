package aggregate

import (
	"errors"
	"flag"

	"github.com/grafana/dskit/flagext"
)

// Config configures aggregators created by the engine.
type Config struct {
	// MemoryLimit bounds the memory held by the hash tables of a single
	// aggregator. Zero disables the limit.
	MemoryLimit flagext.Bytes `yaml:"memory_limit"`

	// ChunkSize is the maximum number of rows in each output chunk.
	ChunkSize int `yaml:"chunk_size"`

	// MergeStripes is the number of lock-guarded partitions of the shared
	// table used when merging intermediate results.
	MergeStripes int `yaml:"merge_stripes"`
}

// RegisterFlagsWithPrefix registers flags with the given prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	_ = cfg.MemoryLimit.Set("1GB")

	f.Var(&cfg.MemoryLimit, prefix+"memory-limit", "Maximum memory held by the hash tables of one aggregator. 0 to disable.")
	f.IntVar(&cfg.ChunkSize, prefix+"chunk-size", DefaultChunkSize, "Maximum number of rows in each chunk produced by an aggregator.")
	f.IntVar(&cfg.MergeStripes, prefix+"merge-stripes", DefaultMergeStripes, "Number of lock-guarded partitions of the table used when merging intermediate results.")
}

// RegisterFlags registers flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("aggregate.", f)
}

// Validate validates the Config.
func (cfg *Config) Validate() error {
	var errs []error

	if cfg.ChunkSize <= 0 {
		errs = append(errs, errors.New("ChunkSize must be greater than 0"))
	}
	if cfg.MergeStripes <= 0 {
		errs = append(errs, errors.New("MergeStripes must be greater than 0"))
	}

	return errors.Join(errs...)
}

const (
	DefaultChunkSize    = 4096
	DefaultMergeStripes = 16
)
