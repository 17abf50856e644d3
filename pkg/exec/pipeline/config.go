package pipeline

import (
	"errors"
	"flag"
	"runtime"
)

// Config configures the [Executor].
type Config struct {
	// WorkerThreads is the number of goroutines running drivers.
	WorkerThreads int `yaml:"worker_threads"`

	// MaxChunksPerQuantum bounds the number of chunk transfers a driver
	// performs before yielding its worker.
	MaxChunksPerQuantum int `yaml:"max_chunks_per_quantum"`

	// ExchangeCapacity is the number of chunks each producer lane may have
	// queued in a local exchange.
	ExchangeCapacity int `yaml:"exchange_capacity"`
}

// RegisterFlagsWithPrefix registers flags with the given prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.WorkerThreads, prefix+"worker-threads", runtime.GOMAXPROCS(0), "Number of worker goroutines executing pipeline drivers.")
	f.IntVar(&cfg.MaxChunksPerQuantum, prefix+"max-chunks-per-quantum", 64, "Maximum number of chunks a driver moves before yielding its worker.")
	f.IntVar(&cfg.ExchangeCapacity, prefix+"exchange-capacity", 4, "Number of chunks each producer may have queued in a local exchange.")
}

// RegisterFlags registers flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("pipeline.", f)
}

// Validate validates the Config.
func (cfg *Config) Validate() error {
	var errs []error

	if cfg.WorkerThreads <= 0 {
		errs = append(errs, errors.New("WorkerThreads must be greater than 0"))
	}
	if cfg.MaxChunksPerQuantum <= 0 {
		errs = append(errs, errors.New("MaxChunksPerQuantum must be greater than 0"))
	}
	if cfg.ExchangeCapacity <= 0 {
		errs = append(errs, errors.New("ExchangeCapacity must be greater than 0"))
	}

	return errors.Join(errs...)
}
