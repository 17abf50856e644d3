package report

import (
	"errors"
	"flag"
	"time"

	"github.com/grafana/dskit/backoff"
)

// Config configures the [Reporter].
type Config struct {
	// BackendID identifies this backend in every report.
	BackendID int64 `yaml:"backend_id"`

	// CoordinatorURL is the base URL reports are posted to. Reports are
	// only logged when empty.
	CoordinatorURL string `yaml:"coordinator_url"`

	Workers         int            `yaml:"workers"`
	QueueSize       int            `yaml:"queue_size"`
	SendTimeout     time.Duration  `yaml:"send_timeout"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout"`
	FinalizedKeys   int            `yaml:"finalized_keys"`
	Backoff         backoff.Config `yaml:"backoff_config"`
}

// RegisterFlagsWithPrefix registers flags with the given prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.Int64Var(&cfg.BackendID, prefix+"backend-id", 0, "Identifier of this backend sent with every report.")
	f.StringVar(&cfg.CoordinatorURL, prefix+"coordinator-url", "", "Base URL of the coordinator receiving execution status reports. Reports are only logged if empty.")
	f.IntVar(&cfg.Workers, prefix+"workers", 2, "Number of goroutines delivering reports.")
	f.IntVar(&cfg.QueueSize, prefix+"queue-size", 1024, "Maximum number of fragment instances with a pending report. Final reports are always queued.")
	f.DurationVar(&cfg.SendTimeout, prefix+"send-timeout", 5*time.Second, "Timeout of a single delivery attempt.")
	f.DurationVar(&cfg.ShutdownTimeout, prefix+"shutdown-timeout", 10*time.Second, "Time allowed on shutdown to deliver pending final reports.")
	f.IntVar(&cfg.FinalizedKeys, prefix+"finalized-keys", 10000, "Number of recently finalized fragment instances remembered to drop late progress reports.")
	cfg.Backoff.RegisterFlagsWithPrefix(prefix+"delivery", f)
}

// RegisterFlags registers flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("report.", f)
}

// Validate validates the Config.
func (cfg *Config) Validate() error {
	var errs []error

	if cfg.Workers <= 0 {
		errs = append(errs, errors.New("Workers must be greater than 0"))
	}
	if cfg.QueueSize <= 0 {
		errs = append(errs, errors.New("QueueSize must be greater than 0"))
	}
	if cfg.SendTimeout <= 0 {
		errs = append(errs, errors.New("SendTimeout must be greater than 0"))
	}
	if cfg.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("ShutdownTimeout must be greater than 0"))
	}
	if cfg.FinalizedKeys <= 0 {
		errs = append(errs, errors.New("FinalizedKeys must be greater than 0"))
	}
	// A zero MaxRetries retries forever.
	if cfg.Backoff.MaxRetries <= 0 {
		errs = append(errs, errors.New("Backoff.MaxRetries must be greater than 0"))
	}

	return errors.Join(errs...)
}
