package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultMaxEventAge        = 300 * time.Second
	DefaultTransactionTimeout = 30 * time.Second
	DefaultMaxRetries         = 5
	DefaultSignatureTolerance = 300 * time.Second
	DefaultRetryMultiplier    = 2.0
	DefaultRetryMaxDelay      = 5 * time.Minute
	DefaultRetryConcurrency   = 5
	DefaultRetryPollInterval  = time.Second
	DefaultRetryBatchSize     = 20
	DefaultRetryLease         = 2 * time.Minute
	DefaultReconcileWindow    = 24 * time.Hour
	DefaultReconcileLimit     = 100
	DefaultReconcileInterval  = 5 * time.Minute
	DefaultDeadLetterRetain   = 30 * 24 * time.Hour
)

type SigningConfig struct {
	Secret    string        `koanf:"secret" mapstructure:"secret"`
	Tolerance time.Duration `koanf:"tolerance" mapstructure:"tolerance"`
}

type RetryConfig struct {
	Multiplier   float64       `koanf:"multiplier" mapstructure:"multiplier"`
	MaxDelay     time.Duration `koanf:"max_delay" mapstructure:"max_delay"`
	Concurrency  int           `koanf:"concurrency" mapstructure:"concurrency"`
	PollInterval time.Duration `koanf:"poll_interval" mapstructure:"poll_interval"`
	BatchSize    int           `koanf:"batch_size" mapstructure:"batch_size"`
	Lease        time.Duration `koanf:"lease" mapstructure:"lease"`
}

// ReconcileConfig bounds the reconciliation sweep. Interval 0 sweeps only on
// start.
type ReconcileConfig struct {
	Window   time.Duration `koanf:"window" mapstructure:"window"`
	Limit    int           `koanf:"limit" mapstructure:"limit"`
	Interval time.Duration `koanf:"interval" mapstructure:"interval"`
}

type DeadLetterConfig struct {
	Retention time.Duration `koanf:"retention" mapstructure:"retention"`
}

type Config struct {
	ServiceName        string           `koanf:"service_name" mapstructure:"service_name"`
	MaxEventAge        time.Duration    `koanf:"max_event_age" mapstructure:"max_event_age"`
	TransactionTimeout time.Duration    `koanf:"transaction_timeout" mapstructure:"transaction_timeout"`
	DefaultMaxRetries  int              `koanf:"default_max_retries" mapstructure:"default_max_retries"`
	Signing            SigningConfig    `koanf:"signing" mapstructure:"signing"`
	Retry              RetryConfig      `koanf:"retry" mapstructure:"retry"`
	Reconcile          ReconcileConfig  `koanf:"reconcile" mapstructure:"reconcile"`
	DeadLetter         DeadLetterConfig `koanf:"dead_letter" mapstructure:"dead_letter"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName:        "webhook-ledger",
		MaxEventAge:        DefaultMaxEventAge,
		TransactionTimeout: DefaultTransactionTimeout,
		DefaultMaxRetries:  DefaultMaxRetries,
		Signing: SigningConfig{
			Tolerance: DefaultSignatureTolerance,
		},
		Retry: RetryConfig{
			Multiplier:   DefaultRetryMultiplier,
			MaxDelay:     DefaultRetryMaxDelay,
			Concurrency:  DefaultRetryConcurrency,
			PollInterval: DefaultRetryPollInterval,
			BatchSize:    DefaultRetryBatchSize,
			Lease:        DefaultRetryLease,
		},
		Reconcile: ReconcileConfig{
			Window:   DefaultReconcileWindow,
			Limit:    DefaultReconcileLimit,
			Interval: DefaultReconcileInterval,
		},
		DeadLetter: DeadLetterConfig{
			Retention: DefaultDeadLetterRetain,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.MaxEventAge <= 0 {
		return fmt.Errorf("core: max_event_age must be positive")
	}
	if c.TransactionTimeout <= 0 {
		return fmt.Errorf("core: transaction_timeout must be positive")
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("core: default_max_retries must not be negative")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("core: retry.multiplier must be >= 1")
	}
	if c.Retry.Concurrency <= 0 {
		return fmt.Errorf("core: retry.concurrency must be positive")
	}
	if c.Retry.MaxDelay < 0 || c.Retry.PollInterval < 0 || c.Retry.Lease < 0 {
		return fmt.Errorf("core: retry durations must not be negative")
	}
	if c.Reconcile.Window < 0 || c.Reconcile.Interval < 0 || c.DeadLetter.Retention < 0 {
		return fmt.Errorf("core: reconcile and dead_letter durations must not be negative")
	}
	return nil
}
