package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// StaticRawConfigLoader serves a fixed raw configuration map.
type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver layers defaults < loaded config < runtime overrides.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// LoadConfig loads raw values through cfgx and resolves runtime overrides.
func LoadConfig(ctx context.Context, provider ConfigProvider, resolver OptionsResolver, runtime Config) (Config, error) {
	defaults := DefaultConfig()
	loaded := defaults
	if provider != nil {
		cfg, err := provider.Load(ctx, defaults)
		if err != nil {
			return Config{}, err
		}
		loaded = cfg
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}
	if includeZero || cfg.MaxEventAge > 0 {
		layer["max_event_age"] = cfg.MaxEventAge
	}
	if includeZero || cfg.TransactionTimeout > 0 {
		layer["transaction_timeout"] = cfg.TransactionTimeout
	}
	if includeZero || cfg.DefaultMaxRetries > 0 {
		layer["default_max_retries"] = cfg.DefaultMaxRetries
	}

	signing := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.Signing.Secret) != "" {
		signing["secret"] = cfg.Signing.Secret
	}
	if includeZero || cfg.Signing.Tolerance > 0 {
		signing["tolerance"] = cfg.Signing.Tolerance
	}
	if len(signing) > 0 {
		layer["signing"] = signing
	}

	retry := map[string]any{}
	if includeZero || cfg.Retry.Multiplier > 0 {
		retry["multiplier"] = cfg.Retry.Multiplier
	}
	if includeZero || cfg.Retry.MaxDelay > 0 {
		retry["max_delay"] = cfg.Retry.MaxDelay
	}
	if includeZero || cfg.Retry.Concurrency > 0 {
		retry["concurrency"] = cfg.Retry.Concurrency
	}
	if includeZero || cfg.Retry.PollInterval > 0 {
		retry["poll_interval"] = cfg.Retry.PollInterval
	}
	if includeZero || cfg.Retry.BatchSize > 0 {
		retry["batch_size"] = cfg.Retry.BatchSize
	}
	if includeZero || cfg.Retry.Lease > 0 {
		retry["lease"] = cfg.Retry.Lease
	}
	if len(retry) > 0 {
		layer["retry"] = retry
	}

	reconcile := map[string]any{}
	if includeZero || cfg.Reconcile.Window > 0 {
		reconcile["window"] = cfg.Reconcile.Window
	}
	if includeZero || cfg.Reconcile.Limit > 0 {
		reconcile["limit"] = cfg.Reconcile.Limit
	}
	if includeZero || cfg.Reconcile.Interval > 0 {
		reconcile["interval"] = cfg.Reconcile.Interval
	}
	if len(reconcile) > 0 {
		layer["reconcile"] = reconcile
	}

	if includeZero || cfg.DeadLetter.Retention > 0 {
		layer["dead_letter"] = map[string]any{"retention": cfg.DeadLetter.Retention}
	}
	return layer
}
