// Package config loads the tunables recognized by the sync engine and
// mediator (spec.md §6): batchSize, maxRetries, timeoutMs, allowDeletes on
// the client side; listen address, store DSN, auth secret, and max page
// size on the server side. Values come from a YAML file via
// gopkg.in/yaml.v3 for the engine's local settings, layered with
// github.com/spf13/viper for the CLI's flag/env/file precedence, matching
// the split the teacher's cmd/bd root command and internal/config package
// use.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EngineDefaults mirror spec.md §6's documented defaults.
const (
	DefaultBatchSize  = 100
	DefaultMaxRetries = 3
	DefaultTimeoutMs  = 30000
)

// Engine holds the client sync engine's configuration options.
type Engine struct {
	BatchSize    int  `yaml:"batchSize"`
	MaxRetries   int  `yaml:"maxRetries"`
	TimeoutMs    int  `yaml:"timeoutMs"`
	AllowDeletes bool `yaml:"allowDeletes"`
}

// Timeout returns TimeoutMs as a time.Duration.
func (e Engine) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// DefaultEngine returns an Engine populated with spec.md's documented
// defaults: batchSize 100, maxRetries 3, timeoutMs 30000, deletes allowed.
func DefaultEngine() Engine {
	return Engine{
		BatchSize:    DefaultBatchSize,
		MaxRetries:   DefaultMaxRetries,
		TimeoutMs:    DefaultTimeoutMs,
		AllowDeletes: true,
	}
}

// LoadEngineYAML reads an Engine config from YAML bytes, filling any unset
// field from DefaultEngine so a partial config file is always valid.
func LoadEngineYAML(data []byte) (Engine, error) {
	cfg := DefaultEngine()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Engine{}, fmt.Errorf("config: parsing engine yaml: %w", err)
	}
	if cfg.BatchSize <= 0 {
		return Engine{}, fmt.Errorf("config: batchSize must be positive, got %d", cfg.BatchSize)
	}
	if cfg.MaxRetries < 0 {
		return Engine{}, fmt.Errorf("config: maxRetries must not be negative, got %d", cfg.MaxRetries)
	}
	if cfg.TimeoutMs <= 0 {
		return Engine{}, fmt.Errorf("config: timeoutMs must be positive, got %d", cfg.TimeoutMs)
	}
	return cfg, nil
}

// Mediator holds the server mediator's configuration options.
type Mediator struct {
	ListenAddr     string `mapstructure:"listen-addr"`
	StoreDSN       string `mapstructure:"store-dsn"`
	AuthSecret     string `mapstructure:"auth-secret"`
	MaxPageSize    int    `mapstructure:"max-page-size"`
}

const defaultMaxPageSize = 500

// LoadMediator reads mediator configuration via viper, which layers (in
// precedence order) explicit flags, environment variables prefixed
// TUNETRAINER_SYNC_, a config file, and these defaults — the same
// precedence chain the teacher's cobra root command wires viper with.
func LoadMediator(v *viper.Viper) (Mediator, error) {
	v.SetEnvPrefix("TUNETRAINER_SYNC")
	v.AutomaticEnv()
	v.SetDefault("listen-addr", ":8443")
	v.SetDefault("max-page-size", defaultMaxPageSize)

	var m Mediator
	if err := v.Unmarshal(&m); err != nil {
		return Mediator{}, fmt.Errorf("config: unmarshaling mediator config: %w", err)
	}
	if m.AuthSecret == "" {
		return Mediator{}, fmt.Errorf("config: auth-secret is required")
	}
	if m.StoreDSN == "" {
		return Mediator{}, fmt.Errorf("config: store-dsn is required")
	}
	if m.MaxPageSize <= 0 {
		m.MaxPageSize = defaultMaxPageSize
	}
	return m, nil
}

// ClampPageSize applies the mediator's server-side maximum to a
// caller-supplied pageSize, per spec.md §4.F pagination rules.
func (m Mediator) ClampPageSize(requested int) int {
	if requested <= 0 {
		return m.MaxPageSize
	}
	if requested > m.MaxPageSize {
		return m.MaxPageSize
	}
	return requested
}
