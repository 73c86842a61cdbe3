// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package config loads the SAGA service configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/KMIntelligentSystems/SAGAMiddleware/pkg/logging"
	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/agents"
	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/dag"
	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/store"
	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/telemetry"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Branch strategy names.
const (
	StrategySequential = "sequential"
	StrategyConcurrent = "concurrent"
	StrategyPooled     = "pooled"
)

// Config is the root of saga.yaml.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Engine    EngineConfig     `yaml:"engine"`
	Store     StoreConfig      `yaml:"store"`
	Server    ServerConfig     `yaml:"server"`
	Catalog   CatalogConfig    `yaml:"catalog"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	LLM       LLMConfig        `yaml:"llm"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
	Dir    string `yaml:"dir"`
	Quiet  bool   `yaml:"quiet"`
}

type EngineConfig struct {
	Strategy       string        `yaml:"strategy" validate:"oneof=sequential concurrent pooled"`
	MaxConcurrency int           `yaml:"max_concurrency" validate:"gte=0"`
	PoolSize       int           `yaml:"pool_size" validate:"required_if=Strategy pooled,gte=0"`
	MergePolicy    string        `yaml:"merge_policy" validate:"oneof=shallow namespaced"`
	ConditionMode  string        `yaml:"condition_mode" validate:"oneof=typed legacy"`
	NodeTimeout    time.Duration `yaml:"node_timeout" validate:"gte=0"`
	LivenessCheck  bool          `yaml:"liveness_check"`
	Retry          RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=0,lte=10"`
	Backoff     time.Duration `yaml:"backoff" validate:"gte=0"`
	Kinds       []string      `yaml:"kinds" validate:"dive,oneof=entry exit compute_agent service_agent agent"`
}

type StoreConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path" validate:"required_if=Enabled true InMemory false"`
	InMemory  bool          `yaml:"in_memory"`
	RetainFor time.Duration `yaml:"retain_for" validate:"gte=0"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required,hostname_port"`
	Mode            string        `yaml:"mode" validate:"oneof=debug release test"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	// AllowedOrigins lists browser origins (scheme://host[:port]) that may open
	// the event websocket. Empty means same-origin only. "*" allows any origin
	// and is meant for local development.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" validate:"dive,required"`
}

type CatalogConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// LLMConfig configures the OpenAI agents created for catalog DAGs.
type LLMConfig struct {
	agents.OpenAIConfig `yaml:",inline"`

	// Prompts maps agent names to system prompts.
	Prompts map[string]string `yaml:"prompts"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".saga")

	return Config{
		Log: LogConfig{Level: "info"},
		Engine: EngineConfig{
			Strategy:      StrategySequential,
			PoolSize:      16,
			MergePolicy:   string(dag.MergeShallow),
			ConditionMode: string(dag.ConditionModeTyped),
			LivenessCheck: true,
		},
		Store: StoreConfig{
			Enabled:   true,
			Path:      filepath.Join(base, "runs"),
			RetainFor: 30 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8090",
			Mode:            "release",
			ShutdownTimeout: 10 * time.Second,
		},
		Catalog:   CatalogConfig{Dir: filepath.Join(base, "dags"), Watch: true},
		Telemetry: telemetry.DefaultConfig(),
		LLM: LLMConfig{OpenAIConfig: agents.OpenAIConfig{
			Model:             "gpt-4o-mini",
			Temperature:       0.2,
			RequestsPerSecond: 2,
			Burst:             2,
		}},
	}
}

// Load reads path over the defaults, applies environment overrides, and
// validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// WriteDefault writes the default configuration to path, creating parent directories.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SAGA_LOG_LEVEL":       &c.Log.Level,
		"SAGA_LOG_FORMAT":      &c.Log.Format,
		"SAGA_LOG_DIR":         &c.Log.Dir,
		"SAGA_STRATEGY":        &c.Engine.Strategy,
		"SAGA_MERGE_POLICY":    &c.Engine.MergePolicy,
		"SAGA_CONDITION_MODE":  &c.Engine.ConditionMode,
		"SAGA_STORE_PATH":      &c.Store.Path,
		"SAGA_SERVER_ADDR":     &c.Server.Addr,
		"SAGA_CATALOG_DIR":     &c.Catalog.Dir,
		"SAGA_ENV":             &c.Telemetry.Environment,
		"SAGA_TRACE_EXPORTER":  &c.Telemetry.TraceExporter,
		"SAGA_METRIC_EXPORTER": &c.Telemetry.MetricExporter,
		"SAGA_OTLP_ENDPOINT":   &c.Telemetry.OTLPEndpoint,
		"OPENAI_API_KEY":       &c.LLM.APIKey,
		"OPENAI_MODEL":         &c.LLM.Model,
		"OPENAI_BASE_URL":      &c.LLM.BaseURL,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("SAGA_ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Server.AllowedOrigins = append(c.Server.AllowedOrigins, o)
			}
		}
	}
	if v, ok := lookup("SAGA_NODE_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: SAGA_NODE_TIMEOUT: %w", ErrInvalidConfig, err)
		}
		c.Engine.NodeTimeout = d
	}
	if v, ok := lookup("SAGA_MAX_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: SAGA_MAX_CONCURRENCY: %w", ErrInvalidConfig, err)
		}
		c.Engine.MaxConcurrency = n
	}
	return nil
}

// LoggerConfig converts the log section for pkg/logging.
func (c LogConfig) LoggerConfig(service string) (logging.Config, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   level,
		Format:  logging.Format(c.Format),
		LogDir:  c.Dir,
		Service: service,
		Quiet:   c.Quiet,
	}, nil
}

// RunStoreConfig converts the store section for store.Open.
func (c StoreConfig) RunStoreConfig() store.Config {
	if c.InMemory {
		cfg := store.InMemoryConfig()
		cfg.RetainFor = c.RetainFor
		return cfg
	}
	cfg := store.DefaultConfig(c.Path)
	cfg.RetainFor = c.RetainFor
	return cfg
}

// NewStrategy builds the configured branch strategy. The returned release
// function frees pool workers and must be called on shutdown.
func (c EngineConfig) NewStrategy() (dag.BranchStrategy, func(), error) {
	switch c.Strategy {
	case "", StrategySequential:
		return dag.SequentialStrategy{}, func() {}, nil
	case StrategyConcurrent:
		return dag.ConcurrentStrategy{Limit: c.MaxConcurrency}, func() {}, nil
	case StrategyPooled:
		pool, err := dag.NewPooledStrategy(c.PoolSize)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		return pool, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, c.Strategy)
	}
}

// EngineOptions converts the engine section to dag options. strategy is
// shared across engines so one pool serves every DAG.
func (c EngineConfig) EngineOptions(strategy dag.BranchStrategy) []dag.Option {
	kinds := make([]dag.NodeKind, 0, len(c.Retry.Kinds))
	for _, k := range c.Retry.Kinds {
		kinds = append(kinds, dag.NodeKind(k))
	}

	opts := []dag.Option{
		dag.WithMergePolicy(dag.MergePolicy(c.MergePolicy)),
		dag.WithConditionMode(dag.ConditionMode(c.ConditionMode)),
		dag.WithNodeTimeout(c.NodeTimeout),
		dag.WithLivenessCheck(c.LivenessCheck),
		dag.WithRetry(dag.RetryPolicy{
			MaxAttempts: c.Retry.MaxAttempts,
			Backoff:     c.Retry.Backoff,
			Kinds:       kinds,
		}),
	}
	if strategy != nil {
		opts = append(opts, dag.WithStrategy(strategy))
	}
	return opts
}
