// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/KMIntelligentSystems/SAGAMiddleware/pkg/logging"
	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/agents"
	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/config"
	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/telemetry"
)

// app holds what PersistentPreRunE sets up for every subcommand.
type app struct {
	configPath string
	logLevel   string
	jsonLogs   bool

	cfg       config.Config
	logger    *logging.Logger
	providers *telemetry.Providers
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "saga",
		Short: "Run multi-agent workflows described as DAGs",
		Long: `saga executes agent workflows defined as directed acyclic graphs.
Definitions are JSON or YAML documents listing nodes, edges and edge conditions.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown(cmd.Context())
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to saga.yaml (defaults apply when absent)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&a.jsonLogs, "json-logs", false, "Write console logs as JSON")

	root.AddCommand(newValidateCmd(a))
	root.AddCommand(newRunCmd(a))
	root.AddCommand(newServeCmd(a))
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.jsonLogs {
		cfg.Log.Format = string(logging.FormatJSON)
	}
	a.cfg = cfg

	logCfg, err := cfg.Log.LoggerConfig("saga")
	if err != nil {
		return err
	}
	logCfg.Output = cmd.ErrOrStderr()
	a.logger, err = logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	a.logger.SetDefault()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a.providers, err = telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error
	if a.providers != nil {
		errs = append(errs, a.providers.Shutdown(ctx))
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}

func (a *app) slog() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger.Slog()
}

// executor builds the agent registry. With echo every agent is Echo;
// otherwise agents call OpenAI, using per-agent prompts from the config.
func (a *app) executor(echo bool) (*agents.Registry, error) {
	logger := a.slog()
	if echo {
		return agents.NewRegistry(agents.WithFallback(agents.Echo()), agents.WithRegistryLogger(logger)), nil
	}

	base, err := agents.NewOpenAIAgent(a.cfg.LLM.OpenAIConfig, nil, logger)
	if err != nil {
		if errors.Is(err, agents.ErrMissingAPIKey) {
			return nil, fmt.Errorf("%w: set OPENAI_API_KEY or pass --echo", err)
		}
		return nil, err
	}

	reg := agents.NewRegistry(agents.WithFallback(base), agents.WithRegistryLogger(logger))
	for name, prompt := range a.cfg.LLM.Prompts {
		if err := reg.Register(name, base.WithSystemPrompt(prompt)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
