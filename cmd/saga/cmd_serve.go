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
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/api"
	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/catalog"
	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/dag"
	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/observability"
	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/store"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr      string
		dagDir    string
		echo      bool
		ephemeral bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the DAG catalog over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if dagDir != "" {
				cfg.Catalog.Dir = dagDir
			}
			if ephemeral {
				cfg.Store.Enabled = true
				cfg.Store.InMemory = true
			}
			logger := a.slog()
			gin.SetMode(cfg.Server.Mode)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cat := catalog.New(cfg.Catalog.Dir, logger)
			if _, err := cat.Reload(); err != nil {
				return err
			}
			if cfg.Catalog.Watch {
				go func() {
					if err := cat.Watch(ctx, 0); err != nil {
						logger.Error("catalog watch stopped", slog.String("error", err.Error()))
					}
				}()
			}

			reg, err := a.executor(echo)
			if err != nil {
				return err
			}

			strategy, release, err := cfg.Engine.NewStrategy()
			if err != nil {
				return err
			}
			defer release()

			opts := append(cfg.Engine.EngineOptions(strategy),
				dag.WithObserver(observability.NewEngineMetrics(nil)),
				dag.WithObserver(dag.NewLoggingObserver(logger)),
			)

			deps := api.Deps{
				Catalog:        cat,
				Executor:       reg,
				EngineOptions:  opts,
				Metrics:        metricsHandler(a),
				AllowedOrigins: cfg.Server.AllowedOrigins,
				Logger:         logger,
				ServiceName:    cfg.Telemetry.ServiceName,
			}
			if cfg.Store.Enabled {
				sc := cfg.Store.RunStoreConfig()
				sc.Logger = logger
				runs, err := store.Open(sc)
				if err != nil {
					return err
				}
				defer runs.Close()
				deps.Store = runs
			}

			server, err := api.NewServer(deps)
			if err != nil {
				return err
			}

			httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: server.Router()}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening",
					slog.String("addr", cfg.Server.Addr),
					slog.Int("dags", len(cat.List())),
				)
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", slog.String("error", err.Error()))
			}
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().StringVar(&dagDir, "dags", "", "Definition directory (overrides catalog.dir)")
	cmd.Flags().BoolVar(&echo, "echo", false, "Use echo agents instead of calling an LLM")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "Keep run results in memory only")
	return cmd
}

// metricsHandler serves the default registry, plus the otel exporter's
// registry when the prometheus metric exporter is enabled.
func metricsHandler(a *app) http.Handler {
	if a.providers == nil || a.providers.Registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, a.providers.Registry},
		promhttp.HandlerOpts{},
	)
}
