// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package api serves the SAGA DAG engine over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/catalog"
	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/dag"
	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/store"
)

// RunStore persists run results. *store.RunStore satisfies it.
type RunStore interface {
	Save(ctx context.Context, result *dag.ExecutionResult) error
	Get(ctx context.Context, runID string) (*dag.ExecutionResult, error)
	List(ctx context.Context, opts store.ListOptions) ([]store.RunSummary, error)
}

// runForgetter is implemented by executors that keep per-run state.
type runForgetter interface {
	Forget(runID string)
}

// Deps are the collaborators a Server needs.
type Deps struct {
	Catalog  *catalog.Catalog
	Executor dag.NodeExecutor

	// Store is optional. Without it run lookups return 503.
	Store RunStore

	// EngineOptions are applied to every engine the server builds.
	EngineOptions []dag.Option

	// Metrics serves /metrics. Nil uses the default Prometheus registry.
	Metrics http.Handler

	// AllowedOrigins gates the event websocket. Empty means same-origin only.
	AllowedOrigins []string

	Logger      *slog.Logger
	ServiceName string
}

// Server exposes catalog DAGs as HTTP resources.
//
// Thread Safety: Safe for concurrent use.
type Server struct {
	catalog  *catalog.Catalog
	executor dag.NodeExecutor
	store    RunStore
	opts     []dag.Option
	metrics  http.Handler
	logger   *slog.Logger
	service  string
	hub      *Hub
	upgrader websocket.Upgrader

	mu      sync.Mutex
	engines map[string]*dag.Engine

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer wires a server. Catalog and Executor are required.
func NewServer(deps Deps) (*Server, error) {
	if deps.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if deps.Executor == nil {
		return nil, dag.ErrNilExecutor
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	service := deps.ServiceName
	if service == "" {
		service = "saga"
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		catalog:  deps.Catalog,
		executor: deps.Executor,
		store:    deps.Store,
		opts:     deps.EngineOptions,
		metrics:  metrics,
		logger:   logger,
		service:  service,
		hub:      NewHub(logger),
		upgrader: newUpgrader(deps.AllowedOrigins),
		engines:  make(map[string]*dag.Engine),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	deps.Catalog.OnChange(s.invalidate)
	return s, nil
}

// Hub returns the event hub fed by every engine this server builds.
func (s *Server) Hub() *Hub { return s.hub }

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(s.service))
	router.Use(s.requestLogger())

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(s.metrics))

	v1 := router.Group("/v1/saga")
	{
		dags := v1.Group("/dags")
		{
			dags.GET("", s.listDAGs)
			dags.POST("", s.registerDAG)
			dags.POST("/validate", s.validateDAG)
			dags.GET("/:id", s.getDAG)
			dags.POST("/:id/runs", s.startRun)
		}
		runs := v1.Group("/runs")
		{
			runs.GET("", s.listRuns)
			runs.GET("/:runId", s.getRun)
			runs.GET("/:runId/stats", s.runStats)
		}
		v1.GET("/events", s.streamEvents)
	}
	return router
}

// Shutdown cancels background runs and waits for them to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// engine returns the cached engine for a DAG, building it on first use.
func (s *Server) engine(id string) (*dag.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.engines[id]; ok {
		return e, nil
	}

	entry, err := s.catalog.Get(id)
	if err != nil {
		return nil, err
	}
	opts := append([]dag.Option{dag.WithLogger(s.logger)}, s.opts...)
	opts = append(opts, dag.WithObserver(s.hub))
	e, err := dag.NewEngine(entry.Graph, s.executor, opts...)
	if err != nil {
		return nil, err
	}
	s.engines[id] = e
	return e, nil
}

func (s *Server) invalidate(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.engines, id)
	}
}

// finish persists a result and releases executor state for the run.
func (s *Server) finish(ctx context.Context, result *dag.ExecutionResult) {
	if f, ok := s.executor.(runForgetter); ok {
		defer f.Forget(result.RunID)
	}
	if s.store == nil {
		return
	}
	if err := s.store.Save(context.WithoutCancel(ctx), result); err != nil {
		s.logger.Warn("failed to persist run",
			slog.String("run_id", result.RunID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}
