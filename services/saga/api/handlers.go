// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/catalog"
	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/dag"
	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/store"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// RunRequest starts a run.
type RunRequest struct {
	Input map[string]any `json:"input"`

	// RunID lets the caller pick the id, e.g. to subscribe to events first.
	RunID string `json:"run_id,omitempty"`

	// Async returns 202 immediately and runs in the background.
	Async bool `json:"async,omitempty"`
}

// RunAccepted is the 202 body of an async run.
type RunAccepted struct {
	RunID string `json:"run_id"`
	DAGID string `json:"dag_id"`
}

// ValidateResponse reports whether a definition builds.
type ValidateResponse struct {
	Valid    bool     `json:"valid"`
	ID       string   `json:"id,omitempty"`
	Error    string   `json:"error,omitempty"`
	Field    string   `json:"field,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// DAGDetail is a catalog entry with its full definition.
type DAGDetail struct {
	catalog.Summary
	Definition *dag.Definition `json:"definition"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"dags":        len(s.catalog.List()),
		"subscribers": s.hub.Subscribers(),
	})
}

func (s *Server) listDAGs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"dags":   s.catalog.List(),
		"errors": s.catalog.Errors(),
	})
}

func (s *Server) getDAG(c *gin.Context) {
	entry, err := s.catalog.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, DAGDetail{Summary: entry.Summary(), Definition: entry.Graph.Definition()})
}

func (s *Server) registerDAG(c *gin.Context) {
	def, err := readDefinition(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	entry, err := s.catalog.Put(def)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("dag registered", slog.String("dag", entry.Graph.ID()))
	c.JSON(http.StatusCreated, entry.Summary())
}

func (s *Server) validateDAG(c *gin.Context) {
	resp := ValidateResponse{}
	def, err := readDefinition(c)
	if err == nil {
		var g *dag.Graph
		g, err = dag.NewGraph(def)
		if err == nil {
			resp.Valid = true
			resp.ID = g.ID()
			resp.Warnings = g.Warnings()
		}
	}
	if err != nil {
		resp.Error = err.Error()
		var cfgErr *dag.ConfigError
		if errors.As(err, &cfgErr) {
			resp.Field = cfgErr.Field
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) startRun(c *gin.Context) {
	dagID := c.Param("id")
	engine, err := s.engine(dagID)
	if err != nil {
		s.fail(c, err)
		return
	}

	var req RunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	if req.Async {
		ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
		stop := context.AfterFunc(s.baseCtx, cancel)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer cancel()
			defer stop()
			result := engine.ExecuteRun(ctx, req.RunID, req.Input)
			s.finish(ctx, result)
		}()
		c.JSON(http.StatusAccepted, RunAccepted{RunID: req.RunID, DAGID: dagID})
		return
	}

	result := engine.ExecuteRun(c.Request.Context(), req.RunID, req.Input)
	s.finish(c.Request.Context(), result)
	c.JSON(http.StatusOK, result)
}

func (s *Server) listRuns(c *gin.Context) {
	if s.store == nil {
		s.storeDisabled(c)
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer"})
		return
	}
	runs, err := s.store.List(c.Request.Context(), store.ListOptions{DAGID: c.Query("dag"), Limit: limit})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) getRun(c *gin.Context) {
	if s.store == nil {
		s.storeDisabled(c)
		return
	}
	result, err := s.store.Get(c.Request.Context(), c.Param("runId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) runStats(c *gin.Context) {
	if s.store == nil {
		s.storeDisabled(c)
		return
	}
	result, err := s.store.Get(c.Request.Context(), c.Param("runId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result.Statistics())
}

func (s *Server) storeDisabled(c *gin.Context) {
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "run store is disabled"})
}

// fail maps domain errors to status codes.
func (s *Server) fail(c *gin.Context, err error) {
	resp := ErrorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var cfgErr *dag.ConfigError
	switch {
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, store.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.As(err, &cfgErr):
		status = http.StatusUnprocessableEntity
		resp.Field = cfgErr.Field
	case errors.Is(err, dag.ErrInvalidGraph):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, dag.ErrDefinitionTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadBody):
		status = http.StatusBadRequest
	default:
		s.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()),
		)
	}
	c.JSON(status, resp)
}

var errBadBody = errors.New("malformed request body")

// readDefinition decodes a JSON or YAML body, chosen by Content-Type.
func readDefinition(c *gin.Context) (*dag.Definition, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, dag.MaxDefinitionSize+1))
	if err != nil {
		return nil, errors.Join(errBadBody, err)
	}
	if len(body) > dag.MaxDefinitionSize {
		return nil, dag.ErrDefinitionTooLarge
	}

	ct := c.ContentType()
	if strings.Contains(ct, "yaml") {
		return dag.ParseDefinitionYAML(body)
	}
	return dag.ParseDefinitionJSON(body)
}
