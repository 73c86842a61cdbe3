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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/agents"
	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/catalog"
	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/dag"
	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const reviewJSON = `{
  "id": "review",
  "name": "Review flow",
  "entryNode": "entry",
  "exitNodes": ["exit"],
  "nodes": [
    {"id": "entry", "type": "entry", "agentName": "Start"},
    {"id": "A", "type": "agent", "agentName": "Coder"},
    {"id": "B", "type": "agent", "agentName": "Reviewer"},
    {"id": "C", "type": "agent", "agentName": "Publisher"},
    {"id": "D", "type": "agent", "agentName": "Fixer"},
    {"id": "exit", "type": "exit", "agentName": "End"}
  ],
  "edges": [
    {"from": "entry", "to": "A", "flowType": "context_pass"},
    {"from": "A", "to": "B", "flowType": "llm_call"},
    {"from": "B", "to": "C", "flowType": "autonomous_decision", "condition": {"type": "result", "expression": "success===true"}},
    {"from": "B", "to": "D", "flowType": "autonomous_decision", "condition": {"type": "result", "expression": "success===false"}},
    {"from": "C", "to": "exit"},
    {"from": "D", "to": "exit"}
  ]
}`

type testEnv struct {
	server   *Server
	router   *gin.Engine
	store    *store.RunStore
	registry *agents.Registry
}

func newTestEnv(t *testing.T, withStore bool) *testEnv {
	t.Helper()

	cat := catalog.New("", nil)
	def, err := dag.ParseDefinitionJSON([]byte(reviewJSON))
	require.NoError(t, err)
	_, err = cat.Put(def)
	require.NoError(t, err)

	reg := agents.NewRegistry(agents.WithFallback(agents.Echo()))
	require.NoError(t, reg.RegisterFunc("Reviewer", func(_ context.Context, task agents.Task) (any, error) {
		approve, _ := task.Context["approve"].(bool)
		return map[string]any{"success": approve}, nil
	}))

	env := &testEnv{registry: reg}
	deps := Deps{Catalog: cat, Executor: reg}
	if withStore {
		s, err := store.Open(store.InMemoryConfig())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		env.store = s
		deps.Store = s
	}

	env.server, err = NewServer(deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.server.Shutdown(context.Background()) })
	env.router = env.server.Router()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestNewServer_RequiresDeps(t *testing.T) {
	_, err := NewServer(Deps{})
	assert.Error(t, err)
	_, err = NewServer(Deps{Catalog: catalog.New("", nil)})
	assert.ErrorIs(t, err, dag.ErrNilExecutor)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["dags"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestDAGRoutes(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodGet, "/v1/saga/dags", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		DAGs []catalog.Summary `json:"dags"`
	}](t, w)
	require.Len(t, list.DAGs, 1)
	assert.Equal(t, "review", list.DAGs[0].ID)

	w = env.do(t, http.MethodGet, "/v1/saga/dags/review", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[DAGDetail](t, w)
	assert.Equal(t, 6, detail.Nodes)
	require.NotNil(t, detail.Definition)
	assert.Equal(t, "entry", detail.Definition.EntryNode)

	w = env.do(t, http.MethodGet, "/v1/saga/dags/nope", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegisterDAG(t *testing.T) {
	env := newTestEnv(t, false)

	yamlDef := `
id: tiny
entryNode: entry
exitNodes: [exit]
nodes:
  - {id: entry, type: entry, agentName: Start}
  - {id: exit, type: exit, agentName: End}
edges:
  - {from: entry, to: exit}
`
	w := env.do(t, http.MethodPost, "/v1/saga/dags", "application/yaml", yamlDef)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "tiny", decode[catalog.Summary](t, w).ID)

	w = env.do(t, http.MethodPost, "/v1/saga/dags", "application/json", `{"id": "x", "entryNode": "entry", "exitNodes": ["exit"], "nodes": [{"id": "entry", "type": "entry"}], "edges": []}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.NotEmpty(t, decode[ErrorResponse](t, w).Field)
}

func TestValidateDAG(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, "/v1/saga/dags/validate", "application/json", reviewJSON)
	require.Equal(t, http.StatusOK, w.Code)
	ok := decode[ValidateResponse](t, w)
	assert.True(t, ok.Valid)
	assert.Equal(t, "review", ok.ID)

	w = env.do(t, http.MethodPost, "/v1/saga/dags/validate", "application/json", `{"id": "broken"`)
	require.Equal(t, http.StatusOK, w.Code)
	bad := decode[ValidateResponse](t, w)
	assert.False(t, bad.Valid)
	assert.Equal(t, "document", bad.Field)
}

func TestStartRun_Sync(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, http.MethodPost, "/v1/saga/dags/review/runs", "application/json",
		`{"input": {"approve": true}, "run_id": "run-approve"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	result := decode[dag.ExecutionResult](t, w)
	assert.True(t, result.Success)
	assert.Equal(t, "run-approve", result.RunID)
	assert.Equal(t, []string{"entry", "A", "B", "C", "exit"}, result.Path())
	assert.Zero(t, env.registry.Mailbox().Len(), "mailbox released after the run")

	w = env.do(t, http.MethodGet, "/v1/saga/runs/run-approve", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	stored := decode[dag.ExecutionResult](t, w)
	assert.Equal(t, result.Path(), stored.Path())

	w = env.do(t, http.MethodGet, "/v1/saga/runs/run-approve/stats", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[dag.Statistics](t, w)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 5, stats.Succeeded)

	w = env.do(t, http.MethodGet, "/v1/saga/runs?dag=review", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	runs := decode[struct {
		Runs []store.RunSummary `json:"runs"`
	}](t, w)
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, "run-approve", runs.Runs[0].RunID)
}

func TestStartRun_RejectBranch(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, "/v1/saga/dags/review/runs", "application/json", `{"input": {"approve": false}}`)
	require.Equal(t, http.StatusOK, w.Code)
	result := decode[dag.ExecutionResult](t, w)
	assert.Equal(t, []string{"entry", "A", "B", "D", "exit"}, result.Path())
	assert.NotEmpty(t, result.RunID)
}

func TestStartRun_Errors(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, "/v1/saga/dags/missing/runs", "application/json", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/v1/saga/dags/review/runs", "application/json", `{"input": [1]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunRoutes_NoStore(t *testing.T) {
	env := newTestEnv(t, false)
	for _, path := range []string{"/v1/saga/runs", "/v1/saga/runs/x", "/v1/saga/runs/x/stats"} {
		w := env.do(t, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
}

func TestRunRoutes_NotFound(t *testing.T) {
	env := newTestEnv(t, true)
	w := env.do(t, http.MethodGet, "/v1/saga/runs/unknown", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/v1/saga/runs?limit=-1", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartRun_AsyncWithEventStream(t *testing.T) {
	env := newTestEnv(t, true)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/saga/events?run=run-async"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, 1, env.server.Hub().Subscribers())

	resp, err := http.Post(srv.URL+"/v1/saga/dags/review/runs", "application/json",
		bytes.NewBufferString(`{"input": {"approve": true}, "run_id": "run-async", "async": true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var types []dag.EventType
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var evt dag.Event
		if err := conn.ReadJSON(&evt); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		assert.Equal(t, "run-async", evt.RunID)
		types = append(types, evt.Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, dag.EventExecutionStart, types[0])
	assert.Equal(t, dag.EventExecutionComplete, types[len(types)-1])
	assert.Contains(t, types, dag.EventBranchPruned)

	require.Eventually(t, func() bool {
		_, err := env.store.Get(context.Background(), "run-async")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_FiltersAndDrops(t *testing.T) {
	h := NewHub(nil)
	all, cancelAll := h.Subscribe("", "")
	one, cancelOne := h.Subscribe("review", "r1")
	defer cancelOne()

	h.OnEvent(context.Background(), dag.Event{Type: dag.EventNodeStart, DAGID: "review", RunID: "r1"})
	h.OnEvent(context.Background(), dag.Event{Type: dag.EventNodeStart, DAGID: "review", RunID: "r2"})
	h.OnEvent(context.Background(), dag.Event{Type: dag.EventNodeStart, DAGID: "other", RunID: "r1"})

	assert.Len(t, all, 3)
	assert.Len(t, one, 1)

	cancelAll()
	cancelAll()
	assert.Equal(t, 1, h.Subscribers())

	for i := 0; i < subscriberBuffer+5; i++ {
		h.OnEvent(context.Background(), dag.Event{DAGID: "review", RunID: "r1"})
	}
	assert.Equal(t, int64(6), h.Dropped())
}

func TestNewUpgrader_CheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"listed origin", []string{"https://ui.example"}, "https://ui.example", true},
		{"listed origin case and slash", []string{"https://UI.example/"}, "https://ui.example", true},
		{"unlisted origin", []string{"https://ui.example"}, "https://evil.example", false},
		{"no origin header", []string{"https://ui.example"}, "", true},
		{"wildcard", []string{"*"}, "https://anything.example", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := newUpgrader(tt.allowed)
			require.NotNil(t, u.CheckOrigin)
			req := httptest.NewRequest(http.MethodGet, "/v1/saga/events", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, u.CheckOrigin(req))
		})
	}

	assert.Nil(t, newUpgrader(nil).CheckOrigin, "empty list keeps the same-origin default")
}

func TestStreamEvents_SameOriginByDefault(t *testing.T) {
	env := newTestEnv(t, false)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/saga/events"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {srv.URL}})
	require.NoError(t, err)
	_ = conn.Close()
}
