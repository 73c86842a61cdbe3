// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/dag"
)

// fakeOpenAI serves /v1/chat/completions with a fixed reply and records requests.
func fakeOpenAI(t *testing.T, reply string, seen *[]openai.ChatCompletionRequest, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if seen != nil {
			*seen = append(*seen, req)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:     "chatcmpl-1",
			Object: "chat.completion",
			Model:  req.Model,
			Choices: []openai.ChatCompletionChoice{{
				Index:        0,
				Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply},
				FinishReason: openai.FinishReasonStop,
			}},
			Usage: openai.Usage{TotalTokens: 12},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewOpenAIAgent_MissingKey(t *testing.T) {
	_, err := NewOpenAIAgent(OpenAIConfig{}, nil, nil)
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestOpenAIAgent_Run(t *testing.T) {
	var seen []openai.ChatCompletionRequest
	var calls atomic.Int32
	srv := fakeOpenAI(t, `{"success": true, "summary": "looks good"}`, &seen, &calls)

	agent, err := NewOpenAIAgent(OpenAIConfig{
		APIKey:       "test-key",
		BaseURL:      srv.URL + "/v1",
		Model:        "gpt-test",
		SystemPrompt: "You review code.",
	}, nil, nil)
	require.NoError(t, err)

	out, err := agent.Run(context.Background(), Task{
		NodeRequest: dag.NodeRequest{
			RunID:           "run-1",
			NodeID:          "B",
			AgentName:       "Reviewer",
			SourceAgentName: "Coder",
			Context: map[string]any{
				"code":                "package main",
				dag.KeyLastNodeOutput: "dup",
			},
		},
		Inbox: []Message{{FromAgent: "Planner", Result: "plan"}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"success": true, "summary": "looks good"}, out)

	require.Len(t, seen, 1)
	assert.Equal(t, "gpt-test", seen[0].Model)
	require.Len(t, seen[0].Messages, 2)
	assert.Equal(t, "You review code.", seen[0].Messages[0].Content)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(seen[0].Messages[1].Content), &doc))
	assert.Equal(t, "B", doc["node"])
	assert.Equal(t, "Coder", doc["from"])
	assert.NotContains(t, doc["context"], dag.KeyLastNodeOutput)
	assert.Len(t, doc["inbox"], 1)
}

func TestOpenAIAgent_DefaultSystemPrompt(t *testing.T) {
	var seen []openai.ChatCompletionRequest
	var calls atomic.Int32
	srv := fakeOpenAI(t, "plain text answer", &seen, &calls)

	agent, err := NewOpenAIAgent(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1"}, nil, nil)
	require.NoError(t, err)

	out, err := agent.Run(context.Background(), Task{NodeRequest: dag.NodeRequest{NodeID: "A", AgentName: "Writer"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"response": "plain text answer"}, out)
	assert.Equal(t, openai.GPT4oMini, seen[0].Model)
	assert.Contains(t, seen[0].Messages[0].Content, "Writer")

	reviewer := agent.WithSystemPrompt("Be strict.")
	_, err = reviewer.Run(context.Background(), Task{NodeRequest: dag.NodeRequest{NodeID: "B", AgentName: "Reviewer"}})
	require.NoError(t, err)
	assert.Equal(t, "Be strict.", seen[1].Messages[0].Content)
}

func TestOpenAIAgent_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded","type":"server_error"}}`, http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	agent, err := NewOpenAIAgent(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1"}, nil, nil)
	require.NoError(t, err)

	_, err = agent.Run(context.Background(), Task{NodeRequest: dag.NodeRequest{NodeID: "A", AgentName: "Writer"}})
	assert.Error(t, err)
}

func TestOpenAIAgent_RateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := fakeOpenAI(t, `{}`, nil, &calls)

	// One token, refilled far in the future: the second call must wait.
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	agent, err := NewOpenAIAgent(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1"}, limiter, nil)
	require.NoError(t, err)

	task := Task{NodeRequest: dag.NodeRequest{NodeID: "A", AgentName: "Writer"}}
	_, err = agent.Run(context.Background(), task)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = agent.Run(ctx, task)
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewLimiter(t *testing.T) {
	assert.Equal(t, rate.Inf, NewLimiter(0, 0).Limit())
	l := NewLimiter(2, 0)
	assert.Equal(t, rate.Limit(2), l.Limit())
	assert.Equal(t, 1, l.Burst())
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"object", `{"a":1}`, map[string]any{"a": float64(1)}},
		{"fenced", "```json\n{\"success\": false}\n```", map[string]any{"success": false}},
		{"array", `[1,2]`, map[string]any{"response": `[1,2]`}},
		{"text", "hello", map[string]any{"response": "hello"}},
		{"null", "null", map[string]any{"response": "null"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseReply(tt.in))
		})
	}
}
