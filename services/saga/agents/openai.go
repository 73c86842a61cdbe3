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
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/dag"
)

// ErrMissingAPIKey is returned when an OpenAI agent has no API key.
var ErrMissingAPIKey = errors.New("openai api key is not set")

// ErrEmptyCompletion is returned when the model returns no choices.
var ErrEmptyCompletion = errors.New("openai returned no choices")

// OpenAIConfig configures an OpenAIAgent.
type OpenAIConfig struct {
	APIKey  string `yaml:"-" json:"-"`
	BaseURL string `yaml:"base_url" json:"base_url"`
	Model   string `yaml:"model" json:"model"`

	// SystemPrompt is sent as the system message of every call.
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`

	Temperature float32 `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens" validate:"gte=0"`

	// RequestsPerSecond limits calls across every agent sharing the limiter.
	// Zero disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" json:"burst" validate:"gte=0"`
}

// OpenAIAgent runs a node as one chat completion.
//
// Description:
//
//	The user message is a JSON document holding the node, its targets, the
//	execution context and any distributed inbox messages. A reply that parses
//	as a JSON object is returned as a record so its keys can drive edge
//	conditions; anything else is wrapped as {"response": text}.
//
// Thread Safety: Safe for concurrent use.
type OpenAIAgent struct {
	client  *openai.Client
	cfg     OpenAIConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewOpenAIAgent creates an agent. A nil limiter is built from the config.
func NewOpenAIAgent(cfg OpenAIConfig, limiter *rate.Limiter, logger *slog.Logger) (*OpenAIAgent, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = NewLimiter(cfg.RequestsPerSecond, cfg.Burst)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIAgent{
		client:  openai.NewClientWithConfig(clientCfg),
		cfg:     cfg,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// NewLimiter returns a limiter for rps requests per second. rps <= 0 means unlimited.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// WithSystemPrompt returns a copy of the agent using a different system prompt.
// The copy shares the client and the limiter.
func (a *OpenAIAgent) WithSystemPrompt(prompt string) *OpenAIAgent {
	c := *a
	c.cfg.SystemPrompt = prompt
	return &c
}

// Run implements Agent.
func (a *OpenAIAgent) Run(ctx context.Context, task Task) (any, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	prompt, err := userPrompt(task)
	if err != nil {
		return nil, err
	}

	req := openai.ChatCompletionRequest{
		Model:       a.cfg.Model,
		Temperature: a.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: a.systemPrompt(task)},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if a.cfg.MaxTokens > 0 {
		req.MaxCompletionTokens = a.cfg.MaxTokens
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion for %s: %w", task.AgentName, err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyCompletion
	}

	choice := resp.Choices[0]
	a.logger.Debug("completion received",
		slog.String("run_id", task.RunID),
		slog.String("node", task.NodeID),
		slog.String("model", resp.Model),
		slog.String("finish_reason", string(choice.FinishReason)),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return parseReply(choice.Message.Content), nil
}

func (a *OpenAIAgent) systemPrompt(task Task) string {
	if a.cfg.SystemPrompt != "" {
		return a.cfg.SystemPrompt
	}
	return fmt.Sprintf("You are the %s agent in a multi-agent workflow. Reply with a JSON object.", task.AgentName)
}

type promptDoc struct {
	Node    string         `json:"node"`
	Agent   string         `json:"agent"`
	From    string         `json:"from,omitempty"`
	Targets []string       `json:"targets,omitempty"`
	Context map[string]any `json:"context"`
	Inbox   []Message      `json:"inbox,omitempty"`
}

func userPrompt(task Task) (string, error) {
	ctxCopy := make(map[string]any, len(task.Context))
	for k, v := range task.Context {
		// Reserved keys repeat other entries.
		if k == dag.KeyLastNodeOutput {
			continue
		}
		ctxCopy[k] = v
	}
	data, err := json.Marshal(promptDoc{
		Node:    task.NodeID,
		Agent:   task.AgentName,
		From:    task.SourceAgentName,
		Targets: task.TargetAgents,
		Context: ctxCopy,
		Inbox:   task.Inbox,
	})
	if err != nil {
		return "", fmt.Errorf("encode prompt for %s: %w", task.NodeID, err)
	}
	return string(data), nil
}

// parseReply unwraps a JSON object reply, tolerating a fenced code block.
func parseReply(content string) any {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(text), &record); err == nil && record != nil {
		return record
	}
	return map[string]any{"response": content}
}
