// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestCondition_Classify(t *testing.T) {
	tests := []struct {
		expr string
		want ConditionKind
	}{
		{"", ConditionAlways},
		{"true", ConditionAlways},
		{"success===true", ConditionPriorSucceeded},
		{"result.success === true", ConditionPriorSucceeded},
		{"success == true", ConditionPriorSucceeded},
		{"success===false", ConditionPriorFailed},
		{"!success", ConditionPriorFailed},
		{"validation failed", ConditionPriorFailed},
		{"predicate: approved", ConditionPredicate},
		{"score > 0.8", ConditionUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			c := NewCondition("result", tt.expr)
			assert.Equal(t, tt.want, c.Kind, "kind %s", c.Kind)
		})
	}

	assert.Equal(t, "approved", NewCondition("result", "predicate: approved").Ref)
}

func TestCondition_UnmarshalJSON(t *testing.T) {
	t.Run("double encoded string", func(t *testing.T) {
		var e Edge
		raw := `{"from":"B","to":"C","flowType":"autonomous_decision","condition":"{\"type\":\"result\",\"expression\":\"success===true\"}"}`
		require.NoError(t, json.Unmarshal([]byte(raw), &e))
		require.NotNil(t, e.Condition)
		assert.Equal(t, "result", e.Condition.Type)
		assert.Equal(t, "success===true", e.Condition.Expression)
		assert.Equal(t, ConditionPriorSucceeded, e.Condition.Kind)
	})

	t.Run("object form", func(t *testing.T) {
		var c Condition
		require.NoError(t, json.Unmarshal([]byte(`{"type":"result","expression":"success===false"}`), &c))
		assert.Equal(t, ConditionPriorFailed, c.Kind)
	})

	t.Run("malformed payload degrades to unknown", func(t *testing.T) {
		var c Condition
		require.NoError(t, json.Unmarshal([]byte(`"{not json"`), &c))
		assert.Equal(t, ConditionUnknown, c.Kind)
		assert.NotEmpty(t, c.DecodeError)
	})

	t.Run("wrong json type", func(t *testing.T) {
		var c Condition
		assert.Error(t, json.Unmarshal([]byte(`42`), &c))
	})
}

func TestCondition_MarshalJSONKeepsDoubleEncoding(t *testing.T) {
	e := Edge{ID: "B->C", From: "B", To: "C", Flow: FlowAutonomousDecision, Condition: PriorSucceeded()}

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(data, &generic))
	encoded, ok := generic["condition"].(string)
	require.True(t, ok, "condition must be serialized as a string")
	assert.JSONEq(t, `{"type":"result","expression":"success===true"}`, encoded)

	var back Edge
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ConditionPriorSucceeded, back.Condition.Kind)
}

func TestCondition_UnmarshalYAML(t *testing.T) {
	src := `
- from: B
  to: C
  condition: '{"type":"result","expression":"success===true"}'
- from: B
  to: D
  condition:
    type: result
    expression: success===false
`
	var edges []Edge
	require.NoError(t, yaml.Unmarshal([]byte(src), &edges))
	require.Len(t, edges, 2)
	assert.Equal(t, ConditionPriorSucceeded, edges[0].Condition.Kind)
	assert.Equal(t, ConditionPriorFailed, edges[1].Condition.Kind)
}

func TestConditionEvaluator_Typed(t *testing.T) {
	ev := NewConditionEvaluator(ConditionModeTyped, nil, nil)
	ctx := context.Background()
	succeeded := &Edge{From: "B", To: "C", Flow: FlowAutonomousDecision, Condition: PriorSucceeded()}
	failed := &Edge{From: "B", To: "D", Flow: FlowAutonomousDecision, Condition: PriorFailed()}

	tests := []struct {
		name   string
		output any
		want   bool
	}{
		{"missing output", nil, true},
		{"record without flag", map[string]any{"text": "ok"}, true},
		{"record success true", map[string]any{"success": true}, true},
		{"record success false", map[string]any{"success": false}, false},
		{"record success string", map[string]any{"success": "false"}, false},
		{"plain string", "all good", true},
		{"string with marker", `{"success": false, "why": "lint"}`, false},
		{"struct", struct {
			Success bool `json:"success"`
		}{false}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := map[string]any{}
			if tt.output != nil {
				state["B"] = tt.output
			}
			assert.Equal(t, tt.want, ev.Evaluate(ctx, succeeded, state))
			assert.Equal(t, !tt.want, ev.Evaluate(ctx, failed, state))
		})
	}
}

func TestConditionEvaluator_TypedIgnoresOtherNodes(t *testing.T) {
	ev := NewConditionEvaluator(ConditionModeTyped, nil, nil)
	edge := &Edge{From: "B", To: "C", Flow: FlowAutonomousDecision, Condition: PriorSucceeded()}

	state := map[string]any{
		"A":               map[string]any{"success": false},
		"B":               map[string]any{"success": true},
		KeyLastNodeOutput: map[string]any{"success": false},
	}
	assert.True(t, ev.Evaluate(context.Background(), edge, state))
}

func TestConditionEvaluator_Legacy(t *testing.T) {
	ev := NewConditionEvaluator(ConditionModeLegacy, nil, nil)
	edge := &Edge{From: "B", To: "C", Flow: FlowAutonomousDecision, Condition: PriorSucceeded()}

	assert.True(t, ev.Evaluate(context.Background(), edge, map[string]any{
		KeyLastNodeOutput: map[string]any{"success": true},
	}))
	assert.False(t, ev.Evaluate(context.Background(), edge, map[string]any{
		KeyLastNodeOutput: map[string]any{"nested": map[string]any{"success": false}},
	}))
}

func TestConditionEvaluator_NoConditionPasses(t *testing.T) {
	ev := NewConditionEvaluator("", nil, nil)
	assert.True(t, ev.Evaluate(context.Background(), &Edge{From: "a", To: "b"}, nil))
	assert.True(t, ev.Evaluate(context.Background(), nil, nil))
}

func TestConditionEvaluator_FailureOpen(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	preds := map[string]Predicate{
		"broken": func(context.Context, map[string]any) (bool, error) { return false, errors.New("store offline") },
		"no":     func(context.Context, map[string]any) (bool, error) { return false, nil },
	}
	ev := NewConditionEvaluator(ConditionModeTyped, preds, logger)
	ctx := context.Background()

	tests := []struct {
		name        string
		cond        *Condition
		wantPass    bool
		wantWarning bool
	}{
		{"unknown expression", NewCondition("result", "confidence > 0.9"), true, true},
		{"missing predicate", PredicateRef("ghost"), true, true},
		{"predicate error", PredicateRef("broken"), true, true},
		{"predicate false", PredicateRef("no"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			edge := &Edge{ID: "x", From: "a", To: "b", Flow: FlowAutonomousDecision, Condition: tt.cond}
			v := ev.Check(ctx, edge, map[string]any{})
			assert.Equal(t, tt.wantPass, v.Pass)
			assert.Equal(t, tt.wantWarning, v.Warning != "")
		})
	}

	assert.Contains(t, buf.String(), "condition treated as satisfied")
}
