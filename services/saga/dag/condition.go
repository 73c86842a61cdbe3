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
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConditionKind is the decoded form of an edge condition.
type ConditionKind int

const (
	// ConditionAlways passes unconditionally.
	ConditionAlways ConditionKind = iota

	// ConditionPriorSucceeded passes when the source node's output reports success.
	ConditionPriorSucceeded

	// ConditionPriorFailed passes when the source node's output reports failure.
	ConditionPriorFailed

	// ConditionPredicate delegates to a registered Predicate.
	ConditionPredicate

	// ConditionUnknown could not be classified. It passes, with a warning.
	ConditionUnknown
)

// String returns the kind name.
func (k ConditionKind) String() string {
	switch k {
	case ConditionAlways:
		return "always"
	case ConditionPriorSucceeded:
		return "prior_succeeded"
	case ConditionPriorFailed:
		return "prior_failed"
	case ConditionPredicate:
		return "predicate"
	default:
		return "unknown"
	}
}

// predicatePrefix introduces a reference to a registered Predicate.
const predicatePrefix = "predicate:"

// successFalseMarker matches a serialized `"success": false` field.
var successFalseMarker = regexp.MustCompile(`"success"\s*:\s*false`)

// Condition is an edge condition, decoded once when the definition is loaded.
//
// Description:
//
//	On the wire a condition is a JSON-encoded string nested inside the edge
//	document: `"condition": "{\"type\":\"result\",\"expression\":\"success===true\"}"`.
//	The plain object form is accepted as well. MarshalJSON always writes the
//	double-encoded form so documents round-trip unchanged.
type Condition struct {
	// Type is the condition family. Only "result" is produced by current tooling.
	Type string `json:"type"`

	// Expression is the original textual predicate.
	Expression string `json:"expression"`

	// Kind is the classified form of Expression.
	Kind ConditionKind `json:"-"`

	// Ref is the predicate name when Kind is ConditionPredicate.
	Ref string `json:"-"`

	// DecodeError records why a malformed condition payload fell back to ConditionUnknown.
	DecodeError string `json:"-"`
}

type conditionDoc struct {
	Type       string `json:"type" yaml:"type"`
	Expression string `json:"expression" yaml:"expression"`
}

// NewCondition builds and classifies a condition.
func NewCondition(condType, expression string) *Condition {
	c := &Condition{Type: condType, Expression: expression}
	c.classify()
	return c
}

// Always returns a condition that always passes.
func Always() *Condition { return NewCondition("result", "true") }

// PriorSucceeded returns a condition passing when the source node succeeded.
func PriorSucceeded() *Condition { return NewCondition("result", "success===true") }

// PriorFailed returns a condition passing when the source node reported failure.
func PriorFailed() *Condition { return NewCondition("result", "success===false") }

// PredicateRef returns a condition evaluated by the named Predicate.
func PredicateRef(name string) *Condition { return NewCondition("predicate", predicatePrefix+name) }

func (c *Condition) classify() {
	expr := strings.TrimSpace(c.Expression)
	if strings.HasPrefix(strings.ToLower(expr), predicatePrefix) {
		c.Kind = ConditionPredicate
		c.Ref = strings.TrimSpace(expr[len(predicatePrefix):])
		return
	}

	norm := strings.ToLower(strings.Join(strings.Fields(expr), ""))
	switch {
	case norm == "" || norm == "true" || norm == "always":
		c.Kind = ConditionAlways
	case strings.Contains(norm, "success===false"),
		strings.Contains(norm, "success==false"),
		strings.Contains(norm, "!success"),
		strings.Contains(norm, "failed"),
		strings.Contains(norm, "failure"):
		c.Kind = ConditionPriorFailed
	case strings.Contains(norm, "success===true"),
		strings.Contains(norm, "success==true"),
		strings.Contains(norm, "succeeded"),
		norm == "success":
		c.Kind = ConditionPriorSucceeded
	default:
		c.Kind = ConditionUnknown
	}
}

func (c *Condition) decodeEncoded(raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*c = *NewCondition("result", "")
		return
	}
	var doc conditionDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		*c = Condition{
			Type:        "result",
			Expression:  raw,
			Kind:        ConditionUnknown,
			DecodeError: err.Error(),
		}
		return
	}
	*c = *NewCondition(doc.Type, doc.Expression)
}

// UnmarshalJSON accepts both the double-encoded string and the object form.
func (c *Condition) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return fmt.Errorf("decode condition string: %w", err)
		}
		c.decodeEncoded(encoded)
		return nil
	}
	var doc conditionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode condition object: %w", err)
	}
	*c = *NewCondition(doc.Type, doc.Expression)
	return nil
}

// MarshalJSON writes the double-encoded string form.
func (c Condition) MarshalJSON() ([]byte, error) {
	inner, err := json.Marshal(conditionDoc{Type: c.Type, Expression: c.Expression})
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(inner))
}

// UnmarshalYAML accepts a scalar holding the encoded JSON, or a mapping.
func (c *Condition) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		c.decodeEncoded(value.Value)
		return nil
	}
	var doc conditionDoc
	if err := value.Decode(&doc); err != nil {
		return fmt.Errorf("decode condition mapping: %w", err)
	}
	*c = *NewCondition(doc.Type, doc.Expression)
	return nil
}

// ConditionMode selects how success/failure conditions inspect prior output.
type ConditionMode string

const (
	// ConditionModeTyped reads the `success` field of the source node's output.
	ConditionModeTyped ConditionMode = "typed"

	// ConditionModeLegacy scans the serialized last output for a `"success": false`
	// marker, reproducing the behaviour of earlier releases.
	ConditionModeLegacy ConditionMode = "legacy"
)

// Predicate decides a ConditionPredicate edge against a context snapshot.
type Predicate func(ctx context.Context, state map[string]any) (bool, error)

// Verdict is the outcome of evaluating one edge.
type Verdict struct {
	Pass bool

	// Warning is set when evaluation degraded to a permissive pass.
	Warning string
}

// ConditionEvaluator decides whether a conditional edge's gate is open.
//
// Description:
//
//	Evaluation is lazy: it happens at traversal time against the live
//	context, because the source node's output does not exist earlier.
//	The evaluator is failure-open. Unknown expressions, malformed payloads,
//	missing predicates and predicate errors all pass with a warning rather
//	than stalling the graph.
//
// Thread Safety:
//
//	Safe for concurrent use once constructed.
type ConditionEvaluator struct {
	mode       ConditionMode
	predicates map[string]Predicate
	logger     *slog.Logger
}

// NewConditionEvaluator creates an evaluator.
//
// Inputs:
//
//	mode - Typed or legacy success detection. Empty means typed.
//	predicates - Named predicates for ConditionPredicate edges. May be nil.
//	logger - Logger for warnings. If nil, uses slog.Default().
func NewConditionEvaluator(mode ConditionMode, predicates map[string]Predicate, logger *slog.Logger) *ConditionEvaluator {
	if mode == "" {
		mode = ConditionModeTyped
	}
	if logger == nil {
		logger = slog.Default()
	}
	preds := make(map[string]Predicate, len(predicates))
	for name, p := range predicates {
		preds[name] = p
	}
	return &ConditionEvaluator{mode: mode, predicates: preds, logger: logger}
}

// Evaluate reports whether the edge may be traversed.
func (ev *ConditionEvaluator) Evaluate(ctx context.Context, edge *Edge, state map[string]any) bool {
	return ev.Check(ctx, edge, state).Pass
}

// Check evaluates the edge and reports any permissive fallback as a warning.
func (ev *ConditionEvaluator) Check(ctx context.Context, edge *Edge, state map[string]any) Verdict {
	if edge == nil || edge.Condition == nil {
		return Verdict{Pass: true}
	}
	cond := edge.Condition

	var v Verdict
	switch cond.Kind {
	case ConditionAlways:
		v = Verdict{Pass: true}
	case ConditionPriorSucceeded:
		v = Verdict{Pass: ev.priorSucceeded(edge, state)}
	case ConditionPriorFailed:
		v = Verdict{Pass: !ev.priorSucceeded(edge, state)}
	case ConditionPredicate:
		v = ev.checkPredicate(ctx, cond, state)
	default:
		msg := fmt.Sprintf("unrecognised condition expression %q", cond.Expression)
		if cond.DecodeError != "" {
			msg = fmt.Sprintf("malformed condition payload: %s", cond.DecodeError)
		}
		v = Verdict{Pass: true, Warning: msg}
	}

	if v.Warning != "" {
		ev.logger.Warn("condition treated as satisfied",
			slog.String("edge", edge.ID),
			slog.String("from", edge.From),
			slog.String("to", edge.To),
			slog.String("reason", v.Warning),
		)
	}
	return v
}

func (ev *ConditionEvaluator) checkPredicate(ctx context.Context, cond *Condition, state map[string]any) Verdict {
	pred, ok := ev.predicates[cond.Ref]
	if !ok || pred == nil {
		return Verdict{Pass: true, Warning: fmt.Sprintf("predicate %q is not registered", cond.Ref)}
	}
	pass, err := pred(ctx, state)
	if err != nil {
		return Verdict{Pass: true, Warning: fmt.Sprintf("predicate %q failed: %v", cond.Ref, err)}
	}
	return Verdict{Pass: pass}
}

func (ev *ConditionEvaluator) priorSucceeded(edge *Edge, state map[string]any) bool {
	if ev.mode == ConditionModeLegacy {
		data, err := json.Marshal(state[KeyLastNodeOutput])
		if err != nil {
			return true
		}
		return !successFalseMarker.Match(data)
	}
	return outputSucceeded(state[edge.From])
}

// outputSucceeded reads a typed success flag from a node output.
// Missing flags count as success. String outputs fall back to the marker scan.
func outputSucceeded(output any) bool {
	switch v := output.(type) {
	case nil:
		return true
	case map[string]any:
		return successField(v)
	case string:
		return !successFalseMarker.MatchString(v)
	case []byte:
		return !successFalseMarker.Match(v)
	case json.RawMessage:
		return !successFalseMarker.Match(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return true
		}
		var record map[string]any
		if err := json.Unmarshal(data, &record); err != nil {
			return !successFalseMarker.Match(data)
		}
		return successField(record)
	}
}

func successField(record map[string]any) bool {
	raw, ok := record["success"]
	if !ok {
		return true
	}
	switch s := raw.(type) {
	case bool:
		return s
	case string:
		return !strings.EqualFold(strings.TrimSpace(s), "false")
	default:
		return true
	}
}
