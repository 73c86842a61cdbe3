// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package agents provides NodeExecutor implementations for the DAG engine.
package agents

import (
	"sync"
	"time"

	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/dag"
)

// Message is one distributed decision result waiting for an agent.
type Message struct {
	RunID      string       `json:"run_id"`
	FromNode   string       `json:"from_node"`
	FromAgent  string       `json:"from_agent"`
	SourceKind dag.NodeKind `json:"source_kind"`
	Result     any          `json:"result"`
	At         time.Time    `json:"at"`
}

type mailboxKey struct {
	runID string
	agent string
}

// Mailbox is the in-memory context store that decision results are
// distributed into. Agents read their messages when they next run.
//
// Thread Safety: Safe for concurrent use.
type Mailbox struct {
	mu    sync.Mutex
	boxes map[mailboxKey][]Message
	now   func() time.Time
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		boxes: make(map[mailboxKey][]Message),
		now:   time.Now,
	}
}

// Deliver appends the distribution's result to every target agent's queue.
func (m *Mailbox) Deliver(d dag.Distribution) {
	msg := Message{
		RunID:      d.RunID,
		FromNode:   d.NodeID,
		FromAgent:  d.SourceAgentName,
		SourceKind: d.AgentKind,
		Result:     d.Result,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	msg.At = m.now()
	for _, agent := range d.TargetAgents {
		key := mailboxKey{runID: d.RunID, agent: agent}
		m.boxes[key] = append(m.boxes[key], msg)
	}
}

// Peek returns a copy of the pending messages without removing them.
func (m *Mailbox) Peek(runID, agent string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.boxes[mailboxKey{runID, agent}]...)
}

// Drain removes and returns the pending messages for one agent in one run.
func (m *Mailbox) Drain(runID, agent string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := mailboxKey{runID, agent}
	msgs := m.boxes[key]
	delete(m.boxes, key)
	return msgs
}

// Forget drops everything queued for a run.
func (m *Mailbox) Forget(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.boxes {
		if key.runID == runID {
			delete(m.boxes, key)
		}
	}
}

// Len reports the number of queued messages across all runs.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msgs := range m.boxes {
		n += len(msgs)
	}
	return n
}
