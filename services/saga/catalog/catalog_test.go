// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/dag"
)

func linearYAML(id string) string {
	return fmt.Sprintf(`
id: %s
name: %s flow
entryNode: entry
exitNodes: [exit]
nodes:
  - {id: entry, type: entry, agentName: Start}
  - {id: A, type: agent, agentName: Writer}
  - {id: exit, type: exit, agentName: End}
edges:
  - {from: entry, to: A, flowType: context_pass}
  - {from: A, to: exit, flowType: llm_call}
`, id, id)
}

const cyclicJSON = `{
  "id": "loop",
  "entryNode": "entry",
  "exitNodes": ["exit"],
  "nodes": [
    {"id": "entry", "type": "entry", "agentName": "Start"},
    {"id": "A", "type": "agent", "agentName": "X"},
    {"id": "B", "type": "agent", "agentName": "Y"},
    {"id": "exit", "type": "exit", "agentName": "End"}
  ],
  "edges": [
    {"from": "entry", "to": "A", "flowType": "context_pass"},
    {"from": "A", "to": "B", "flowType": "llm_call"},
    {"from": "B", "to": "A", "flowType": "llm_call"},
    {"from": "B", "to": "exit", "flowType": "llm_call"}
  ]
}`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestCatalog_Reload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "draft.yaml", linearYAML("draft"))
	writeFile(t, dir, "research.yml", linearYAML("research"))
	bad := writeFile(t, dir, "loop.json", cyclicJSON)
	writeFile(t, dir, "notes.txt", "ignored")
	writeFile(t, dir, ".hidden.yaml", linearYAML("hidden"))

	c := New(dir, nil)
	n, err := c.Reload()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "draft", list[0].ID)
	assert.Equal(t, "research", list[1].ID)
	assert.Equal(t, 3, list[0].Nodes)
	assert.Equal(t, 2, list[0].Edges)

	errs := c.Errors()
	require.Contains(t, errs, bad)
	assert.Contains(t, errs[bad], "cycle")

	e, err := c.Get("draft")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "draft.yaml"), e.Path)

	_, err = c.Get("loop")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalog_DuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", linearYAML("same"))
	second := writeFile(t, dir, "b.yaml", linearYAML("same"))

	c := New(dir, nil)
	n, err := c.Reload()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, c.Errors()[second], "duplicate")
}

func TestCatalog_MissingDir(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "absent"), nil)
	n, err := c.Reload()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, c.List())
}

func TestCatalog_PutSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "draft.yaml", linearYAML("draft"))

	c := New(dir, nil)
	var mu sync.Mutex
	var changes [][]string
	c.OnChange(func(ids []string) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, ids)
	})

	def, err := dag.ParseDefinitionYAML([]byte(linearYAML("adhoc")))
	require.NoError(t, err)
	_, err = c.Put(def)
	require.NoError(t, err)

	_, err = c.Reload()
	require.NoError(t, err)

	ids := []string{}
	for _, s := range c.List() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"adhoc", "draft"}, ids)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.Equal(t, []string{"adhoc"}, changes[0])
	assert.Equal(t, []string{"draft"}, changes[1])
}

func TestCatalog_PutInvalid(t *testing.T) {
	c := New("", nil)
	def, err := dag.ParseDefinitionJSON([]byte(cyclicJSON))
	require.NoError(t, err)

	_, err = c.Put(def)
	assert.ErrorIs(t, err, dag.ErrCycleDetected)
	assert.Empty(t, c.List())
}

func TestCatalog_RemovedFileNotifies(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "draft.yaml", linearYAML("draft"))

	c := New(dir, nil)
	_, err := c.Reload()
	require.NoError(t, err)

	var got []string
	c.OnChange(func(ids []string) { got = ids })

	require.NoError(t, os.Remove(path))
	_, err = c.Reload()
	require.NoError(t, err)
	assert.Equal(t, []string{"draft"}, got)
	assert.Empty(t, c.List())
}

func TestCatalog_Watch(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, nil)
	_, err := c.Reload()
	require.NoError(t, err)

	reloaded := make(chan []string, 4)
	c.OnChange(func(ids []string) { reloaded <- ids })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, 20*time.Millisecond) }()

	// Give the watcher time to register the directory.
	require.Eventually(t, func() bool {
		writeFile(t, dir, "draft.yaml", linearYAML("draft"))
		select {
		case ids := <-reloaded:
			return assert.ObjectsAreEqual([]string{"draft"}, ids)
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	_, err = c.Get("draft")
	assert.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestCatalog_WatchNoDir(t *testing.T) {
	c := New("", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, c.Watch(ctx, 0))
}
