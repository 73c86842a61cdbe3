// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package catalog holds the DAG definitions a SAGA server can run.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/dag"
)

// ErrNotFound is returned when no DAG has the requested id.
var ErrNotFound = errors.New("dag not found")

// Entry is one validated DAG.
type Entry struct {
	Graph    *dag.Graph
	Path     string
	LoadedAt time.Time
}

// Summary is the listing view of an entry.
type Summary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Version     string    `json:"version"`
	Nodes       int       `json:"nodes"`
	Edges       int       `json:"edges"`
	Path        string    `json:"path,omitempty"`
	LoadedAt    time.Time `json:"loaded_at"`
	Warnings    []string  `json:"warnings,omitempty"`
}

// Summary describes the entry.
func (e *Entry) Summary() Summary {
	g := e.Graph
	return Summary{
		ID:          g.ID(),
		Name:        g.Name(),
		Description: g.Description(),
		Version:     g.Version(),
		Nodes:       g.NodeCount(),
		Edges:       len(g.Edges()),
		Path:        e.Path,
		LoadedAt:    e.LoadedAt,
		Warnings:    g.Warnings(),
	}
}

// Catalog maps DAG ids to validated graphs.
//
// Description:
//
//	Definitions come from *.json, *.yaml and *.yml files in a directory and
//	from Put. A file that fails to parse or validate is recorded in Errors
//	and never replaces a previously good entry from another source. Reload
//	swaps the file-backed set atomically; entries added with Put survive.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Catalog struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	entries  map[string]*Entry
	failures map[string]string
	handlers []func(ids []string)
}

// New creates a catalog over dir. An empty dir yields a catalog fed only by Put.
func New(dir string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		dir:      dir,
		logger:   logger,
		entries:  make(map[string]*Entry),
		failures: make(map[string]string),
	}
}

// Dir returns the watched directory.
func (c *Catalog) Dir() string { return c.dir }

// OnChange registers fn to be called with the ids that were added, replaced
// or removed. fn runs on the goroutine that made the change.
func (c *Catalog) OnChange(fn func(ids []string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// Get returns the entry for id.
func (c *Catalog) Get(id string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// List returns summaries sorted by id.
func (c *Catalog) List() []Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Summary, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Errors returns load failures keyed by file path.
func (c *Catalog) Errors() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.failures))
	for k, v := range c.failures {
		out[k] = v
	}
	return out
}

// Put validates def and adds or replaces its entry.
func (c *Catalog) Put(def *dag.Definition) (*Entry, error) {
	g, err := dag.NewGraph(def)
	if err != nil {
		return nil, err
	}
	e := &Entry{Graph: g, LoadedAt: time.Now()}

	c.mu.Lock()
	c.entries[g.ID()] = e
	handlers := append([]func([]string){}, c.handlers...)
	c.mu.Unlock()

	notify(handlers, []string{g.ID()})
	return e, nil
}

// Reload rescans the directory.
//
// Outputs:
//
//	int - Number of definitions loaded from files.
//	error - Non-nil only if the directory itself cannot be read. Per-file
//	        failures are reported through Errors.
func (c *Catalog) Reload() (int, error) {
	if c.dir == "" {
		return 0, nil
	}

	files, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("catalog directory missing", slog.String("dir", c.dir))
		files = nil
	} else if err != nil {
		return 0, fmt.Errorf("read catalog dir %s: %w", c.dir, err)
	}

	loaded := make(map[string]*Entry)
	fromFiles := 0
	failures := make(map[string]string)
	now := time.Now()
	for _, f := range files {
		if f.IsDir() || !isDefinitionFile(f.Name()) {
			continue
		}
		path := filepath.Join(c.dir, f.Name())
		g, err := loadGraph(path)
		if err != nil {
			failures[path] = err.Error()
			c.logger.Warn("definition rejected",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		if prev, dup := loaded[g.ID()]; dup {
			failures[path] = fmt.Sprintf("duplicate dag id %q, already loaded from %s", g.ID(), prev.Path)
			continue
		}
		loaded[g.ID()] = &Entry{Graph: g, Path: path, LoadedAt: now}
		fromFiles++
	}

	c.mu.Lock()
	var changed []string
	for id, e := range c.entries {
		if e.Path == "" {
			// Put entries stay unless a file now claims the id.
			if _, ok := loaded[id]; !ok {
				loaded[id] = e
			} else {
				changed = append(changed, id)
			}
			continue
		}
		if _, ok := loaded[id]; !ok {
			changed = append(changed, id)
		}
	}
	for id, e := range loaded {
		if e.Path != "" && c.entries[id] != e {
			changed = append(changed, id)
		}
	}
	c.entries = loaded
	c.failures = failures
	handlers := append([]func([]string){}, c.handlers...)
	c.mu.Unlock()

	sort.Strings(changed)
	changed = slices.Compact(changed)
	c.logger.Info("catalog loaded",
		slog.String("dir", c.dir),
		slog.Int("dags", fromFiles),
		slog.Int("rejected", len(failures)),
	)
	if len(changed) > 0 {
		notify(handlers, changed)
	}
	return fromFiles, nil
}

func loadGraph(path string) (*dag.Graph, error) {
	def, err := dag.LoadDefinitionFile(path)
	if err != nil {
		return nil, err
	}
	return dag.NewGraph(def)
}

func isDefinitionFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func notify(handlers []func([]string), ids []string) {
	for _, h := range handlers {
		h(ids)
	}
}
