// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/dag"
)

var (
	// ErrPathRequired is returned when a persistent store has no path.
	ErrPathRequired = errors.New("path is required for persistent store")

	// ErrRunNotFound is returned when no record exists for a run id.
	ErrRunNotFound = errors.New("run not found")

	// ErrRecordCorrupted is returned when a stored record fails its checksum.
	ErrRecordCorrupted = errors.New("run record corrupted: checksum mismatch")

	// ErrNilResult is returned by Save for a nil result.
	ErrNilResult = errors.New("result must not be nil")
)

const (
	recordVersion = 1

	runPrefix  = "run/"
	timePrefix = "time/"
	dagPrefix  = "dag/"
)

// envelope wraps a stored payload with its integrity hash.
type envelope struct {
	Version  int             `json:"v"`
	Checksum string          `json:"sha256"`
	Payload  json.RawMessage `json:"payload"`
}

// RunSummary is the listing view of a stored run.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	DAGID      string    `json:"dag_id"`
	DAGName    string    `json:"dag_name"`
	Success    bool      `json:"success"`
	StartTime  time.Time `json:"start_time"`
	DurationMs int64     `json:"duration_ms"`
	FailedNode string    `json:"failed_node,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// ListOptions filters List.
type ListOptions struct {
	// DAGID restricts results to one DAG. Empty lists every DAG.
	DAGID string

	// Limit caps the number of summaries. Zero means 50.
	Limit int
}

// RunStore saves and retrieves execution results.
//
// Description:
//
//	Each result is stored under run/<run id> inside a checksummed envelope.
//	Two index keys order runs by start time, globally and per DAG, so List
//	returns the newest runs first without decoding every record.
//
// Thread Safety:
//
//	Safe for concurrent use.
type RunStore struct {
	db        *badger.DB
	gc        *gcLoop
	retainFor time.Duration
	logger    *slog.Logger
}

// Open opens or creates a run store.
func Open(cfg Config) (*RunStore, error) {
	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &RunStore{db: db, retainFor: cfg.RetainFor, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
	}
	return s, nil
}

// Close stops GC and closes the database.
func (s *RunStore) Close() error {
	if s.gc != nil {
		s.gc.Stop()
	}
	return s.db.Close()
}

// Save stores a run result, replacing any earlier record with the same run id.
func (s *RunStore) Save(ctx context.Context, result *dag.ExecutionResult) error {
	if result == nil {
		return ErrNilResult
	}
	if result.RunID == "" {
		return fmt.Errorf("save run: run id is empty")
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", result.RunID, err)
	}
	data, err := seal(payload)
	if err != nil {
		return fmt.Errorf("seal run %s: %w", result.RunID, err)
	}

	summary, err := json.Marshal(summarize(result))
	if err != nil {
		return fmt.Errorf("marshal summary %s: %w", result.RunID, err)
	}

	err = s.update(ctx, func(txn *badger.Txn) error {
		if err := txn.SetEntry(s.entry(runKey(result.RunID), data)); err != nil {
			return err
		}
		if err := txn.SetEntry(s.entry(timeKey(result), summary)); err != nil {
			return err
		}
		return txn.SetEntry(s.entry(dagKey(result), summary))
	})
	if err != nil {
		return fmt.Errorf("save run %s: %w", result.RunID, err)
	}

	s.logger.Debug("run saved",
		slog.String("run_id", result.RunID),
		slog.String("dag", result.DAGID),
		slog.Int("bytes", len(data)),
	)
	return nil
}

// Get loads a run result.
//
// Outputs:
//
//	*dag.ExecutionResult - The stored result. Err is not persisted and is nil.
//	error - ErrRunNotFound, ErrRecordCorrupted, or a storage error.
func (s *RunStore) Get(ctx context.Context, runID string) (*dag.ExecutionResult, error) {
	var payload []byte
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(runID))
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		payload, err = unseal(data)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}

	var result dag.ExecutionResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &result, nil
}

// List returns run summaries, newest first.
func (s *RunStore) List(ctx context.Context, opts ListOptions) ([]RunSummary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	prefix := []byte(timePrefix)
	if opts.DAGID != "" {
		prefix = []byte(dagPrefix + opts.DAGID + "/")
	}

	out := make([]RunSummary, 0, limit)
	err := s.view(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         prefix,
			Reverse:        true,
			PrefetchValues: true,
			PrefetchSize:   limit,
		})
		defer it.Close()

		// Reverse iteration must seek past the last key under prefix.
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			var sum RunSummary
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sum)
			})
			if err != nil {
				return fmt.Errorf("decode summary %s: %w", it.Item().Key(), err)
			}
			out = append(out, sum)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// Delete removes a run and its index entries.
func (s *RunStore) Delete(ctx context.Context, runID string) error {
	result, err := s.Get(ctx, runID)
	if err != nil && !errors.Is(err, ErrRecordCorrupted) {
		return err
	}

	return s.update(ctx, func(txn *badger.Txn) error {
		if err := txn.Delete(runKey(runID)); err != nil {
			return err
		}
		if result == nil {
			return nil
		}
		if err := txn.Delete(timeKey(result)); err != nil {
			return err
		}
		return txn.Delete(dagKey(result))
	})
}

// Recorder returns a callback that saves results, logging instead of failing.
// The API server calls it after each run.
func (s *RunStore) Recorder() func(ctx context.Context, result *dag.ExecutionResult) {
	return func(ctx context.Context, result *dag.ExecutionResult) {
		if err := s.Save(ctx, result); err != nil {
			s.logger.Warn("failed to persist run",
				slog.String("run_id", result.RunID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *RunStore) entry(key, value []byte) *badger.Entry {
	e := badger.NewEntry(key, value)
	if s.retainFor > 0 {
		e = e.WithTTL(s.retainFor)
	}
	return e
}

func summarize(r *dag.ExecutionResult) RunSummary {
	return RunSummary{
		RunID:      r.RunID,
		DAGID:      r.DAGID,
		DAGName:    r.DAGName,
		Success:    r.Success,
		StartTime:  r.StartTime,
		DurationMs: r.DurationMs,
		FailedNode: r.FailedNode,
		Error:      r.Error,
	}
}

func runKey(runID string) []byte {
	return []byte(runPrefix + runID)
}

// Start times are zero-padded so lexical order is chronological.
func timeKey(r *dag.ExecutionResult) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", timePrefix, r.StartTime.UnixNano(), r.RunID))
}

func dagKey(r *dag.ExecutionResult) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", dagPrefix, r.DAGID, r.StartTime.UnixNano(), r.RunID))
}

func seal(payload []byte) ([]byte, error) {
	sum := sha256.Sum256(payload)
	return json.Marshal(envelope{
		Version:  recordVersion,
		Checksum: hex.EncodeToString(sum[:]),
		Payload:  payload,
	})
}

func unseal(data []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordCorrupted, err)
	}
	if env.Version != recordVersion {
		return nil, fmt.Errorf("unsupported record version %d", env.Version)
	}
	sum := sha256.Sum256(env.Payload)
	if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, env.Checksum) {
		return nil, fmt.Errorf("%w: expected=%s computed=%s", ErrRecordCorrupted, env.Checksum, got)
	}
	return env.Payload, nil
}
