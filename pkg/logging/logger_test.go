// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"Warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, strings.ToUpper(got.String()), got.String())
		})
	}
}

func TestLevel_ZeroIsInfo(t *testing.T) {
	var cfg Config
	assert.Equal(t, LevelInfo, cfg.Level)
	assert.Equal(t, "UNKNOWN", Level(42).String())
	assert.Equal(t, slog.LevelInfo, Level(42).slogLevel())
}

func TestNew_ConsoleFormats(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Output: &buf, Service: "saga-test"})
	require.NoError(t, err)

	l.Slog().Info("hello", slog.String("run_id", "r1"))
	l.Slog().Debug("hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec), "non-terminal output defaults to JSON")
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "saga-test", rec["service"])
	assert.Equal(t, "r1", rec["run_id"])

	buf.Reset()
	l, err = New(Config{Output: &buf, Format: FormatText, Level: LevelDebug})
	require.NoError(t, err)
	l.Slog().Debug("visible")
	assert.Contains(t, buf.String(), "msg=visible")
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	l, err := New(Config{LogDir: dir, Service: "engine", Output: &console, Format: FormatText})
	require.NoError(t, err)
	require.NotEmpty(t, l.Path())

	l.Slog().Warn("branch pruned", slog.String("node", "X"))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "second close is a no-op")

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "X", rec["node"])
	assert.Contains(t, console.String(), "branch pruned")
}

func TestNew_QuietWithoutFile(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Quiet: true, Output: &buf})
	require.NoError(t, err)

	l.Slog().Error("dropped")
	assert.Empty(t, buf.String())
	assert.NoError(t, l.Close())
}

func TestNew_BadLogDir(t *testing.T) {
	file := t.TempDir() + "/not-a-dir"
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	_, err := New(Config{LogDir: file, Quiet: true})
	assert.Error(t, err)
}
