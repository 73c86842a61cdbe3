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
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watch waits for a burst of file events to settle.
const DefaultDebounce = 200 * time.Millisecond

// Watch reloads the catalog whenever a definition file in the directory
// changes. It blocks until ctx is cancelled.
//
// Description:
//
//	Editors often write a file as several events (truncate, write, rename).
//	Events are coalesced over the debounce window and trigger one Reload.
//
// Inputs:
//
//	ctx - Cancellation stops the watch.
//	debounce - Quiet period before reloading. Zero means DefaultDebounce.
//
// Outputs:
//
//	error - Non-nil if the watcher cannot be created. Returns nil on cancellation.
func (c *Catalog) Watch(ctx context.Context, debounce time.Duration) error {
	if c.dir == "" {
		<-ctx.Done()
		return nil
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}
	c.logger.Info("watching catalog", slog.String("dir", c.dir))

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			c.logger.Debug("catalog change",
				slog.String("path", event.Name),
				slog.String("op", event.Op.String()),
			)
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			if _, err := c.Reload(); err != nil {
				c.logger.Error("catalog reload failed", slog.String("error", err.Error()))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("catalog watcher error", slog.String("error", err.Error()))
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	return isDefinitionFile(filepath.Base(event.Name))
}
