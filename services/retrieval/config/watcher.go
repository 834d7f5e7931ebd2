// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce batches the burst of filesystem events an editor or atomic
// rename produces into one reload.
const watchDebounce = 200 * time.Millisecond

// Watch reloads the store whenever the pipelines file changes on disk and
// blocks until ctx is cancelled.
//
// Description:
//
//	The store already detects stale snapshots by modification time on every
//	read; the watcher exists so config-change listeners (cache
//	invalidation) fire promptly rather than on the next read. The parent
//	directory is watched instead of the file itself because atomic writes
//	replace the file's inode, which would silently detach a file-level
//	watch.
//
// Outputs:
//   - error: Non-nil only when the watcher cannot be established.
func Watch(ctx context.Context, s *Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.Path())); err != nil {
		return err
	}
	base := filepath.Base(s.Path())
	logger.Info("Watching pipelines file", slog.String("path", s.Path()))

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(watchDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Pipelines file watcher error", slog.Any("error", err))

		case <-debounce:
			debounce = nil
			if err := s.Reload(); err != nil {
				logger.Error("Hot reload of pipelines file failed",
					slog.String("path", s.Path()),
					slog.Any("error", err))
				continue
			}
			logger.Info("Pipelines file hot-reloaded", slog.String("path", s.Path()))
		}
	}
}
