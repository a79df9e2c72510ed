// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for kernelchat.
package config

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes on disk and delivers the
// validated result to onReload. Invalid intermediate states (editors often
// write in two steps) are skipped with a debug log.
//
// The returned stop function releases the watcher.
func Watch(path string, onReload func(*Config)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: rename-and-replace saves would
	// otherwise drop the watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	logger := slog.Default().With("component", "config")
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadFromPath(path)
				if err != nil {
					logger.Debug("config reload skipped", "error", err)
					continue
				}
				logger.Info("config reloaded", "path", path)
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Debug("config watcher error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
