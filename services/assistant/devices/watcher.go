// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package devices

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces bursts of filesystem events (a PDF upload
// produces several) into one rescan.
const debounceWindow = 500 * time.Millisecond

// Watch rescans the registry whenever the manuals directory changes.
// It blocks until ctx is cancelled and is intended to run in its own
// goroutine. A missing directory is not an error; the watcher simply
// never fires.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.manualsDir); err != nil {
		slog.Warn("Cannot watch manuals directory", "dir", r.manualsDir, "error", err)
		<-ctx.Done()
		return nil
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Manuals watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			if err := r.Rescan(ctx); err != nil {
				slog.Warn("Device rescan failed", "error", err)
			}
		}
	}
}
