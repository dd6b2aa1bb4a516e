// Copyright 2025 The Sigstore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/sigstore/integrity-monitor/pkg/errs"
	"github.com/sigstore/integrity-monitor/pkg/storage"
	"github.com/sigstore/integrity-monitor/pkg/tracing"
)

// watchSet maps filesystem events back to the tracked roots they affect.
type watchSet struct {
	watcher *fsnotify.Watcher
	roots   map[string]storage.Kind
}

// watchedRoot is a tracked path affected by an event.
type watchedRoot struct {
	path string
	kind storage.Kind
}

// resolve returns every tracked root that name belongs to, innermost first:
// name itself when it is tracked, then each tracked directory above it.
func (w *watchSet) resolve(name string) []watchedRoot {
	name = filepath.Clean(name)
	var roots []watchedRoot
	if kind, ok := w.roots[name]; ok {
		roots = append(roots, watchedRoot{path: name, kind: kind})
	}
	for dir := filepath.Dir(name); ; dir = filepath.Dir(dir) {
		if kind, ok := w.roots[dir]; ok && kind.IsDirectory() {
			roots = append(roots, watchedRoot{path: dir, kind: kind})
		}
		if parent := filepath.Dir(dir); parent == dir {
			return roots
		}
	}
}

// addTree watches root and every directory below it.
func (w *watchSet) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			// A sub-directory that vanished mid-walk is picked up by the
			// next event on its parent.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return w.watcher.Add(path)
	})
}

// Watch follows live changes to every tracked path until ctx is cancelled.
// A check pass runs first when none has completed in this session.
//
// Events are handled on a single goroutine. A tracked root that disappears is
// logged as DELETION and marked missing; any other change re-verifies the
// root and re-signs it with a MODIFICATION entry on mismatch. Roots that
// cannot be watched are logged as ALERT and skipped.
func (m *Monitor) Watch(ctx context.Context) error {
	if err := m.requireKeys(); err != nil {
		return err
	}
	if !m.hasChecked() {
		if _, err := m.Check(ctx); err != nil {
			return fmt.Errorf("initial check: %w", err)
		}
	}

	runID := uuid.NewString()
	logger := m.logger.WithField("run_id", runID)

	return tracing.Run(ctx, "monitor.Watch", map[string]interface{}{"fim.run_id": runID}, func(ctx context.Context) error {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return errs.New(errs.IO, "start file watcher", err)
		}
		defer watcher.Close()

		ws := &watchSet{watcher: watcher, roots: make(map[string]storage.Kind)}
		files, err := m.store.ListFiles(ctx)
		if err != nil {
			return err
		}
		for _, p := range files {
			if err := m.subscribe(ctx, ws, p); err != nil {
				return err
			}
		}
		logger.Info("Watching %d of %d tracked path(s)", len(ws.roots), len(files))
		if m.afterSubscribe != nil {
			m.afterSubscribe()
		}

		for {
			select {
			case <-ctx.Done():
				logger.Info("Watch stopped")
				return nil
			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if err := m.handleEvent(ctx, runID, ws, ev); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					logger.Error("Handling %s: %v", ev, err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				logger.Warn("File watcher error: %v", err)
			}
		}
	})
}

// subscribe registers p with the watcher. File roots are watched through
// their parent directory so that re-creation is observed. The returned error
// is a store failure; watch failures are logged as ALERT and swallowed.
func (m *Monitor) subscribe(ctx context.Context, ws *watchSet, p storage.TrackedPath) error {
	watchErr := func() error {
		if _, err := os.Stat(p.Path); err != nil {
			return err
		}
		if err := ws.watcher.Add(filepath.Dir(p.Path)); err != nil && !p.Kind.IsDirectory() {
			return err
		}
		if p.Kind.IsDirectory() {
			return ws.addTree(p.Path)
		}
		return nil
	}()
	if watchErr == nil {
		ws.roots[p.Path] = p.Kind
		return nil
	}

	if err := m.appendLog(ctx, storage.LogAlert, p.Path); err != nil {
		return err
	}
	m.emit(SeverityAlert, p.Path, fmt.Sprintf("Cannot watch %s: %v", p.Path, watchErr))
	return nil
}

// handleEvent reconciles every tracked root the event falls under, so a
// write to a tracked file inside a tracked directory also re-checks the
// directory digest.
func (m *Monitor) handleEvent(ctx context.Context, runID string, ws *watchSet, ev fsnotify.Event) error {
	roots := ws.resolve(ev.Name)
	if len(roots) == 0 {
		return nil
	}
	name := filepath.Clean(ev.Name)
	m.logger.Debug("Event %s on %s (%d tracked root(s))", ev.Op, name, len(roots))

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(name); err == nil && info.IsDir() && insideDirectoryRoot(roots) {
			if err := ws.addTree(name); err != nil {
				m.logger.Warn("Watching new directory %s: %v", name, err)
			}
		}
	}

	var failures []error
	for _, root := range roots {
		if name == root.path && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
			if _, err := os.Lstat(root.path); errors.Is(err, fs.ErrNotExist) {
				if err := m.handleRootRemoved(ctx, root.path); err != nil {
					failures = append(failures, err)
				}
				continue
			}
		}
		if res := m.reconcile(ctx, runID, root.path, false); res.outcome == outcomeFailed {
			failures = append(failures, res.err)
		}
	}
	return errors.Join(failures...)
}

func insideDirectoryRoot(roots []watchedRoot) bool {
	for _, r := range roots {
		if r.kind.IsDirectory() {
			return true
		}
	}
	return false
}

func (m *Monitor) handleRootRemoved(ctx context.Context, root string) error {
	unlock := m.locks.lock(root)
	defer unlock()

	p, err := m.store.GetFile(ctx, root)
	if errs.IsType(err, errs.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.markMissing(ctx, p)
}
