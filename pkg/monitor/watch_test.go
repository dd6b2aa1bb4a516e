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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sigstore/integrity-monitor/pkg/storage"
)

const watchTimeout = 10 * time.Second

// startWatch runs Watch in the background and waits until it subscribed.
func startWatch(t *testing.T, f *fixture) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	subscribed := make(chan struct{})
	f.monitor.afterSubscribe = func() { close(subscribed) }

	done := make(chan error, 1)
	go func() { done <- f.monitor.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Watch() error = %v", err)
			}
		case <-time.After(watchTimeout):
			t.Error("Watch() did not stop after cancel")
		}
	})

	select {
	case <-subscribed:
	case err := <-done:
		t.Fatalf("Watch() returned early: %v", err)
	case <-time.After(watchTimeout):
		t.Fatal("Watch() did not subscribe in time")
	}
}

// waitForLog polls the audit log until an entry of type typ for path appears.
func waitForLog(t *testing.T, f *fixture, typ storage.LogType, path string) {
	t.Helper()
	waitForLogCount(t, f, typ, path, 1)
}

func waitForLogCount(t *testing.T, f *fixture, typ storage.LogType, path string, n int) {
	t.Helper()
	deadline := time.Now().Add(watchTimeout)
	for time.Now().Before(deadline) {
		entries, err := f.store.ListLogs(context.Background(), storage.LogFilter{Type: typ, Path: path})
		if err != nil {
			t.Fatalf("ListLogs() error = %v", err)
		}
		if len(entries) >= n {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("fewer than %d %s entries for %s; logs = %v", n, typ, path, logTypes(f.logs(t)))
}

func TestWatch_ModificationAndDeletion(t *testing.T) {
	f := newFixture(t, nil)
	a := filepath.Join(f.dir, "a.txt")
	writeFile(t, a, "hello")
	f.add(t, "a.txt", storage.KindFile)

	// Watch runs the initial signing pass itself.
	startWatch(t, f)
	if !f.file(t, a).Signed {
		t.Fatal("initial pass did not sign the path")
	}

	writeFile(t, a, "hello!")
	waitForLog(t, f, storage.LogModification, a)

	if err := os.Remove(a); err != nil {
		t.Fatal(err)
	}
	waitForLog(t, f, storage.LogDeletion, a)

	deadline := time.Now().Add(watchTimeout)
	for !f.file(t, a).Missing {
		if time.Now().After(deadline) {
			t.Fatal("path not marked missing")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, err := f.store.GetFile(context.Background(), a); err != nil {
		t.Errorf("deleted path was removed from tracking: %v", err)
	}

	writeFile(t, a, "back")
	waitForLog(t, f, storage.LogAddition, a)
}

func TestWatch_DirectoryTree(t *testing.T) {
	f := newFixture(t, nil)
	dir := filepath.Join(f.dir, "tree")
	writeFile(t, filepath.Join(dir, "one.txt"), "1")
	f.add(t, "tree", storage.KindDirectory)
	f.check(t)
	startWatch(t, f)

	// A new sub-directory joins the watch set, so later writes inside it
	// are seen as well.
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	two := filepath.Join(sub, "two.txt")
	writeFile(t, two, "2")
	waitForLogCount(t, f, storage.LogModification, dir, 1)

	time.Sleep(200 * time.Millisecond)
	writeFile(t, two, "22")
	waitForLogCount(t, f, storage.LogModification, dir, 2)
}

func TestWatch_FileInsideTrackedDirectory(t *testing.T) {
	f := newFixture(t, nil)
	dir := filepath.Join(f.dir, "tree")
	a := filepath.Join(dir, "a.txt")
	writeFile(t, a, "hello")
	f.add(t, "tree", storage.KindDirectory)
	f.add(t, filepath.Join("tree", "a.txt"), storage.KindFile)
	f.check(t)
	startWatch(t, f)

	writeFile(t, a, "hello!")
	waitForLog(t, f, storage.LogModification, a)
	// The write also changes the aggregate digest of the enclosing root.
	waitForLog(t, f, storage.LogModification, dir)
}

func TestWatch_UnwatchableRootLogsAlert(t *testing.T) {
	f := newFixture(t, nil)
	a := filepath.Join(f.dir, "a.txt")
	b := filepath.Join(f.dir, "b.txt")
	writeFile(t, a, "alpha")
	writeFile(t, b, "bravo")
	f.add(t, "a.txt", storage.KindFile)
	f.add(t, "b.txt", storage.KindFile)
	f.check(t)

	if err := os.Remove(a); err != nil {
		t.Fatal(err)
	}
	startWatch(t, f)

	entries, err := f.store.ListLogs(context.Background(), storage.LogFilter{Type: storage.LogAlert, Path: a})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("ALERT entries for %s = %d, want 1", a, len(entries))
	}

	// The remaining root is still watched.
	writeFile(t, b, "changed")
	waitForLog(t, f, storage.LogModification, b)
}

func TestWatchSet_Resolve(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "a.txt")
	tree := filepath.Join(root, "tree")
	nested := filepath.Join(tree, "n.txt")
	inner := filepath.Join(tree, "inner")
	ws := &watchSet{roots: map[string]storage.Kind{
		file:   storage.KindFile,
		tree:   storage.KindDirectory,
		nested: storage.KindFile,
		inner:  storage.KindDirectory,
	}}

	tests := []struct {
		name  string
		event string
		want  []string
	}{
		{"file root", file, []string{file}},
		{"directory root", tree, []string{tree}},
		{"nested in directory", filepath.Join(tree, "x", "y.txt"), []string{tree}},
		{"file root inside directory root", nested, []string{nested, tree}},
		{"nested directory roots", filepath.Join(inner, "z.txt"), []string{inner, tree}},
		{"sibling of file root", filepath.Join(root, "b.txt"), nil},
		{"below file root", filepath.Join(file, "x"), nil},
		{"unclean name", tree + string(filepath.Separator) + "x" + string(filepath.Separator) + ".." + string(filepath.Separator) + "z", []string{tree}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, r := range ws.resolve(tt.event) {
				got = append(got, r.path)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("resolve(%q) = %v, want %v", tt.event, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("resolve(%q) = %v, want %v", tt.event, got, tt.want)
					break
				}
			}
		})
	}
}

func TestWatchSet_AddTree(t *testing.T) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "b", "c.txt"), "c")
	ws := &watchSet{watcher: w, roots: map[string]storage.Kind{}}
	if err := ws.addTree(root); err != nil {
		t.Fatalf("addTree() error = %v", err)
	}
	if got := len(w.WatchList()); got != 3 {
		t.Errorf("watched directories = %d, want 3", got)
	}
	if err := ws.addTree(filepath.Join(root, "missing")); err == nil {
		t.Error("addTree() on a missing root succeeded")
	}
}
