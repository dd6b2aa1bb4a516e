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

// Package storagetest holds the behaviour every storage.Store backend must
// share. Backends call Run from their own tests.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sigstore/integrity-monitor/pkg/errs"
	"github.com/sigstore/integrity-monitor/pkg/storage"
)

// Opener opens a store at path. Calling it twice with the same path must
// return a store over the same data.
type Opener func(t *testing.T, path string) storage.Store

// Run exercises a backend.
func Run(t *testing.T, dbFile string, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"AddFile", testAddFile},
		{"GetFileNotFound", testGetFileNotFound},
		{"UpdateFile", testUpdateFile},
		{"MarkAllUnsigned", testMarkAllUnsigned},
		{"RemoveFileCascades", testRemoveFileCascades},
		{"RemoveFileNotFound", testRemoveFileNotFound},
		{"PutSignatureUntracked", testPutSignatureUntracked},
		{"PutSignatureReplaces", testPutSignatureReplaces},
		{"PutSignatureWithLog", testPutSignatureWithLog},
		{"DeleteSignature", testDeleteSignature},
		{"AppendAndListLogs", testAppendAndListLogs},
		{"Count", testCount},
		{"CancelledContext", testCancelledContext},
		{"Validation", testValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t, filepath.Join(t.TempDir(), dbFile))
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}

	t.Run("Reopen", func(t *testing.T) {
		testReopen(t, filepath.Join(t.TempDir(), dbFile), open)
	})
}

func tracked(path string, kind storage.Kind) storage.TrackedPath {
	return storage.TrackedPath{Name: filepath.Base(path), Path: path, Kind: kind}
}

func mustAdd(t *testing.T, s storage.Store, p storage.TrackedPath) {
	t.Helper()
	added, err := s.AddFile(context.Background(), p)
	if err != nil {
		t.Fatalf("AddFile(%s) error = %v", p.Path, err)
	}
	if !added {
		t.Fatalf("AddFile(%s) = false, want true", p.Path)
	}
}

func mustCount(t *testing.T, s storage.Store, table storage.Table) int {
	t.Helper()
	n, err := s.Count(context.Background(), table)
	if err != nil {
		t.Fatalf("Count(%s) error = %v", table, err)
	}
	return n
}

func testAddFile(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := tracked("/data/a.txt", storage.KindFile)
	d := tracked("/data/dir", storage.KindDirectory)
	mustAdd(t, s, a)
	mustAdd(t, s, d)

	added, err := s.AddFile(ctx, a)
	if err != nil {
		t.Fatalf("duplicate AddFile() error = %v", err)
	}
	if added {
		t.Error("duplicate AddFile() = true, want false")
	}

	files, err := s.ListFiles(ctx)
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("ListFiles() returned %d entries, want 2", len(files))
	}
	if !files[0].Equal(a) || !files[1].Equal(d) {
		t.Errorf("ListFiles() = %+v, want [%+v %+v]", files, a, d)
	}

	got, err := s.GetFile(ctx, d.Path)
	if err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	if got.Kind != storage.KindDirectory || got.Signed || got.Missing {
		t.Errorf("GetFile() = %+v", got)
	}
}

func testGetFileNotFound(t *testing.T, s storage.Store) {
	_, err := s.GetFile(context.Background(), "/nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetFile() error = %v, want ErrNotFound", err)
	}
	_, err = s.GetSignature(context.Background(), "/nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetSignature() error = %v, want ErrNotFound", err)
	}
}

func testUpdateFile(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := tracked("/data/a.txt", storage.KindFile)
	mustAdd(t, s, a)

	a.Missing = true
	if err := s.UpdateFile(ctx, a); err != nil {
		t.Fatalf("UpdateFile() error = %v", err)
	}
	got, err := s.GetFile(ctx, a.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Missing {
		t.Error("UpdateFile() did not persist Missing")
	}

	err = s.UpdateFile(ctx, tracked("/data/other.txt", storage.KindFile))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("UpdateFile(untracked) error = %v, want ErrNotFound", err)
	}
}

func testMarkAllUnsigned(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := tracked("/data/a.txt", storage.KindFile)
	b := tracked("/data/b", storage.KindDirectory)
	c := tracked("/data/c.txt", storage.KindFile)
	for _, p := range []storage.TrackedPath{a, b, c} {
		mustAdd(t, s, p)
	}
	for _, path := range []string{a.Path, b.Path} {
		sig := storage.Signature{Path: path, Value: []byte("sig"), Date: time.Now().UTC()}
		if err := s.PutSignature(ctx, sig, nil); err != nil {
			t.Fatalf("PutSignature(%s) error = %v", path, err)
		}
	}
	c.Missing = true
	if err := s.UpdateFile(ctx, c); err != nil {
		t.Fatal(err)
	}

	n, err := s.MarkAllUnsigned(ctx)
	if err != nil {
		t.Fatalf("MarkAllUnsigned() error = %v", err)
	}
	if n != 2 {
		t.Errorf("MarkAllUnsigned() = %d, want 2", n)
	}

	files, err := s.ListFiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range files {
		if p.Signed {
			t.Errorf("%s still signed", p.Path)
		}
		if p.Path == c.Path && !p.Missing {
			t.Errorf("%s lost its missing flag", p.Path)
		}
	}
	// Signatures stay until the next pass replaces them.
	if got := mustCount(t, s, storage.TableSignatures); got != 2 {
		t.Errorf("signatures = %d, want 2", got)
	}

	if n, err := s.MarkAllUnsigned(ctx); err != nil || n != 0 {
		t.Errorf("second MarkAllUnsigned() = (%d, %v), want (0, nil)", n, err)
	}
}

func testRemoveFileCascades(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := tracked("/data/a.txt", storage.KindFile)
	b := tracked("/data/b.txt", storage.KindFile)
	mustAdd(t, s, a)
	mustAdd(t, s, b)

	for _, p := range []storage.TrackedPath{a, b} {
		if err := s.PutSignature(ctx, storage.Signature{Path: p.Path, Value: []byte("sig-" + p.Name)}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.AppendLog(ctx, storage.LogEntry{Type: storage.LogModification, Path: a.Path}); err != nil {
		t.Fatal(err)
	}

	if err := s.RemoveFile(ctx, a.Path); err != nil {
		t.Fatalf("RemoveFile() error = %v", err)
	}

	if _, err := s.GetSignature(ctx, a.Path); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("signature survived removal: %v", err)
	}
	sigs, err := s.ListSignatures(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, sig := range sigs {
		if sig.Path == a.Path {
			t.Errorf("signature still references %s", a.Path)
		}
	}
	if n := mustCount(t, s, storage.TableSignatures); n != 1 {
		t.Errorf("signatures = %d, want 1", n)
	}
	if n := mustCount(t, s, storage.TableLogs); n != 1 {
		t.Errorf("logs = %d, want 1 (logs are not cascaded)", n)
	}
}

func testRemoveFileNotFound(t *testing.T, s storage.Store) {
	err := s.RemoveFile(context.Background(), "/nope")
	if !errs.IsType(err, errs.NotFound) {
		t.Errorf("RemoveFile() error = %v, want NotFound", err)
	}
}

func testPutSignatureUntracked(t *testing.T, s storage.Store) {
	err := s.PutSignature(context.Background(), storage.Signature{Path: "/nope", Value: []byte("x")},
		&storage.LogEntry{Type: storage.LogModification, Path: "/nope"})
	if !errs.IsType(err, errs.StoreInconsistency) {
		t.Fatalf("PutSignature() error = %v, want StoreInconsistency", err)
	}
	if n := mustCount(t, s, storage.TableSignatures); n != 0 {
		t.Errorf("signatures = %d, want 0", n)
	}
	if n := mustCount(t, s, storage.TableLogs); n != 0 {
		t.Errorf("logs = %d, want 0 after a rejected write", n)
	}
}

func testPutSignatureReplaces(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := tracked("/data/a.txt", storage.KindFile)
	a.Missing = true
	mustAdd(t, s, a)

	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := s.PutSignature(ctx, storage.Signature{Path: a.Path, Value: []byte{0x00, 0xff, 0x10}, Date: first}, nil); err != nil {
		t.Fatalf("PutSignature() error = %v", err)
	}

	got, err := s.GetFile(ctx, a.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Signed || got.Missing {
		t.Errorf("after PutSignature file = %+v, want signed and not missing", got)
	}

	second := first.Add(time.Hour)
	if err := s.PutSignature(ctx, storage.Signature{Path: a.Path, Value: []byte("replacement"), Date: second}, nil); err != nil {
		t.Fatal(err)
	}
	if n := mustCount(t, s, storage.TableSignatures); n != 1 {
		t.Errorf("signatures = %d, want 1", n)
	}

	sig, err := s.GetSignature(ctx, a.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sig.Value, []byte("replacement")) {
		t.Errorf("signature value = %q, want replacement", sig.Value)
	}
	if !sig.Date.Equal(second) {
		t.Errorf("signature date = %v, want %v", sig.Date, second)
	}
}

func testPutSignatureWithLog(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := tracked("/data/a.txt", storage.KindFile)
	mustAdd(t, s, a)

	entry := &storage.LogEntry{Type: storage.LogModification, Path: a.Path}
	if err := s.PutSignature(ctx, storage.Signature{Path: a.Path, Value: []byte("sig")}, entry); err != nil {
		t.Fatal(err)
	}
	logs, err := s.ListLogs(ctx, storage.LogFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].Type != storage.LogModification || logs[0].Path != a.Path {
		t.Errorf("ListLogs() = %+v", logs)
	}
	if logs[0].Date.IsZero() {
		t.Error("log date should default to now")
	}
}

func testDeleteSignature(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := tracked("/data/a.txt", storage.KindFile)
	mustAdd(t, s, a)
	if err := s.PutSignature(ctx, storage.Signature{Path: a.Path, Value: []byte("sig")}, nil); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteSignature(ctx, a.Path); err != nil {
		t.Fatalf("DeleteSignature() error = %v", err)
	}
	got, err := s.GetFile(ctx, a.Path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Signed {
		t.Error("DeleteSignature() should mark the path unsigned")
	}
	if err := s.DeleteSignature(ctx, a.Path); err != nil {
		t.Errorf("second DeleteSignature() error = %v", err)
	}
}

func testAppendAndListLogs(t *testing.T, s storage.Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	input := []storage.LogEntry{
		{Type: storage.LogAddition, Path: "/a", Date: base},
		{Type: storage.LogModification, Path: "/a", Date: base.Add(time.Minute)},
		{Type: storage.LogDeletion, Path: "/b", Date: base.Add(2 * time.Minute)},
		{Type: storage.LogModification, Path: "/b", Date: base.Add(3 * time.Minute)},
		{Type: storage.LogAlert, Path: "/c", Date: base.Add(4 * time.Minute)},
	}

	var lastID int64
	for _, e := range input {
		got, err := s.AppendLog(ctx, e)
		if err != nil {
			t.Fatalf("AppendLog() error = %v", err)
		}
		if got.ID <= lastID {
			t.Errorf("log ID %d not greater than %d", got.ID, lastID)
		}
		lastID = got.ID
	}

	tests := []struct {
		name   string
		filter storage.LogFilter
		want   []storage.LogType
	}{
		{"all", storage.LogFilter{}, []storage.LogType{storage.LogAddition, storage.LogModification, storage.LogDeletion, storage.LogModification, storage.LogAlert}},
		{"by type", storage.LogFilter{Type: storage.LogModification}, []storage.LogType{storage.LogModification, storage.LogModification}},
		{"by path", storage.LogFilter{Path: "/b"}, []storage.LogType{storage.LogDeletion, storage.LogModification}},
		{"by type and path", storage.LogFilter{Type: storage.LogModification, Path: "/a"}, []storage.LogType{storage.LogModification}},
		{"limit keeps newest", storage.LogFilter{Limit: 2}, []storage.LogType{storage.LogModification, storage.LogAlert}},
		{"no match", storage.LogFilter{Path: "/zzz"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs, err := s.ListLogs(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListLogs() error = %v", err)
			}
			if len(logs) != len(tt.want) {
				t.Fatalf("ListLogs() returned %d entries, want %d: %+v", len(logs), len(tt.want), logs)
			}
			for i := range logs {
				if logs[i].Type != tt.want[i] {
					t.Errorf("entry %d type = %s, want %s", i, logs[i].Type, tt.want[i])
				}
				if i > 0 && logs[i].ID <= logs[i-1].ID {
					t.Errorf("entries not ordered oldest first: %+v", logs)
				}
			}
		})
	}

	all, err := s.ListLogs(ctx, storage.LogFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if !all[1].Date.Equal(base.Add(time.Minute)) {
		t.Errorf("log date = %v, want %v", all[1].Date, base.Add(time.Minute))
	}
}

func testCount(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for _, table := range storage.Tables() {
		if n := mustCount(t, s, table); n != 0 {
			t.Errorf("Count(%s) = %d on empty store", table, n)
		}
	}

	mustAdd(t, s, tracked("/a", storage.KindFile))
	mustAdd(t, s, tracked("/b", storage.KindDirectory))
	if err := s.PutSignature(ctx, storage.Signature{Path: "/a", Value: []byte("s")}, &storage.LogEntry{Type: storage.LogAlert, Path: "/a"}); err != nil {
		t.Fatal(err)
	}

	want := map[storage.Table]int{storage.TableFiles: 2, storage.TableSignatures: 1, storage.TableLogs: 1}
	for table, n := range want {
		if got := mustCount(t, s, table); got != n {
			t.Errorf("Count(%s) = %d, want %d", table, got, n)
		}
	}

	if _, err := s.Count(ctx, storage.Table(42)); err == nil {
		t.Error("Count() with an unknown table should fail")
	}
}

func testCancelledContext(t *testing.T, s storage.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.ListFiles(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("ListFiles() error = %v, want context.Canceled", err)
	}
	if _, err := s.AddFile(ctx, tracked("/a", storage.KindFile)); !errors.Is(err, context.Canceled) {
		t.Errorf("AddFile() error = %v, want context.Canceled", err)
	}
}

func testValidation(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if _, err := s.AddFile(ctx, storage.TrackedPath{Name: "x"}); !errs.IsType(err, errs.Configuration) {
		t.Errorf("AddFile(empty path) error = %v, want Configuration", err)
	}
	if _, err := s.AppendLog(ctx, storage.LogEntry{Type: "BOGUS", Path: "/a"}); !errs.IsType(err, errs.Configuration) {
		t.Errorf("AppendLog(bad type) error = %v, want Configuration", err)
	}
}

func testReopen(t *testing.T, path string, open Opener) {
	ctx := context.Background()
	s := open(t, path)
	mustAdd(t, s, tracked("/a", storage.KindFile))
	if err := s.PutSignature(ctx, storage.Signature{Path: "/a", Value: []byte("persisted")}, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s = open(t, path)
	defer s.Close()
	sig, err := s.GetSignature(ctx, "/a")
	if err != nil {
		t.Fatalf("GetSignature() after reopen error = %v", err)
	}
	if string(sig.Value) != "persisted" {
		t.Errorf("signature after reopen = %q", sig.Value)
	}
	f, err := s.GetFile(ctx, "/a")
	if err != nil {
		t.Fatal(err)
	}
	if !f.Signed {
		t.Error("signed flag lost across reopen")
	}
}
