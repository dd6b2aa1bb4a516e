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
	"crypto/rsa"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sigstore/integrity-monitor/pkg/errs"
	"github.com/sigstore/integrity-monitor/pkg/keys"
	"github.com/sigstore/integrity-monitor/pkg/logging"
	"github.com/sigstore/integrity-monitor/pkg/storage"
	"github.com/sigstore/integrity-monitor/pkg/storage/sqlite"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	testKeyErr  error
)

type fixture struct {
	dir      string
	store    storage.Store
	keysDir  string
	recorder *Recorder
	monitor  *Monitor
}

// newFixture returns a provisioned monitor over a fresh sqlite store. The
// key pair is generated once per package and written into each fixture.
func newFixture(t *testing.T, wrap func(storage.Store) storage.Store) *fixture {
	t.Helper()
	testKeyOnce.Do(func() {
		testKey, testKeyErr = keys.Generate(keys.DefaultBits)
	})
	if testKeyErr != nil {
		t.Fatalf("Generate() error = %v", testKeyErr)
	}

	root := t.TempDir()
	keysDir := filepath.Join(root, "keys")
	if err := os.Mkdir(keysDir, 0o700); err != nil {
		t.Fatal(err)
	}
	privPEM, err := keys.MarshalPrivateKey(testKey, keys.NoPassphrase())
	if err != nil {
		t.Fatal(err)
	}
	pubPEM, err := keys.MarshalPublicKey(&testKey.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(keysDir, keys.PrivateKeyFile), string(privPEM))
	writeFile(t, filepath.Join(keysDir, keys.PublicKeyFile), string(pubPEM))

	db, err := sqlite.Open(filepath.Join(root, "fim.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	var store storage.Store = db
	if wrap != nil {
		store = wrap(db)
	}

	logger := logging.Discard()
	custodian, err := keys.NewCustodian(keysDir, keys.NoPassphrase(), keys.CustodianOptions{Logger: logger})
	if err != nil {
		t.Fatal(err)
	}

	rec := &Recorder{}
	m, err := New(Options{Store: store, Custodian: custodian, Sink: rec, Logger: logger})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	regenerated, err := m.Provision(context.Background())
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if regenerated {
		t.Fatal("Provision() regenerated a valid key pair")
	}

	data := filepath.Join(root, "data")
	if err := os.Mkdir(data, 0o755); err != nil {
		t.Fatal(err)
	}
	return &fixture{dir: data, store: store, keysDir: keysDir, recorder: rec, monitor: m}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) add(t *testing.T, name string, kind storage.Kind) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	added, err := f.monitor.Add(context.Background(), path, kind)
	if err != nil {
		t.Fatalf("Add(%s) error = %v", path, err)
	}
	if !added {
		t.Fatalf("Add(%s) = false, want true", path)
	}
	return path
}

func (f *fixture) check(t *testing.T) Report {
	t.Helper()
	report, err := f.monitor.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	return report
}

func (f *fixture) logs(t *testing.T) []storage.LogEntry {
	t.Helper()
	entries, err := f.store.ListLogs(context.Background(), storage.LogFilter{})
	if err != nil {
		t.Fatalf("ListLogs() error = %v", err)
	}
	return entries
}

func (f *fixture) count(t *testing.T, table storage.Table) int {
	t.Helper()
	n, err := f.store.Count(context.Background(), table)
	if err != nil {
		t.Fatalf("Count(%s) error = %v", table, err)
	}
	return n
}

func (f *fixture) file(t *testing.T, path string) storage.TrackedPath {
	t.Helper()
	p, err := f.store.GetFile(context.Background(), path)
	if err != nil {
		t.Fatalf("GetFile(%s) error = %v", path, err)
	}
	return p
}

func (f *fixture) signature(t *testing.T, path string) storage.Signature {
	t.Helper()
	sig, err := f.store.GetSignature(context.Background(), path)
	if err != nil {
		t.Fatalf("GetSignature(%s) error = %v", path, err)
	}
	return sig
}

func logTypes(entries []storage.LogEntry) []storage.LogType {
	out := make([]storage.LogType, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Type)
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	custodian, err := keys.NewCustodian(t.TempDir(), keys.NoPassphrase(), keys.CustodianOptions{})
	if err != nil {
		t.Fatal(err)
	}
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "fim.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	tests := []struct {
		name string
		opts Options
	}{
		{"missing store", Options{Custodian: custodian}},
		{"missing custodian", Options{Store: db}},
		{"negative workers", Options{Store: db, Custodian: custodian, Workers: -1}},
		{"negative chunk size", Options{Store: db, Custodian: custodian, ChunkSize: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); !errs.IsType(err, errs.Configuration) {
				t.Errorf("New() error = %v, want Configuration", err)
			}
		})
	}
}

func TestCheck_RequiresKeys(t *testing.T) {
	custodian, err := keys.NewCustodian(t.TempDir(), keys.NoPassphrase(), keys.CustodianOptions{})
	if err != nil {
		t.Fatal(err)
	}
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "fim.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	m, err := New(Options{Store: db, Custodian: custodian, Sink: &Recorder{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Check(context.Background()); !errs.IsType(err, errs.Configuration) {
		t.Errorf("Check() error = %v, want Configuration", err)
	}
	if err := m.Watch(context.Background()); !errs.IsType(err, errs.Configuration) {
		t.Errorf("Watch() error = %v, want Configuration", err)
	}
}

// TestCheck_Lifecycle walks one file through first signature, a quiet
// re-check, tampering, key regeneration and removal.
func TestCheck_Lifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	path := filepath.Join(f.dir, "a.txt")
	writeFile(t, path, "hello")
	f.add(t, "a.txt", storage.KindFile)

	// First pass signs.
	report := f.check(t)
	if len(report.Signed) != 1 || report.Signed[0] != path {
		t.Fatalf("first pass Signed = %v, want [%s]", report.Signed, path)
	}
	if !f.file(t, path).Signed {
		t.Error("path not marked signed")
	}
	if n := f.count(t, storage.TableSignatures); n != 1 {
		t.Errorf("signatures = %d, want 1", n)
	}
	if n := f.count(t, storage.TableLogs); n != 0 {
		t.Errorf("logs = %d, want 0", n)
	}
	first := f.signature(t, path)

	// Unchanged content verifies and writes nothing.
	report = f.check(t)
	if len(report.Verified) != 1 || len(report.Signed)+len(report.Resigned) != 0 {
		t.Fatalf("second pass = %s, want one verified path", report)
	}
	again := f.signature(t, path)
	if string(again.Value) != string(first.Value) || !again.Date.Equal(first.Date) {
		t.Error("signature changed on a clean pass")
	}
	if n := f.count(t, storage.TableLogs); n != 0 {
		t.Errorf("logs after clean pass = %d, want 0", n)
	}

	// Tampering re-signs and logs one MODIFICATION.
	writeFile(t, path, "hello!")
	report = f.check(t)
	if len(report.Resigned) != 1 {
		t.Fatalf("third pass Resigned = %v, want [%s]", report.Resigned, path)
	}
	entries := f.logs(t)
	if len(entries) != 1 || entries[0].Type != storage.LogModification || entries[0].Path != path {
		t.Fatalf("logs = %+v, want one MODIFICATION for %s", entries, path)
	}
	if string(f.signature(t, path).Value) == string(first.Value) {
		t.Error("signature not replaced after modification")
	}
	report = f.check(t)
	if len(report.Verified) != 1 {
		t.Errorf("pass after resign = %s, want verified", report)
	}

	// A new key pair re-signs everything without MODIFICATION entries.
	if err := f.monitor.RegenerateKeys(ctx); err != nil {
		t.Fatalf("RegenerateKeys() error = %v", err)
	}
	if f.file(t, path).Signed {
		t.Error("path still marked signed after key regeneration")
	}
	report = f.check(t)
	if len(report.Signed) != 1 {
		t.Fatalf("pass after regeneration Signed = %v, want [%s]", report.Signed, path)
	}
	if n := f.count(t, storage.TableLogs); n != 1 {
		t.Errorf("logs after regeneration = %d, want 1", n)
	}
	report = f.check(t)
	if len(report.Verified) != 1 {
		t.Errorf("pass with new keys = %s, want verified", report)
	}

	// Removal drops the signature and the path from later passes.
	if err := f.monitor.Remove(ctx, path); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := f.store.GetSignature(ctx, path); !errs.IsType(err, errs.NotFound) {
		t.Errorf("GetSignature() after Remove error = %v, want NotFound", err)
	}
	report = f.check(t)
	if total := len(report.Signed) + len(report.Verified) + len(report.Resigned) + len(report.Missing); total != 0 {
		t.Errorf("pass after Remove touched %d path(s)", total)
	}
	if n := f.count(t, storage.TableLogs); n != 1 {
		t.Errorf("logs after Remove = %d, want 1", n)
	}
}

func TestAdd(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	path := filepath.Join(f.dir, "a.txt")
	writeFile(t, path, "hello")
	f.add(t, "a.txt", storage.KindFile)

	added, err := f.monitor.Add(ctx, path, storage.KindFile)
	if err != nil || added {
		t.Errorf("duplicate Add() = (%v, %v), want (false, nil)", added, err)
	}
	if _, err := f.monitor.Add(ctx, path, storage.KindDirectory); !errs.IsType(err, errs.Configuration) {
		t.Errorf("Add() with another kind error = %v, want Configuration", err)
	}
	if _, err := f.monitor.Add(ctx, "", storage.KindFile); !errs.IsType(err, errs.Configuration) {
		t.Errorf("Add(\"\") error = %v, want Configuration", err)
	}

	tracked, err := f.monitor.Tracked(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracked) != 1 || tracked[0].Path != path || tracked[0].Signed {
		t.Errorf("Tracked() = %+v, want one unsigned %s", tracked, path)
	}
}

func TestRemove_Unknown(t *testing.T) {
	f := newFixture(t, nil)
	err := f.monitor.Remove(context.Background(), filepath.Join(f.dir, "nope"))
	if !errs.IsType(err, errs.NotFound) {
		t.Errorf("Remove() error = %v, want NotFound", err)
	}
}

func TestCheck_SignsBeforeVerifying(t *testing.T) {
	f := newFixture(t, nil)
	a := filepath.Join(f.dir, "a.txt")
	b := filepath.Join(f.dir, "b.txt")
	writeFile(t, a, "alpha")
	writeFile(t, b, "bravo")
	f.add(t, "a.txt", storage.KindFile)
	f.check(t)

	writeFile(t, a, "tampered")
	f.add(t, "b.txt", storage.KindFile)

	report := f.check(t)
	if len(report.Signed) != 1 || report.Signed[0] != b {
		t.Fatalf("Signed = %v, want [%s]", report.Signed, b)
	}
	if len(report.Verified)+len(report.Resigned) != 0 {
		t.Errorf("signed paths were verified in a signing pass: %s", report)
	}
	if n := f.count(t, storage.TableLogs); n != 0 {
		t.Errorf("logs = %d, want 0", n)
	}

	report = f.check(t)
	if len(report.Resigned) != 1 || report.Resigned[0] != a {
		t.Errorf("Resigned = %v, want [%s]", report.Resigned, a)
	}
	if len(report.Verified) != 1 || report.Verified[0] != b {
		t.Errorf("Verified = %v, want [%s]", report.Verified, b)
	}
}

func TestCheck_Directory(t *testing.T) {
	f := newFixture(t, nil)
	dir := filepath.Join(f.dir, "tree")
	writeFile(t, filepath.Join(dir, "one.txt"), "1")
	writeFile(t, filepath.Join(dir, "sub", "two.txt"), "2")
	f.add(t, "tree", storage.KindDirectory)
	f.check(t)

	if report := f.check(t); len(report.Verified) != 1 {
		t.Fatalf("clean pass = %s, want verified", report)
	}

	writeFile(t, filepath.Join(dir, "sub", "three.txt"), "3")
	report := f.check(t)
	if len(report.Resigned) != 1 || report.Resigned[0] != dir {
		t.Fatalf("Resigned = %v, want [%s]", report.Resigned, dir)
	}
	if got := logTypes(f.logs(t)); len(got) != 1 || got[0] != storage.LogModification {
		t.Errorf("logs = %v, want [MODIFICATION]", got)
	}
}

func TestCheck_MissingPathContinues(t *testing.T) {
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
	report := f.check(t)
	if len(report.Missing) != 1 || report.Missing[0] != a {
		t.Fatalf("Missing = %v, want [%s]", report.Missing, a)
	}
	if len(report.Verified) != 1 || report.Verified[0] != b {
		t.Errorf("Verified = %v, want [%s]", report.Verified, b)
	}
	if !f.file(t, a).Missing {
		t.Error("path not marked missing")
	}

	// Still missing: reported again but logged once.
	f.check(t)
	if got := logTypes(f.logs(t)); len(got) != 1 || got[0] != storage.LogDeletion {
		t.Fatalf("logs = %v, want [DELETION]", got)
	}

	writeFile(t, a, "alpha")
	report = f.check(t)
	if len(report.Verified) != 2 {
		t.Errorf("pass after restore = %s, want two verified", report)
	}
	if got := logTypes(f.logs(t)); len(got) != 2 || got[1] != storage.LogAddition {
		t.Errorf("logs = %v, want [DELETION ADDITION]", got)
	}
	if f.file(t, a).Missing {
		t.Error("missing flag not cleared after restore")
	}
}

func TestCheck_RestoredWithDifferentContent(t *testing.T) {
	f := newFixture(t, nil)
	a := filepath.Join(f.dir, "a.txt")
	writeFile(t, a, "alpha")
	f.add(t, "a.txt", storage.KindFile)
	f.check(t)

	if err := os.Remove(a); err != nil {
		t.Fatal(err)
	}
	f.check(t)
	writeFile(t, a, "replacement")

	report := f.check(t)
	if len(report.Resigned) != 1 {
		t.Fatalf("Resigned = %v, want [%s]", report.Resigned, a)
	}
	want := []storage.LogType{storage.LogDeletion, storage.LogAddition, storage.LogModification}
	got := logTypes(f.logs(t))
	if len(got) != len(want) {
		t.Fatalf("logs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("logs[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

// hiddenSignatureStore reports no signature for one path.
type hiddenSignatureStore struct {
	storage.Store
	hide string
}

func (s *hiddenSignatureStore) GetSignature(ctx context.Context, path string) (storage.Signature, error) {
	if path == s.hide {
		return storage.Signature{}, storage.ErrNotFound
	}
	return s.Store.GetSignature(ctx, path)
}

func TestCheck_HealsMissingSignature(t *testing.T) {
	hidden := &hiddenSignatureStore{}
	f := newFixture(t, func(s storage.Store) storage.Store {
		hidden.Store = s
		return hidden
	})
	a := filepath.Join(f.dir, "a.txt")
	writeFile(t, a, "alpha")
	f.add(t, "a.txt", storage.KindFile)
	f.check(t)

	hidden.hide = a
	report := f.check(t)
	if len(report.Healed) != 1 || report.Healed[0] != a {
		t.Fatalf("Healed = %v, want [%s]", report.Healed, a)
	}
	entries := f.logs(t)
	if len(entries) != 1 || entries[0].Type != storage.LogAlert || entries[0].Path != a {
		t.Errorf("logs = %+v, want one ALERT for %s", entries, a)
	}
}

// orphanStore lists an extra signature for a path that is not tracked.
type orphanStore struct {
	storage.Store
	orphan string
}

func (s *orphanStore) ListSignatures(ctx context.Context) ([]storage.Signature, error) {
	sigs, err := s.Store.ListSignatures(ctx)
	if err != nil {
		return nil, err
	}
	if s.orphan != "" {
		sigs = append(sigs, storage.Signature{Path: s.orphan, Value: []byte{1}, Date: time.Now()})
	}
	return sigs, nil
}

func (s *orphanStore) DeleteSignature(ctx context.Context, path string) error {
	if path == s.orphan {
		s.orphan = ""
	}
	return s.Store.DeleteSignature(ctx, path)
}

func TestCheck_RepairsOrphanedSignatures(t *testing.T) {
	orphans := &orphanStore{}
	f := newFixture(t, func(s storage.Store) storage.Store {
		orphans.Store = s
		return orphans
	})
	ghost := filepath.Join(f.dir, "ghost.txt")
	orphans.orphan = ghost

	report := f.check(t)
	if len(report.Orphans) != 1 || report.Orphans[0] != ghost {
		t.Fatalf("Orphans = %v, want [%s]", report.Orphans, ghost)
	}
	entries := f.logs(t)
	if len(entries) != 1 || entries[0].Type != storage.LogAlert || entries[0].Path != ghost {
		t.Errorf("logs = %+v, want one ALERT for %s", entries, ghost)
	}
	if report := f.check(t); len(report.Orphans) != 0 {
		t.Errorf("second pass Orphans = %v, want none", report.Orphans)
	}
}

func TestCheck_Workers(t *testing.T) {
	f := newFixture(t, nil)
	f.monitor.workers = 4
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		writeFile(t, filepath.Join(f.dir, name), name)
		f.add(t, name, storage.KindFile)
	}
	if report := f.check(t); len(report.Signed) != 6 {
		t.Fatalf("Signed = %v, want 6 paths", report.Signed)
	}
	writeFile(t, filepath.Join(f.dir, "c"), "changed")
	report := f.check(t)
	if len(report.Verified) != 5 || len(report.Resigned) != 1 {
		t.Errorf("report = %s, want 5 verified and 1 resigned", report)
	}
	for i := 1; i < len(report.Verified); i++ {
		if report.Verified[i-1] > report.Verified[i] {
			t.Errorf("Verified not sorted: %v", report.Verified)
		}
	}
}

func TestCheck_Cancelled(t *testing.T) {
	f := newFixture(t, nil)
	writeFile(t, filepath.Join(f.dir, "a.txt"), "alpha")
	f.add(t, "a.txt", storage.KindFile)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.monitor.Check(ctx); err == nil {
		t.Error("Check() with cancelled context succeeded")
	}
}

func TestProvision_RegenerationMarksUnsigned(t *testing.T) {
	f := newFixture(t, nil)
	writeFile(t, filepath.Join(f.dir, "a.txt"), "alpha")
	path := f.add(t, "a.txt", storage.KindFile)
	f.check(t)

	if err := os.Remove(filepath.Join(f.keysDir, keys.PublicKeyFile)); err != nil {
		t.Fatal(err)
	}
	custodian, err := keys.NewCustodian(f.keysDir, keys.NoPassphrase(), keys.CustodianOptions{})
	if err != nil {
		t.Fatal(err)
	}
	m, err := New(Options{Store: f.store, Custodian: custodian, Sink: f.recorder})
	if err != nil {
		t.Fatal(err)
	}
	regenerated, err := m.Provision(context.Background())
	if err != nil || !regenerated {
		t.Fatalf("Provision() = (%v, %v), want (true, nil)", regenerated, err)
	}
	if f.file(t, path).Signed {
		t.Error("path still signed after regeneration")
	}

	report, err := m.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Signed) != 1 {
		t.Errorf("Signed = %v, want [%s]", report.Signed, path)
	}
}

// unsignFailStore refuses to clear signed flags.
type unsignFailStore struct {
	storage.Store
}

var errUnsignFailed = errors.New("mark unsigned failed")

func (s unsignFailStore) MarkAllUnsigned(context.Context) (int, error) {
	return 0, errUnsignFailed
}

func TestRegenerateKeys_MarkUnsignedFailure(t *testing.T) {
	f := newFixture(t, nil)
	writeFile(t, filepath.Join(f.dir, "a.txt"), "alpha")
	path := f.add(t, "a.txt", storage.KindFile)
	f.check(t)

	m, err := New(Options{Store: unsignFailStore{f.store}, Custodian: f.monitor.custodian, Sink: f.recorder})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.RegenerateKeys(context.Background()); !errors.Is(err, errUnsignFailed) {
		t.Fatalf("RegenerateKeys() error = %v, want %v", err, errUnsignFailed)
	}
	if !f.file(t, path).Signed {
		t.Error("path unsigned despite the failed store call")
	}
}

func TestCheck_EmitsEvents(t *testing.T) {
	f := newFixture(t, nil)
	a := filepath.Join(f.dir, "a.txt")
	writeFile(t, a, "alpha")
	f.add(t, "a.txt", storage.KindFile)
	f.check(t)
	writeFile(t, a, "beta")
	f.check(t)

	var alerts int
	for _, e := range f.recorder.Events() {
		if e.Severity == SeverityAlert {
			alerts++
			if e.Path != a {
				t.Errorf("alert path = %q, want %q", e.Path, a)
			}
		}
	}
	if alerts != 1 {
		t.Errorf("alerts = %d, want 1", alerts)
	}
}
