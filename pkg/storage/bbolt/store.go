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

// Package bbolt implements storage.Store on a BoltDB file. Each table is a
// bucket of JSON documents.
package bbolt

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sigstore/integrity-monitor/pkg/errs"
	"github.com/sigstore/integrity-monitor/pkg/storage"
	"go.etcd.io/bbolt"
)

// DriverName is the name this backend registers under.
const DriverName = "bbolt"

const timeFormat = time.RFC3339Nano

func init() {
	storage.MustRegister(DriverName, func(path string) (storage.Store, error) {
		return Open(path)
	})
}

// Store is a BoltDB-backed storage.Store. Bolt allows a single writer at a
// time, which serializes every mutation.
type Store struct {
	db *bbolt.DB
}

type fileDoc struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Signed  bool   `json:"signed"`
	Missing bool   `json:"missing"`
}

type signatureDoc struct {
	Signature string `json:"signature"`
	Date      string `json:"date"`
	Path      string `json:"path"`
}

type logDoc struct {
	ID   int64  `json:"id"`
	Date string `json:"date"`
	Type string `json:"type"`
	Path string `json:"path"`
}

// Open opens, or creates, the database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errs.New(errs.Configuration, "storage path is required", nil)
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, errs.WithPath(errs.IO, cleanPath, "failed to create storage directory", err)
	}
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database file.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, table := range storage.Tables() {
			if _, err := tx.CreateBucketIfNotExists(bucketName(table)); err != nil {
				return fmt.Errorf("create %s bucket: %w", table, err)
			}
		}
		return nil
	})
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// ListFiles returns every tracked path ordered by path.
func (s *Store) ListFiles(ctx context.Context) ([]storage.TrackedPath, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	var out []storage.TrackedPath
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, storage.TableFiles)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			p, err := decodeFile(v)
			if err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetFile returns one tracked path.
func (s *Store) GetFile(ctx context.Context, path string) (storage.TrackedPath, error) {
	if err := s.ready(ctx); err != nil {
		return storage.TrackedPath{}, err
	}
	var out storage.TrackedPath
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, storage.TableFiles)
		if err != nil {
			return err
		}
		payload := b.Get([]byte(path))
		if payload == nil {
			return errs.WithPath(errs.NotFound, path, "path is not tracked", nil)
		}
		out, err = decodeFile(payload)
		return err
	})
	return out, err
}

// AddFile inserts p unless its path is already tracked.
func (s *Store) AddFile(ctx context.Context, p storage.TrackedPath) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if err := storage.ValidateFile(p); err != nil {
		return false, err
	}
	payload, err := encodeFile(p)
	if err != nil {
		return false, err
	}

	added := false
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, storage.TableFiles)
		if err != nil {
			return err
		}
		if b.Get([]byte(p.Path)) != nil {
			return nil
		}
		added = true
		return b.Put([]byte(p.Path), payload)
	})
	if err != nil {
		return false, err
	}
	return added, nil
}

// UpdateFile replaces the stored state of p.
func (s *Store) UpdateFile(ctx context.Context, p storage.TrackedPath) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := storage.ValidateFile(p); err != nil {
		return err
	}
	payload, err := encodeFile(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, storage.TableFiles)
		if err != nil {
			return err
		}
		if b.Get([]byte(p.Path)) == nil {
			return errs.WithPath(errs.NotFound, p.Path, "path is not tracked", nil)
		}
		return b.Put([]byte(p.Path), payload)
	})
}

// MarkAllUnsigned clears the signed flag on every tracked path in one
// transaction.
func (s *Store) MarkAllUnsigned(ctx context.Context) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	changed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, storage.TableFiles)
		if err != nil {
			return err
		}
		var signed []storage.TrackedPath
		if err := b.ForEach(func(_, v []byte) error {
			p, err := decodeFile(v)
			if err != nil {
				return err
			}
			if p.Signed {
				signed = append(signed, p)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, p := range signed {
			p.Signed = false
			payload, err := encodeFile(p)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(p.Path), payload); err != nil {
				return fmt.Errorf("mark %s unsigned: %w", p.Path, err)
			}
		}
		changed = len(signed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

// RemoveFile deletes the tracked path and its signature in one transaction.
func (s *Store) RemoveFile(ctx context.Context, path string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		files, err := bucket(tx, storage.TableFiles)
		if err != nil {
			return err
		}
		sigs, err := bucket(tx, storage.TableSignatures)
		if err != nil {
			return err
		}
		if files.Get([]byte(path)) == nil {
			return errs.WithPath(errs.NotFound, path, "path is not tracked", nil)
		}
		if err := sigs.Delete([]byte(path)); err != nil {
			return fmt.Errorf("delete signature: %w", err)
		}
		return files.Delete([]byte(path))
	})
}

// GetSignature returns the signature for path.
func (s *Store) GetSignature(ctx context.Context, path string) (storage.Signature, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Signature{}, err
	}
	var out storage.Signature
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, storage.TableSignatures)
		if err != nil {
			return err
		}
		payload := b.Get([]byte(path))
		if payload == nil {
			return errs.WithPath(errs.NotFound, path, "no signature stored", nil)
		}
		out, err = decodeSignature(payload)
		return err
	})
	return out, err
}

// ListSignatures returns every signature ordered by path.
func (s *Store) ListSignatures(ctx context.Context) ([]storage.Signature, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	var out []storage.Signature
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, storage.TableSignatures)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			sig, err := decodeSignature(v)
			if err != nil {
				return err
			}
			out = append(out, sig)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutSignature replaces the signature for sig.Path, marks the path signed,
// and appends entry, in one transaction.
func (s *Store) PutSignature(ctx context.Context, sig storage.Signature, entry *storage.LogEntry) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if len(sig.Value) == 0 {
		return errs.WithPath(errs.Configuration, sig.Path, "signature value is required", nil)
	}
	if entry != nil {
		if err := storage.ValidateLogEntry(*entry); err != nil {
			return err
		}
	}
	if sig.Date.IsZero() {
		sig.Date = time.Now()
	}
	sigPayload, err := encodeSignature(sig)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		files, err := bucket(tx, storage.TableFiles)
		if err != nil {
			return err
		}
		sigs, err := bucket(tx, storage.TableSignatures)
		if err != nil {
			return err
		}

		raw := files.Get([]byte(sig.Path))
		if raw == nil {
			return storage.NotTracked(sig.Path)
		}
		p, err := decodeFile(raw)
		if err != nil {
			return err
		}
		p.Signed = true
		p.Missing = false
		filePayload, err := encodeFile(p)
		if err != nil {
			return err
		}

		if err := sigs.Put([]byte(sig.Path), sigPayload); err != nil {
			return fmt.Errorf("put signature: %w", err)
		}
		if err := files.Put([]byte(sig.Path), filePayload); err != nil {
			return fmt.Errorf("mark file signed: %w", err)
		}
		if entry != nil {
			if _, err := appendLog(tx, *entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteSignature removes the signature for path and marks the path
// unsigned. Deleting an absent signature is not an error.
func (s *Store) DeleteSignature(ctx context.Context, path string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		files, err := bucket(tx, storage.TableFiles)
		if err != nil {
			return err
		}
		sigs, err := bucket(tx, storage.TableSignatures)
		if err != nil {
			return err
		}
		if err := sigs.Delete([]byte(path)); err != nil {
			return fmt.Errorf("delete signature: %w", err)
		}

		raw := files.Get([]byte(path))
		if raw == nil {
			return nil
		}
		p, err := decodeFile(raw)
		if err != nil {
			return err
		}
		p.Signed = false
		payload, err := encodeFile(p)
		if err != nil {
			return err
		}
		return files.Put([]byte(path), payload)
	})
}

// AppendLog writes entry and returns it with its ID.
func (s *Store) AppendLog(ctx context.Context, entry storage.LogEntry) (storage.LogEntry, error) {
	if err := s.ready(ctx); err != nil {
		return storage.LogEntry{}, err
	}
	if err := storage.ValidateLogEntry(entry); err != nil {
		return storage.LogEntry{}, err
	}
	var out storage.LogEntry
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		out, err = appendLog(tx, entry)
		return err
	})
	return out, err
}

// ListLogs returns matching entries oldest first.
func (s *Store) ListLogs(ctx context.Context, filter storage.LogFilter) ([]storage.LogEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	var out []storage.LogEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, storage.TableLogs)
		if err != nil {
			return err
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			entry, err := decodeLog(v)
			if err != nil {
				return err
			}
			if !filter.Matches(entry) {
				continue
			}
			out = append(out, entry)
			if filter.Limit > 0 && len(out) == filter.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Count returns the number of keys in the table's bucket.
func (s *Store) Count(ctx context.Context, table storage.Table) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, table)
		if err != nil {
			return err
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

func appendLog(tx *bbolt.Tx, entry storage.LogEntry) (storage.LogEntry, error) {
	b, err := bucket(tx, storage.TableLogs)
	if err != nil {
		return storage.LogEntry{}, err
	}
	seq, err := b.NextSequence()
	if err != nil {
		return storage.LogEntry{}, fmt.Errorf("next log sequence: %w", err)
	}
	if entry.Date.IsZero() {
		entry.Date = time.Now()
	}
	entry.Date = entry.Date.UTC()
	entry.ID = int64(seq)

	payload, err := json.Marshal(logDoc{
		ID:   entry.ID,
		Date: entry.Date.Format(timeFormat),
		Type: string(entry.Type),
		Path: entry.Path,
	})
	if err != nil {
		return storage.LogEntry{}, fmt.Errorf("marshal log: %w", err)
	}
	if err := b.Put(logKey(seq), payload); err != nil {
		return storage.LogEntry{}, fmt.Errorf("put log: %w", err)
	}
	return entry, nil
}

func bucketName(table storage.Table) []byte {
	return []byte(table.String())
}

func bucket(tx *bbolt.Tx, table storage.Table) (*bbolt.Bucket, error) {
	switch table {
	case storage.TableFiles, storage.TableSignatures, storage.TableLogs:
	default:
		return nil, fmt.Errorf("unknown table %s", table)
	}
	b := tx.Bucket(bucketName(table))
	if b == nil {
		return nil, fmt.Errorf("%s bucket is missing", table)
	}
	return b, nil
}

// logKey is big-endian so cursor order matches append order.
func logKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func encodeFile(p storage.TrackedPath) ([]byte, error) {
	payload, err := json.Marshal(fileDoc{
		Name:    p.Name,
		Path:    p.Path,
		Kind:    p.Kind.String(),
		Signed:  p.Signed,
		Missing: p.Missing,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal file: %w", err)
	}
	return payload, nil
}

func decodeFile(payload []byte) (storage.TrackedPath, error) {
	var doc fileDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return storage.TrackedPath{}, fmt.Errorf("unmarshal file: %w", err)
	}
	kind, err := storage.ParseKind(doc.Kind)
	if err != nil {
		return storage.TrackedPath{}, fmt.Errorf("decode file %s: %w", doc.Path, err)
	}
	return storage.TrackedPath{
		Name:    doc.Name,
		Path:    doc.Path,
		Kind:    kind,
		Signed:  doc.Signed,
		Missing: doc.Missing,
	}, nil
}

func encodeSignature(sig storage.Signature) ([]byte, error) {
	payload, err := json.Marshal(signatureDoc{
		Signature: base64.StdEncoding.EncodeToString(sig.Value),
		Date:      sig.Date.UTC().Format(timeFormat),
		Path:      sig.Path,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal signature: %w", err)
	}
	return payload, nil
}

func decodeSignature(payload []byte) (storage.Signature, error) {
	var doc signatureDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return storage.Signature{}, fmt.Errorf("unmarshal signature: %w", err)
	}
	value, err := base64.StdEncoding.DecodeString(doc.Signature)
	if err != nil {
		return storage.Signature{}, fmt.Errorf("decode signature for %s: %w", doc.Path, err)
	}
	date, err := time.Parse(timeFormat, doc.Date)
	if err != nil {
		return storage.Signature{}, fmt.Errorf("decode signature date for %s: %w", doc.Path, err)
	}
	return storage.Signature{Path: doc.Path, Value: value, Date: date}, nil
}

func decodeLog(payload []byte) (storage.LogEntry, error) {
	var doc logDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return storage.LogEntry{}, fmt.Errorf("unmarshal log: %w", err)
	}
	date, err := time.Parse(timeFormat, doc.Date)
	if err != nil {
		return storage.LogEntry{}, fmt.Errorf("decode log %d date: %w", doc.ID, err)
	}
	return storage.LogEntry{
		ID:   doc.ID,
		Date: date,
		Type: storage.LogType(doc.Type),
		Path: doc.Path,
	}, nil
}

var _ storage.Store = (*Store)(nil)
