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

// Package sqlite implements storage.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sigstore/integrity-monitor/pkg/errs"
	"github.com/sigstore/integrity-monitor/pkg/storage"
	"github.com/sigstore/integrity-monitor/pkg/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// DriverName is the name this backend registers under.
const DriverName = "sqlite"

const (
	timeFormat  = time.RFC3339Nano
	busyTimeout = 5 * time.Second
)

func init() {
	storage.MustRegister(DriverName, func(path string) (storage.Store, error) {
		return Open(path)
	})
}

// Store is a SQLite-backed storage.Store. Writes are serialized by a
// store-wide mutex; foreign keys cascade signature deletion.
type Store struct {
	db      *sqlx.DB
	writeMu sync.Mutex
}

type fileRow struct {
	Path    string `db:"path"`
	Name    string `db:"name"`
	Kind    string `db:"kind"`
	Signed  bool   `db:"signed"`
	Missing bool   `db:"missing"`
}

type signatureRow struct {
	Path      string `db:"path"`
	Signature string `db:"signature"`
	Date      string `db:"date"`
}

type logRow struct {
	ID   int64  `db:"id"`
	Date string `db:"date"`
	Type string `db:"type"`
	Path string `db:"path"`
}

// Open opens, or creates, the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errs.New(errs.Configuration, "storage path is required", nil)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, errs.WithPath(errs.IO, abs, "failed to create storage directory", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)",
		abs, busyTimeout.Milliseconds())
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), busyTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
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
	var rows []fileRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT path, name, kind, signed, missing FROM files ORDER BY path`); err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	out := make([]storage.TrackedPath, 0, len(rows))
	for _, row := range rows {
		p, err := row.toTrackedPath()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// GetFile returns one tracked path.
func (s *Store) GetFile(ctx context.Context, path string) (storage.TrackedPath, error) {
	if err := s.ready(ctx); err != nil {
		return storage.TrackedPath{}, err
	}
	var row fileRow
	err := s.db.GetContext(ctx, &row, `SELECT path, name, kind, signed, missing FROM files WHERE path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.TrackedPath{}, errs.WithPath(errs.NotFound, path, "path is not tracked", nil)
	}
	if err != nil {
		return storage.TrackedPath{}, fmt.Errorf("get file: %w", err)
	}
	return row.toTrackedPath()
}

// AddFile inserts p unless its path is already tracked.
func (s *Store) AddFile(ctx context.Context, p storage.TrackedPath) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if err := storage.ValidateFile(p); err != nil {
		return false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO files (path, name, kind, signed, missing) VALUES (?, ?, ?, ?, ?) ON CONFLICT(path) DO NOTHING`,
		p.Path, p.Name, p.Kind.String(), p.Signed, p.Missing)
	if err != nil {
		return false, fmt.Errorf("insert file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert file: %w", err)
	}
	return n == 1, nil
}

// UpdateFile replaces the stored state of p.
func (s *Store) UpdateFile(ctx context.Context, p storage.TrackedPath) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := storage.ValidateFile(p); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET name = ?, kind = ?, signed = ?, missing = ? WHERE path = ?`,
		p.Name, p.Kind.String(), p.Signed, p.Missing, p.Path)
	if err != nil {
		return fmt.Errorf("update file: %w", err)
	}
	return requireRow(res, p.Path)
}

// MarkAllUnsigned clears the signed flag on every tracked path.
func (s *Store) MarkAllUnsigned(ctx context.Context) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE files SET signed = 0 WHERE signed <> 0`)
	if err != nil {
		return 0, fmt.Errorf("mark files unsigned: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark files unsigned: %w", err)
	}
	return int(n), nil
}

// RemoveFile deletes the tracked path; its signature goes with it.
func (s *Store) RemoveFile(ctx context.Context, path string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path)
		if err != nil {
			return fmt.Errorf("delete file: %w", err)
		}
		return requireRow(res, path)
	})
}

// GetSignature returns the signature for path.
func (s *Store) GetSignature(ctx context.Context, path string) (storage.Signature, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Signature{}, err
	}
	var row signatureRow
	err := s.db.GetContext(ctx, &row, `SELECT path, signature, date FROM signatures WHERE path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Signature{}, errs.WithPath(errs.NotFound, path, "no signature stored", nil)
	}
	if err != nil {
		return storage.Signature{}, fmt.Errorf("get signature: %w", err)
	}
	return row.toSignature()
}

// ListSignatures returns every signature ordered by path.
func (s *Store) ListSignatures(ctx context.Context) ([]storage.Signature, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	var rows []signatureRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT path, signature, date FROM signatures ORDER BY path`); err != nil {
		return nil, fmt.Errorf("list signatures: %w", err)
	}
	out := make([]storage.Signature, 0, len(rows))
	for _, row := range rows {
		sig, err := row.toSignature()
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
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
	date := sig.Date
	if date.IsZero() {
		date = time.Now()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var exists int
		err := tx.GetContext(ctx, &exists, `SELECT 1 FROM files WHERE path = ?`, sig.Path)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.NotTracked(sig.Path)
		}
		if err != nil {
			return fmt.Errorf("check file: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO signatures (path, signature, date) VALUES (?, ?, ?)
			 ON CONFLICT(path) DO UPDATE SET signature = excluded.signature, date = excluded.date`,
			sig.Path, base64.StdEncoding.EncodeToString(sig.Value), date.UTC().Format(timeFormat)); err != nil {
			return fmt.Errorf("upsert signature: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE files SET signed = 1, missing = 0 WHERE path = ?`, sig.Path); err != nil {
			return fmt.Errorf("mark file signed: %w", err)
		}
		if entry != nil {
			if _, err := insertLog(ctx, tx, *entry); err != nil {
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM signatures WHERE path = ?`, path); err != nil {
			return fmt.Errorf("delete signature: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE files SET signed = 0 WHERE path = ?`, path); err != nil {
			return fmt.Errorf("mark file unsigned: %w", err)
		}
		return nil
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var out storage.LogEntry
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var err error
		out, err = insertLog(ctx, tx, entry)
		return err
	})
	return out, err
}

// ListLogs returns matching entries oldest first.
func (s *Store) ListLogs(ctx context.Context, filter storage.LogFilter) ([]storage.LogEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []interface{}
	)
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Path != "" {
		where = append(where, "path = ?")
		args = append(args, filter.Path)
	}

	query := `SELECT id, date, type, path FROM logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.Limit > 0 {
		query = `SELECT id, date, type, path FROM (` + query + ` ORDER BY id DESC LIMIT ?) ORDER BY id ASC`
		args = append(args, filter.Limit)
	} else {
		query += " ORDER BY id ASC"
	}

	var rows []logRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	out := make([]storage.LogEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.toLogEntry()
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// Count returns the number of rows in table.
func (s *Store) Count(ctx context.Context, table storage.Table) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var name string
	switch table {
	case storage.TableFiles, storage.TableSignatures, storage.TableLogs:
		name = table.String()
	default:
		return 0, fmt.Errorf("unknown table %s", table)
	}
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+name); err != nil {
		return 0, fmt.Errorf("count %s: %w", name, err)
	}
	return n, nil
}

func insertLog(ctx context.Context, tx *sqlx.Tx, entry storage.LogEntry) (storage.LogEntry, error) {
	if entry.Date.IsZero() {
		entry.Date = time.Now()
	}
	entry.Date = entry.Date.UTC()
	res, err := tx.ExecContext(ctx, `INSERT INTO logs (date, type, path) VALUES (?, ?, ?)`,
		entry.Date.Format(timeFormat), string(entry.Type), entry.Path)
	if err != nil {
		return storage.LogEntry{}, fmt.Errorf("insert log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storage.LogEntry{}, fmt.Errorf("insert log: %w", err)
	}
	entry.ID = id
	return entry, nil
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, path string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.WithPath(errs.NotFound, path, "path is not tracked", nil)
	}
	return nil
}

func (r fileRow) toTrackedPath() (storage.TrackedPath, error) {
	kind, err := storage.ParseKind(r.Kind)
	if err != nil {
		return storage.TrackedPath{}, fmt.Errorf("decode file %s: %w", r.Path, err)
	}
	return storage.TrackedPath{
		Name:    r.Name,
		Path:    r.Path,
		Kind:    kind,
		Signed:  r.Signed,
		Missing: r.Missing,
	}, nil
}

func (r signatureRow) toSignature() (storage.Signature, error) {
	value, err := base64.StdEncoding.DecodeString(r.Signature)
	if err != nil {
		return storage.Signature{}, fmt.Errorf("decode signature for %s: %w", r.Path, err)
	}
	date, err := time.Parse(timeFormat, r.Date)
	if err != nil {
		return storage.Signature{}, fmt.Errorf("decode signature date for %s: %w", r.Path, err)
	}
	return storage.Signature{Path: r.Path, Value: value, Date: date}, nil
}

func (r logRow) toLogEntry() (storage.LogEntry, error) {
	date, err := time.Parse(timeFormat, r.Date)
	if err != nil {
		return storage.LogEntry{}, fmt.Errorf("decode log %d date: %w", r.ID, err)
	}
	return storage.LogEntry{
		ID:   r.ID,
		Date: date,
		Type: storage.LogType(r.Type),
		Path: r.Path,
	}, nil
}

var _ storage.Store = (*Store)(nil)
