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

// Package storage defines the tracked-entity store: tracked paths, their
// signatures, and the append-only audit log.
//
// Implementations live in sub-packages and register themselves by driver
// name, so callers select a backend with Open.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sigstore/integrity-monitor/pkg/errs"
)

// ErrNotFound is returned when a requested row does not exist. It matches
// any errs.NotFound error under errors.Is.
var ErrNotFound = errs.New(errs.NotFound, "record not found", nil)

// Kind distinguishes tracked files from tracked directories.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// IsDirectory reports whether k is KindDirectory.
func (k Kind) IsDirectory() bool {
	return k == KindDirectory
}

// ParseKind parses the persisted form of a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file":
		return KindFile, nil
	case "directory", "dir":
		return KindDirectory, nil
	default:
		return KindFile, fmt.Errorf("unknown path kind %q", s)
	}
}

// TrackedPath is one monitored file or directory.
type TrackedPath struct {
	Name   string
	Path   string
	Kind   Kind
	Signed bool
	// Missing is set when the path was observed to disappear and cleared
	// once it is signed or verified again.
	Missing bool
}

// NewTrackedPath returns an unsigned entry for path. The path is made
// absolute and cleaned.
func NewTrackedPath(path string, kind Kind) (TrackedPath, error) {
	canonical, err := CanonicalPath(path)
	if err != nil {
		return TrackedPath{}, err
	}
	return TrackedPath{
		Name: filepath.Base(canonical),
		Path: canonical,
		Kind: kind,
	}, nil
}

// Equal compares identity fields only; Signed and Missing are state.
func (p TrackedPath) Equal(other TrackedPath) bool {
	return p.Name == other.Name && p.Path == other.Path && p.Kind == other.Kind
}

// CanonicalPath returns the absolute, cleaned form of path.
func CanonicalPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errs.New(errs.Configuration, "path is required", nil)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

// Signature is the current signature of a tracked path. There is at most
// one per path.
type Signature struct {
	Path  string
	Value []byte
	Date  time.Time
}

// LogType classifies an audit log entry.
type LogType string

const (
	LogAddition     LogType = "ADDITION"
	LogDeletion     LogType = "DELETION"
	LogModification LogType = "MODIFICATION"
	LogAlert        LogType = "ALERT"
)

// Valid reports whether t is one of the known log types.
func (t LogType) Valid() bool {
	switch t {
	case LogAddition, LogDeletion, LogModification, LogAlert:
		return true
	default:
		return false
	}
}

// ParseLogType parses a log type name, case-insensitively.
func ParseLogType(s string) (LogType, error) {
	t := LogType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown log type %q", s)
	}
	return t, nil
}

// LogEntry is one audit record. Entries are never modified once written.
type LogEntry struct {
	// ID is assigned by the store and increases with every append.
	ID   int64
	Date time.Time
	Type LogType
	Path string
}

// LogFilter narrows ListLogs. Zero values match everything; a Limit of zero
// returns all matching entries.
type LogFilter struct {
	Type  LogType
	Path  string
	Limit int
}

// Matches reports whether e satisfies the type and path constraints.
func (f LogFilter) Matches(e LogEntry) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Path != "" && e.Path != f.Path {
		return false
	}
	return true
}

// Table selects one of the logical tables.
type Table int

const (
	TableFiles Table = iota
	TableSignatures
	TableLogs
)

func (t Table) String() string {
	switch t {
	case TableFiles:
		return "files"
	case TableSignatures:
		return "signatures"
	case TableLogs:
		return "logs"
	default:
		return fmt.Sprintf("Table(%d)", int(t))
	}
}

// Tables lists every table in creation order.
func Tables() []Table {
	return []Table{TableFiles, TableSignatures, TableLogs}
}

// Store persists tracked paths, signatures and log entries.
//
// Every mutating method is atomic: either all of its rows are written or
// none are. Implementations must be safe for concurrent use.
type Store interface {
	// ListFiles returns every tracked path ordered by path.
	ListFiles(ctx context.Context) ([]TrackedPath, error)
	// GetFile returns the tracked path, or ErrNotFound.
	GetFile(ctx context.Context, path string) (TrackedPath, error)
	// AddFile inserts p. It returns false without error when the path is
	// already tracked.
	AddFile(ctx context.Context, p TrackedPath) (bool, error)
	// UpdateFile replaces the state of an existing tracked path.
	UpdateFile(ctx context.Context, p TrackedPath) error
	// RemoveFile deletes the tracked path and its signature. Log entries
	// are kept.
	RemoveFile(ctx context.Context, path string) error
	// MarkAllUnsigned clears the signed flag of every tracked path in one
	// transaction and returns how many paths changed.
	MarkAllUnsigned(ctx context.Context) (int, error)

	// GetSignature returns the signature for path, or ErrNotFound.
	GetSignature(ctx context.Context, path string) (Signature, error)
	// ListSignatures returns every stored signature ordered by path.
	ListSignatures(ctx context.Context) ([]Signature, error)
	// PutSignature replaces the signature for sig.Path, marks the path
	// signed and present, and appends entry when it is non-nil. A path that
	// is not tracked yields an errs.StoreInconsistency error.
	PutSignature(ctx context.Context, sig Signature, entry *LogEntry) error
	// DeleteSignature removes the signature for path and marks the path
	// unsigned if it is still tracked.
	DeleteSignature(ctx context.Context, path string) error

	// AppendLog writes entry and returns it with its assigned ID.
	AppendLog(ctx context.Context, entry LogEntry) (LogEntry, error)
	// ListLogs returns matching entries, oldest first. With a Limit, the
	// most recent Limit entries are returned.
	ListLogs(ctx context.Context, filter LogFilter) ([]LogEntry, error)

	// Count returns the number of rows in table.
	Count(ctx context.Context, table Table) (int, error)

	Close() error
}

// ValidateFile checks the fields every backend requires before insert.
func ValidateFile(p TrackedPath) error {
	if strings.TrimSpace(p.Path) == "" {
		return errs.New(errs.Configuration, "tracked path is required", nil)
	}
	if strings.TrimSpace(p.Name) == "" {
		return errs.WithPath(errs.Configuration, p.Path, "tracked path name is required", nil)
	}
	if p.Kind != KindFile && p.Kind != KindDirectory {
		return errs.WithPath(errs.Configuration, p.Path, fmt.Sprintf("invalid path kind %d", int(p.Kind)), nil)
	}
	return nil
}

// ValidateLogEntry checks a log entry before it is appended.
func ValidateLogEntry(e LogEntry) error {
	if !e.Type.Valid() {
		return errs.New(errs.Configuration, fmt.Sprintf("invalid log type %q", e.Type), nil)
	}
	if strings.TrimSpace(e.Path) == "" {
		return errs.New(errs.Configuration, "log path is required", nil)
	}
	return nil
}

// NotTracked returns the error for a signature whose path is not tracked.
func NotTracked(path string) error {
	return errs.WithPath(errs.StoreInconsistency, path, "signature references an untracked path", nil)
}
