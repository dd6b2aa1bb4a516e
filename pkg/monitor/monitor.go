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

// Package monitor drives the integrity state machine: it decides per
// tracked path whether to sign, verify or re-sign, records tamper events
// in the audit log, and follows live filesystem changes.
//
// Per-path states are Untracked, Unsigned, Verified and Resigning. Add moves
// a path from Untracked to Unsigned, a check pass signs Unsigned paths, and
// a failed verification re-signs the path and appends a MODIFICATION entry.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sigstore/integrity-monitor/pkg/errs"
	"github.com/sigstore/integrity-monitor/pkg/hashing"
	"github.com/sigstore/integrity-monitor/pkg/keys"
	"github.com/sigstore/integrity-monitor/pkg/logging"
	"github.com/sigstore/integrity-monitor/pkg/signing"
	"github.com/sigstore/integrity-monitor/pkg/storage"
)

// Options configures a Monitor.
type Options struct {
	// Store persists tracked paths, signatures and the audit log. Required.
	Store storage.Store
	// Custodian holds the session key pair. Required.
	Custodian *keys.Custodian
	// Sink receives status and alert events. Defaults to a LoggerSink.
	Sink Sink
	// Logger defaults to logging.Default().
	Logger logging.Logger
	// Workers bounds concurrent sign/verify operations in a check pass.
	// Defaults to 1.
	Workers int
	// ChunkSize is the file read size used for hashing. Zero selects the
	// hashing default.
	ChunkSize int
	// Clock supplies timestamps. Defaults to time.Now.
	Clock func() time.Time
}

// Monitor is the integrity orchestrator. It is safe for concurrent use.
type Monitor struct {
	store     storage.Store
	custodian *keys.Custodian
	signer    *signing.Service
	sink      Sink
	logger    logging.Logger
	workers   int
	now       func() time.Time
	locks     pathLocks

	mu      sync.Mutex
	checked bool

	// afterSubscribe runs once the watch loop has subscribed its roots.
	afterSubscribe func()
}

// New validates opts and returns a Monitor.
func New(opts Options) (*Monitor, error) {
	if opts.Store == nil {
		return nil, errs.New(errs.Configuration, "store is required", nil)
	}
	if opts.Custodian == nil {
		return nil, errs.New(errs.Configuration, "key custodian is required", nil)
	}
	if opts.Workers < 0 {
		return nil, errs.New(errs.Configuration, fmt.Sprintf("workers must be positive, got %d", opts.Workers), nil)
	}
	if opts.ChunkSize < 0 {
		return nil, errs.New(errs.Configuration, fmt.Sprintf("chunk size must not be negative, got %d", opts.ChunkSize), nil)
	}

	logger := logging.EnsureLogger(opts.Logger).WithField("component", "monitor")
	workers := opts.Workers
	if workers == 0 {
		workers = 1
	}
	sink := opts.Sink
	if sink == nil {
		sink = NewLoggerSink(logger)
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Monitor{
		store:     opts.Store,
		custodian: opts.Custodian,
		signer:    signing.NewService(opts.Custodian, hashing.New(opts.ChunkSize), logger),
		sink:      sink,
		logger:    logger,
		workers:   workers,
		now:       clock,
	}, nil
}

// Add starts tracking path as an unsigned entry. It returns false when an
// equal entry is already tracked.
func (m *Monitor) Add(ctx context.Context, path string, kind storage.Kind) (bool, error) {
	p, err := storage.NewTrackedPath(path, kind)
	if err != nil {
		return false, err
	}

	existing, err := m.store.GetFile(ctx, p.Path)
	switch {
	case err == nil && existing.Equal(p):
		m.logger.Debug("%s is already tracked", p.Path)
		return false, nil
	case err == nil:
		return false, errs.WithPath(errs.Configuration, p.Path,
			fmt.Sprintf("already tracked as a %s", existing.Kind), nil)
	case !errs.IsType(err, errs.NotFound):
		return false, err
	}

	added, err := m.store.AddFile(ctx, p)
	if err != nil {
		return false, fmt.Errorf("track %s: %w", p.Path, err)
	}
	if added {
		m.emit(SeverityInfo, p.Path, fmt.Sprintf("Tracking %s %s", p.Kind, p.Path))
	}
	return added, nil
}

// Remove stops tracking path and drops its signature. Removal is a
// management action and is not written to the audit log.
func (m *Monitor) Remove(ctx context.Context, path string) error {
	canonical, err := storage.CanonicalPath(path)
	if err != nil {
		return err
	}

	unlock := m.locks.lock(canonical)
	defer unlock()

	if err := m.store.RemoveFile(ctx, canonical); err != nil {
		return err
	}
	m.emit(SeverityInfo, canonical, fmt.Sprintf("Stopped tracking %s", canonical))
	return nil
}

// Tracked lists every tracked path.
func (m *Monitor) Tracked(ctx context.Context) ([]storage.TrackedPath, error) {
	return m.store.ListFiles(ctx)
}

// Logs returns audit log entries matching filter.
func (m *Monitor) Logs(ctx context.Context, filter storage.LogFilter) ([]storage.LogEntry, error) {
	return m.store.ListLogs(ctx, filter)
}

// Provision loads the session keys, generating them when needed. When a
// new pair is generated every tracked path is marked unsigned, since
// signatures made under the old key can never verify again.
func (m *Monitor) Provision(ctx context.Context) (bool, error) {
	regenerated, err := m.custodian.Provision(ctx)
	if err != nil {
		return false, err
	}
	if regenerated {
		m.emit(SeverityWarning, "", "A new key pair was generated; all tracked paths will be re-signed")
		if err := m.invalidateSignatures(ctx); err != nil {
			return true, err
		}
	}
	return regenerated, nil
}

// RegenerateKeys replaces the key pair and marks every tracked path
// unsigned.
func (m *Monitor) RegenerateKeys(ctx context.Context) error {
	if err := m.custodian.Regenerate(ctx); err != nil {
		return err
	}
	m.emit(SeverityWarning, "", "Key pair regenerated; all tracked paths will be re-signed")
	return m.invalidateSignatures(ctx)
}

func (m *Monitor) invalidateSignatures(ctx context.Context) error {
	n, err := m.store.MarkAllUnsigned(ctx)
	if err != nil {
		return fmt.Errorf("mark paths unsigned: %w", err)
	}
	m.logger.Info("Marked %d tracked path(s) for re-signing", n)
	return nil
}

func (m *Monitor) emit(severity Severity, path, message string) {
	m.sink.Emit(Event{
		Severity: severity,
		Message:  message,
		Path:     path,
		Time:     m.now(),
	})
}

func (m *Monitor) markChecked() {
	m.mu.Lock()
	m.checked = true
	m.mu.Unlock()
}

func (m *Monitor) hasChecked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checked
}

func (m *Monitor) requireKeys() error {
	if m.custodian.PublicKey() == nil {
		return errs.New(errs.Configuration, "keys have not been provisioned", nil)
	}
	return nil
}
