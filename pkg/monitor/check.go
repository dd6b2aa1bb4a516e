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
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sigstore/integrity-monitor/pkg/errs"
	"github.com/sigstore/integrity-monitor/pkg/storage"
	"github.com/sigstore/integrity-monitor/pkg/tracing"
)

type outcome int

const (
	outcomeSigned outcome = iota
	outcomeVerified
	outcomeResigned
	outcomeHealed
	outcomeMissing
	outcomeSkipped
	outcomeFailed
)

type pathResult struct {
	path    string
	outcome outcome
	err     error
}

// PathError pairs a tracked path with the error that stopped its processing.
type PathError struct {
	Path string
	Err  error
}

func (e PathError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e PathError) Unwrap() error {
	return e.Err
}

// Report summarizes one check pass. Every slice holds canonical paths.
type Report struct {
	RunID string

	// Signed paths were unsigned and received their first signature.
	Signed []string
	// Verified paths matched their stored signature.
	Verified []string
	// Resigned paths failed verification and were signed again.
	Resigned []string
	// Healed paths were marked signed but had no stored signature.
	Healed []string
	// Orphans are signatures whose path was not tracked; they were deleted.
	Orphans []string
	// Missing paths could not be read.
	Missing []string

	Failures []PathError

	Started  time.Time
	Finished time.Time
}

// Duration is the wall time of the pass.
func (r Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Alerts counts the tamper and consistency findings of the pass.
func (r Report) Alerts() int {
	return len(r.Resigned) + len(r.Healed) + len(r.Orphans)
}

func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "signed=%d verified=%d resigned=%d healed=%d orphans=%d missing=%d failed=%d",
		len(r.Signed), len(r.Verified), len(r.Resigned), len(r.Healed),
		len(r.Orphans), len(r.Missing), len(r.Failures))
	return b.String()
}

func (r *Report) add(res pathResult) {
	switch res.outcome {
	case outcomeSigned:
		r.Signed = append(r.Signed, res.path)
	case outcomeVerified:
		r.Verified = append(r.Verified, res.path)
	case outcomeResigned:
		r.Resigned = append(r.Resigned, res.path)
	case outcomeHealed:
		r.Healed = append(r.Healed, res.path)
	case outcomeMissing:
		r.Missing = append(r.Missing, res.path)
	case outcomeFailed:
		r.Failures = append(r.Failures, PathError{Path: res.path, Err: res.err})
	}
}

// Check runs one pass over every tracked path.
//
// When any path is unsigned the pass only signs: unsigned paths get their
// first signature and previously signed paths are left for the next pass.
// Otherwise every path is verified, and a mismatch is re-signed and logged as
// MODIFICATION. Paths that cannot be read are reported and skipped. The
// returned error joins every per-path failure other than a missing path.
func (m *Monitor) Check(ctx context.Context) (Report, error) {
	if err := m.requireKeys(); err != nil {
		return Report{}, err
	}

	runID := uuid.NewString()
	report := Report{RunID: runID, Started: m.now()}
	logger := m.logger.WithField("run_id", runID)

	err := tracing.Run(ctx, "monitor.Check", map[string]interface{}{"fim.run_id": runID}, func(ctx context.Context) error {
		orphans, err := m.repairOrphans(ctx)
		report.Orphans = orphans
		if err != nil {
			return err
		}

		files, err := m.store.ListFiles(ctx)
		if err != nil {
			return err
		}

		var unsigned, signed []storage.TrackedPath
		for _, p := range files {
			if p.Signed {
				signed = append(signed, p)
			} else {
				unsigned = append(unsigned, p)
			}
		}

		var results []pathResult
		if len(unsigned) > 0 {
			logger.Info("Signing %d unsigned path(s); %d signed path(s) wait for the next pass", len(unsigned), len(signed))
			results = runPool(ctx, m.workers, unsigned, func(ctx context.Context, p storage.TrackedPath) pathResult {
				return m.reconcile(ctx, runID, p.Path, true)
			})
		} else {
			logger.Debug("Verifying %d path(s)", len(signed))
			results = runPool(ctx, m.workers, signed, func(ctx context.Context, p storage.TrackedPath) pathResult {
				return m.reconcile(ctx, runID, p.Path, false)
			})
		}

		var failures []error
		for _, res := range results {
			report.add(res)
			if res.outcome == outcomeFailed {
				failures = append(failures, PathError{Path: res.path, Err: res.err})
			}
		}
		return errors.Join(failures...)
	})

	report.Finished = m.now()
	m.markChecked()
	logger.Info("Check finished: %s", report)
	return report, err
}

// repairOrphans deletes signatures whose path is no longer tracked.
func (m *Monitor) repairOrphans(ctx context.Context) ([]string, error) {
	sigs, err := m.store.ListSignatures(ctx)
	if err != nil {
		return nil, err
	}

	var repaired []string
	for _, sig := range sigs {
		_, err := m.store.GetFile(ctx, sig.Path)
		if err == nil {
			continue
		}
		if !errs.IsType(err, errs.NotFound) {
			return repaired, err
		}

		if err := m.store.DeleteSignature(ctx, sig.Path); err != nil {
			return repaired, fmt.Errorf("delete orphaned signature for %s: %w", sig.Path, err)
		}
		if err := m.appendLog(ctx, storage.LogAlert, sig.Path); err != nil {
			return repaired, err
		}
		m.emit(SeverityAlert, sig.Path, fmt.Sprintf("Removed signature of untracked path %s", sig.Path))
		repaired = append(repaired, sig.Path)
	}
	return repaired, nil
}

// reconcile brings one tracked path in line with its current content. With
// signOnly, or when the path is unsigned, the path is signed without
// verification. The path is re-read from the store under its lock so a
// concurrent watch event is never lost.
func (m *Monitor) reconcile(ctx context.Context, runID, path string, signOnly bool) pathResult {
	unlock := m.locks.lock(path)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return pathResult{path: path, outcome: outcomeFailed, err: err}
	}

	p, err := m.store.GetFile(ctx, path)
	if errs.IsType(err, errs.NotFound) {
		// Removed from tracking after the pass started.
		return pathResult{path: path, outcome: outcomeSkipped}
	}
	if err != nil {
		return pathResult{path: path, outcome: outcomeFailed, err: err}
	}

	if signOnly || !p.Signed {
		return m.signPath(ctx, runID, p)
	}
	return m.verifyPath(ctx, runID, p)
}

func (m *Monitor) signPath(ctx context.Context, runID string, p storage.TrackedPath) pathResult {
	sig, err := m.sign(ctx, runID, p)
	if err != nil {
		return m.readFailure(ctx, p, err)
	}
	if err := m.noteReappeared(ctx, p); err != nil {
		return pathResult{path: p.Path, outcome: outcomeFailed, err: err}
	}
	if err := m.store.PutSignature(ctx, m.signature(p, sig), nil); err != nil {
		return pathResult{path: p.Path, outcome: outcomeFailed, err: err}
	}
	m.emit(SeverityInfo, p.Path, fmt.Sprintf("Signed %s", p.Path))
	return pathResult{path: p.Path, outcome: outcomeSigned}
}

func (m *Monitor) verifyPath(ctx context.Context, runID string, p storage.TrackedPath) pathResult {
	stored, err := m.store.GetSignature(ctx, p.Path)
	if errs.IsType(err, errs.NotFound) {
		return m.healPath(ctx, runID, p)
	}
	if err != nil {
		return pathResult{path: p.Path, outcome: outcomeFailed, err: err}
	}

	var ok bool
	err = tracing.Run(ctx, "monitor.Verify", spanAttrs(runID, p), func(ctx context.Context) error {
		var err error
		ok, err = m.signer.Verify(ctx, stored.Value, p.Path, p.Kind.IsDirectory())
		return err
	})
	if err != nil {
		return m.readFailure(ctx, p, err)
	}
	if err := m.noteReappeared(ctx, p); err != nil {
		return pathResult{path: p.Path, outcome: outcomeFailed, err: err}
	}

	if ok {
		if p.Missing {
			p.Missing = false
			if err := m.store.UpdateFile(ctx, p); err != nil {
				return pathResult{path: p.Path, outcome: outcomeFailed, err: err}
			}
		}
		return pathResult{path: p.Path, outcome: outcomeVerified}
	}

	sig, err := m.sign(ctx, runID, p)
	if err != nil {
		return m.readFailure(ctx, p, err)
	}
	entry := m.logEntry(storage.LogModification, p.Path)
	if err := m.store.PutSignature(ctx, m.signature(p, sig), &entry); err != nil {
		return pathResult{path: p.Path, outcome: outcomeFailed, err: err}
	}
	m.emit(SeverityAlert, p.Path, fmt.Sprintf("%s %s was modified; signature renewed", p.Kind, p.Path))
	return pathResult{path: p.Path, outcome: outcomeResigned}
}

// healPath signs a path that is marked signed but has no stored signature.
func (m *Monitor) healPath(ctx context.Context, runID string, p storage.TrackedPath) pathResult {
	sig, err := m.sign(ctx, runID, p)
	if err != nil {
		return m.readFailure(ctx, p, err)
	}
	if err := m.noteReappeared(ctx, p); err != nil {
		return pathResult{path: p.Path, outcome: outcomeFailed, err: err}
	}
	entry := m.logEntry(storage.LogAlert, p.Path)
	if err := m.store.PutSignature(ctx, m.signature(p, sig), &entry); err != nil {
		return pathResult{path: p.Path, outcome: outcomeFailed, err: err}
	}
	m.emit(SeverityAlert, p.Path, fmt.Sprintf("Signature of %s was missing from the store; signed again", p.Path))
	return pathResult{path: p.Path, outcome: outcomeHealed}
}

func (m *Monitor) sign(ctx context.Context, runID string, p storage.TrackedPath) ([]byte, error) {
	var sig []byte
	err := tracing.Run(ctx, "monitor.Sign", spanAttrs(runID, p), func(ctx context.Context) error {
		var err error
		sig, err = m.signer.Sign(ctx, p.Path, p.Kind.IsDirectory())
		return err
	})
	return sig, err
}

// readFailure classifies a sign or verify error. A vanished path is marked
// missing and logged as DELETION once; anything else fails the path.
func (m *Monitor) readFailure(ctx context.Context, p storage.TrackedPath, err error) pathResult {
	if !errs.IsType(err, errs.NotFound) {
		return pathResult{path: p.Path, outcome: outcomeFailed, err: err}
	}
	if err := m.markMissing(ctx, p); err != nil {
		return pathResult{path: p.Path, outcome: outcomeFailed, err: err}
	}
	return pathResult{path: p.Path, outcome: outcomeMissing}
}

func (m *Monitor) markMissing(ctx context.Context, p storage.TrackedPath) error {
	if p.Missing {
		m.logger.Debug("%s is still missing", p.Path)
		return nil
	}
	p.Missing = true
	if err := m.store.UpdateFile(ctx, p); err != nil {
		return err
	}
	if err := m.appendLog(ctx, storage.LogDeletion, p.Path); err != nil {
		return err
	}
	m.emit(SeverityWarning, p.Path, fmt.Sprintf("%s %s no longer exists", p.Kind, p.Path))
	return nil
}

// noteReappeared logs ADDITION for a path that was missing and is readable
// again. The caller clears the flag with its next write.
func (m *Monitor) noteReappeared(ctx context.Context, p storage.TrackedPath) error {
	if !p.Missing {
		return nil
	}
	if err := m.appendLog(ctx, storage.LogAddition, p.Path); err != nil {
		return err
	}
	m.emit(SeverityInfo, p.Path, fmt.Sprintf("%s %s exists again", p.Kind, p.Path))
	return nil
}

func (m *Monitor) appendLog(ctx context.Context, t storage.LogType, path string) error {
	if _, err := m.store.AppendLog(ctx, m.logEntry(t, path)); err != nil {
		return fmt.Errorf("append %s log for %s: %w", t, path, err)
	}
	return nil
}

func (m *Monitor) logEntry(t storage.LogType, path string) storage.LogEntry {
	return storage.LogEntry{Date: m.now().UTC(), Type: t, Path: path}
}

func (m *Monitor) signature(p storage.TrackedPath, value []byte) storage.Signature {
	return storage.Signature{Path: p.Path, Value: value, Date: m.now().UTC()}
}

func spanAttrs(runID string, p storage.TrackedPath) map[string]interface{} {
	return map[string]interface{}{
		"fim.run_id": runID,
		"fim.path":   p.Path,
		"fim.kind":   p.Kind.String(),
	}
}
