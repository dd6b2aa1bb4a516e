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

package io

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/sigstore/integrity-monitor/pkg/errs"
	"github.com/sigstore/integrity-monitor/pkg/hashing/digests"
	hashengines "github.com/sigstore/integrity-monitor/pkg/hashing/engines"
)

var _ hashengines.HashEngine = (*DirectoryHasher)(nil)

// DirectoryHasher digests a directory tree: every regular file is hashed on
// its own, then the raw per-file digests are hashed in sorted path order.
// The order is by slash-separated path relative to the root, so the result
// does not depend on the order the filesystem returns entries in.
//
// Only a missing root is reported as errs.NotFound. Entries that vanish
// while the tree is being read are left out of the digest, so a concurrent
// edit surfaces as a different digest rather than a missing directory.
type DirectoryHasher struct {
	root       string
	newEngine  hashengines.Factory
	chunkSize  int
	digestName string

	// afterList runs between listing and hashing; tests use it to race
	// the filesystem.
	afterList func(files []string)
}

// NewDirectoryHasher builds a hasher rooted at root.
func NewDirectoryHasher(root string, newEngine hashengines.Factory, chunkSize int) (*DirectoryHasher, error) {
	if root == "" {
		return nil, fmt.Errorf("directory path must be non-empty")
	}
	if newEngine == nil {
		return nil, fmt.Errorf("engine factory must not be nil")
	}
	if chunkSize < 0 {
		return nil, fmt.Errorf("chunk size must be non-negative, got %d", chunkSize)
	}
	return &DirectoryHasher{
		root:       root,
		newEngine:  newEngine,
		chunkSize:  chunkSize,
		digestName: newEngine().DigestName(),
	}, nil
}

func (h *DirectoryHasher) DigestName() string {
	return h.digestName
}

func (h *DirectoryHasher) DigestSize() int {
	return h.newEngine().DigestSize()
}

// Files returns the regular files under the root, relative and
// slash-separated, in the order they are folded into the digest.
func (h *DirectoryHasher) Files() ([]string, error) {
	info, err := os.Stat(h.root)
	if err != nil {
		return nil, classifyOpenError(h.root, err)
	}
	if !info.IsDir() {
		return nil, errs.WithPath(errs.IO, h.root, "expected directory, found file", nil)
	}

	var files []string
	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == h.root {
				return classifyOpenError(path, err)
			}
			if errors.Is(err, fs.ErrNotExist) {
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			return errs.WithPath(errs.IO, path, "read directory entry", err)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(h.root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	}
	if err := filepath.WalkDir(h.root, walkFn); err != nil {
		var classified *errs.Error
		if errors.As(err, &classified) {
			return nil, err
		}
		return nil, fmt.Errorf("walk directory %q: %w", h.root, err)
	}

	sort.Strings(files)
	return files, nil
}

func (h *DirectoryHasher) Compute() (digests.Digest, error) {
	files, err := h.Files()
	if err != nil {
		return digests.Digest{}, err
	}
	if h.afterList != nil {
		h.afterList(files)
	}

	aggregate := h.newEngine()
	aggregate.Reset(nil)

	var fileHasher *FileHasher
	for _, rel := range files {
		full := filepath.Join(h.root, filepath.FromSlash(rel))
		if fileHasher == nil {
			fileHasher, err = NewFileHasher(full, h.newEngine(), h.chunkSize)
			if err != nil {
				return digests.Digest{}, err
			}
		} else if err := fileHasher.SetFile(full); err != nil {
			return digests.Digest{}, err
		}

		d, err := fileHasher.Compute()
		if err != nil {
			if vanished(full) {
				continue
			}
			if errs.IsType(err, errs.NotFound) {
				return digests.Digest{}, errs.WithPath(errs.IO, full, "file became unreadable", errors.Unwrap(err))
			}
			return digests.Digest{}, err
		}
		aggregate.Update(d.Value())
	}

	// The root may have gone while its files were being read.
	if _, err := os.Stat(h.root); err != nil {
		return digests.Digest{}, classifyOpenError(h.root, err)
	}

	d, err := aggregate.Compute()
	if err != nil {
		return digests.Digest{}, fmt.Errorf("compute directory digest: %w", err)
	}
	return digests.NewDigest(h.digestName, d.Value()), nil
}

// vanished reports whether a listed entry is no longer a regular file.
func vanished(path string) bool {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	return err == nil && !info.Mode().IsRegular()
}
