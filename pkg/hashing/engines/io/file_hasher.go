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
	"io"
	"io/fs"
	"os"

	"github.com/sigstore/integrity-monitor/pkg/errs"
	"github.com/sigstore/integrity-monitor/pkg/hashing/digests"
	hashengines "github.com/sigstore/integrity-monitor/pkg/hashing/engines"
)

// DefaultChunkSize is the read size used when streaming a file.
const DefaultChunkSize = 4096

var _ hashengines.HashEngine = (*FileHasher)(nil)

// FileHasher streams one file through a content engine in fixed-size chunks.
type FileHasher struct {
	filePath      string
	contentHasher hashengines.StreamingHashEngine
	chunkSize     int
}

// NewFileHasher validates its arguments. A chunkSize of zero selects
// DefaultChunkSize.
func NewFileHasher(
	filePath string,
	contentHasher hashengines.StreamingHashEngine,
	chunkSize int,
) (*FileHasher, error) {
	if chunkSize < 0 {
		return nil, fmt.Errorf("chunk size must be non-negative, got %d", chunkSize)
	}
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	if filePath == "" {
		return nil, fmt.Errorf("file path must be non-empty")
	}

	if contentHasher == nil {
		return nil, fmt.Errorf("content hasher must not be nil")
	}

	return &FileHasher{
		filePath:      filePath,
		contentHasher: contentHasher,
		chunkSize:     chunkSize,
	}, nil
}

// SetFile points the hasher at another file so one instance can be reused.
func (h *FileHasher) SetFile(filePath string) error {
	if filePath == "" {
		return fmt.Errorf("file path must be non-empty")
	}
	h.filePath = filePath
	return nil
}

func (h *FileHasher) DigestName() string {
	return h.contentHasher.DigestName()
}

func (h *FileHasher) DigestSize() int {
	return h.contentHasher.DigestSize()
}

// Compute returns an errs.NotFound error when the file is missing or cannot
// be opened, and errs.IO when reading fails part way.
func (h *FileHasher) Compute() (digests.Digest, error) {
	h.contentHasher.Reset(nil)

	f, err := os.Open(h.filePath)
	if err != nil {
		return digests.Digest{}, classifyOpenError(h.filePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return digests.Digest{}, errs.WithPath(errs.IO, h.filePath, "stat file", err)
	}
	if info.IsDir() {
		return digests.Digest{}, errs.WithPath(errs.IO, h.filePath, "expected file, found directory", nil)
	}

	buf := make([]byte, h.chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.contentHasher.Update(buf[:n])
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return digests.Digest{}, errs.WithPath(errs.IO, h.filePath, "read file", err)
		}
	}

	d, err := h.contentHasher.Compute()
	if err != nil {
		return digests.Digest{}, fmt.Errorf("compute digest: %w", err)
	}
	return d, nil
}

func classifyOpenError(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return errs.WithPath(errs.NotFound, path, "path does not exist or is unreadable", err)
	}
	return errs.WithPath(errs.IO, path, "open file", err)
}
