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

// Package hashing computes the content digests that signatures are made over.
//
// A file digest is SHA-256 over the file bytes. A directory digest is SHA-256
// over the concatenation of its files' digests, taken in sorted path order.
// Signing and verification both go through this package so that a stored
// signature is always checked against the same digest definition.
package hashing

import (
	"github.com/sigstore/integrity-monitor/pkg/hashing/digests"
	hashengines "github.com/sigstore/integrity-monitor/pkg/hashing/engines"
	hashio "github.com/sigstore/integrity-monitor/pkg/hashing/engines/io"
	"github.com/sigstore/integrity-monitor/pkg/hashing/engines/memory"
)

// Hasher computes file and directory digests with a fixed chunk size.
type Hasher struct {
	chunkSize int
	newEngine hashengines.Factory
}

// New returns a SHA-256 hasher. A chunkSize of zero selects the default.
func New(chunkSize int) *Hasher {
	if chunkSize <= 0 {
		chunkSize = hashio.DefaultChunkSize
	}
	return &Hasher{
		chunkSize: chunkSize,
		newEngine: memory.NewSHA256,
	}
}

// ChunkSize returns the read size used when streaming files.
func (h *Hasher) ChunkSize() int {
	return h.chunkSize
}

// HashFile digests a single file.
func (h *Hasher) HashFile(path string) (digests.Digest, error) {
	fh, err := hashio.NewFileHasher(path, h.newEngine(), h.chunkSize)
	if err != nil {
		return digests.Digest{}, err
	}
	return fh.Compute()
}

// HashDirectory digests every regular file under path.
func (h *Hasher) HashDirectory(path string) (digests.Digest, error) {
	dh, err := hashio.NewDirectoryHasher(path, h.newEngine, h.chunkSize)
	if err != nil {
		return digests.Digest{}, err
	}
	return dh.Compute()
}

// HashPath dispatches on isDirectory.
func (h *Hasher) HashPath(path string, isDirectory bool) (digests.Digest, error) {
	if isDirectory {
		return h.HashDirectory(path)
	}
	return h.HashFile(path)
}

var defaultHasher = New(hashio.DefaultChunkSize)

// HashFile digests a file with the default chunk size.
func HashFile(path string) (digests.Digest, error) {
	return defaultHasher.HashFile(path)
}

// HashDirectory digests a directory tree with the default chunk size.
func HashDirectory(path string) (digests.Digest, error) {
	return defaultHasher.HashDirectory(path)
}
