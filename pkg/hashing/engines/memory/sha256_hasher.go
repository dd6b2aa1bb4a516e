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

package memory

import (
	"crypto/sha256"
	"hash"

	"github.com/sigstore/integrity-monitor/pkg/hashing/digests"
	hashengines "github.com/sigstore/integrity-monitor/pkg/hashing/engines"
)

// SHA256Name is the digest name recorded for SHA-256 digests.
const SHA256Name = "sha256"

var _ hashengines.StreamingHashEngine = (*SHA256Engine)(nil)

// SHA256Engine is an in-memory streaming SHA-256 engine.
type SHA256Engine struct {
	h hash.Hash
}

// NewSHA256Engine returns an engine, optionally seeded with initialData.
func NewSHA256Engine(initialData []byte) *SHA256Engine {
	e := &SHA256Engine{h: sha256.New()}
	if len(initialData) > 0 {
		_, _ = e.h.Write(initialData)
	}
	return e
}

// NewSHA256 satisfies hashengines.Factory.
func NewSHA256() hashengines.StreamingHashEngine {
	return NewSHA256Engine(nil)
}

func (e *SHA256Engine) Update(data []byte) {
	if len(data) > 0 {
		_, _ = e.h.Write(data)
	}
}

func (e *SHA256Engine) Reset(data []byte) {
	e.h.Reset()
	if len(data) > 0 {
		_, _ = e.h.Write(data)
	}
}

func (e *SHA256Engine) Compute() (digests.Digest, error) {
	return digests.NewDigest(SHA256Name, e.h.Sum(nil)), nil
}

func (e *SHA256Engine) DigestName() string {
	return SHA256Name
}

func (e *SHA256Engine) DigestSize() int {
	return sha256.Size
}
