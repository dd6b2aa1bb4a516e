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

package hashengines

import (
	"github.com/sigstore/integrity-monitor/pkg/hashing/digests"
)

// HashEngine produces a digest over some input.
type HashEngine interface {
	// Compute finalizes the hash computation and returns the resulting digest.
	Compute() (digests.Digest, error)

	// DigestName returns the canonical name of the hash algorithm.
	// Engines that aggregate other digests (directory hashing) must
	// still report the name of the underlying algorithm, since the
	// stored signature is over whatever bytes Compute returns.
	DigestName() string

	// DigestSize returns the size in bytes of digests produced by this engine.
	DigestSize() int
}

// Streaming is implemented by engines that accept input incrementally.
type Streaming interface {
	// Update appends additional bytes to the data being hashed.
	Update(data []byte)

	// Reset clears the hash state and optionally seeds it with data.
	Reset(data []byte)
}

// StreamingHashEngine is a HashEngine fed through Update.
type StreamingHashEngine interface {
	HashEngine
	Streaming
}

// Factory returns a fresh streaming engine.
type Factory func() StreamingHashEngine
