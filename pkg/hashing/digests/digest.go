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

package digests

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Digest is the output of a hash engine: the algorithm name and the raw bytes.
// The bytes are the object that gets signed.
type Digest struct {
	algorithm string
	value     []byte
}

// NewDigest copies value so later mutation by the caller cannot alter the digest.
func NewDigest(algorithm string, value []byte) Digest {
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	return Digest{
		algorithm: algorithm,
		value:     valueCopy,
	}
}

// Algorithm returns the name of the hash algorithm.
func (d Digest) Algorithm() string {
	return d.algorithm
}

// Value returns a copy of the raw digest bytes.
func (d Digest) Value() []byte {
	valueCopy := make([]byte, len(d.value))
	copy(valueCopy, d.value)
	return valueCopy
}

// Hex returns the lowercase hex encoding of the digest bytes.
func (d Digest) Hex() string {
	return hex.EncodeToString(d.value)
}

// Size returns the digest length in bytes.
func (d Digest) Size() int {
	return len(d.value)
}

// IsZero reports whether the digest carries no value.
func (d Digest) IsZero() bool {
	return len(d.value) == 0
}

func (d Digest) String() string {
	return fmt.Sprintf("%s:%s", d.algorithm, d.Hex())
}

// Equal compares algorithm and value.
func (d Digest) Equal(other Digest) bool {
	return d.algorithm == other.algorithm && bytes.Equal(d.value, other.value)
}
