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

package keys

// Passphrase is either absent or a secret used to encrypt the private key.
// The zero value is NoPassphrase.
type Passphrase struct {
	secret []byte
}

// NoPassphrase disables private key encryption. Only suitable for tests and
// throwaway environments.
func NoPassphrase() Passphrase {
	return Passphrase{}
}

// NewPassphrase returns a passphrase holding a copy of secret. An empty
// secret is equivalent to NoPassphrase.
func NewPassphrase(secret []byte) Passphrase {
	if len(secret) == 0 {
		return Passphrase{}
	}
	return Passphrase{secret: append([]byte(nil), secret...)}
}

// IsSet reports whether the private key should be encrypted.
func (p Passphrase) IsSet() bool {
	return len(p.secret) > 0
}

func (p Passphrase) bytes() []byte {
	return p.secret
}

// String never reveals the secret.
func (p Passphrase) String() string {
	if p.IsSet() {
		return "[REDACTED]"
	}
	return "<none>"
}
