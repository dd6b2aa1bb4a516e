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

// Package signing signs and verifies the content digest of tracked paths
// with RSA-PSS.
//
// Signatures are computed over the digest produced by the hashing package,
// so a stored signature is always checked against the same digest
// definition that produced it. Verification never returns cryptographic
// failures as errors; they are reported as false.
package signing

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"fmt"

	"github.com/sigstore/integrity-monitor/pkg/errs"
	"github.com/sigstore/integrity-monitor/pkg/hashing"
	"github.com/sigstore/integrity-monitor/pkg/hashing/digests"
	sigstoresig "github.com/sigstore/sigstore/pkg/signature"
)

// pssOptions requests the maximum salt length when signing and salt length
// detection when verifying. The MGF1 hash follows the message hash.
var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}

// Sign hashes path and signs the resulting digest.
func Sign(priv *rsa.PrivateKey, path string, isDirectory bool) ([]byte, error) {
	return signWith(hashing.New(0), priv, path, isDirectory)
}

func signWith(h *hashing.Hasher, priv *rsa.PrivateKey, path string, isDirectory bool) ([]byte, error) {
	d, err := h.HashPath(path, isDirectory)
	if err != nil {
		return nil, err
	}
	return SignDigest(priv, d)
}

// SignDigest signs the raw bytes of d.
func SignDigest(priv *rsa.PrivateKey, d digests.Digest) ([]byte, error) {
	if priv == nil {
		return nil, errs.New(errs.InvalidKeyFormat, "private key is nil", nil)
	}
	signer, err := sigstoresig.LoadRSAPSSSignerVerifier(priv, crypto.SHA256, pssOptions)
	if err != nil {
		return nil, errs.New(errs.InvalidKeyFormat, "failed to load RSA-PSS signer", err)
	}
	sig, err := signer.SignMessage(bytes.NewReader(d.Value()))
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}
	return sig, nil
}

// Verify recomputes the digest of path and checks sig against it. Every
// failure, including an unreadable path, yields false.
func Verify(pub *rsa.PublicKey, sig []byte, path string, isDirectory bool) bool {
	ok, err := VerifyDetailed(pub, sig, path, isDirectory)
	return err == nil && ok
}

// VerifyDetailed is Verify with hashing failures surfaced. The error is only
// ever a hashing error such as errs.NotFound; a signature that does not
// match is (false, nil).
func VerifyDetailed(pub *rsa.PublicKey, sig []byte, path string, isDirectory bool) (bool, error) {
	return verifyWith(hashing.New(0), pub, sig, path, isDirectory)
}

func verifyWith(h *hashing.Hasher, pub *rsa.PublicKey, sig []byte, path string, isDirectory bool) (bool, error) {
	d, err := h.HashPath(path, isDirectory)
	if err != nil {
		return false, err
	}
	return VerifyDigest(pub, sig, d), nil
}

// VerifyDigest reports whether sig is a valid signature of d under pub.
func VerifyDigest(pub *rsa.PublicKey, sig []byte, d digests.Digest) bool {
	if pub == nil || pub.N == nil || len(sig) == 0 {
		return false
	}
	verifier, err := sigstoresig.LoadRSAPSSVerifier(pub, crypto.SHA256, pssOptions)
	if err != nil {
		return false
	}
	return verifier.VerifySignature(bytes.NewReader(sig), bytes.NewReader(d.Value())) == nil
}
