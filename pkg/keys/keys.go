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

// Package keys generates, serializes, loads and validates the RSA key pair
// used to sign tracked paths.
package keys

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/pem"
	"fmt"

	"github.com/sigstore/integrity-monitor/pkg/errs"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/youmark/pkcs8"
)

const (
	// DefaultBits is the RSA modulus size used when none is configured.
	DefaultBits = 2048

	// MinBits is the smallest accepted RSA modulus size.
	MinBits = 2048

	privateKeyPEMType          = "PRIVATE KEY"
	encryptedPrivateKeyPEMType = "ENCRYPTED PRIVATE KEY"

	validationPayloadLength  = 40
	validationPayloadEntropy = 256
)

// encryptionOpts selects PBES2 with PBKDF2-HMAC-SHA256 and AES-256-CBC.
var encryptionOpts = &pkcs8.Opts{
	Cipher: pkcs8.AES256CBC,
	KDFOpts: pkcs8.PBKDF2Opts{
		SaltSize:       16,
		IterationCount: 100000,
		HMACHash:       crypto.SHA256,
	},
}

// Generate creates a new RSA private key with public exponent 65537.
func Generate(bits int) (*rsa.PrivateKey, error) {
	if bits < MinBits {
		return nil, errs.New(errs.Configuration, fmt.Sprintf("RSA key size %d is below the minimum of %d bits", bits, MinBits), nil)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return key, nil
}

// MarshalPrivateKey encodes key as a PKCS#8 PEM block, encrypted when the
// passphrase is set.
func MarshalPrivateKey(key *rsa.PrivateKey, passphrase Passphrase) ([]byte, error) {
	if key == nil {
		return nil, errs.New(errs.InvalidKeyFormat, "private key is nil", nil)
	}

	if !passphrase.IsSet() {
		der, err := pkcs8.MarshalPrivateKey(key, nil, nil)
		if err != nil {
			return nil, errs.New(errs.InvalidKeyFormat, "failed to marshal private key", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: der}), nil
	}

	der, err := pkcs8.MarshalPrivateKey(key, passphrase.bytes(), encryptionOpts)
	if err != nil {
		return nil, errs.New(errs.InvalidKeyFormat, "failed to encrypt private key", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: encryptedPrivateKeyPEMType, Bytes: der}), nil
}

// MarshalPublicKey encodes pub as a SubjectPublicKeyInfo PEM block.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, errs.New(errs.InvalidKeyFormat, "public key is nil", nil)
	}
	out, err := cryptoutils.MarshalPublicKeyToPEM(pub)
	if err != nil {
		return nil, errs.New(errs.InvalidKeyFormat, "failed to marshal public key", err)
	}
	return out, nil
}

// UnmarshalPrivateKey decodes a PKCS#8 PEM private key.
//
// An encrypted key without a passphrase, and a plain key when a passphrase
// is configured, are both rejected as InvalidKeyFormat so a misconfiguration
// never silently downgrades to an unencrypted key.
func UnmarshalPrivateKey(data []byte, passphrase Passphrase) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errs.New(errs.InvalidKeyFormat, "no PEM block found in private key", nil)
	}

	switch block.Type {
	case privateKeyPEMType:
		if passphrase.IsSet() {
			return nil, errs.New(errs.InvalidKeyFormat, "private key is not encrypted but a passphrase is configured", nil)
		}
		key, err := pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes)
		if err != nil {
			return nil, errs.New(errs.InvalidKeyFormat, "failed to parse private key", err)
		}
		return key, nil

	case encryptedPrivateKeyPEMType:
		if !passphrase.IsSet() {
			return nil, errs.New(errs.InvalidKeyFormat, "private key is encrypted but no passphrase is configured", nil)
		}
		var raw asn1.RawValue
		if rest, err := asn1.Unmarshal(block.Bytes, &raw); err != nil || len(rest) > 0 {
			return nil, errs.New(errs.InvalidKeyFormat, "malformed encrypted private key", err)
		}
		key, err := pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes, passphrase.bytes())
		if err != nil {
			return nil, errs.New(errs.WrongPassphrase, "failed to decrypt private key", err)
		}
		return key, nil

	default:
		return nil, errs.New(errs.InvalidKeyFormat, fmt.Sprintf("unsupported private key PEM type %q", block.Type), nil)
	}
}

// UnmarshalPublicKey decodes a SubjectPublicKeyInfo PEM public key.
func UnmarshalPublicKey(data []byte) (*rsa.PublicKey, error) {
	pub, err := cryptoutils.UnmarshalPEMToPublicKey(data)
	if err != nil {
		return nil, errs.New(errs.InvalidKeyFormat, "failed to parse public key", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errs.New(errs.InvalidKeyFormat, fmt.Sprintf("unsupported public key type %T", pub), nil)
	}
	return rsaPub, nil
}

// ValidPair reports whether pub belongs to priv. It round-trips a random
// payload through RSA-OAEP rather than sign/verify, so the check is
// independent of the signing path. Any failure yields false.
func ValidPair(priv *rsa.PrivateKey, pub *rsa.PublicKey) (valid bool) {
	if priv == nil || pub == nil || pub.N == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			valid = false
		}
	}()

	payload := cryptoutils.GenerateRandomURLSafeString(validationPayloadEntropy)
	for len(payload) < validationPayloadLength {
		payload += cryptoutils.GenerateRandomURLSafeString(validationPayloadEntropy)
	}
	plaintext := []byte(payload[:validationPayloadLength])

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return false
	}
	decrypted, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return false
	}
	return bytes.Equal(plaintext, decrypted)
}
