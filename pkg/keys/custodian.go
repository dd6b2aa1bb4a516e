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

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sigstore/integrity-monitor/pkg/errs"
	"github.com/sigstore/integrity-monitor/pkg/logging"
)

const (
	// PrivateKeyFile is the private key file name inside the keys directory.
	PrivateKeyFile = "private.pem"
	// PublicKeyFile is the public key file name inside the keys directory.
	PublicKeyFile = "public.pem"

	privateKeyMode = 0o600
	publicKeyMode  = 0o644
	keysDirMode    = 0o700
)

// CustodianOptions configures a Custodian.
type CustodianOptions struct {
	// Bits is the RSA modulus size for generated keys. Defaults to DefaultBits.
	Bits int
	// Logger receives provisioning messages. Defaults to logging.Default().
	Logger logging.Logger
}

// Custodian owns the key pair for one session.
//
// Only the encoded private key is retained between calls; the decrypted key
// exists for the duration of a WithPrivateKey callback.
type Custodian struct {
	dir    string
	bits   int
	logger logging.Logger

	mu            sync.Mutex
	passphrase    Passphrase
	passphraseSet bool
	privatePEM    []byte
	publicKey     *rsa.PublicKey
}

// NewCustodian returns a Custodian for the keys stored in dir. A set
// passphrase counts as the session passphrase.
func NewCustodian(dir string, passphrase Passphrase, opts CustodianOptions) (*Custodian, error) {
	if dir == "" {
		return nil, errs.New(errs.Configuration, "keys directory is required", nil)
	}
	bits := opts.Bits
	if bits == 0 {
		bits = DefaultBits
	}
	if bits < MinBits {
		return nil, errs.New(errs.Configuration, fmt.Sprintf("RSA key size %d is below the minimum of %d bits", bits, MinBits), nil)
	}
	return &Custodian{
		dir:           dir,
		bits:          bits,
		logger:        logging.EnsureLogger(opts.Logger).WithField("component", "keys"),
		passphrase:    passphrase,
		passphraseSet: passphrase.IsSet(),
	}, nil
}

// Dir returns the keys directory.
func (c *Custodian) Dir() string {
	return c.dir
}

// PrivateKeyPath returns the location of private.pem.
func (c *Custodian) PrivateKeyPath() string {
	return filepath.Join(c.dir, PrivateKeyFile)
}

// PublicKeyPath returns the location of public.pem.
func (c *Custodian) PublicKeyPath() string {
	return filepath.Join(c.dir, PublicKeyFile)
}

// SetPassphrase sets the session passphrase. It may be called at most once,
// and only before keys are loaded.
func (c *Custodian) SetPassphrase(p Passphrase) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.passphraseSet {
		return errs.New(errs.Configuration, "passphrase already set for this session", nil)
	}
	if c.privatePEM != nil {
		return errs.New(errs.Configuration, "passphrase must be set before keys are provisioned", nil)
	}
	c.passphrase = p
	c.passphraseSet = true
	return nil
}

// Provision loads the key pair from disk. When either file is missing, or
// the two keys do not belong together, a fresh pair is generated and
// written and regenerated is true. Malformed keys and a wrong passphrase are
// returned as errors; they are never replaced.
func (c *Custodian) Provision(ctx context.Context) (regenerated bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	privPEM, privErr := os.ReadFile(c.PrivateKeyPath())
	pubPEM, pubErr := os.ReadFile(c.PublicKeyPath())

	switch {
	case errors.Is(privErr, fs.ErrNotExist) || errors.Is(pubErr, fs.ErrNotExist):
		c.logger.Warn("Key pair incomplete in %s, generating a new one", c.dir)
		return true, c.regenerateLocked()
	case privErr != nil:
		return false, errs.WithPath(errs.IO, c.PrivateKeyPath(), "failed to read private key", privErr)
	case pubErr != nil:
		return false, errs.WithPath(errs.IO, c.PublicKeyPath(), "failed to read public key", pubErr)
	}

	priv, err := UnmarshalPrivateKey(privPEM, c.passphrase)
	if err != nil {
		return false, fmt.Errorf("loading %s: %w", c.PrivateKeyPath(), err)
	}
	pub, err := UnmarshalPublicKey(pubPEM)
	if err != nil {
		return false, fmt.Errorf("loading %s: %w", c.PublicKeyPath(), err)
	}

	if !ValidPair(priv, pub) {
		c.logger.Warn("Stored public key does not match the private key, generating a new pair")
		return true, c.regenerateLocked()
	}

	c.privatePEM = privPEM
	c.publicKey = pub
	c.logger.Debug("Loaded key pair from %s", c.dir)
	return false, nil
}

// Regenerate unconditionally replaces the stored key pair.
func (c *Custodian) Regenerate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regenerateLocked()
}

func (c *Custodian) regenerateLocked() error {
	if !c.passphrase.IsSet() {
		c.logger.Warn("No passphrase configured, the private key will be stored unencrypted")
	}

	priv, err := Generate(c.bits)
	if err != nil {
		return err
	}
	privPEM, err := MarshalPrivateKey(priv, c.passphrase)
	if err != nil {
		return err
	}
	pubPEM, err := MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(c.dir, keysDirMode); err != nil {
		return errs.WithPath(errs.IO, c.dir, "failed to create keys directory", err)
	}
	if err := writeFileAtomic(c.PrivateKeyPath(), privPEM, privateKeyMode); err != nil {
		return err
	}
	if err := writeFileAtomic(c.PublicKeyPath(), pubPEM, publicKeyMode); err != nil {
		return err
	}

	c.privatePEM = privPEM
	c.publicKey = &priv.PublicKey
	c.logger.Info("Generated new %d-bit RSA key pair in %s", c.bits, c.dir)
	return nil
}

// PublicKey returns the loaded public key, or nil before provisioning.
func (c *Custodian) PublicKey() *rsa.PublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publicKey
}

// WithPrivateKey decodes the private key and passes it to fn. The key must
// not be retained after fn returns.
func (c *Custodian) WithPrivateKey(fn func(*rsa.PrivateKey) error) error {
	c.mu.Lock()
	privPEM := c.privatePEM
	passphrase := c.passphrase
	c.mu.Unlock()

	if privPEM == nil {
		return errs.New(errs.Configuration, "keys have not been provisioned", nil)
	}
	priv, err := UnmarshalPrivateKey(privPEM, passphrase)
	if err != nil {
		return err
	}
	return fn(priv)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errs.WithPath(errs.IO, path, "failed to create temporary file", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return errs.WithPath(errs.IO, path, "failed to set file mode", err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return errs.WithPath(errs.IO, path, "failed to write file", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errs.WithPath(errs.IO, path, "failed to sync file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errs.WithPath(errs.IO, path, "failed to close file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return errs.WithPath(errs.IO, path, "failed to replace file", err)
	}
	return nil
}
