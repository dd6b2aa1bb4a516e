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

package signing

import (
	"context"
	"crypto/rsa"

	"github.com/sigstore/integrity-monitor/pkg/errs"
	"github.com/sigstore/integrity-monitor/pkg/hashing"
	"github.com/sigstore/integrity-monitor/pkg/keys"
	"github.com/sigstore/integrity-monitor/pkg/logging"
	"github.com/sigstore/integrity-monitor/pkg/tracing"
)

// Service signs and verifies paths with the keys held by a Custodian.
type Service struct {
	custodian *keys.Custodian
	hasher    *hashing.Hasher
	logger    logging.Logger
}

// NewService returns a Service. A nil hasher uses the default chunk size.
func NewService(custodian *keys.Custodian, hasher *hashing.Hasher, logger logging.Logger) *Service {
	if hasher == nil {
		hasher = hashing.New(0)
	}
	return &Service{
		custodian: custodian,
		hasher:    hasher,
		logger:    logging.EnsureLogger(logger),
	}
}

// Sign signs the current content of path. The private key is decoded for
// the duration of the call only.
func (s *Service) Sign(ctx context.Context, path string, isDirectory bool) ([]byte, error) {
	var sig []byte
	err := tracing.Run(ctx, "signing.Sign", pathAttrs(path, isDirectory), func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, err := s.hasher.HashPath(path, isDirectory)
		if err != nil {
			return err
		}
		return s.custodian.WithPrivateKey(func(priv *rsa.PrivateKey) error {
			sig, err = SignDigest(priv, d)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Signed %s", path)
	return sig, nil
}

// Verify checks sig against the current content of path. The returned error
// is a hashing failure or a missing public key; a mismatch is (false, nil).
func (s *Service) Verify(ctx context.Context, sig []byte, path string, isDirectory bool) (bool, error) {
	var ok bool
	err := tracing.Run(ctx, "signing.Verify", pathAttrs(path, isDirectory), func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		pub := s.custodian.PublicKey()
		if pub == nil {
			return errs.New(errs.Configuration, "keys have not been provisioned", nil)
		}
		var err error
		ok, err = verifyWith(s.hasher, pub, sig, path, isDirectory)
		return err
	})
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Debug("Signature mismatch for %s", path)
	}
	return ok, nil
}

func pathAttrs(path string, isDirectory bool) map[string]interface{} {
	kind := "file"
	if isDirectory {
		kind = "directory"
	}
	return map[string]interface{}{
		"fim.path": path,
		"fim.kind": kind,
	}
}
