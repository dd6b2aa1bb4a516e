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

package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sigstore/integrity-monitor/pkg/errs"
	"github.com/sigstore/integrity-monitor/pkg/keys"
)

func (a *app) keyPair() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the signing key pair.",
	}
	cmd.AddCommand(a.keysGenerate(), a.keysValidate())
	return cmd
}

func (a *app) keysGenerate() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Replace the key pair; every tracked path is re-signed by the next check.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, 0, func(ctx context.Context, s *session) error {
				if err := s.monitor.RegenerateKeys(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s and %s\n",
					s.custodian.PrivateKeyPath(), s.custodian.PublicKeyPath())
				return nil
			})
		},
	}
}

func (a *app) keysValidate() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that the stored keys load and belong together.",
		Long: `Check that the stored keys load and belong together.

Unlike check and watch, this never generates keys.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			custodian, err := keys.NewCustodian(cfg.KeysDirectory, cfg.Passphrase(), keys.CustodianOptions{Bits: cfg.KeyBits})
			if err != nil {
				return err
			}

			privPEM, err := os.ReadFile(custodian.PrivateKeyPath())
			if err != nil {
				return errs.New(errs.IO, "read private key", err)
			}
			pubPEM, err := os.ReadFile(custodian.PublicKeyPath())
			if err != nil {
				return errs.New(errs.IO, "read public key", err)
			}
			priv, err := keys.UnmarshalPrivateKey(privPEM, cfg.Passphrase())
			if err != nil {
				return err
			}
			pub, err := keys.UnmarshalPublicKey(pubPEM)
			if err != nil {
				return err
			}
			if !keys.ValidPair(priv, pub) {
				return &ExitError{Code: 1, Err: fmt.Errorf("%s and %s are not a key pair",
					custodian.PrivateKeyPath(), custodian.PublicKeyPath())}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Key pair in %s is valid (%d-bit RSA)\n", custodian.Dir(), pub.N.BitLen())
			return nil
		},
	}
}
