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
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func (a *app) watch() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Verify tracked paths as they change, until interrupted.",
		Long: `Verify tracked paths as they change, until interrupted.

A check pass runs first. Afterwards every write to a tracked file, or to
anything below a tracked directory, is verified; mismatches are re-signed
and logged as MODIFICATION. A tracked path that is removed is logged as
DELETION and stays tracked. Stop with Ctrl-C or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			s, err := a.openSession(cmd, workers)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, s.Close())
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			provisionCtx, cancel := context.WithTimeout(ctx, a.ro.Timeout)
			err = s.provision(provisionCtx)
			cancel()
			if err != nil {
				return err
			}
			if err := s.monitor.Watch(ctx); err != nil {
				return err
			}
			s.logger.Info("Watch raised %d alert(s)", s.alerts.Load())
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent sign/verify operations in the initial pass (default from FIM_WORKERS)")
	return cmd
}
