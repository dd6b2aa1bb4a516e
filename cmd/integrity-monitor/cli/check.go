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
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/sigstore/integrity-monitor/cmd/integrity-monitor/cli/options"
	"github.com/sigstore/integrity-monitor/pkg/monitor"
)

// alertExitCode is returned by check --fail-on-alert when tampering was found.
const alertExitCode = 3

func (a *app) check() *cobra.Command {
	o := &options.CheckOptions{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Sign new paths and verify the rest once.",
		Long: `Sign new paths and verify the rest once.

When any tracked path is unsigned, this pass only signs; verification of
the other paths happens on the following pass. A path that fails
verification is re-signed and logged as MODIFICATION. Paths that cannot be
read are reported and skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, o.Workers, func(ctx context.Context, s *session) error {
				if err := s.provision(ctx); err != nil {
					return err
				}
				report, err := s.monitor.Check(ctx)
				printReport(cmd.OutOrStdout(), report)
				if err != nil {
					return err
				}
				if o.FailOnAlert && report.Alerts() > 0 {
					return &ExitError{
						Code: alertExitCode,
						Err:  fmt.Errorf("%d integrity alert(s)", report.Alerts()),
					}
				}
				return nil
			})
		},
	}
	o.AddFlags(cmd)
	return cmd
}

func printReport(w io.Writer, r monitor.Report) {
	fmt.Fprintf(w, "Check %s finished in %s: %s\n", r.RunID, r.Duration().Round(time.Millisecond), r)
	sections := []struct {
		label string
		paths []string
	}{
		{"signed", r.Signed},
		{"modified", r.Resigned},
		{"signature restored", r.Healed},
		{"orphaned signature removed", r.Orphans},
		{"missing", r.Missing},
	}
	for _, s := range sections {
		for _, p := range s.paths {
			fmt.Fprintf(w, "  %-26s %s\n", s.label, p)
		}
	}
	for _, f := range r.Failures {
		var reason error = f
		if errors.Is(f.Err, context.DeadlineExceeded) {
			reason = fmt.Errorf("%s: timed out", f.Path)
		}
		fmt.Fprintf(w, "  %-26s %v\n", "failed", reason)
	}
}
