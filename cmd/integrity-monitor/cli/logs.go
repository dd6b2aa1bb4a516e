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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sigstore/integrity-monitor/cmd/integrity-monitor/cli/options"
)

func (a *app) logs() *cobra.Command {
	o := &options.LogsOptions{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the audit log, oldest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := o.Filter()
			if err != nil {
				return err
			}
			return a.withSession(cmd, 0, func(ctx context.Context, s *session) error {
				entries, err := s.monitor.Logs(ctx, filter)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "DATE\tTYPE\tPATH")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\n", e.Date.Local().Format(time.RFC3339), e.Type, e.Path)
				}
				return w.Flush()
			})
		},
	}
	o.AddFlags(cmd)
	return cmd
}
