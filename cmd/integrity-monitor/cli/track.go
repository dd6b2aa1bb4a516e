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

	"github.com/spf13/cobra"

	"github.com/sigstore/integrity-monitor/pkg/utils"
)

func (a *app) track() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Manage the tracked paths.",
	}
	cmd.AddCommand(a.trackAdd(), a.trackRemove(), a.trackList())
	return cmd
}

func (a *app) trackAdd() *cobra.Command {
	return &cobra.Command{
		Use:   "add PATH...",
		Short: "Start tracking files or directories.",
		Long: `Start tracking files or directories.

Each PATH must exist. Directories are tracked as a whole: their signature
covers every file below them. New paths are signed by the next check.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := utils.DetectKinds("path", args)
			if err != nil {
				return err
			}
			return a.withSession(cmd, 0, func(ctx context.Context, s *session) error {
				for _, p := range paths {
					added, err := s.monitor.Add(ctx, p.Path, p.Kind)
					if err != nil {
						return err
					}
					if added {
						fmt.Fprintf(cmd.OutOrStdout(), "Tracking %s %s\n", p.Kind, p.Path)
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "Already tracking %s\n", p.Path)
					}
				}
				return nil
			})
		},
	}
}

func (a *app) trackRemove() *cobra.Command {
	return &cobra.Command{
		Use:     "remove PATH...",
		Aliases: []string{"rm"},
		Short:   "Stop tracking paths and drop their signatures.",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, 0, func(ctx context.Context, s *session) error {
				for _, path := range args {
					if err := s.monitor.Remove(ctx, path); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Stopped tracking %s\n", path)
				}
				return nil
			})
		},
	}
}

func (a *app) trackList() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tracked paths and their signing state.",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, 0, func(ctx context.Context, s *session) error {
				tracked, err := s.monitor.Tracked(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PATH\tKIND\tSTATE")
				for _, p := range tracked {
					state := "unsigned"
					switch {
					case p.Missing:
						state = "missing"
					case p.Signed:
						state = "signed"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", p.Path, p.Kind, state)
				}
				return w.Flush()
			})
		},
	}
}
