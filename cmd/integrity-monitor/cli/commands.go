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

// Package cli wires the integrity monitor engine to cobra commands.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	cobracompletefig "github.com/withfig/autocomplete-tools/integrations/cobra"
	"sigs.k8s.io/release-utils/version"

	"github.com/sigstore/integrity-monitor/cmd/integrity-monitor/cli/options"

	// Storage backends register themselves by driver name.
	_ "github.com/sigstore/integrity-monitor/pkg/storage/bbolt"
	_ "github.com/sigstore/integrity-monitor/pkg/storage/sqlite"
)

// app carries the root flags and the log destination to the subcommands.
type app struct {
	ro     *options.RootOptions
	logOut io.Writer
}

// New returns the root command.
func New() *cobra.Command {
	a := &app{ro: &options.RootOptions{}}
	var out *os.File

	cmd := &cobra.Command{
		Use:   "integrity-monitor",
		Short: "Sign tracked files and directories and record tampering.",
		Long: `Sign tracked files and directories and record tampering.

Paths are tracked with "track add". Each "check" signs new paths and
verifies the rest; a path whose content no longer matches its signature is
re-signed and recorded as a MODIFICATION in the audit log. "watch" keeps
verifying as files change.

Settings are read from FIM_* environment variables, optionally loaded from
a dotenv file (--env-file).`,
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.logOut = cmd.ErrOrStderr()
			if a.ro.OutputFile != "" {
				var err error
				out, err = os.OpenFile(a.ro.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return fmt.Errorf("error creating output file %s: %w", a.ro.OutputFile, err)
				}
				a.logOut = out
			}
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if out != nil {
				_ = out.Close()
			}
		},
	}
	a.ro.AddFlags(cmd)

	cmd.AddCommand(a.track())
	cmd.AddCommand(a.check())
	cmd.AddCommand(a.watch())
	cmd.AddCommand(a.keyPair())
	cmd.AddCommand(a.logs())
	cmd.AddCommand(version.WithFont("starwars"))
	cmd.AddCommand(cobracompletefig.CreateCompletionSpecCommand())
	return cmd
}

// ExitError carries a process exit status for main.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode returns the status main should exit with.
func (e *ExitError) ExitCode() int {
	return e.Code
}
