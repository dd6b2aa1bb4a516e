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

// Package options defines the command-line flags of the integrity-monitor CLI.
package options

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/sigstore/integrity-monitor/pkg/config"
)

// RootOptions defines flags available to every subcommand.
type RootOptions struct {
	// EnvFile is read before the FIM_ variables are parsed.
	EnvFile string
	// OutputFile receives log output instead of stderr.
	OutputFile string
	// LogLevel overrides FIM_LOG_LEVEL when set.
	LogLevel string
	// LogFormat overrides FIM_LOG_FORMAT when set.
	LogFormat string
	// Timeout bounds one-shot commands. Watch ignores it.
	Timeout time.Duration
}

// DefaultTimeout specifies the default timeout duration for commands.
const DefaultTimeout = 10 * time.Minute

// ValidLogLevels lists the valid log level strings.
var ValidLogLevels = []string{"debug", "info", "warn", "error", "silent"}

// ValidLogFormats lists the valid log format strings.
var ValidLogFormats = []string{"text", "json"}

var logExts = []string{"log", "txt"}

var _ FlagAdder = (*RootOptions)(nil)

// AddFlags adds root-level flags to the cobra command.
func (o *RootOptions) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&o.EnvFile, "env-file", config.DefaultEnvFile,
		"dotenv file with FIM_* settings; a missing default file is ignored")
	_ = cmd.MarkPersistentFlagFilename("env-file", "env")

	cmd.PersistentFlags().StringVar(&o.OutputFile, "output-file", "",
		"log output to a file")
	_ = cmd.MarkPersistentFlagFilename("output-file", logExts...)

	cmd.PersistentFlags().StringVar(&o.LogLevel, "log-level", "",
		"set the minimum log level (debug, info, warn, error, silent)")

	cmd.PersistentFlags().StringVar(&o.LogFormat, "log-format", "",
		"set the log output format (text, json)")

	cmd.PersistentFlags().DurationVarP(&o.Timeout, "timeout", "t", DefaultTimeout,
		"timeout for one-shot commands")
}

// Apply overlays the flags that were set onto cfg.
func (o *RootOptions) Apply(cfg *config.Config) {
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.LogFormat = o.LogFormat
	}
}
