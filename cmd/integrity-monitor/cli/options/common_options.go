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

package options

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sigstore/integrity-monitor/pkg/storage"
)

// FlagAdder is implemented by any flag group that can register itself to a cobra command.
type FlagAdder interface {
	AddFlags(cmd *cobra.Command)
}

// CheckOptions configures a check pass.
type CheckOptions struct {
	// Workers overrides FIM_WORKERS when positive.
	Workers int
	// FailOnAlert makes the command exit non-zero when tampering was found.
	FailOnAlert bool
}

// AddFlags adds check flags to the cobra command.
func (o *CheckOptions) AddFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&o.Workers, "workers", 0, "concurrent sign/verify operations (default from FIM_WORKERS)")
	cmd.Flags().BoolVar(&o.FailOnAlert, "fail-on-alert", false, "exit with status 3 when a path was modified or the store was repaired")
}

// LogsOptions filters the audit log listing.
type LogsOptions struct {
	Type  string
	Path  string
	Limit int
}

// AddFlags adds audit log filter flags to the cobra command.
func (o *LogsOptions) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Type, "type", "", "only show entries of this type (addition, deletion, modification, alert)")
	cmd.Flags().StringVar(&o.Path, "path", "", "only show entries for this path")
	cmd.Flags().IntVarP(&o.Limit, "limit", "n", 0, "show at most the N most recent entries")
}

// Filter converts the flags into a storage.LogFilter.
func (o *LogsOptions) Filter() (storage.LogFilter, error) {
	filter := storage.LogFilter{Limit: o.Limit}
	if o.Limit < 0 {
		return filter, fmt.Errorf("--limit must not be negative, got %d", o.Limit)
	}
	if o.Type != "" {
		t, err := storage.ParseLogType(o.Type)
		if err != nil {
			return filter, err
		}
		filter.Type = t
	}
	if o.Path != "" {
		p, err := storage.CanonicalPath(o.Path)
		if err != nil {
			return filter, err
		}
		filter.Path = p
	}
	return filter, nil
}

// AddAllFlags is a helper function to register multiple flag groups at once.
func AddAllFlags(cmd *cobra.Command, flagGroups ...FlagAdder) {
	for _, fg := range flagGroups {
		fg.AddFlags(cmd)
	}
}
