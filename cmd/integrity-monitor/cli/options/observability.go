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
	"io"

	"github.com/sigstore/integrity-monitor/pkg/config"
	"github.com/sigstore/integrity-monitor/pkg/logging"
)

// Observability holds the logger shared by a command invocation. Tracing is
// configured globally at startup (see tracing.InitFromEnv).
type Observability struct {
	Logger logging.Logger
}

// NewObservability builds the logger from cfg, with the root flags applied,
// writing to out.
func (o *RootOptions) NewObservability(cfg config.Config, out io.Writer) (Observability, error) {
	o.Apply(&cfg)
	logger, err := logging.NewCommandLogger(cfg.LogLevel, cfg.LogFormat, out)
	if err != nil {
		return Observability{}, err
	}
	return Observability{Logger: logger}, nil
}
