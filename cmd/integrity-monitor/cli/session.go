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
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/sigstore/integrity-monitor/pkg/config"
	"github.com/sigstore/integrity-monitor/pkg/keys"
	"github.com/sigstore/integrity-monitor/pkg/logging"
	"github.com/sigstore/integrity-monitor/pkg/monitor"
	"github.com/sigstore/integrity-monitor/pkg/storage"
	"github.com/sigstore/integrity-monitor/pkg/utils"
)

// session is the engine assembled for one command.
type session struct {
	cfg       config.Config
	logger    logging.Logger
	store     storage.Store
	custodian *keys.Custodian
	monitor   *monitor.Monitor

	// alerts counts alert events emitted by the monitor.
	alerts atomic.Int64
}

func (s *session) countAlert(e monitor.Event) {
	if e.Severity == monitor.SeverityAlert {
		s.alerts.Add(1)
	}
}

// loadConfig reads the settings. An --env-file given explicitly must exist.
func (a *app) loadConfig(cmd *cobra.Command) (config.Config, error) {
	if cmd.Flags().Changed("env-file") {
		if err := utils.ValidateOptionalFile("env file", a.ro.EnvFile); err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load(a.ro.EnvFile)
	if err != nil {
		return config.Config{}, err
	}
	a.ro.Apply(&cfg)
	return cfg, cfg.Validate()
}

// openSession loads the configuration and opens the store and key
// custodian. workers overrides the configured worker count when positive.
func (a *app) openSession(cmd *cobra.Command, workers int) (*session, error) {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if workers > 0 {
		cfg.Workers = workers
	}

	obs, err := a.ro.NewObservability(cfg, a.logOut)
	if err != nil {
		return nil, err
	}
	logger := obs.Logger
	logger.Debug("Configuration: %s", cfg)

	store, err := storage.Open(cfg.StoreDriver, cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open %s store %s: %w", cfg.StoreDriver, cfg.StorePath, err)
	}

	custodian, err := keys.NewCustodian(cfg.KeysDirectory, cfg.Passphrase(), keys.CustodianOptions{
		Bits:   cfg.KeyBits,
		Logger: logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	s := &session{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		custodian: custodian,
	}
	s.monitor, err = monitor.New(monitor.Options{
		Store:     store,
		Custodian: custodian,
		Sink:      monitor.Tee(monitor.NewLoggerSink(logger), monitor.SinkFunc(s.countAlert)),
		Logger:    logger,
		Workers:   cfg.Workers,
		ChunkSize: cfg.ChunkSize,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return s, nil
}

// provision loads the key pair, generating it when missing or mismatched.
func (s *session) provision(ctx context.Context) error {
	regenerated, err := s.monitor.Provision(ctx)
	if err != nil {
		return fmt.Errorf("load keys from %s: %w", s.custodian.Dir(), err)
	}
	if regenerated {
		s.logger.Info("Generated a new key pair in %s", s.custodian.Dir())
	}
	return nil
}

func (s *session) Close() error {
	return s.store.Close()
}

// withSession runs fn with an open session and a context bounded by
// --timeout, closing the store afterwards.
func (a *app) withSession(cmd *cobra.Command, workers int, fn func(context.Context, *session) error) (err error) {
	s, err := a.openSession(cmd, workers)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.Close())
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), a.ro.Timeout)
	defer cancel()
	return fn(ctx, s)
}
