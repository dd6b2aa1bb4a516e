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

// Package config loads the monitor's settings from the environment.
//
// A Config is built once at startup by Load and passed to the components
// that need it; nothing in this package keeps global state.
package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/sigstore/integrity-monitor/pkg/errs"
	"github.com/sigstore/integrity-monitor/pkg/keys"
	"github.com/sigstore/integrity-monitor/pkg/logging"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "FIM_"

// DefaultEnvFile is read when no other file is named.
const DefaultEnvFile = ".env"

// Config holds the monitor settings.
type Config struct {
	// StorePath is the database file.
	StorePath string `env:"STORE_PATH" envDefault:"fim.db"`
	// StoreDriver selects the storage backend ("sqlite" or "bbolt").
	StoreDriver string `env:"STORE_DRIVER" envDefault:"sqlite"`
	// KeysDirectory holds private.pem and public.pem.
	KeysDirectory string `env:"KEYS_DIR" envDefault:"keys"`
	// KeyPassphrase encrypts the private key. It is removed from the process
	// environment once read.
	KeyPassphrase string `env:"KEY_PASSPHRASE,unset"`
	// AllowUnencryptedKeys permits an empty passphrase.
	AllowUnencryptedKeys bool `env:"ALLOW_UNENCRYPTED_KEYS" envDefault:"false"`
	KeyBits              int  `env:"KEY_BITS" envDefault:"2048"`
	// ChunkSize is the file read size used for hashing.
	ChunkSize int `env:"CHUNK_SIZE" envDefault:"4096"`
	// Workers bounds concurrent sign/verify work in a check pass.
	Workers   int    `env:"WORKERS" envDefault:"1"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load reads envFile into the process environment, without overriding
// variables that are already set, and parses the FIM_ variables. A missing
// envFile is not an error. The result is validated.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, errs.New(errs.Configuration, fmt.Sprintf("read env file %s", envFile), err)
		}
	}
	return Parse(env.Options{})
}

// Parse builds a Config from opts, adding the FIM_ prefix. Tests pass
// opts.Environment to avoid touching the process environment.
func Parse(opts env.Options) (Config, error) {
	opts.Prefix = EnvPrefix
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, errs.New(errs.Configuration, "parse env", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.StorePath == "":
		return configError("store path is required")
	case c.StoreDriver == "":
		return configError("store driver is required")
	case c.KeysDirectory == "":
		return configError("keys directory is required")
	case c.KeyBits < keys.MinBits:
		return configError(fmt.Sprintf("key size must be at least %d bits, got %d", keys.MinBits, c.KeyBits))
	case c.ChunkSize < 0:
		return configError(fmt.Sprintf("chunk size must not be negative, got %d", c.ChunkSize))
	case c.Workers < 1:
		return configError(fmt.Sprintf("workers must be at least 1, got %d", c.Workers))
	case c.KeyPassphrase == "" && !c.AllowUnencryptedKeys:
		return configError(EnvPrefix + "KEY_PASSPHRASE is empty; set " + EnvPrefix + "ALLOW_UNENCRYPTED_KEYS=true to store the private key unencrypted")
	}
	if _, ok := logging.LookupLogLevel(c.LogLevel); !ok {
		return configError(fmt.Sprintf("unknown log level %q", c.LogLevel))
	}
	if _, ok := logging.LookupLogFormat(c.LogFormat); !ok {
		return configError(fmt.Sprintf("unknown log format %q", c.LogFormat))
	}
	return nil
}

// Passphrase returns the private key passphrase. An empty value yields
// keys.NoPassphrase.
func (c Config) Passphrase() keys.Passphrase {
	return keys.NewPassphrase([]byte(c.KeyPassphrase))
}

// String renders the settings with the passphrase redacted.
func (c Config) String() string {
	return fmt.Sprintf("store=%s:%s keys=%s passphrase=%s bits=%d chunk=%d workers=%d log=%s/%s",
		c.StoreDriver, c.StorePath, c.KeysDirectory, c.Passphrase(), c.KeyBits,
		c.ChunkSize, c.Workers, c.LogLevel, c.LogFormat)
}

func configError(msg string) error {
	return errs.New(errs.Configuration, msg, nil)
}
