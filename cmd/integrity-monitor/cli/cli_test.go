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
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sigstore/integrity-monitor/pkg/monitor"
)

type cliEnv struct {
	root string
	data string
}

func newCLIEnv(t *testing.T, driver string) *cliEnv {
	t.Helper()
	root := t.TempDir()
	data := filepath.Join(root, "data")
	if err := os.Mkdir(data, 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FIM_STORE_PATH", filepath.Join(root, "fim.db"))
	t.Setenv("FIM_STORE_DRIVER", driver)
	t.Setenv("FIM_KEYS_DIR", filepath.Join(root, "keys"))
	t.Setenv("FIM_LOG_LEVEL", "error")
	return &cliEnv{root: root, data: data}
}

// run executes one command. The passphrase is set again every time because
// loading the configuration removes it from the environment.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("FIM_KEY_PASSPHRASE", "correct horse")

	cmd := New()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append(args, "--env-file", ""))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func (e *cliEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	if err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
	return out
}

func (e *cliEnv) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.data, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCLI_TrackCheckLogs(t *testing.T) {
	for _, driver := range []string{"sqlite", "bbolt"} {
		t.Run(driver, func(t *testing.T) {
			e := newCLIEnv(t, driver)
			a := e.write(t, "a.txt", "hello")

			if out := e.mustRun(t, "track", "add", a, e.data); !strings.Contains(out, "Tracking file "+a) {
				t.Errorf("track add output = %q", out)
			}
			if out := e.mustRun(t, "track", "add", a); !strings.Contains(out, "Already tracking") {
				t.Errorf("duplicate track add output = %q", out)
			}

			out := e.mustRun(t, "check")
			if !strings.Contains(out, "signed=2") {
				t.Errorf("first check output = %q", out)
			}
			if _, err := os.Stat(filepath.Join(e.root, "keys", "private.pem")); err != nil {
				t.Errorf("private key not generated: %v", err)
			}

			out = e.mustRun(t, "track", "list")
			if !strings.Contains(out, a) || !strings.Contains(out, "signed") || !strings.Contains(out, "directory") {
				t.Errorf("track list output = %q", out)
			}

			e.write(t, "a.txt", "hello!")
			_, err := e.run(t, "check", "--fail-on-alert")
			var exit *ExitError
			if !errors.As(err, &exit) || exit.ExitCode() != alertExitCode {
				t.Fatalf("check --fail-on-alert error = %v, want exit code %d", err, alertExitCode)
			}

			out = e.mustRun(t, "logs", "--type", "modification", "--path", a)
			if !strings.Contains(out, "MODIFICATION") || !strings.Contains(out, a) {
				t.Errorf("logs output = %q", out)
			}
			if out := e.mustRun(t, "logs", "--type", "deletion"); strings.Count(out, "\n") != 1 {
				t.Errorf("deletion logs = %q, want header only", out)
			}

			e.mustRun(t, "track", "remove", a)
			if out := e.mustRun(t, "track", "list"); strings.Contains(out, a+" ") {
				t.Errorf("removed path still listed: %q", out)
			}
		})
	}
}

func TestCLI_Keys(t *testing.T) {
	e := newCLIEnv(t, "sqlite")
	e.write(t, "a.txt", "hello")
	e.mustRun(t, "track", "add", filepath.Join(e.data, "a.txt"))
	e.mustRun(t, "check")

	if out := e.mustRun(t, "keys", "validate"); !strings.Contains(out, "is valid") {
		t.Errorf("keys validate output = %q", out)
	}

	before, err := os.ReadFile(filepath.Join(e.root, "keys", "public.pem"))
	if err != nil {
		t.Fatal(err)
	}
	e.mustRun(t, "keys", "generate")
	after, err := os.ReadFile(filepath.Join(e.root, "keys", "public.pem"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(before, after) {
		t.Error("keys generate did not replace the public key")
	}
	if out := e.mustRun(t, "check"); !strings.Contains(out, "signed=1") {
		t.Errorf("check after keys generate = %q, want one re-signed path", out)
	}
}

func TestCLI_Errors(t *testing.T) {
	e := newCLIEnv(t, "sqlite")

	tests := []struct {
		name string
		args []string
	}{
		{"missing path", []string{"track", "add", filepath.Join(e.data, "nope")}},
		{"remove untracked", []string{"track", "remove", filepath.Join(e.data, "nope")}},
		{"bad log type", []string{"logs", "--type", "bogus"}},
		{"negative limit", []string{"logs", "--limit", "-1"}},
		{"unknown driver", []string{"track", "list"}},
		{"bad log level flag", []string{"track", "list", "--log-level", "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name == "unknown driver" {
				t.Setenv("FIM_STORE_DRIVER", "postgres")
			}
			if _, err := e.run(t, tt.args...); err == nil {
				t.Errorf("%v succeeded", tt.args)
			}
		})
	}

	t.Run("explicit env file must exist", func(t *testing.T) {
		t.Setenv("FIM_KEY_PASSPHRASE", "correct horse")
		cmd := New()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"track", "list", "--env-file", filepath.Join(e.root, "missing.env")})
		if err := cmd.Execute(); err == nil {
			t.Error("missing --env-file accepted")
		}
	})

	t.Run("passphrase required", func(t *testing.T) {
		cmd := New()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"track", "list", "--env-file", ""})
		t.Setenv("FIM_KEY_PASSPHRASE", "")
		if err := cmd.Execute(); err == nil {
			t.Error("empty passphrase accepted")
		}
	})
}

func TestSession_CountsAlerts(t *testing.T) {
	s := &session{}
	sink := monitor.Tee(nil, monitor.SinkFunc(s.countAlert))
	for _, sev := range []monitor.Severity{
		monitor.SeverityInfo,
		monitor.SeverityAlert,
		monitor.SeverityWarning,
		monitor.SeverityAlert,
	} {
		sink.Emit(monitor.Event{Severity: sev, Path: "/data/a.txt"})
	}
	if got := s.alerts.Load(); got != 2 {
		t.Errorf("alerts = %d, want 2", got)
	}
}
