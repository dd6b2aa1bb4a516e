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
package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

func newBufferLogger(level LogLevel, format LogFormat) (*DefaultLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(Options{Level: level, Format: format, Output: &buf, ShowLevel: true}), &buf
}

func TestLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name  string
		level LogLevel
		want  []string
	}{
		{"debug", LevelDebug, []string{"[DEBUG] d", "[INFO] i", "[WARN] w", "[ERROR] e"}},
		{"info", LevelInfo, []string{"[INFO] i", "[WARN] w", "[ERROR] e"}},
		{"warn", LevelWarn, []string{"[WARN] w", "[ERROR] e"}},
		{"error", LevelError, []string{"[ERROR] e"}},
		{"silent", LevelSilent, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, buf := newBufferLogger(tt.level, FormatText)
			l.Debug("%s", "d")
			l.Info("%s", "i")
			l.Warn("%s", "w")
			l.Error("%s", "e")

			var got []string
			if s := strings.TrimSpace(buf.String()); s != "" {
				got = strings.Split(s, "\n")
			}
			if len(got) != len(tt.want) {
				t.Fatalf("lines = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("line %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestLogger_LnVariantsDoNotFormat(t *testing.T) {
	l, buf := newBufferLogger(LevelDebug, FormatText)
	l.Debugln("100% done")
	l.Infoln("%s")
	l.Warnln("w")
	l.Errorln("e")

	want := "[DEBUG] 100% done\n[INFO] %s\n[WARN] w\n[ERROR] e\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestLogger_WithFields(t *testing.T) {
	l, buf := newBufferLogger(LevelInfo, FormatText)
	run := l.WithField("run_id", "r1")
	path := run.WithFields(map[string]interface{}{"path": "/data/a.txt"})

	l.Info("plain")
	run.Info("run")
	path.Info("path")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{
		"[INFO] plain",
		"[INFO] run {run_id=r1}",
		"[INFO] path {path=/data/a.txt, run_id=r1}",
	}
	if len(lines) != len(want) {
		t.Fatalf("lines = %q, want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestLogger_JSON(t *testing.T) {
	l, buf := newBufferLogger(LevelInfo, FormatJSON)
	l.WithField("path", "/data/a.txt").Warn("changed %d", 2)

	var got map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output %q is not JSON: %v", buf.String(), err)
	}
	if got["level"] != "warn" || got["message"] != "changed 2" {
		t.Errorf("entry = %v", got)
	}
	fields, _ := got["fields"].(map[string]interface{})
	if fields["path"] != "/data/a.txt" {
		t.Errorf("fields = %v", got["fields"])
	}
	if _, err := time.Parse(time.RFC3339, got["timestamp"].(string)); err != nil {
		t.Errorf("timestamp %v is not RFC 3339: %v", got["timestamp"], err)
	}
}

func TestLogger_CustomFormatterWins(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{
		Level:     LevelInfo,
		Format:    FormatJSON,
		Formatter: &TextFormatter{ShowLevel: true},
		Output:    &buf,
	})
	l.Info("text")
	if buf.String() != "[INFO] text\n" {
		t.Errorf("output = %q", buf.String())
	}
}

func TestLogger_ConcurrentDerivedLoggers(t *testing.T) {
	l, buf := newBufferLogger(LevelInfo, FormatText)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := l.WithField("worker", i)
			for j := 0; j < 50; j++ {
				w.Info("line")
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 400 {
		t.Fatalf("got %d lines, want 400", len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "[INFO] line {worker=") {
			t.Fatalf("interleaved line %q", line)
		}
	}
}

func TestTextFormatter(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		f    *TextFormatter
		want string
	}{
		{"message only", &TextFormatter{}, "checked {component=monitor, path=/a, run_id=r1}\n"},
		{"level", &TextFormatter{ShowLevel: true}, "[WARN] checked {component=monitor, path=/a, run_id=r1}\n"},
		{"time and level", &TextFormatter{TimeFormat: time.RFC3339, ShowLevel: true}, "2025-03-01T12:30:00Z [WARN] checked {component=monitor, path=/a, run_id=r1}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tt.f.Format(LogEntry{
				Timestamp: ts,
				Level:     LevelWarn,
				Message:   "checked",
				Fields:    map[string]interface{}{"run_id": "r1", "path": "/a", "component": "monitor"},
			})
			if err != nil {
				t.Fatal(err)
			}
			if string(out) != tt.want {
				t.Errorf("Format() = %q, want %q", out, tt.want)
			}
		})
	}
}

func TestJSONFormatter_UnencodableField(t *testing.T) {
	f := &JSONFormatter{}
	out, err := f.Format(LogEntry{Level: LevelError, Message: "bad", Fields: map[string]interface{}{"ch": make(chan int)}})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("fallback %q is not JSON: %v", out, err)
	}
	if got["message"] != "bad" || got["level"] != "error" {
		t.Errorf("fallback = %v", got)
	}
}

func TestLookupLogLevel(t *testing.T) {
	tests := []struct {
		in     string
		want   LogLevel
		wantOK bool
	}{
		{"debug", LevelDebug, true},
		{"INFO", LevelInfo, true},
		{" WARNING ", LevelWarn, true},
		{"error", LevelError, true},
		{"off", LevelSilent, true},
		{"verbose", LevelInfo, false},
		{"", LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := LookupLogLevel(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("LookupLogLevel(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestLookupLogFormat(t *testing.T) {
	tests := []struct {
		in     string
		want   LogFormat
		wantOK bool
	}{
		{"json", FormatJSON, true},
		{"Text", FormatText, true},
		{"plain", FormatText, true},
		{"yaml", FormatText, false},
	}
	for _, tt := range tests {
		got, ok := LookupLogFormat(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("LookupLogFormat(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestNewCommandLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewCommandLogger("warn", "text", &buf)
	if err != nil {
		t.Fatalf("NewCommandLogger() error = %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "[WARN] shown") {
		t.Errorf("output = %q", out)
	}
	if _, err := time.Parse(time.RFC3339, strings.Fields(out)[0]); err != nil {
		t.Errorf("line %q does not start with an RFC 3339 timestamp", out)
	}

	if _, err := NewCommandLogger("loud", "text", &buf); err == nil {
		t.Error("NewCommandLogger() accepted an unknown level")
	}
	if _, err := NewCommandLogger("info", "xml", &buf); err == nil {
		t.Error("NewCommandLogger() accepted an unknown format")
	}
}

func TestEnsureLogger(t *testing.T) {
	if EnsureLogger(nil) == nil {
		t.Fatal("EnsureLogger(nil) returned nil")
	}
	l := Discard()
	if EnsureLogger(l) != l {
		t.Error("EnsureLogger() replaced a non-nil logger")
	}
	l.Error("dropped")
}
