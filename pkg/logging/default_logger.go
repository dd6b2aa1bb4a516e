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
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var _ Logger = (*DefaultLogger)(nil)

// Options configures a DefaultLogger.
type Options struct {
	// Level is the lowest level written.
	Level LogLevel
	// Format picks the built-in formatter. Ignored when Formatter is set.
	Format LogFormat
	// Formatter overrides Format, TimeFormat and ShowLevel.
	Formatter Formatter
	// Output defaults to os.Stderr.
	Output io.Writer
	// TimeFormat is the timestamp layout. Text output omits the timestamp
	// when empty; JSON output falls back to RFC 3339.
	TimeFormat string
	// ShowLevel prefixes text output with the level.
	ShowLevel bool
}

// NewCommandLogger builds the logger for a CLI invocation from the textual
// level and format flags. Text output carries the level prefix and an RFC 3339
// timestamp so watch sessions can be followed in a terminal.
func NewCommandLogger(level, format string, out io.Writer) (*DefaultLogger, error) {
	lvl, ok := LookupLogLevel(level)
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	f, ok := LookupLogFormat(format)
	if !ok {
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return New(Options{
		Level:      lvl,
		Format:     f,
		Output:     out,
		TimeFormat: time.RFC3339,
		ShowLevel:  true,
	}), nil
}

// DefaultLogger writes formatted entries at or above its level. Loggers
// derived with WithField share the writer and its lock.
type DefaultLogger struct {
	level     LogLevel
	formatter Formatter
	out       *lockedWriter
	fields    map[string]interface{}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) write(p []byte) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, _ = lw.w.Write(p)
}

// New returns a DefaultLogger configured by opts.
func New(opts Options) *DefaultLogger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	formatter := opts.Formatter
	if formatter == nil {
		switch opts.Format {
		case FormatJSON:
			formatter = &JSONFormatter{TimeFormat: opts.TimeFormat}
		default:
			formatter = &TextFormatter{TimeFormat: opts.TimeFormat, ShowLevel: opts.ShowLevel}
		}
	}

	return &DefaultLogger{
		level:     opts.Level,
		formatter: formatter,
		out:       &lockedWriter{w: out},
	}
}

// WithFields returns a copy of l carrying fields in addition to its own.
// l itself is unchanged.
func (l *DefaultLogger) WithFields(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &DefaultLogger{
		level:     l.level,
		formatter: l.formatter,
		out:       l.out,
		fields:    merged,
	}
}

func (l *DefaultLogger) WithField(key string, value interface{}) Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

func (l *DefaultLogger) log(level LogLevel, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	data, err := l.formatter.Format(LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
		Fields:    l.fields,
	})
	if err != nil {
		data = []byte(fmt.Sprintf("logging error: %v\n", err))
	}
	l.out.write(data)
}

func (l *DefaultLogger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

func (l *DefaultLogger) Debugln(msg string) { l.log(LevelDebug, "%s", msg) }

func (l *DefaultLogger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

func (l *DefaultLogger) Infoln(msg string) { l.log(LevelInfo, "%s", msg) }

func (l *DefaultLogger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

func (l *DefaultLogger) Warnln(msg string) { l.log(LevelWarn, "%s", msg) }

func (l *DefaultLogger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

func (l *DefaultLogger) Errorln(msg string) { l.log(LevelError, "%s", msg) }
