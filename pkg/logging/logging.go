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
// Package logging is the leveled, field-carrying logger used by the
// integrity monitor. Engine components take a Logger and fall back to
// Default through EnsureLogger. Rendering is delegated to a Formatter.
package logging

import (
	"io"
	"os"
	"strings"
)

// LogLevel is the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	// LevelSilent drops every message.
	LevelSilent
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelSilent:
		return "silent"
	default:
		return "unknown"
	}
}

// LookupLogLevel parses s and reports whether it named a known level.
// Unknown names map to LevelInfo.
func LookupLogLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	case "silent", "none", "off":
		return LevelSilent, true
	default:
		return LevelInfo, false
	}
}

// LogFormat selects how entries are rendered.
type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
)

func (f LogFormat) String() string {
	switch f {
	case FormatText:
		return "text"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// LookupLogFormat parses s and reports whether it named a known format.
// Unknown names map to FormatText.
func LookupLogFormat(s string) (LogFormat, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, true
	case "text", "plain":
		return FormatText, true
	default:
		return FormatText, false
	}
}

// Logger is the logging surface the engine depends on. The printf variants
// format their arguments; the ln variants log msg as is. The check and watch
// loops attach run ids and paths through WithField.
type Logger interface {
	Debug(format string, args ...interface{})
	Debugln(msg string)
	Info(format string, args ...interface{})
	Infoln(msg string)
	Warn(format string, args ...interface{})
	Warnln(msg string)
	Error(format string, args ...interface{})
	Errorln(msg string)

	// WithField returns a Logger that adds key to every entry.
	WithField(key string, value interface{}) Logger
	// WithFields returns a Logger that adds fields to every entry.
	WithFields(fields map[string]interface{}) Logger
}

// Default returns an info-level text logger writing to stderr.
func Default() Logger {
	return New(Options{Level: LevelInfo, Output: os.Stderr})
}

// Discard returns a Logger that drops every message.
func Discard() Logger {
	return New(Options{Level: LevelSilent, Output: io.Discard})
}

// EnsureLogger returns l, or Default when l is nil.
func EnsureLogger(l Logger) Logger {
	if l == nil {
		return Default()
	}
	return l
}
