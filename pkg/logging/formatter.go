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
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// LogEntry is one message handed to a Formatter.
type LogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	Message   string
	// Fields holds run ids, paths and other attached context.
	Fields map[string]interface{}
}

// Formatter renders an entry, including its trailing newline.
type Formatter interface {
	Format(entry LogEntry) ([]byte, error)
}

// TextFormatter renders "[time] [LEVEL] message {k=v, ...}" with fields in
// key order.
type TextFormatter struct {
	// TimeFormat is the timestamp layout. Empty omits the timestamp.
	TimeFormat string
	ShowLevel  bool
}

func (f *TextFormatter) Format(entry LogEntry) ([]byte, error) {
	var parts []string

	if f.TimeFormat != "" {
		parts = append(parts, entry.Timestamp.Format(f.TimeFormat))
	}

	if f.ShowLevel {
		parts = append(parts, fmt.Sprintf("[%s]", strings.ToUpper(entry.Level.String())))
	}

	parts = append(parts, entry.Message)

	if len(entry.Fields) > 0 {
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fieldParts := make([]string, 0, len(keys))
		for _, k := range keys {
			fieldParts = append(fieldParts, fmt.Sprintf("%s=%v", k, entry.Fields[k]))
		}
		parts = append(parts, fmt.Sprintf("{%s}", strings.Join(fieldParts, ", ")))
	}

	return []byte(strings.Join(parts, " ") + "\n"), nil
}

type jsonEntry struct {
	Timestamp string                 `json:"timestamp,omitempty"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// JSONFormatter renders one JSON object per line.
type JSONFormatter struct {
	// TimeFormat defaults to time.RFC3339.
	TimeFormat string
}

func (f *JSONFormatter) Format(entry LogEntry) ([]byte, error) {
	je := jsonEntry{
		Level:   entry.Level.String(),
		Message: entry.Message,
	}

	timeFmt := f.TimeFormat
	if timeFmt == "" {
		timeFmt = time.RFC3339
	}
	je.Timestamp = entry.Timestamp.Format(timeFmt)

	if len(entry.Fields) > 0 {
		je.Fields = entry.Fields
	}

	data, err := json.Marshal(je)
	if err != nil {
		fallback := fmt.Sprintf(`{"level":"%s","message":%q,"error":"json marshal failed"}`+"\n",
			entry.Level.String(), entry.Message)
		return []byte(fallback), nil
	}

	return append(data, '\n'), nil
}
