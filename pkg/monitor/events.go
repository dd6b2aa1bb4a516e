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

package monitor

import (
	"sync"
	"time"

	"github.com/sigstore/integrity-monitor/pkg/logging"
)

// Severity ranks an Event.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityAlert
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityAlert:
		return "alert"
	default:
		return "unknown"
	}
}

// Event is a status or alert message for the presentation layer.
type Event struct {
	Severity Severity
	Message  string
	Path     string
	Time     time.Time
}

// Sink receives events. Emit must not block for long; it is called from
// the check workers and the watch loop.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(e Event) { f(e) }

// LoggerSink writes events to a logging.Logger, alerts at error level.
type LoggerSink struct {
	logger logging.Logger
}

// NewLoggerSink returns a sink writing to logger.
func NewLoggerSink(logger logging.Logger) *LoggerSink {
	return &LoggerSink{logger: logging.EnsureLogger(logger)}
}

// Emit logs e.
func (s *LoggerSink) Emit(e Event) {
	l := s.logger
	if e.Path != "" {
		l = l.WithField("path", e.Path)
	}
	switch e.Severity {
	case SeverityAlert:
		l.Errorln(e.Message)
	case SeverityWarning:
		l.Warnln(e.Message)
	default:
		l.Infoln(e.Message)
	}
}

// Recorder is a Sink that keeps every event. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit records e.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type multiSink []Sink

func (m multiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Tee returns a Sink that forwards to every non-nil sink.
func Tee(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
