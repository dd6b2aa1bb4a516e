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

// Package errs defines the error taxonomy shared by the integrity engine.
//
// Verification failures are deliberately absent: a signature that does not
// match is a boolean outcome, not an error.
package errs

import (
	"errors"
	"fmt"
)

// Type categorizes an error for programmatic handling.
type Type int

const (
	// Unknown indicates an unclassified error.
	Unknown Type = iota

	// NotFound indicates a path vanished or could not be read.
	NotFound

	// InvalidKeyFormat indicates malformed or unsupported key material.
	InvalidKeyFormat

	// WrongPassphrase indicates the private key could not be decrypted.
	WrongPassphrase

	// StoreInconsistency indicates a signature without its tracked path,
	// or a signed path without its signature.
	StoreInconsistency

	// Configuration indicates invalid engine configuration.
	Configuration

	// IO indicates a read/write failure that is not a missing path.
	IO
)

func (t Type) String() string {
	switch t {
	case NotFound:
		return "NotFound"
	case InvalidKeyFormat:
		return "InvalidKeyFormat"
	case WrongPassphrase:
		return "WrongPassphrase"
	case StoreInconsistency:
		return "StoreInconsistency"
	case Configuration:
		return "ConfigurationError"
	case IO:
		return "IOError"
	default:
		return "UnknownError"
	}
}

// Error is a classified engine error.
type Error struct {
	// Type categorizes the error.
	Type Type

	// Path is the tracked path related to the error (optional).
	Path string

	// Message is a human-readable description of what went wrong.
	Message string

	// Cause is the underlying error.
	Cause error
}

func (e *Error) Error() string {
	if e.Path != "" && e.Cause != nil {
		return fmt.Sprintf("%s: %s (path: %s): %v", e.Type, e.Message, e.Path, e.Cause)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (path: %s)", e.Type, e.Message, e.Path)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same Type, so sentinel values such as
// storage.ErrNotFound can be compared with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Type == e.Type && other.Path == "" && other.Cause == nil
}

// New creates a classified error.
func New(t Type, message string, cause error) *Error {
	return &Error{
		Type:    t,
		Message: message,
		Cause:   cause,
	}
}

// WithPath creates a classified error attached to a path.
func WithPath(t Type, path, message string, cause error) *Error {
	return &Error{
		Type:    t,
		Path:    path,
		Message: message,
		Cause:   cause,
	}
}

// IsType reports whether any error in err's chain has the given type.
func IsType(err error, t Type) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == t {
			return true
		}
		err = e.Cause
	}
	return false
}

// TypeOf returns the type of the outermost classified error in err's chain.
func TypeOf(err error) Type {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return Unknown
}
