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

// Package utils holds small helpers shared by the CLI commands.
package utils

import (
	"fmt"
	"os"

	"github.com/sigstore/integrity-monitor/pkg/storage"
)

// PathType represents the type of path to validate.
type PathType int

const (
	// PathTypeFile expects a regular file.
	PathTypeFile PathType = iota
	// PathTypeFolder expects a directory.
	PathTypeFolder
	// PathTypeAny accepts either file or directory.
	PathTypeAny
)

// PathValidator checks that a user-supplied path exists and has the
// expected type.
type PathValidator struct {
	fieldName string
	path      string
	pathType  PathType
}

// NewPathValidator creates a validator for path, reported as fieldName.
func NewPathValidator(fieldName, path string, pathType PathType) *PathValidator {
	return &PathValidator{
		fieldName: fieldName,
		path:      path,
		pathType:  pathType,
	}
}

// Validate performs the path validation.
func (v *PathValidator) Validate() error {
	_, err := v.stat()
	return err
}

// Kind validates the path and returns the tracked kind it maps to.
// Anything that is not a directory is tracked as a file.
func (v *PathValidator) Kind() (storage.Kind, error) {
	info, err := v.stat()
	if err != nil {
		return storage.KindFile, err
	}
	if info.IsDir() {
		return storage.KindDirectory, nil
	}
	return storage.KindFile, nil
}

func (v *PathValidator) stat() (os.FileInfo, error) {
	if v.path == "" {
		return nil, fmt.Errorf("%s is required", v.fieldName)
	}

	info, err := os.Stat(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s %q does not exist", v.fieldName, v.path)
		}
		return nil, fmt.Errorf("checking %s %q: %w", v.fieldName, v.path, err)
	}

	switch v.pathType {
	case PathTypeFile:
		if info.IsDir() {
			return nil, fmt.Errorf("%s %q is a directory, expected file", v.fieldName, v.path)
		}
	case PathTypeFolder:
		if !info.IsDir() {
			return nil, fmt.Errorf("%s %q is a file, expected directory", v.fieldName, v.path)
		}
	}
	return info, nil
}

// PathKind pairs a validated path with its detected kind.
type PathKind struct {
	Path string
	Kind storage.Kind
}

// DetectKinds validates every path and returns its kind. The first invalid
// path stops the scan.
func DetectKinds(fieldName string, paths []string) ([]PathKind, error) {
	out := make([]PathKind, 0, len(paths))
	for i, path := range paths {
		if path == "" {
			return nil, fmt.Errorf("%s contains empty path at index %d", fieldName, i)
		}
		kind, err := NewPathValidator(fmt.Sprintf("%s[%d]", fieldName, i), path, PathTypeAny).Kind()
		if err != nil {
			return nil, err
		}
		out = append(out, PathKind{Path: path, Kind: kind})
	}
	return out, nil
}

// ValidateOptionalFile validates a file path only if it's not empty.
func ValidateOptionalFile(fieldName, path string) error {
	if path == "" {
		return nil
	}
	return NewPathValidator(fieldName, path, PathTypeFile).Validate()
}
