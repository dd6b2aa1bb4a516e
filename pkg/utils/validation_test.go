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

package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sigstore/integrity-monitor/pkg/storage"
)

func TestPathValidator(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(file, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		path     string
		pathType PathType
		wantErr  bool
	}{
		{"valid file", file, PathTypeFile, false},
		{"valid folder", dir, PathTypeFolder, false},
		{"any accepts file", file, PathTypeAny, false},
		{"any accepts folder", dir, PathTypeAny, false},
		{"empty path", "", PathTypeAny, true},
		{"missing", filepath.Join(dir, "nope"), PathTypeAny, true},
		{"folder instead of file", dir, PathTypeFile, true},
		{"file instead of folder", file, PathTypeFolder, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewPathValidator("path", tt.path, tt.pathType).Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDetectKinds(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(file, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := DetectKinds("paths", []string{file, dir})
	if err != nil {
		t.Fatalf("DetectKinds() error = %v", err)
	}
	want := []PathKind{{file, storage.KindFile}, {dir, storage.KindDirectory}}
	if len(got) != len(want) {
		t.Fatalf("DetectKinds() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("DetectKinds()[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if _, err := DetectKinds("paths", []string{file, ""}); err == nil {
		t.Error("DetectKinds() accepted an empty path")
	}
	if _, err := DetectKinds("paths", []string{filepath.Join(dir, "nope")}); err == nil {
		t.Error("DetectKinds() accepted a missing path")
	}
}

func TestValidateOptionalFile(t *testing.T) {
	dir := t.TempDir()
	if err := ValidateOptionalFile("env file", ""); err != nil {
		t.Errorf("empty path error = %v", err)
	}
	if err := ValidateOptionalFile("env file", filepath.Join(dir, "missing.env")); err == nil {
		t.Error("missing file accepted")
	}
	if err := ValidateOptionalFile("env file", dir); err == nil {
		t.Error("directory accepted")
	}
}
