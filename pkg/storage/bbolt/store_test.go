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

package bbolt

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sigstore/integrity-monitor/pkg/storage"
	"github.com/sigstore/integrity-monitor/pkg/storage/storagetest"
	"go.etcd.io/bbolt"
)

func openTempStore(t *testing.T, path string) storage.Store {
	t.Helper()
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestStore(t *testing.T) {
	storagetest.Run(t, "fim.bolt", openTempStore)
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(" "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpenRegistered(t *testing.T) {
	s, err := storage.Open("BBOLT", t.TempDir()+"/fim.bolt")
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	defer s.Close()
	if _, ok := s.(*Store); !ok {
		t.Errorf("storage.Open(bbolt) returned %T", s)
	}
}

func TestDocumentsAreStructured(t *testing.T) {
	s, err := Open(t.TempDir() + "/fim.bolt")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	p := storage.TrackedPath{Name: "dir", Path: "/data/dir", Kind: storage.KindDirectory}
	if _, err := s.AddFile(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := s.PutSignature(ctx, storage.Signature{Path: p.Path, Value: []byte{0xde, 0xad, 0xbe, 0xef}}, nil); err != nil {
		t.Fatal(err)
	}

	err = s.db.View(func(tx *bbolt.Tx) error {
		var file map[string]interface{}
		if err := json.Unmarshal(tx.Bucket([]byte("files")).Get([]byte(p.Path)), &file); err != nil {
			return err
		}
		if file["kind"] != "directory" || file["signed"] != true {
			t.Errorf("file document = %v", file)
		}

		var sig map[string]interface{}
		if err := json.Unmarshal(tx.Bucket([]byte("signatures")).Get([]byte(p.Path)), &sig); err != nil {
			return err
		}
		if sig["signature"] != "3q2+7w==" {
			t.Errorf("signature document = %v", sig)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
