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
	"context"
	"sort"
	"sync"

	"github.com/sigstore/integrity-monitor/pkg/storage"
)

// runPool applies fn to every path with at most workers goroutines and
// returns the results ordered by path. A cancelled ctx stops feeding new
// paths; paths never started are reported as failed with ctx.Err().
func runPool(
	ctx context.Context,
	workers int,
	paths []storage.TrackedPath,
	fn func(context.Context, storage.TrackedPath) pathResult,
) []pathResult {
	if len(paths) == 0 {
		return nil
	}

	workerCount := workers
	if workerCount <= 0 {
		workerCount = 1
	}
	if workerCount > len(paths) {
		workerCount = len(paths)
	}

	jobs := make(chan storage.TrackedPath)
	results := make(chan pathResult, len(paths))

	var wg sync.WaitGroup
	wg.Add(workerCount)

	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			for p := range jobs {
				results <- fn(ctx, p)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i, p := range paths {
			select {
			case jobs <- p:
			case <-ctx.Done():
				for _, skipped := range paths[i:] {
					results <- pathResult{path: skipped.Path, outcome: outcomeFailed, err: ctx.Err()}
				}
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]pathResult, 0, len(paths))
	for res := range results {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}
