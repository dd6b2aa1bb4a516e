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

package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultDriver is used by Open when no driver is named.
const DefaultDriver = "sqlite"

// Opener opens a store at path.
type Opener func(path string) (Store, error)

var (
	drivers   = make(map[string]Opener)
	driversMu sync.RWMutex
)

// Register makes a backend available under name. Backends call it from
// their init function.
func Register(name string, opener Opener) error {
	driversMu.Lock()
	defer driversMu.Unlock()

	if name == "" {
		return fmt.Errorf("driver name cannot be empty")
	}
	if opener == nil {
		return fmt.Errorf("opener cannot be nil")
	}
	if _, exists := drivers[name]; exists {
		return fmt.Errorf("storage driver %q already registered", name)
	}
	drivers[name] = opener
	return nil
}

// MustRegister is Register that panics on error.
func MustRegister(name string, opener Opener) {
	if err := Register(name, opener); err != nil {
		panic(fmt.Sprintf("failed to register storage driver %q: %v", name, err))
	}
}

// Open opens path with the named driver. An empty name selects
// DefaultDriver.
func Open(driver, path string) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(driver))
	if name == "" {
		name = DefaultDriver
	}

	driversMu.RLock()
	opener, exists := drivers[name]
	driversMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unsupported storage driver: %s (supported: %v)", name, Drivers())
	}

	store, err := opener(path)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", name, err)
	}
	return store, nil
}

// Drivers returns the registered driver names, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsSupported reports whether a driver is registered under name.
func IsSupported(name string) bool {
	driversMu.RLock()
	defer driversMu.RUnlock()

	_, exists := drivers[name]
	return exists
}

// Unregister removes a driver. Intended for tests.
func Unregister(name string) error {
	driversMu.Lock()
	defer driversMu.Unlock()

	if _, exists := drivers[name]; !exists {
		return fmt.Errorf("storage driver %q not registered", name)
	}
	delete(drivers, name)
	return nil
}
