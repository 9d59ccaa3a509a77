// Copyright 2025 BlockStorage, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blockstorage/repertory/internal/apierr"
)

// Factory constructs a provider from backend-specific settings.
type Factory func(settings map[string]string) (Provider, error)

var (
	registryMu sync.Mutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available to New. Backend packages call this
// from init.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	registry[name] = factory
}

// Names lists the registered backends in sorted order.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// New constructs the named backend, or apierr.ErrNotImplemented if no
// such backend has been compiled in.
func New(name string, settings map[string]string) (Provider, error) {
	registryMu.Lock()
	factory, ok := registry[name]
	registryMu.Unlock()

	if !ok {
		return nil, fmt.Errorf("provider %q: %w", name, apierr.ErrNotImplemented)
	}

	return factory(settings)
}
