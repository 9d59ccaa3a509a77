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

// Package locker provides mutexes that can be switched into an
// invariant-checking mode for tests. In the default mode they are plain
// mutexes with no overhead.
package locker

import (
	"sync"

	"github.com/jacobsa/syncutil"
)

var gEnableInvariantsCheck bool

// EnableInvariantsCheck makes every Locker created afterwards run its
// check function on Lock and Unlock. Call from test setup only.
func EnableInvariantsCheck() {
	gEnableInvariantsCheck = true
	syncutil.EnableInvariantChecking()
}

type Locker interface {
	sync.Locker
}

type RWLocker interface {
	sync.Locker
	RLock()
	RUnlock()
}

// New creates a Locker guarding the invariants verified by check. The
// name is reserved for debug tooling and may be empty.
func New(name string, check func()) Locker {
	if gEnableInvariantsCheck && check != nil {
		mu := syncutil.NewInvariantMutex(check)
		return &mu
	}

	return &sync.Mutex{}
}

// NewRW creates an RWLocker. Invariant checking is not supported for
// reader/writer locks; the check function is accepted for symmetry.
func NewRW(name string, check func()) RWLocker {
	return &sync.RWMutex{}
}
