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

// Package cachesize enforces the configured ceiling on locally cached
// bytes. The counter tracks logical bytes, not filesystem blocks;
// eviction reconciles the difference.
package cachesize

import (
	"sync"

	"github.com/blockstorage/repertory/internal/apierr"
	"github.com/blockstorage/repertory/internal/logger"
)

// Manager is the process-wide admission counter. Callers must Expand
// before growing on-disk cache and Shrink after releasing it.
type Manager struct {
	mu      sync.Mutex
	cond    *sync.Cond
	used    uint64 // GUARDED_BY(mu)
	max     uint64 // GUARDED_BY(mu)
	stopped bool   // GUARDED_BY(mu)
}

func NewManager(maxBytes uint64) *Manager {
	m := &Manager{max: maxBytes}
	m.cond = sync.NewCond(&m.mu)

	return m
}

// Expand blocks until n additional bytes fit under the cap, then claims
// them. It returns apierr.ErrShuttingDown if Stop is called while
// waiting.
func (m *Manager) Expand(n uint64) error {
	if n == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if m.stopped {
			return apierr.ErrShuttingDown
		}
		if m.used+n <= m.max {
			m.used += n
			return nil
		}

		logger.Tracef("cachesize: waiting for %d bytes (used %d of %d)", n, m.used, m.max)
		m.cond.Wait()
	}
}

// Shrink releases n bytes and wakes any waiting growers. Releasing more
// than is held clamps to zero.
func (m *Manager) Shrink(n uint64) {
	if n == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if n > m.used {
		m.used = 0
	} else {
		m.used -= n
	}
	m.cond.Broadcast()
}

// SetMax updates the cap. Raising it may allow a blocked Expand to
// proceed.
func (m *Manager) SetMax(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.max = n
	m.cond.Broadcast()
}

// Stop releases every waiter with apierr.ErrShuttingDown.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
	m.cond.Broadcast()
}

func (m *Manager) Used() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.used
}

func (m *Manager) Max() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.max
}
