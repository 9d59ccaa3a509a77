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

package events

import "sync"

// Bus delivers events to subscribers. Callbacks are serialized: at most
// one subscriber callback runs at a time, and events published by a
// single goroutine are observed in publish order.
//
// The subscribers lock is a leaf in the engine's lock order; Emit may
// be called while holding any other engine lock.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]func(Event)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]func(Event))}
}

// Subscribe registers a callback for every subsequent event. The
// returned id cancels the subscription via Unsubscribe.
func (b *Bus) Subscribe(fn func(Event)) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[b.nextID] = fn

	return b.nextID
}

func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs, id)
}

// Emit delivers the event to every subscriber before returning.
func (b *Bus) Emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, fn := range b.subs {
		fn(e)
	}
}
