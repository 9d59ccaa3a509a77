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

// Package download provides the one-shot completion object used to
// single-flight chunk downloads: one goroutine performs the transfer,
// every other interested goroutine waits and observes the same result.
package download

import "sync"

// Download carries the final error of one chunk transfer. The zero
// value is not usable; create with New.
type Download struct {
	done chan struct{}
	once sync.Once
	err  error
}

func New() *Download {
	return &Download{done: make(chan struct{})}
}

// Complete records the final error and releases all waiters. Only the
// first call has any effect.
func (d *Download) Complete(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
}

// Wait blocks until Complete has been called, then returns the final
// error. Every waiter observes the same value.
func (d *Download) Wait() error {
	<-d.done
	return d.err
}

// Done exposes the completion channel for select loops.
func (d *Download) Done() <-chan struct{} {
	return d.done
}
