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

// Package polling runs named callbacks at a small set of fixed
// frequencies. It exists so that background maintenance (idle-close
// sweeps, deleted-file checks) shares a handful of tickers instead of
// each component owning a timer goroutine.
package polling

import (
	"sync"
	"time"

	"github.com/blockstorage/repertory/clock"
	"github.com/blockstorage/repertory/internal/logger"
)

type Frequency int

const (
	FreqHigh Frequency = iota
	FreqMedium
	FreqLow
	FreqSecond
)

// Intervals supplies the tick period for each frequency bucket.
type Intervals struct {
	High   time.Duration
	Medium time.Duration
	Low    time.Duration
}

// DefaultIntervals matches the configuration defaults.
func DefaultIntervals() Intervals {
	return Intervals{
		High:   30 * time.Second,
		Medium: 2 * time.Minute,
		Low:    15 * time.Minute,
	}
}

type Callback struct {
	Name string
	Freq Frequency
	Fn   func()
}

type Poller struct {
	clk clock.Clock

	mu        sync.Mutex
	callbacks map[string]Callback // GUARDED_BY(mu)
	running   bool                // GUARDED_BY(mu)
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewPoller(clk clock.Clock) *Poller {
	return &Poller{
		clk:       clk,
		callbacks: make(map[string]Callback),
	}
}

// SetCallback registers or replaces a named callback. Safe to call
// whether or not the poller is running.
func (p *Poller) SetCallback(cb Callback) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.callbacks[cb.Name] = cb
}

func (p *Poller) RemoveCallback(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.callbacks, name)
}

// Start launches one ticker goroutine per frequency bucket. Calling
// Start on a running poller is a no-op.
func (p *Poller) Start(intervals Intervals) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})

	buckets := map[Frequency]time.Duration{
		FreqHigh:   intervals.High,
		FreqMedium: intervals.Medium,
		FreqLow:    intervals.Low,
		FreqSecond: time.Second,
	}
	for freq, interval := range buckets {
		p.wg.Add(1)
		go p.run(freq, interval, p.stopCh)
	}
}

// Stop halts all tickers and waits for in-flight callbacks to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Poller) run(freq Frequency, interval time.Duration, stopCh chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-stopCh:
			return
		case <-p.clk.After(interval):
		}

		for _, cb := range p.snapshot(freq) {
			cb.Fn()
		}
	}
}

func (p *Poller) snapshot(freq Frequency) []Callback {
	p.mu.Lock()
	defer p.mu.Unlock()

	var matched []Callback
	for _, cb := range p.callbacks {
		if cb.Freq == freq {
			matched = append(matched, cb)
		}
	}

	if len(matched) > 1 {
		logger.Tracef("polling: firing %d callbacks for frequency %d", len(matched), freq)
	}

	return matched
}
