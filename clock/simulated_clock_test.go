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

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSimulatedClockNow(t *testing.T) {
	start := time.Unix(1000, 0)
	sc := NewSimulatedClock(start)

	assert.Equal(t, start, sc.Now())

	sc.AdvanceTime(time.Minute)
	assert.Equal(t, start.Add(time.Minute), sc.Now())

	sc.SetTime(start)
	assert.Equal(t, start, sc.Now())
}

func TestSimulatedClockAfterFiresOnAdvance(t *testing.T) {
	sc := NewSimulatedClock(time.Unix(1000, 0))

	ch := sc.After(10 * time.Second)
	select {
	case <-ch:
		t.Fatal("after should not fire before the clock advances")
	default:
	}

	sc.AdvanceTime(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("after should not fire before the target time")
	default:
	}

	sc.AdvanceTime(time.Second)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("after should have fired at the target time")
	}
}

func TestSimulatedClockAfterNonPositiveFiresImmediately(t *testing.T) {
	sc := NewSimulatedClock(time.Unix(1000, 0))

	select {
	case <-sc.After(0):
	case <-time.After(time.Second):
		t.Fatal("non-positive after should fire immediately")
	}
}
