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

package utils

import (
	"strconv"
	"time"
)

// UnixNanos converts a time to the metadata representation: unsigned
// nanoseconds since the Unix epoch. Times before the epoch collapse to
// zero.
func UnixNanos(t time.Time) uint64 {
	nanos := t.UnixNano()
	if nanos < 0 {
		return 0
	}

	return uint64(nanos)
}

// TimeFromNanos is the inverse of UnixNanos.
func TimeFromNanos(nanos uint64) time.Time {
	return time.Unix(0, int64(nanos))
}

// FormatNanos renders a nanosecond timestamp the way it is stored in
// item metadata.
func FormatNanos(nanos uint64) string {
	return strconv.FormatUint(nanos, 10)
}

// ParseNanos parses a metadata timestamp value, returning zero for
// empty or malformed input.
func ParseNanos(value string) uint64 {
	nanos, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}

	return nanos
}
