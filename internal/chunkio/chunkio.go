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

// Package chunkio wraps a cache file handle with serialized positional
// I/O so that concurrent chunk downloads and host reads observe
// consistent size/offset semantics.
package chunkio

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/blockstorage/repertory/internal/apierr"
	"github.com/blockstorage/repertory/internal/utils"
)

// IO owns one cache file. All methods serialize on an internal lock.
// External processes must not mutate the file.
type IO struct {
	mu       sync.Mutex
	f        *os.File // GUARDED_BY(mu); nil once closed
	path     string
	readOnly bool
}

// OpenOrCreate opens the cache file at path, creating it and any
// missing parent directories. No share mode or file lock is applied,
// so other openers of the same path are not excluded.
func OpenOrCreate(path string, readOnly bool) (*IO, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	f, err := utils.CreateFile(path, flag)
	if err != nil {
		return nil, apierr.OS(err)
	}

	return &IO{f: f, path: path, readOnly: readOnly}, nil
}

func (c *IO) Path() string {
	return c.path
}

// Read fills buf from the given offset, returning the count read. A
// short read occurs only at EOF.
func (c *IO) Read(buf []byte, offset uint64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.f == nil {
		return 0, apierr.ErrInvalidHandle
	}

	n, err := c.f.ReadAt(buf, int64(offset))
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		return n, apierr.OS(err)
	}

	return n, nil
}

// Write writes all of buf at the given offset, extending the file as
// needed.
func (c *IO) Write(buf []byte, offset uint64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.f == nil {
		return 0, apierr.ErrInvalidHandle
	}
	if c.readOnly {
		return 0, apierr.ErrInvalidOperation
	}

	n, err := c.f.WriteAt(buf, int64(offset))
	if err != nil {
		return n, apierr.OS(err)
	}

	return n, nil
}

// Truncate sets the file to exactly size bytes, allocating zero-filled
// space when growing.
func (c *IO) Truncate(size uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.f == nil {
		return apierr.ErrInvalidHandle
	}
	if c.readOnly {
		return apierr.ErrInvalidOperation
	}

	if err := c.f.Truncate(int64(size)); err != nil {
		return apierr.OS(err)
	}

	return nil
}

// Size returns the current on-disk size.
func (c *IO) Size() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.f == nil {
		return 0, apierr.ErrInvalidHandle
	}

	info, err := c.f.Stat()
	if err != nil {
		return 0, apierr.OS(err)
	}

	return uint64(info.Size()), nil
}

// Sync flushes file buffers to stable storage.
func (c *IO) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.f == nil {
		return apierr.ErrInvalidHandle
	}
	if err := c.f.Sync(); err != nil {
		return apierr.OS(err)
	}

	return nil
}

// Close is idempotent.
func (c *IO) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.f == nil {
		return nil
	}

	err := c.f.Close()
	c.f = nil
	if err != nil {
		return fmt.Errorf("closing %s: %w", c.path, apierr.OS(err))
	}

	return nil
}
