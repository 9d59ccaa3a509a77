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

// Package filemgr contains the per-open-file chunked cache engine and
// the manager that owns every open file and upload.
package filemgr

import (
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/blockstorage/repertory/clock"
	"github.com/blockstorage/repertory/internal/cachesize"
	"github.com/blockstorage/repertory/internal/chunkio"
	"github.com/blockstorage/repertory/internal/events"
	"github.com/blockstorage/repertory/internal/metastore"
	"github.com/blockstorage/repertory/internal/polling"
	"github.com/blockstorage/repertory/internal/provider"
)

// File is the view the manager and the host adapter share of one open
// file, whether fully cached (OpenFile) or streamed through a bounded
// window (RingBufferOpenFile).
type File interface {
	APIPath() string
	SourcePath() string
	Directory() bool
	FileSize() uint64
	FilesystemItem() provider.FilesystemItem

	AddHandle(handle uint64, data any)
	RemoveHandle(handle uint64)
	Handles() []uint64
	OpenData(handle uint64) (any, bool)
	HandleCount() int

	Read(size uint64, offset uint64) ([]byte, error)
	Write(data []byte, offset uint64) (uint64, error)
	Resize(newSize uint64) error

	Modified() bool
	IsComplete() bool
	IsProcessing() bool
	CanClose() bool
	Close() bool

	// SetAPIPath retargets the file after a rename.
	SetAPIPath(apiPath string)
}

// NativeOp runs a host operation against the cache file handle while
// the file lock is held, typically a truncate or allocation.
type NativeOp func(io *chunkio.IO) error

// UploadManager is the message-style surface an open file uses to hand
// work to the file manager; the manager never reaches back into the
// file.
type UploadManager interface {
	QueueUpload(apiPath string, sourcePath string)
	RemoveUpload(apiPath string)
	StoreResume(apiPath string, sourcePath string, chunkSize uint64, readState *bitset.BitSet)
	RemoveResume(apiPath string, sourcePath string)
}

// Services groups the process-wide collaborators. Tests substitute
// fakes member by member.
type Services struct {
	Provider provider.Provider
	Store    metastore.Store
	Bus      *events.Bus
	CacheMgr *cachesize.Manager
	Poller   *polling.Poller
	Clock    clock.Clock
}

// Config carries the engine settings the file manager consumes.
type Config struct {
	// ChunkSize is the fixed partition size in bytes.
	ChunkSize uint64

	// ChunkTimeout is the idle duration after which an unreferenced,
	// unmodified file is closed. Zero disables timeout closes.
	ChunkTimeout time.Duration

	// CacheDir receives per-file cache bodies.
	CacheDir string

	// DataDir is the root for orphaned-file salvage.
	DataDir string

	// MaxUploadCount bounds concurrent uploads.
	MaxUploadCount int

	// RingSize is the number of chunk slots for ring-buffer opens.
	// Must be a power of two and at least 4.
	RingSize uint64

	// RingBufferThreshold is the file size, in bytes, beyond which a
	// read-only open streams through a ring buffer instead of caching
	// the whole body. Files smaller than RingSize chunks are always
	// cached whole. Zero disables ring-buffer opens.
	RingBufferThreshold uint64

	// EvictionUseAccessedTime sorts eviction candidates by accessed
	// time instead of modified time.
	EvictionUseAccessedTime bool
}
