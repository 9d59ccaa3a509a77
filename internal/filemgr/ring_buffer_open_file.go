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

package filemgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"

	"github.com/blockstorage/repertory/internal/apierr"
	"github.com/blockstorage/repertory/internal/chunkio"
	"github.com/blockstorage/repertory/internal/download"
	"github.com/blockstorage/repertory/internal/logger"
	"github.com/blockstorage/repertory/internal/provider"
	"github.com/blockstorage/repertory/internal/utils"
)

// RingBufferOpenFile streams a read-only file through a bounded window
// of chunk slots. The slot for chunk c lives at byte offset
// (c mod ringSize) * chunkSize of a preallocated buffer file; sliding
// the window invalidates the slots that leave it.
//
// Forward movement re-centers the window so the current chunk keeps
// half the ring behind it for cheap backward seeks; reverse movement
// slides only as far as needed.
type RingBufferOpenFile struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	chunkSize    uint64
	chunkTimeout time.Duration
	prov         provider.Provider
	svc          Services

	ctx    context.Context
	cancel context.CancelFunc

	/////////////////////////
	// Mutable state
	/////////////////////////

	chunkMu sync.Mutex

	fsi           provider.FilesystemItem       // GUARDED_BY(chunkMu)
	totalChunks   uint64                        // immutable after construction
	lastChunkSize uint64                        // immutable after construction
	ringSize      uint64                        // immutable after construction
	ringState     *bitset.BitSet                // GUARDED_BY(chunkMu); set = slot invalid
	firstChunk    uint64                        // GUARDED_BY(chunkMu)
	currentChunk  uint64                        // GUARDED_BY(chunkMu)
	lastChunk     uint64                        // GUARDED_BY(chunkMu)
	handles       map[uint64]any                // GUARDED_BY(chunkMu)
	activeSlots   map[uint64]*download.Download // GUARDED_BY(chunkMu)
	lastIOTime    time.Time                     // GUARDED_BY(chunkMu)
	apiErr        error                         // GUARDED_BY(chunkMu); sticky

	nf *chunkio.IO

	stopRequested atomic.Bool
}

var _ File = (*RingBufferOpenFile)(nil)

// NewRingBufferOpenFile preallocates a buffer file of ringSize chunk
// slots under bufferDir. The file being opened must be at least one
// full ring in size; ringSize must be a power of two and at least 4.
func NewRingBufferOpenFile(ctx context.Context, bufferDir string, chunkSize uint64,
	chunkTimeout time.Duration, fsi provider.FilesystemItem, prov provider.Provider,
	svc Services, ringSize uint64) (*RingBufferOpenFile, error) {
	if ringSize < 4 || ringSize&(ringSize-1) != 0 {
		return nil, fmt.Errorf("ring size must be a power of two and at least 4: %w",
			apierr.ErrInvalidOperation)
	}
	if fsi.Size < ringSize*chunkSize {
		return nil, fmt.Errorf("file size is less than ring buffer size: %w",
			apierr.ErrInvalidOperation)
	}

	totalChunks := utils.DivideCeiling(fsi.Size, chunkSize)
	fsi.SourcePath = filepath.Join(bufferDir, uuid.NewString())

	nf, err := chunkio.OpenOrCreate(fsi.SourcePath, false)
	if err != nil {
		return nil, fmt.Errorf("creating ring buffer file: %w", err)
	}
	if err := nf.Truncate(ringSize * chunkSize); err != nil {
		nf.Close()
		os.Remove(fsi.SourcePath)
		return nil, fmt.Errorf("allocating ring buffer file: %w", err)
	}

	fileCtx, cancel := context.WithCancel(ctx)
	f := &RingBufferOpenFile{
		chunkSize:     chunkSize,
		chunkTimeout:  chunkTimeout,
		prov:          prov,
		svc:           svc,
		ctx:           fileCtx,
		cancel:        cancel,
		fsi:           fsi,
		totalChunks:   totalChunks,
		lastChunkSize: fsi.Size - (totalChunks-1)*chunkSize,
		ringSize:      ringSize,
		ringState:     bitset.New(uint(ringSize)),
		lastChunk:     ringSize - 1,
		handles:       make(map[uint64]any),
		activeSlots:   make(map[uint64]*download.Download),
		lastIOTime:    svc.Clock.Now(),
		nf:            nf,
	}
	setAllBits(f.ringState)
	if f.lastChunk > totalChunks-1 {
		f.lastChunk = totalChunks - 1
	}

	return f, nil
}

// LOCKS_REQUIRED(f.chunkMu)
func (f *RingBufferOpenFile) checkInvariants() {
	if f.firstChunk > f.currentChunk || f.currentChunk > f.lastChunk {
		panic(fmt.Sprintf("window out of order: first %d current %d last %d",
			f.firstChunk, f.currentChunk, f.lastChunk))
	}
	if f.lastChunk > f.totalChunks-1 {
		panic(fmt.Sprintf("last chunk %d beyond total %d", f.lastChunk, f.totalChunks))
	}
	if f.lastChunk-f.firstChunk+1 > f.ringSize {
		panic(fmt.Sprintf("window wider than ring: first %d last %d ring %d",
			f.firstChunk, f.lastChunk, f.ringSize))
	}
}

////////////////////////////////////////////////////////////////////////
// Attribute accessors
////////////////////////////////////////////////////////////////////////

func (f *RingBufferOpenFile) APIPath() string {
	f.chunkMu.Lock()
	defer f.chunkMu.Unlock()

	return f.fsi.APIPath
}

func (f *RingBufferOpenFile) SetAPIPath(apiPath string) {
	f.chunkMu.Lock()
	defer f.chunkMu.Unlock()

	f.fsi.APIPath = apiPath
	f.fsi.APIParent = utils.ParentAPIPath(apiPath)
}

func (f *RingBufferOpenFile) SourcePath() string {
	f.chunkMu.Lock()
	defer f.chunkMu.Unlock()

	return f.fsi.SourcePath
}

func (f *RingBufferOpenFile) Directory() bool {
	return false
}

func (f *RingBufferOpenFile) FileSize() uint64 {
	f.chunkMu.Lock()
	defer f.chunkMu.Unlock()

	return f.fsi.Size
}

func (f *RingBufferOpenFile) FilesystemItem() provider.FilesystemItem {
	f.chunkMu.Lock()
	defer f.chunkMu.Unlock()

	return f.fsi
}

func (f *RingBufferOpenFile) Modified() bool {
	return false
}

// IsComplete reports whether every slot of the current window is
// materialized.
func (f *RingBufferOpenFile) IsComplete() bool {
	f.chunkMu.Lock()
	defer f.chunkMu.Unlock()

	return f.ringState.None()
}

func (f *RingBufferOpenFile) IsProcessing() bool {
	f.chunkMu.Lock()
	defer f.chunkMu.Unlock()

	return len(f.activeSlots) > 0
}

// FirstChunk, CurrentChunk and LastChunk expose the window bounds.
func (f *RingBufferOpenFile) FirstChunk() uint64 {
	f.chunkMu.Lock()
	defer f.chunkMu.Unlock()

	return f.firstChunk
}

func (f *RingBufferOpenFile) CurrentChunk() uint64 {
	f.chunkMu.Lock()
	defer f.chunkMu.Unlock()

	return f.currentChunk
}

func (f *RingBufferOpenFile) LastChunk() uint64 {
	f.chunkMu.Lock()
	defer f.chunkMu.Unlock()

	return f.lastChunk
}

// ChunkReadState reports whether the slot holding the given chunk is
// valid.
func (f *RingBufferOpenFile) ChunkReadState(chunk uint64) bool {
	f.chunkMu.Lock()
	defer f.chunkMu.Unlock()

	return !f.ringState.Test(uint(chunk % f.ringSize))
}

////////////////////////////////////////////////////////////////////////
// Handles
////////////////////////////////////////////////////////////////////////

func (f *RingBufferOpenFile) AddHandle(handle uint64, data any) {
	f.chunkMu.Lock()
	defer f.chunkMu.Unlock()

	f.handles[handle] = data
	f.lastIOTime = f.svc.Clock.Now()
}

func (f *RingBufferOpenFile) RemoveHandle(handle uint64) {
	f.chunkMu.Lock()
	defer f.chunkMu.Unlock()

	delete(f.handles, handle)
	f.lastIOTime = f.svc.Clock.Now()
}

func (f *RingBufferOpenFile) Handles() []uint64 {
	f.chunkMu.Lock()
	defer f.chunkMu.Unlock()

	handles := make([]uint64, 0, len(f.handles))
	for handle := range f.handles {
		handles = append(handles, handle)
	}

	return handles
}

func (f *RingBufferOpenFile) OpenData(handle uint64) (any, bool) {
	f.chunkMu.Lock()
	defer f.chunkMu.Unlock()

	data, ok := f.handles[handle]
	return data, ok
}

func (f *RingBufferOpenFile) HandleCount() int {
	f.chunkMu.Lock()
	defer f.chunkMu.Unlock()

	return len(f.handles)
}

////////////////////////////////////////////////////////////////////////
// Window movement
////////////////////////////////////////////////////////////////////////

// Forward advances the current chunk by count, re-centering the window
// so that up to half the ring stays behind the new position. Slots
// vacated by the slide are invalidated; the window never extends past
// the final chunk.
func (f *RingBufferOpenFile) Forward(count uint64) {
	f.chunkMu.Lock()
	defer f.chunkMu.Unlock()

	f.forwardLocked(count)
}

// LOCKS_REQUIRED(f.chunkMu)
func (f *RingBufferOpenFile) forwardLocked(count uint64) {
	if f.currentChunk+count > f.totalChunks-1 {
		count = f.totalChunks - 1 - f.currentChunk
	}
	f.currentChunk += count

	half := f.ringSize / 2
	desired := uint64(0)
	if f.currentChunk > half {
		desired = f.currentChunk - half
	}
	maxFirst := uint64(0)
	if f.totalChunks > f.ringSize {
		maxFirst = f.totalChunks - f.ringSize
	}
	if desired > maxFirst {
		desired = maxFirst
	}

	if desired > f.firstChunk {
		added := desired - f.firstChunk
		if added >= f.ringSize {
			setAllBits(f.ringState)
		} else {
			for i := uint64(0); i < added; i++ {
				f.ringState.Set(uint((f.firstChunk + i) % f.ringSize))
			}
		}
		f.firstChunk = desired
	}

	f.lastChunk = f.firstChunk + f.ringSize - 1
	if f.lastChunk > f.totalChunks-1 {
		f.lastChunk = f.totalChunks - 1
	}
}

// Reverse moves the current chunk back by count, sliding the window
// down only as far as needed and invalidating slots that enter from
// the tail.
func (f *RingBufferOpenFile) Reverse(count uint64) {
	f.chunkMu.Lock()
	defer f.chunkMu.Unlock()

	f.reverseLocked(count)
}

// LOCKS_REQUIRED(f.chunkMu)
func (f *RingBufferOpenFile) reverseLocked(count uint64) {
	if count > f.currentChunk {
		count = f.currentChunk
	}

	if f.currentChunk-count >= f.firstChunk {
		f.currentChunk -= count
		return
	}

	removed := count - (f.currentChunk - f.firstChunk)
	if removed >= f.ringSize {
		setAllBits(f.ringState)
		f.currentChunk -= count
		f.firstChunk = f.currentChunk
	} else {
		for i := uint64(0); i < removed; i++ {
			f.ringState.Set(uint((f.lastChunk - i) % f.ringSize))
		}
		f.firstChunk -= removed
		f.currentChunk -= count
	}

	f.lastChunk = f.firstChunk + f.ringSize - 1
	if f.lastChunk > f.totalChunks-1 {
		f.lastChunk = f.totalChunks - 1
	}
}

// Set resets the window to begin at firstChunk with the given current
// position, marking every slot valid.
func (f *RingBufferOpenFile) Set(firstChunk uint64, currentChunk uint64) error {
	f.chunkMu.Lock()
	defer f.chunkMu.Unlock()

	if firstChunk >= f.totalChunks {
		return fmt.Errorf("first chunk must be less than total chunks: %w",
			apierr.ErrInvalidOperation)
	}

	f.firstChunk = firstChunk
	f.lastChunk = firstChunk + f.ringSize - 1
	if f.lastChunk > f.totalChunks-1 {
		f.lastChunk = f.totalChunks - 1
	}

	if currentChunk > f.lastChunk {
		return fmt.Errorf("current chunk must be less than or equal to last chunk: %w",
			apierr.ErrInvalidOperation)
	}

	f.currentChunk = currentChunk
	f.ringState.ClearAll()

	return nil
}

////////////////////////////////////////////////////////////////////////
// Downloads
////////////////////////////////////////////////////////////////////////

// downloadChunk materializes the slot for the given chunk. Exactly one
// goroutine transfers a chunk; concurrent readers of the same chunk
// wait and observe the same outcome.
func (f *RingBufferOpenFile) downloadChunk(chunk uint64) error {
	f.chunkMu.Lock()
	if f.apiErr != nil {
		err := f.apiErr
		f.chunkMu.Unlock()
		return err
	}

	if active, ok := f.activeSlots[chunk]; ok {
		f.chunkMu.Unlock()
		return active.Wait()
	}

	slot := uint(chunk % f.ringSize)
	if !f.ringState.Test(slot) {
		f.chunkMu.Unlock()
		return nil
	}

	dl := download.New()
	f.activeSlots[chunk] = dl
	f.ringState.Clear(slot)
	apiPath := f.fsi.APIPath
	f.chunkMu.Unlock()

	length := f.chunkSize
	if chunk == f.totalChunks-1 {
		length = f.lastChunkSize
	}

	data, err := f.prov.ReadFileBytes(f.ctx, apiPath, length, chunk*f.chunkSize)
	switch {
	case err != nil && (f.stopRequested.Load() || errors.Is(err, context.Canceled)):
		err = apierr.ErrDownloadStopped
	case err != nil:
		err = fmt.Errorf("reading chunk %d of %s: %v: %w", chunk, apiPath, err, apierr.ErrDownloadFailed)
	case uint64(len(data)) != length:
		err = fmt.Errorf("short read for chunk %d of %s: %w", chunk, apiPath, apierr.ErrDownloadFailed)
	}

	if err == nil {
		_, err = f.nf.Write(data, uint64(slot)*f.chunkSize)
	}

	f.chunkMu.Lock()
	delete(f.activeSlots, chunk)
	if err != nil {
		// Put the slot back so a retry is possible after a transient
		// failure.
		f.ringState.Set(slot)
		if f.apiErr == nil && !errors.Is(err, apierr.ErrDownloadStopped) {
			f.apiErr = err
		}
	}
	f.chunkMu.Unlock()

	dl.Complete(err)

	return err
}

////////////////////////////////////////////////////////////////////////
// Body operations
////////////////////////////////////////////////////////////////////////

// Read returns up to size bytes at offset, walking the window across
// every chunk the range covers.
func (f *RingBufferOpenFile) Read(size uint64, offset uint64) ([]byte, error) {
	if f.stopRequested.Load() {
		return nil, apierr.ErrDownloadStopped
	}

	f.chunkMu.Lock()
	if f.apiErr != nil {
		err := f.apiErr
		f.chunkMu.Unlock()
		return nil, err
	}
	fileSize := f.fsi.Size
	f.lastIOTime = f.svc.Clock.Now()
	f.chunkMu.Unlock()

	if offset >= fileSize {
		return nil, nil
	}
	if remaining := fileSize - offset; size > remaining {
		size = remaining
	}
	if size == 0 {
		return nil, nil
	}

	chunk := offset / f.chunkSize
	chunkOffset := offset - chunk*f.chunkSize
	data := make([]byte, 0, size)

	for size > 0 {
		f.chunkMu.Lock()
		if chunk > f.currentChunk {
			f.forwardLocked(chunk - f.currentChunk)
		} else if chunk < f.currentChunk {
			f.reverseLocked(f.currentChunk - chunk)
		}
		f.lastIOTime = f.svc.Clock.Now()
		f.chunkMu.Unlock()

		if err := f.downloadChunk(chunk); err != nil {
			return nil, err
		}

		toRead := f.chunkSize - chunkOffset
		if toRead > size {
			toRead = size
		}

		buf := make([]byte, toRead)
		slotOffset := (chunk%f.ringSize)*f.chunkSize + chunkOffset
		if _, err := f.nf.Read(buf, slotOffset); err != nil {
			f.chunkMu.Lock()
			if f.apiErr == nil {
				f.apiErr = err
			}
			f.chunkMu.Unlock()
			return nil, err
		}

		data = append(data, buf...)
		size -= toRead
		chunkOffset = 0
		chunk++
	}

	return data, nil
}

// Write is rejected; ring-buffer opens are read-only.
func (f *RingBufferOpenFile) Write(data []byte, offset uint64) (uint64, error) {
	return 0, apierr.ErrInvalidOperation
}

// Resize is rejected; ring-buffer opens are read-only.
func (f *RingBufferOpenFile) Resize(newSize uint64) error {
	return apierr.ErrInvalidOperation
}

////////////////////////////////////////////////////////////////////////
// Close
////////////////////////////////////////////////////////////////////////

func (f *RingBufferOpenFile) CanClose() bool {
	f.chunkMu.Lock()
	defer f.chunkMu.Unlock()

	if len(f.handles) > 0 || len(f.activeSlots) > 0 {
		return false
	}
	if f.apiErr != nil {
		return true
	}
	if f.chunkTimeout == 0 {
		return false
	}

	return f.svc.Clock.Now().Sub(f.lastIOTime) >= f.chunkTimeout
}

// Close cancels in-flight transfers and removes the buffer file, which
// holds no authoritative data.
func (f *RingBufferOpenFile) Close() bool {
	if !f.stopRequested.CompareAndSwap(false, true) {
		return false
	}

	f.cancel()

	f.chunkMu.Lock()
	active := make([]*download.Download, 0, len(f.activeSlots))
	for _, dl := range f.activeSlots {
		active = append(active, dl)
	}
	sourcePath := f.fsi.SourcePath
	f.chunkMu.Unlock()

	for _, dl := range active {
		dl.Wait()
	}

	f.nf.Close()
	if err := os.Remove(sourcePath); err != nil && !os.IsNotExist(err) {
		logger.Errorf("failed to delete ring buffer file %s: %v", sourcePath, err)
	}

	return true
}
