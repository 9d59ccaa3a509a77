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
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"

	"github.com/blockstorage/repertory/internal/apierr"
	"github.com/blockstorage/repertory/internal/chunkio"
	"github.com/blockstorage/repertory/internal/download"
	"github.com/blockstorage/repertory/internal/events"
	"github.com/blockstorage/repertory/internal/locker"
	"github.com/blockstorage/repertory/internal/logger"
	"github.com/blockstorage/repertory/internal/provider"
	"github.com/blockstorage/repertory/internal/utils"
)

// OpenFile maps byte-range reads and writes onto fixed-size chunks of a
// local cache file, downloading missing chunks from the provider on
// demand and ahead of the reader, and tracking dirty state for upload.
//
// Lock order within this type: opMu (serializes body operations) is
// acquired before stateMu (guards mutable state). stateMu is never held
// across a provider call or a download wait; downloads release it
// before the remote read and re-acquire it to commit the result.
type OpenFile struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	chunkSize    uint64
	chunkTimeout time.Duration
	prov         provider.Provider
	uploadMgr    UploadManager
	svc          Services

	ctx    context.Context
	cancel context.CancelFunc

	/////////////////////////
	// Mutable state
	/////////////////////////

	// opMu serializes Read/Write/Resize/Close against each other so
	// that writes to this file are observed in order.
	opMu sync.Mutex

	stateMu locker.Locker

	fsi             provider.FilesystemItem          // GUARDED_BY(stateMu)
	readState       *bitset.BitSet                   // GUARDED_BY(stateMu)
	lastChunkSize   uint64                           // GUARDED_BY(stateMu)
	allocated       bool                             // GUARDED_BY(stateMu)
	modified        bool                             // GUARDED_BY(stateMu)
	removed         bool                             // GUARDED_BY(stateMu)
	notified        bool                             // GUARDED_BY(stateMu)
	handles         map[uint64]any                   // GUARDED_BY(stateMu)
	activeDownloads map[uint64]*download.Download    // GUARDED_BY(stateMu)
	readerChunk     uint64                           // GUARDED_BY(stateMu)
	readerHinted    bool                             // GUARDED_BY(stateMu)
	readerStarted   bool                             // GUARDED_BY(stateMu)
	lastIOTime      time.Time                        // GUARDED_BY(stateMu)
	apiErr          error                            // GUARDED_BY(stateMu); sticky
	nf              *chunkio.IO

	stopRequested atomic.Bool
	resizing      atomic.Bool

	readerStop chan struct{}
	readerWake chan struct{}
	readerDone chan struct{}
}

var _ File = (*OpenFile)(nil)

// NewOpenFile opens or creates the cache file backing fsi and prepares
// the chunk state. A non-nil resumeReadState adopts a resume-journal
// bitset, marking the file dirty and allocated. Construction failures
// latch the sticky error; the instance is still returned so that close
// can run cleanup.
func NewOpenFile(ctx context.Context, chunkSize uint64, chunkTimeout time.Duration,
	fsi provider.FilesystemItem, prov provider.Provider, uploadMgr UploadManager,
	svc Services, resumeReadState *bitset.BitSet) *OpenFile {
	fileCtx, cancel := context.WithCancel(ctx)
	f := &OpenFile{
		chunkSize:       chunkSize,
		chunkTimeout:    chunkTimeout,
		prov:            prov,
		uploadMgr:       uploadMgr,
		svc:             svc,
		ctx:             fileCtx,
		cancel:          cancel,
		fsi:             fsi,
		readState:       bitset.New(0),
		handles:         make(map[uint64]any),
		activeDownloads: make(map[uint64]*download.Download),
		lastIOTime:      svc.Clock.Now(),
		readerStop:      make(chan struct{}),
		readerWake:      make(chan struct{}, 1),
		readerDone:      make(chan struct{}),
	}
	if !fsi.Directory && fsi.Size > 0 {
		chunks := utils.DivideCeiling(fsi.Size, chunkSize)
		f.readState = bitset.New(uint(chunks))
		f.lastChunkSize = fsi.Size - (chunks-1)*chunkSize
	}

	// Size the read state before creating the lock: with invariant
	// checking enabled the lock runs checkInvariants on creation.
	f.stateMu = locker.New(fsi.APIPath, f.checkInvariants)

	if fsi.Directory {
		return f
	}

	nf, err := chunkio.OpenOrCreate(fsi.SourcePath, prov.IsReadOnly())
	if err != nil {
		f.apiErr = err
		return f
	}
	f.nf = nf

	if resumeReadState != nil {
		f.readState = resumeReadState.Clone()
		f.modified = true
		f.removed = true
		f.allocated = true
		return f
	}

	fileSize, err := nf.Size()
	if err != nil {
		f.apiErr = err
		nf.Close()
		return f
	}

	// A cache body that already matches the logical size, or a provider
	// that can never change the object, means every chunk is
	// authoritative as-is.
	if prov.IsReadOnly() || fileSize == fsi.Size {
		setAllBits(f.readState)
		f.allocated = true
	}

	return f
}

func setAllBits(b *bitset.BitSet) {
	for i := uint(0); i < b.Len(); i++ {
		b.Set(i)
	}
}

// LOCKS_REQUIRED(f.stateMu)
func (f *OpenFile) checkInvariants() {
	if f.fsi.Directory {
		return
	}

	// INVARIANT: read_state sized to ceil(size / chunk_size)
	expected := uint(0)
	if f.fsi.Size > 0 {
		expected = uint(utils.DivideCeiling(f.fsi.Size, f.chunkSize))
	}
	if f.readState.Len() != expected {
		panic(fmt.Sprintf(
			"read state length mismatch: %d vs. %d",
			f.readState.Len(), expected))
	}

	// INVARIANT: an active download means the chunk is not yet read
	for idx := range f.activeDownloads {
		if idx < uint64(f.readState.Len()) && f.readState.Test(uint(idx)) {
			panic(fmt.Sprintf("chunk %d active while marked read", idx))
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Attribute accessors
////////////////////////////////////////////////////////////////////////

func (f *OpenFile) APIPath() string {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	return f.fsi.APIPath
}

func (f *OpenFile) SetAPIPath(apiPath string) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	f.fsi.APIPath = apiPath
	f.fsi.APIParent = utils.ParentAPIPath(apiPath)
}

func (f *OpenFile) SourcePath() string {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	return f.fsi.SourcePath
}

func (f *OpenFile) Directory() bool {
	return f.fsi.Directory
}

func (f *OpenFile) FileSize() uint64 {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	return f.fsi.Size
}

func (f *OpenFile) FilesystemItem() provider.FilesystemItem {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	return f.fsi
}

func (f *OpenFile) ChunkSize() uint64 {
	return f.chunkSize
}

func (f *OpenFile) Modified() bool {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	return f.modified
}

// IsComplete reports whether every chunk is materialized.
func (f *OpenFile) IsComplete() bool {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	return f.isCompleteLocked()
}

// LOCKS_REQUIRED(f.stateMu)
func (f *OpenFile) isCompleteLocked() bool {
	return f.fsi.Size == 0 || f.readState.All()
}

// IsProcessing reports whether the file has dirty writes or in-flight
// chunk downloads.
func (f *OpenFile) IsProcessing() bool {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	return f.modified || len(f.activeDownloads) > 0
}

// ReadState returns a copy of the materialization bitset.
func (f *OpenFile) ReadState() *bitset.BitSet {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	return f.readState.Clone()
}

func (f *OpenFile) apiError() error {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	return f.apiErr
}

// setAPIError latches the first non-success error and returns the
// latched value.
func (f *OpenFile) setAPIError(err error) error {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	if f.apiErr == nil && err != nil {
		f.apiErr = err
	}
	if f.apiErr != nil {
		return f.apiErr
	}

	return err
}

////////////////////////////////////////////////////////////////////////
// Handles
////////////////////////////////////////////////////////////////////////

func (f *OpenFile) AddHandle(handle uint64, data any) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	f.handles[handle] = data
	f.lastIOTime = f.svc.Clock.Now()
}

// RemoveHandle detaches a handle. Detaching any handle of a fully
// materialized dirty file queues its upload immediately, whether or
// not other handles remain.
func (f *OpenFile) RemoveHandle(handle uint64) {
	f.stateMu.Lock()

	delete(f.handles, handle)
	f.lastIOTime = f.svc.Clock.Now()

	queueUpload := f.modified && f.apiErr == nil && f.isCompleteLocked()
	if queueUpload {
		f.modified = false
	}
	if f.removed && len(f.handles) == 0 {
		f.removed = false
	}
	apiPath := f.fsi.APIPath
	sourcePath := f.fsi.SourcePath
	f.stateMu.Unlock()

	if queueUpload {
		f.uploadMgr.QueueUpload(apiPath, sourcePath)
	}
}

func (f *OpenFile) Handles() []uint64 {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	handles := make([]uint64, 0, len(f.handles))
	for handle := range f.handles {
		handles = append(handles, handle)
	}

	return handles
}

func (f *OpenFile) OpenData(handle uint64) (any, bool) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	data, ok := f.handles[handle]
	return data, ok
}

func (f *OpenFile) HandleCount() int {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	return len(f.handles)
}

////////////////////////////////////////////////////////////////////////
// Allocation
////////////////////////////////////////////////////////////////////////

// checkStart reconciles the cache file size with the logical size on
// the first body operation, claiming or releasing cache budget for the
// difference.
//
// LOCKS_REQUIRED(f.opMu)
func (f *OpenFile) checkStart() error {
	f.stateMu.Lock()
	if f.apiErr != nil {
		err := f.apiErr
		f.stateMu.Unlock()
		return err
	}
	if f.allocated {
		f.stateMu.Unlock()
		return nil
	}
	size := f.fsi.Size
	f.stateMu.Unlock()

	fileSize, err := f.nf.Size()
	if err != nil {
		return f.setAPIError(err)
	}

	if fileSize != size {
		if size > fileSize {
			if err := f.svc.CacheMgr.Expand(size - fileSize); err != nil {
				return f.setAPIError(err)
			}
		} else {
			f.svc.CacheMgr.Shrink(fileSize - size)
		}

		if err := f.nf.Truncate(size); err != nil {
			if size > fileSize {
				f.svc.CacheMgr.Shrink(size - fileSize)
			}
			return f.setAPIError(err)
		}
	}

	f.stateMu.Lock()
	f.allocated = true
	f.stateMu.Unlock()

	return nil
}

////////////////////////////////////////////////////////////////////////
// Chunk downloads
////////////////////////////////////////////////////////////////////////

// downloadChunk materializes one chunk. Exactly one goroutine performs
// the provider read and cache write for a given index; concurrent
// callers either wait on the in-flight transfer or, with skipActive,
// return immediately.
func (f *OpenFile) downloadChunk(idx uint64, skipActive bool, resetTimeout bool) error {
	f.stateMu.Lock()
	if f.apiErr != nil {
		err := f.apiErr
		f.stateMu.Unlock()
		return err
	}

	total := uint64(f.readState.Len())
	if idx >= total || f.readState.Test(uint(idx)) {
		f.stateMu.Unlock()
		return nil
	}

	if active, ok := f.activeDownloads[idx]; ok {
		f.stateMu.Unlock()
		if skipActive {
			return nil
		}
		return active.Wait()
	}

	if len(f.activeDownloads) == 0 && f.readState.Count() == 0 {
		f.svc.Bus.Emit(events.DownloadBegin{
			APIPath:    f.fsi.APIPath,
			SourcePath: f.fsi.SourcePath,
		})
	}

	dl := download.New()
	f.activeDownloads[idx] = dl

	length := f.chunkSize
	if idx == total-1 {
		length = f.lastChunkSize
	}
	offset := idx * f.chunkSize
	apiPath := f.fsi.APIPath
	if resetTimeout {
		f.lastIOTime = f.svc.Clock.Now()
	}
	f.stateMu.Unlock()

	data, err := f.prov.ReadFileBytes(f.ctx, apiPath, length, offset)
	switch {
	case err != nil && (f.stopRequested.Load() || errors.Is(err, context.Canceled)):
		err = apierr.ErrDownloadStopped
	case err != nil:
		err = fmt.Errorf("reading chunk %d of %s: %v: %w", idx, apiPath, err, apierr.ErrDownloadFailed)
	case uint64(len(data)) != length:
		err = fmt.Errorf("short read for chunk %d of %s: %w", idx, apiPath, apierr.ErrDownloadFailed)
	}

	queueUpload := false
	var sourcePath string

	f.stateMu.Lock()
	if err == nil {
		// Commit only if the chunk is still current; a concurrent
		// resize may have shrunk the file out from under the transfer.
		current := idx < uint64(f.readState.Len()) && !f.readState.Test(uint(idx))
		if current && idx == uint64(f.readState.Len())-1 {
			current = length == f.lastChunkSize
		}
		if current {
			if _, werr := f.nf.Write(data, offset); werr != nil {
				err = werr
				if f.apiErr == nil {
					f.apiErr = werr
				}
			} else {
				f.readState.Set(uint(idx))
			}
		}
	} else if f.apiErr == nil && !errors.Is(err, apierr.ErrDownloadStopped) {
		f.apiErr = err
	}

	delete(f.activeDownloads, idx)
	if resetTimeout {
		f.lastIOTime = f.svc.Clock.Now()
	}

	if total := uint64(f.readState.Len()); total > 0 {
		f.svc.Bus.Emit(events.DownloadProgress{
			APIPath:    f.fsi.APIPath,
			SourcePath: f.fsi.SourcePath,
			Progress:   float64(f.readState.Count()) / float64(total) * 100.0,
		})

		if f.readState.All() {
			if !f.notified {
				f.notified = true
				f.svc.Bus.Emit(events.DownloadEnd{
					APIPath:    f.fsi.APIPath,
					SourcePath: f.fsi.SourcePath,
					Error:      f.apiErr,
				})
			}

			// A dirty file whose writer already detached uploads as
			// soon as the body is whole.
			if f.modified && f.apiErr == nil && len(f.handles) == 0 &&
				!f.stopRequested.Load() {
				f.modified = false
				queueUpload = true
			}
		}
	}
	apiPath = f.fsi.APIPath
	sourcePath = f.fsi.SourcePath
	f.stateMu.Unlock()

	if queueUpload {
		f.uploadMgr.QueueUpload(apiPath, sourcePath)
	}

	f.wakeReader()
	dl.Complete(err)

	return err
}

// downloadRange materializes chunks [begin, end] in order, stopping at
// the first failure.
func (f *OpenFile) downloadRange(begin uint64, end uint64, resetTimeout bool) error {
	for idx := begin; idx <= end; idx++ {
		if err := f.downloadChunk(idx, false, resetTimeout); err != nil {
			return err
		}
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Read-ahead
////////////////////////////////////////////////////////////////////////

// updateReader records the chunk the host is reading near and starts
// the background reader on first use.
//
// LOCKS_EXCLUDED(f.stateMu)
func (f *OpenFile) updateReader(chunk uint64) {
	f.stateMu.Lock()
	f.readerChunk = chunk
	f.readerHinted = true
	start := !f.readerStarted && !f.fsi.Directory && !f.prov.IsReadOnly()
	if start {
		f.readerStarted = true
	}
	f.stateMu.Unlock()

	if start {
		go f.readerLoop()
	}
	f.wakeReader()
}

func (f *OpenFile) wakeReader() {
	select {
	case f.readerWake <- struct{}{}:
	default:
	}
}

// readerLoop walks the file downloading chunks the foreground has not
// asked for yet, following the most recent reader hint. It never
// resets the idle timeout; only foreground I/O does.
func (f *OpenFile) readerLoop() {
	defer close(f.readerDone)

	var next uint64
	for {
		if f.stopRequested.Load() {
			return
		}

		idx, ok := f.nextReaderChunk(&next)
		if !ok {
			select {
			case <-f.readerStop:
				return
			case <-f.readerWake:
			}
			continue
		}

		f.downloadChunk(idx, true, false)
	}
}

// nextReaderChunk picks the next chunk for read-ahead, or reports that
// there is nothing to do right now.
func (f *OpenFile) nextReaderChunk(next *uint64) (uint64, bool) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	total := uint64(f.readState.Len())
	if total == 0 || f.apiErr != nil || f.resizing.Load() || f.readState.All() {
		return 0, false
	}

	if f.readerHinted {
		*next = f.readerChunk
		f.readerHinted = false
	}

	for i := uint64(0); i < total; i++ {
		*next = (*next + 1) % total
		if f.readState.Test(uint(*next)) {
			continue
		}
		if _, active := f.activeDownloads[*next]; active {
			continue
		}
		return *next, true
	}

	return 0, false
}

////////////////////////////////////////////////////////////////////////
// Read
////////////////////////////////////////////////////////////////////////

// Read returns up to size bytes at offset, downloading any chunks the
// range covers that are not yet materialized. Reads past EOF return
// empty data.
func (f *OpenFile) Read(size uint64, offset uint64) ([]byte, error) {
	if f.fsi.Directory {
		return nil, f.setAPIError(apierr.ErrInvalidOperation)
	}
	if f.stopRequested.Load() {
		return nil, apierr.ErrDownloadStopped
	}

	f.stateMu.Lock()
	if f.apiErr != nil {
		err := f.apiErr
		f.stateMu.Unlock()
		return nil, err
	}
	fileSize := f.fsi.Size
	f.stateMu.Unlock()

	if offset >= fileSize {
		return nil, nil
	}
	if remaining := fileSize - offset; size > remaining {
		size = remaining
	}
	if size == 0 {
		return nil, nil
	}

	f.opMu.Lock()
	defer f.opMu.Unlock()

	if err := f.checkStart(); err != nil {
		return nil, err
	}

	f.stateMu.Lock()
	complete := f.isCompleteLocked()
	if complete {
		f.lastIOTime = f.svc.Clock.Now()
	}
	f.stateMu.Unlock()

	if !complete {
		beginChunk := offset / f.chunkSize
		endChunk := (offset + size - 1) / f.chunkSize

		f.updateReader(beginChunk)

		if err := f.downloadRange(beginChunk, endChunk, true); err != nil {
			return nil, err
		}
	}

	return f.readFromSource(size, offset)
}

// readFromSource serves bytes from the cache body, or straight from
// the provider when it is read-only (that mode does not cache).
func (f *OpenFile) readFromSource(size uint64, offset uint64) ([]byte, error) {
	if f.prov.IsReadOnly() {
		data, err := f.prov.ReadFileBytes(f.ctx, f.APIPath(), size, offset)
		if err != nil {
			if f.stopRequested.Load() || errors.Is(err, context.Canceled) {
				return nil, apierr.ErrDownloadStopped
			}
			return nil, f.setAPIError(fmt.Errorf("reading %s: %v: %w",
				f.APIPath(), err, apierr.ErrDownloadFailed))
		}
		return data, nil
	}

	buf := make([]byte, size)
	n, err := f.nf.Read(buf, offset)
	if err != nil {
		return nil, f.setAPIError(err)
	}

	return buf[:n], nil
}

////////////////////////////////////////////////////////////////////////
// Write
////////////////////////////////////////////////////////////////////////

// Write stores data at offset, extending the file as needed. Chunks
// the range partially overwrites are downloaded first so the merged
// result stays correct.
func (f *OpenFile) Write(data []byte, offset uint64) (uint64, error) {
	if f.fsi.Directory || f.prov.IsReadOnly() {
		return 0, f.setAPIError(apierr.ErrInvalidOperation)
	}
	if len(data) == 0 {
		return 0, nil
	}
	if f.stopRequested.Load() {
		return 0, apierr.ErrDownloadStopped
	}

	f.opMu.Lock()
	defer f.opMu.Unlock()

	if err := f.checkStart(); err != nil {
		return 0, err
	}

	writeSize := uint64(len(data))
	beginChunk := offset / f.chunkSize
	endChunk := (offset + writeSize - 1) / f.chunkSize

	f.stateMu.Lock()
	fileSize := f.fsi.Size
	totalChunks := uint64(f.readState.Len())
	f.stateMu.Unlock()

	if totalChunks > 0 && beginChunk < totalChunks {
		f.updateReader(beginChunk)

		last := endChunk
		if last > totalChunks-1 {
			last = totalChunks - 1
		}
		if err := f.downloadRange(beginChunk, last, true); err != nil {
			return 0, err
		}
	}

	if offset+writeSize > fileSize {
		if err := f.resizeLocked(offset + writeSize); err != nil {
			return 0, err
		}
	}

	f.stateMu.Lock()
	if f.apiErr != nil {
		err := f.apiErr
		f.stateMu.Unlock()
		return 0, err
	}
	_, err := f.nf.Write(data, offset)
	if err != nil {
		if f.apiErr == nil {
			f.apiErr = err
		}
		f.stateMu.Unlock()
		return 0, err
	}
	f.lastIOTime = f.svc.Clock.Now()
	apiPath := f.fsi.APIPath
	f.stateMu.Unlock()

	now := utils.UnixNanos(f.svc.Clock.Now())
	if err := f.prov.SetItemMeta(apiPath, map[string]string{
		provider.MetaChanged:  utils.FormatNanos(now),
		provider.MetaModified: utils.FormatNanos(now),
		provider.MetaWritten:  utils.FormatNanos(now),
	}); err != nil {
		logger.Errorf("failed to stamp write meta for %s: %v", apiPath, err)
	}

	f.markModified()

	return writeSize, nil
}

// markModified flips the dirty flag, storing a resume record and
// invalidating any queued upload of the prior version on the first
// transition.
func (f *OpenFile) markModified() {
	f.stateMu.Lock()
	firstModified := !f.modified
	f.modified = true
	firstRemoved := !f.removed
	f.removed = true
	apiPath := f.fsi.APIPath
	sourcePath := f.fsi.SourcePath
	var readState *bitset.BitSet
	if firstModified {
		readState = f.readState.Clone()
	}
	f.stateMu.Unlock()

	if firstModified {
		f.uploadMgr.StoreResume(apiPath, sourcePath, f.chunkSize, readState)
	}
	if firstRemoved {
		f.uploadMgr.RemoveUpload(apiPath)
	}
}

////////////////////////////////////////////////////////////////////////
// Resize
////////////////////////////////////////////////////////////////////////

// Resize truncates or extends the file to newSize.
func (f *OpenFile) Resize(newSize uint64) error {
	if f.fsi.Directory || f.prov.IsReadOnly() {
		return f.setAPIError(apierr.ErrInvalidOperation)
	}
	if f.stopRequested.Load() {
		return apierr.ErrDownloadStopped
	}

	f.opMu.Lock()
	defer f.opMu.Unlock()

	if err := f.checkStart(); err != nil {
		return err
	}

	return f.resizeLocked(newSize)
}

// NativeOperation runs a host operation that sets the file to newSize
// (a truncate or an allocation) with the chunk state kept consistent.
func (f *OpenFile) NativeOperation(newSize uint64, op NativeOp) error {
	if f.fsi.Directory || f.prov.IsReadOnly() {
		return f.setAPIError(apierr.ErrInvalidOperation)
	}
	if f.stopRequested.Load() {
		return apierr.ErrDownloadStopped
	}

	f.opMu.Lock()
	defer f.opMu.Unlock()

	if err := f.checkStart(); err != nil {
		return err
	}

	return f.nativeOperationLocked(newSize, op)
}

// LOCKS_REQUIRED(f.opMu)
func (f *OpenFile) resizeLocked(newSize uint64) error {
	return f.nativeOperationLocked(newSize, func(io *chunkio.IO) error {
		return io.Truncate(newSize)
	})
}

// LOCKS_REQUIRED(f.opMu)
func (f *OpenFile) nativeOperationLocked(newSize uint64, op NativeOp) error {
	f.stateMu.Lock()
	if f.apiErr != nil {
		err := f.apiErr
		f.stateMu.Unlock()
		return err
	}
	curSize := f.fsi.Size
	totalChunks := uint64(f.readState.Len())
	f.stateMu.Unlock()

	if newSize > curSize {
		if err := f.svc.CacheMgr.Expand(newSize - curSize); err != nil {
			return f.setAPIError(err)
		}
	} else if curSize > newSize {
		f.svc.CacheMgr.Shrink(curSize - newSize)
	}

	newChunks := uint64(0)
	if newSize > 0 {
		newChunks = utils.DivideCeiling(newSize, f.chunkSize)
	}

	// Shrinking into an unmaterialized tail chunk would lose its
	// pre-existing remote bytes; fetch it before the truncate.
	if newSize > 0 && newChunks <= totalChunks {
		f.resizing.Store(true)
		err := f.downloadChunk(newChunks-1, false, true)
		f.resizing.Store(false)
		if err != nil {
			return err
		}
	}

	f.stateMu.Lock()
	if err := op(f.nf); err != nil {
		if f.apiErr == nil {
			f.apiErr = err
		}
		f.stateMu.Unlock()
		return err
	}

	actual, err := f.nf.Size()
	if err == nil && actual != newSize {
		err = fmt.Errorf("%s: size is %d, wanted %d: %w",
			f.fsi.APIPath, actual, newSize, apierr.ErrFileSizeMismatch)
	}
	if err != nil {
		if f.apiErr == nil {
			f.apiErr = err
		}
		f.stateMu.Unlock()
		return err
	}

	resized := bitset.New(uint(newChunks))
	limit := newChunks
	if totalChunks < limit {
		limit = totalChunks
	}
	for i := uint64(0); i < limit; i++ {
		if f.readState.Test(uint(i)) {
			resized.Set(uint(i))
		}
	}
	// Newly-added chunks are zero-filled regions of the cache file and
	// authoritative for the extension.
	for i := totalChunks; i < newChunks; i++ {
		resized.Set(uint(i))
	}
	f.readState = resized

	f.lastChunkSize = 0
	if newSize > 0 {
		f.lastChunkSize = newSize - (newChunks-1)*f.chunkSize
	}

	sizeChanged := newSize != curSize
	f.fsi.Size = newSize
	f.allocated = true
	f.lastIOTime = f.svc.Clock.Now()
	apiPath := f.fsi.APIPath
	f.stateMu.Unlock()

	f.wakeReader()

	if sizeChanged {
		f.markModified()

		now := utils.UnixNanos(f.svc.Clock.Now())
		if err := f.prov.SetItemMeta(apiPath, map[string]string{
			provider.MetaChanged:  utils.FormatNanos(now),
			provider.MetaModified: utils.FormatNanos(now),
			provider.MetaWritten:  utils.FormatNanos(now),
			provider.MetaSize:     strconv.FormatUint(newSize, 10),
		}); err != nil {
			logger.Errorf("failed to stamp resize meta for %s: %v", apiPath, err)
		}
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Close
////////////////////////////////////////////////////////////////////////

// CanClose reports whether the idle sweeper may close this file.
func (f *OpenFile) CanClose() bool {
	if f.fsi.Directory {
		return true
	}

	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	if len(f.handles) > 0 || len(f.activeDownloads) > 0 || f.modified {
		return false
	}
	if f.apiErr != nil {
		return true
	}
	if f.fsi.Size == 0 {
		return true
	}
	if f.chunkTimeout == 0 {
		return false
	}

	return f.svc.Clock.Now().Sub(f.lastIOTime) >= f.chunkTimeout
}

// Close stops the reader, classifies the terminal state, hands the
// result to the upload manager, and releases the cache file. Returns
// false if the file is a directory or already closed.
func (f *OpenFile) Close() bool {
	if f.fsi.Directory {
		return false
	}
	if !f.stopRequested.CompareAndSwap(false, true) {
		return false
	}

	f.cancel()
	close(f.readerStop)

	f.stateMu.Lock()
	readerStarted := f.readerStarted
	active := make([]*download.Download, 0, len(f.activeDownloads))
	for _, dl := range f.activeDownloads {
		active = append(active, dl)
	}
	f.stateMu.Unlock()

	if readerStarted {
		<-f.readerDone
	}
	for _, dl := range active {
		dl.Wait()
	}

	f.opMu.Lock()
	defer f.opMu.Unlock()

	f.stateMu.Lock()
	if f.apiErr == nil {
		if f.modified && !f.isCompleteLocked() {
			f.apiErr = apierr.ErrDownloadIncomplete
		} else if !f.modified && f.fsi.Size > 0 && !f.readState.All() {
			f.apiErr = apierr.ErrDownloadStopped
		}
	}
	terminal := f.apiErr
	modified := f.modified
	apiPath := f.fsi.APIPath
	sourcePath := f.fsi.SourcePath
	readState := f.readState.Clone()
	f.handles = make(map[uint64]any)
	f.stateMu.Unlock()

	if f.nf != nil {
		f.nf.Close()
	}

	switch {
	case modified && terminal == nil:
		f.uploadMgr.QueueUpload(apiPath, sourcePath)
	case modified && errors.Is(terminal, apierr.ErrDownloadIncomplete):
		f.uploadMgr.StoreResume(apiPath, sourcePath, f.chunkSize, readState)
	default:
		f.uploadMgr.RemoveResume(apiPath, sourcePath)
	}

	if terminal != nil && !errors.Is(terminal, apierr.ErrDownloadIncomplete) {
		f.recoverSourceFile(apiPath, sourcePath)
	}

	return true
}

// recoverSourceFile discards a cache body left inconsistent by a
// failed close and points the item at a fresh path so the next open
// starts clean.
func (f *OpenFile) recoverSourceFile(apiPath string, sourcePath string) {
	var diskSize uint64
	if info, err := os.Stat(sourcePath); err == nil {
		diskSize = uint64(info.Size())
	}

	if err := os.Remove(sourcePath); err != nil && !os.IsNotExist(err) {
		logger.Errorf("failed to delete source file %s for %s: %v", sourcePath, apiPath, err)
	}
	f.svc.CacheMgr.Shrink(diskSize)

	newSource := filepath.Join(filepath.Dir(sourcePath), uuid.NewString())

	f.stateMu.Lock()
	f.fsi.SourcePath = newSource
	f.stateMu.Unlock()

	if err := f.prov.SetItemMeta(apiPath, map[string]string{
		provider.MetaSource: newSource,
	}); err != nil {
		logger.Errorf("failed to set source meta for %s: %v", apiPath, err)
	}
}
