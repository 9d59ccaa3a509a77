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
	"github.com/blockstorage/repertory/internal/events"
	"github.com/blockstorage/repertory/internal/logger"
	"github.com/blockstorage/repertory/internal/metastore"
	"github.com/blockstorage/repertory/internal/polling"
	"github.com/blockstorage/repertory/internal/provider"
	"github.com/blockstorage/repertory/internal/utils"
)

const (
	timedOutCloseCallback = "timed_out_close"
	checkDeletedCallback  = "check_deleted"

	uploadRetryDelay = 5 * time.Second
)

// FileManager owns every open file and upload for a mounted provider.
// The host adapter drives it by handle and api path.
//
// Lock order: registryMu before any per-file lock; queueMu is
// independent of registryMu and taken after it when both are needed.
// Neither lock is held across a provider transfer or a read or write of
// a cache body. registryMu does stay held while Open constructs a new
// open file, which opens the cache file and, for ring-buffer opens,
// preallocates it.
type FileManager struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	cfg Config
	svc Services

	ctx    context.Context
	cancel context.CancelFunc

	/////////////////////////
	// Mutable state
	/////////////////////////

	registryMu sync.Mutex
	files      map[string]File // GUARDED_BY(registryMu); api path → file
	handleFile map[uint64]File // GUARDED_BY(registryMu)

	queueMu   sync.Mutex
	queueCond *sync.Cond
	uploads   map[string]*Upload // GUARDED_BY(queueMu); active, by api path
	stopped   bool               // GUARDED_BY(queueMu)

	nextHandle atomic.Uint64
	started    atomic.Bool
	wg         sync.WaitGroup
}

// NewFileManager wires a manager to its collaborators; call Start to
// restore persisted state and begin background work.
func NewFileManager(cfg Config, svc Services) *FileManager {
	ctx, cancel := context.WithCancel(context.Background())
	fm := &FileManager{
		cfg:        cfg,
		svc:        svc,
		ctx:        ctx,
		cancel:     cancel,
		files:      make(map[string]File),
		handleFile: make(map[uint64]File),
		uploads:    make(map[string]*Upload),
	}
	fm.queueCond = sync.NewCond(&fm.queueMu)

	return fm
}

////////////////////////////////////////////////////////////////////////
// Lifecycle
////////////////////////////////////////////////////////////////////////

// Start moves interrupted uploads back to pending, restores resume
// journal entries, and launches the upload worker and maintenance
// callbacks.
func (fm *FileManager) Start() error {
	if !fm.started.CompareAndSwap(false, true) {
		return nil
	}

	if !fm.svc.Provider.IsReadOnly() {
		if err := fm.svc.Store.ResetActiveUploads(); err != nil {
			return fmt.Errorf("resetting active uploads: %w", err)
		}
		fm.restoreResumeEntries()
	}

	fm.wg.Add(1)
	go fm.uploadWorker()

	fm.svc.Poller.SetCallback(polling.Callback{
		Name: timedOutCloseCallback,
		Freq: polling.FreqSecond,
		Fn:   fm.closeTimedOutFiles,
	})
	fm.svc.Poller.SetCallback(polling.Callback{
		Name: checkDeletedCallback,
		Freq: polling.FreqLow,
		Fn:   fm.checkDeletedFiles,
	})

	fm.svc.Bus.Emit(events.ServiceStarted{Service: "file_manager"})

	return nil
}

// Stop cancels uploads and downloads, closes every open file, and
// waits for background work to settle.
func (fm *FileManager) Stop() {
	if !fm.started.CompareAndSwap(true, false) {
		return
	}

	fm.svc.Bus.Emit(events.ServiceShutdownBegin{Service: "file_manager"})

	fm.svc.Poller.RemoveCallback(timedOutCloseCallback)
	fm.svc.Poller.RemoveCallback(checkDeletedCallback)

	fm.queueMu.Lock()
	fm.stopped = true
	active := make([]*Upload, 0, len(fm.uploads))
	for _, u := range fm.uploads {
		active = append(active, u)
	}
	fm.queueMu.Unlock()
	fm.queueCond.Broadcast()

	fm.cancel()
	for _, u := range active {
		u.Wait()
	}
	fm.wg.Wait()

	fm.registryMu.Lock()
	open := make([]File, 0, len(fm.files))
	for _, f := range fm.files {
		open = append(open, f)
	}
	fm.files = make(map[string]File)
	fm.handleFile = make(map[uint64]File)
	fm.registryMu.Unlock()

	for _, f := range open {
		f.Close()
	}

	fm.svc.Bus.Emit(events.ServiceShutdownEnd{Service: "file_manager"})
}

// restoreResumeEntries reconstructs idle open files for every resume
// record whose source file still matches, so the next open finds the
// partial cache.
func (fm *FileManager) restoreResumeEntries() {
	entries, err := fm.svc.Store.ListResume()
	if err != nil {
		logger.Errorf("failed to list resume entries: %v", err)
		return
	}

	for _, entry := range entries {
		fsi, err := fm.svc.Provider.GetFilesystemItem(entry.APIPath, false)
		if err != nil {
			fm.svc.Bus.Emit(events.DownloadRestoreFailed{
				APIPath:    entry.APIPath,
				SourcePath: entry.SourcePath,
				Error:      err,
			})
			continue
		}

		info, err := os.Stat(entry.SourcePath)
		if err != nil || uint64(info.Size()) != fsi.Size {
			fm.svc.Bus.Emit(events.DownloadRestoreFailed{
				APIPath:    entry.APIPath,
				SourcePath: entry.SourcePath,
				Error:      fmt.Errorf("source file mismatch: %w", apierr.ErrFileSizeMismatch),
			})
			continue
		}

		readState := &bitset.BitSet{}
		if err := readState.UnmarshalBinary(entry.ReadState); err != nil {
			fm.svc.Bus.Emit(events.DownloadRestoreFailed{
				APIPath:    entry.APIPath,
				SourcePath: entry.SourcePath,
				Error:      err,
			})
			continue
		}

		fsi.SourcePath = entry.SourcePath
		f := NewOpenFile(fm.ctx, entry.ChunkSize, fm.cfg.ChunkTimeout, fsi,
			fm.svc.Provider, fm, fm.svc, readState)
		if err := f.apiError(); err != nil {
			fm.svc.Bus.Emit(events.DownloadRestoreFailed{
				APIPath:    entry.APIPath,
				SourcePath: entry.SourcePath,
				Error:      err,
			})
			continue
		}

		fm.registryMu.Lock()
		fm.files[entry.APIPath] = f
		fm.registryMu.Unlock()

		fm.svc.Bus.Emit(events.DownloadRestored{
			APIPath:    entry.APIPath,
			SourcePath: entry.SourcePath,
		})
	}
}

////////////////////////////////////////////////////////////////////////
// Open/close lifecycle
////////////////////////////////////////////////////////////////////////

// Open attaches a handle to the named item, constructing its open file
// on first use.
func (fm *FileManager) Open(apiPath string, directory bool, openData any) (uint64, File, error) {
	apiPath = utils.CreateAPIPath(apiPath)

	fm.registryMu.Lock()
	if f, ok := fm.files[apiPath]; ok {
		handle := fm.nextHandle.Add(1)
		f.AddHandle(handle, openData)
		fm.handleFile[handle] = f
		fm.registryMu.Unlock()
		return handle, f, nil
	}
	fm.registryMu.Unlock()

	fsi, err := fm.svc.Provider.GetFilesystemItem(apiPath, directory)
	if err != nil {
		return 0, nil, err
	}

	if !directory && fsi.SourcePath == "" {
		fsi.SourcePath = filepath.Join(fm.cfg.CacheDir, uuid.NewString())
		if err := fm.svc.Provider.SetItemMeta(apiPath, map[string]string{
			provider.MetaSource: fsi.SourcePath,
		}); err != nil {
			return 0, nil, err
		}
	}

	// Re-check under the registry lock; construction happens inside it
	// so two racing opens cannot build rival engines over one cache
	// body.
	fm.registryMu.Lock()
	defer fm.registryMu.Unlock()

	f, ok := fm.files[apiPath]
	if !ok {
		var err error
		f, err = fm.newFile(fsi, directory)
		if err != nil {
			return 0, nil, err
		}
		fm.files[apiPath] = f
	}

	handle := fm.nextHandle.Add(1)
	f.AddHandle(handle, openData)
	fm.handleFile[handle] = f

	return handle, f, nil
}

// newFile chooses between the fully cached engine and the bounded
// ring-buffer window for oversized read-only opens.
func (fm *FileManager) newFile(fsi provider.FilesystemItem, directory bool) (File, error) {
	useRing := !directory &&
		fm.svc.Provider.IsReadOnly() &&
		fm.cfg.RingBufferThreshold > 0 &&
		fsi.Size > fm.cfg.RingBufferThreshold &&
		fsi.Size >= fm.cfg.RingSize*fm.cfg.ChunkSize

	if useRing {
		bufferDir := filepath.Join(fm.cfg.DataDir, "ring_buffer")
		return NewRingBufferOpenFile(fm.ctx, bufferDir, fm.cfg.ChunkSize,
			fm.cfg.ChunkTimeout, fsi, fm.svc.Provider, fm.svc, fm.cfg.RingSize)
	}

	f := NewOpenFile(fm.ctx, fm.cfg.ChunkSize, fm.cfg.ChunkTimeout, fsi,
		fm.svc.Provider, fm, fm.svc, nil)
	if err := f.apiError(); err != nil {
		f.Close()
		return nil, err
	}

	return f, nil
}

// Create creates the file at the provider (tolerating a pre-existing
// item) and opens it.
func (fm *FileManager) Create(apiPath string, meta map[string]string, openData any) (uint64, File, error) {
	apiPath = utils.CreateAPIPath(apiPath)

	err := fm.svc.Provider.CreateFile(apiPath, meta)
	if err != nil && !errors.Is(err, apierr.ErrItemExists) {
		return 0, nil, err
	}
	if err == nil {
		fm.svc.Bus.Emit(events.FilesystemItemAdded{
			APIPath:   apiPath,
			APIParent: utils.ParentAPIPath(apiPath),
			Directory: false,
		})
	}

	return fm.Open(apiPath, false, openData)
}

// Close detaches the handle; the entry leaves the registry once the
// file reports it can close.
func (fm *FileManager) Close(handle uint64) error {
	fm.registryMu.Lock()
	f, ok := fm.handleFile[handle]
	if !ok {
		fm.registryMu.Unlock()
		return apierr.ErrInvalidHandle
	}
	delete(fm.handleFile, handle)
	fm.registryMu.Unlock()

	// Detach outside the registry lock; a dirty, fully-downloaded file
	// queues its upload here, which may wait on an in-flight transfer.
	f.RemoveHandle(handle)

	if !f.CanClose() {
		return nil
	}

	fm.registryMu.Lock()
	delete(fm.files, f.APIPath())
	fm.registryMu.Unlock()

	f.Close()

	return nil
}

// GetOpenFile resolves a handle, rejecting writer access on read-only
// mounts.
func (fm *FileManager) GetOpenFile(handle uint64, wantWrite bool) (File, error) {
	fm.registryMu.Lock()
	f, ok := fm.handleFile[handle]
	fm.registryMu.Unlock()

	if !ok {
		return nil, apierr.ErrInvalidHandle
	}
	if wantWrite && (fm.svc.Provider.IsReadOnly() || f.Directory()) {
		return nil, apierr.ErrInvalidOperation
	}

	return f, nil
}

// closeAll forcibly drops every handle on the path and removes the
// entry.
func (fm *FileManager) closeAll(apiPath string) {
	fm.registryMu.Lock()
	f, ok := fm.files[apiPath]
	var handles []uint64
	if ok {
		handles = f.Handles()
		for _, handle := range handles {
			delete(fm.handleFile, handle)
		}
		delete(fm.files, apiPath)
	}
	fm.registryMu.Unlock()

	if ok {
		for _, handle := range handles {
			f.RemoveHandle(handle)
		}
		f.Close()
	}
}

// GetOpenFileCount returns the number of open handles for the path.
func (fm *FileManager) GetOpenFileCount(apiPath string) int {
	fm.registryMu.Lock()
	defer fm.registryMu.Unlock()

	if f, ok := fm.files[apiPath]; ok {
		return f.HandleCount()
	}

	return 0
}

////////////////////////////////////////////////////////////////////////
// Remove/rename
////////////////////////////////////////////////////////////////////////

// RemoveFile deletes the item at the provider and cleans up its local
// state. Fails with file_in_use while dirty handles exist.
func (fm *FileManager) RemoveFile(apiPath string) error {
	apiPath = utils.CreateAPIPath(apiPath)

	fm.registryMu.Lock()
	if f, ok := fm.files[apiPath]; ok && f.Modified() {
		fm.registryMu.Unlock()
		return fmt.Errorf("%s: %w", apiPath, apierr.ErrFileInUse)
	}
	fm.registryMu.Unlock()

	fsi, err := fm.svc.Provider.GetFilesystemItem(apiPath, false)
	if err != nil {
		return err
	}

	if err := fm.svc.Provider.RemoveFile(apiPath); err != nil {
		fm.svc.Bus.Emit(events.FileRemoveFailed{APIPath: apiPath, Error: err})
		return err
	}

	fm.RemoveUpload(apiPath)
	fm.closeAll(apiPath)

	if fsi.SourcePath != "" {
		if info, serr := os.Stat(fsi.SourcePath); serr == nil {
			if err := os.Remove(fsi.SourcePath); err != nil {
				logger.Warnf("failed to delete source file %s: %v", fsi.SourcePath, err)
			} else {
				fm.svc.CacheMgr.Shrink(uint64(info.Size()))
			}
		}
	}

	fm.svc.Bus.Emit(events.FileRemoved{APIPath: apiPath, SourcePath: fsi.SourcePath})

	return nil
}

// RenameFile renames a file, optionally replacing an existing
// destination that is not in use.
func (fm *FileManager) RenameFile(fromPath string, toPath string, overwrite bool) error {
	if !fm.svc.Provider.IsRenameSupported() {
		return apierr.ErrNotImplemented
	}

	fromPath = utils.CreateAPIPath(fromPath)
	toPath = utils.CreateAPIPath(toPath)
	if fromPath == toPath {
		return fmt.Errorf("%s: %w", toPath, apierr.ErrItemExists)
	}

	fm.registryMu.Lock()
	if f, ok := fm.files[fromPath]; ok && f.Modified() {
		fm.registryMu.Unlock()
		return fmt.Errorf("%s: %w", fromPath, apierr.ErrFileInUse)
	}
	fm.registryMu.Unlock()

	if isDir, err := fm.svc.Provider.IsDirectory(fromPath); err != nil {
		return err
	} else if isDir {
		return fmt.Errorf("%s: %w", fromPath, apierr.ErrDirectoryExists)
	}
	if isFile, err := fm.svc.Provider.IsFile(fromPath); err != nil {
		return err
	} else if !isFile {
		return fmt.Errorf("%s: %w", fromPath, apierr.ErrItemNotFound)
	}

	if isDir, err := fm.svc.Provider.IsDirectory(toPath); err != nil {
		return err
	} else if isDir {
		return fmt.Errorf("%s: %w", toPath, apierr.ErrDirectoryExists)
	}

	destExists, err := fm.svc.Provider.IsFile(toPath)
	if err != nil {
		return err
	}
	if destExists {
		if !overwrite {
			return fmt.Errorf("%s: %w", toPath, apierr.ErrItemExists)
		}
		if fm.IsProcessing(toPath) || fm.GetOpenFileCount(toPath) > 0 {
			return fmt.Errorf("%s: %w", toPath, apierr.ErrFileInUse)
		}
		if err := fm.RemoveFile(toPath); err != nil {
			return err
		}
	}

	if isDir, err := fm.svc.Provider.IsDirectory(utils.ParentAPIPath(toPath)); err != nil {
		return err
	} else if !isDir {
		return fmt.Errorf("%s: %w", toPath, apierr.ErrDirectoryNotFound)
	}

	if err := fm.svc.Provider.RenameFile(fromPath, toPath); err != nil {
		return err
	}

	// Retarget the registry entry so open handles follow the new name.
	fm.registryMu.Lock()
	if f, ok := fm.files[fromPath]; ok {
		delete(fm.files, fromPath)
		f.SetAPIPath(toPath)
		fm.files[toPath] = f
	}
	fm.registryMu.Unlock()

	return nil
}

// RenameDirectory renames a directory tree by cloning the destination,
// renaming every child (directories first), then removing the source.
func (fm *FileManager) RenameDirectory(fromPath string, toPath string) error {
	if !fm.svc.Provider.IsRenameSupported() {
		return apierr.ErrNotImplemented
	}

	fromPath = utils.CreateAPIPath(fromPath)
	toPath = utils.CreateAPIPath(toPath)

	if isDir, err := fm.svc.Provider.IsDirectory(fromPath); err != nil {
		return err
	} else if !isDir {
		return fmt.Errorf("%s: %w", fromPath, apierr.ErrDirectoryNotFound)
	}
	if isDir, err := fm.svc.Provider.IsDirectory(toPath); err != nil {
		return err
	} else if isDir {
		return fmt.Errorf("%s: %w", toPath, apierr.ErrDirectoryExists)
	}
	if isFile, err := fm.svc.Provider.IsFile(toPath); err != nil {
		return err
	} else if isFile {
		return fmt.Errorf("%s: %w", toPath, apierr.ErrItemExists)
	}

	if err := fm.svc.Provider.CreateDirectoryCloneSourceMeta(fromPath, toPath); err != nil {
		return err
	}

	items, err := fm.svc.Provider.GetDirectoryItems(fromPath)
	if err != nil {
		return err
	}

	// Directories first, per the enumeration contract.
	for _, item := range items {
		if item.APIPath == "." || item.APIPath == ".." {
			continue
		}

		childTo := utils.CreateAPIPath(toPath + "/" + utils.LeafName(item.APIPath))
		if item.Directory {
			err = fm.RenameDirectory(item.APIPath, childTo)
		} else {
			err = fm.RenameFile(item.APIPath, childTo, false)
		}
		if err != nil {
			return err
		}
	}

	if err := fm.svc.Provider.RemoveDirectory(fromPath); err != nil {
		fm.svc.Bus.Emit(events.DirectoryRemoveFailed{APIPath: fromPath, Error: err})
		return err
	}
	fm.svc.Bus.Emit(events.DirectoryRemoved{APIPath: fromPath})

	// Retarget any open directory entry.
	fm.registryMu.Lock()
	if f, ok := fm.files[fromPath]; ok {
		delete(fm.files, fromPath)
		f.SetAPIPath(toPath)
		fm.files[toPath] = f
	}
	fm.registryMu.Unlock()

	return nil
}

////////////////////////////////////////////////////////////////////////
// Upload queue
////////////////////////////////////////////////////////////////////////

// QueueUpload replaces any pending upload for the path with a fresh
// entry and clears its resume record.
func (fm *FileManager) QueueUpload(apiPath string, sourcePath string) {
	fm.cancelActiveUpload(apiPath)

	entry := metastore.UploadEntry{
		APIPath:    apiPath,
		SourcePath: sourcePath,
		EnqueuedNs: utils.UnixNanos(fm.svc.Clock.Now()),
	}
	if err := fm.svc.Store.QueueUpload(entry); err != nil {
		logger.Errorf("failed to queue upload for %s: %v", apiPath, err)
		return
	}
	if err := fm.svc.Store.RemoveResume(apiPath); err != nil {
		logger.Errorf("failed to remove resume entry for %s: %v", apiPath, err)
	}

	fm.svc.Bus.Emit(events.FileUploadQueued{APIPath: apiPath, SourcePath: sourcePath})
	fm.queueCond.Broadcast()
}

// RemoveUpload drops pending and in-flight uploads for the path.
func (fm *FileManager) RemoveUpload(apiPath string) {
	fm.cancelActiveUpload(apiPath)

	if err := fm.svc.Store.RemoveUpload(apiPath); err != nil {
		logger.Errorf("failed to remove upload for %s: %v", apiPath, err)
		return
	}

	fm.svc.Bus.Emit(events.FileUploadRemoved{APIPath: apiPath})
	fm.queueCond.Broadcast()
}

func (fm *FileManager) cancelActiveUpload(apiPath string) {
	fm.queueMu.Lock()
	u := fm.uploads[apiPath]
	fm.queueMu.Unlock()

	if u != nil {
		u.Cancel()
		u.Wait()
	}
}

// StoreResume persists the partial-download record for a dirty file.
func (fm *FileManager) StoreResume(apiPath string, sourcePath string,
	chunkSize uint64, readState *bitset.BitSet) {
	raw, err := readState.MarshalBinary()
	if err == nil {
		err = fm.svc.Store.StoreResume(metastore.ResumeEntry{
			APIPath:    apiPath,
			ChunkSize:  chunkSize,
			SourcePath: sourcePath,
			ReadState:  raw,
		})
	}

	if err != nil {
		logger.Errorf("failed to store resume entry for %s: %v", apiPath, err)
		fm.svc.Bus.Emit(events.DownloadStoredFailed{
			APIPath:    apiPath,
			SourcePath: sourcePath,
			Error:      err,
		})
		return
	}

	fm.svc.Bus.Emit(events.DownloadStored{APIPath: apiPath, SourcePath: sourcePath})
}

// RemoveResume drops the partial-download record for the path.
func (fm *FileManager) RemoveResume(apiPath string, sourcePath string) {
	if err := fm.svc.Store.RemoveResume(apiPath); err != nil {
		logger.Errorf("failed to remove resume entry for %s: %v", apiPath, err)
		return
	}

	fm.svc.Bus.Emit(events.DownloadStoredRemoved{
		APIPath:    apiPath,
		SourcePath: sourcePath,
	})
}

// uploadWorker pops the earliest pending entry whenever an upload slot
// is free and launches its transfer.
func (fm *FileManager) uploadWorker() {
	defer fm.wg.Done()

	for {
		fm.queueMu.Lock()
		var entry *metastore.UploadEntry
		for !fm.stopped {
			if len(fm.uploads) < fm.cfg.MaxUploadCount {
				next, err := fm.svc.Store.NextUpload()
				if err != nil {
					logger.Errorf("failed to read upload queue: %v", err)
				} else if next != nil {
					if _, active := fm.uploads[next.APIPath]; !active {
						entry = next
						break
					}
				}
			}
			fm.queueCond.Wait()
		}
		if fm.stopped {
			fm.queueMu.Unlock()
			return
		}

		if err := fm.svc.Store.SetUploadActive(*entry); err != nil {
			logger.Errorf("failed to activate upload for %s: %v", entry.APIPath, err)
			fm.queueMu.Unlock()
			continue
		}

		u := NewUpload(fm.ctx, entry.APIPath, entry.SourcePath, fm.svc.Provider, fm.svc)
		fm.uploads[entry.APIPath] = u
		fm.queueMu.Unlock()

		fm.wg.Add(1)
		go fm.finishUpload(u, *entry)
	}
}

// finishUpload settles one completed transfer: success clears the
// active record, cancellation either drops or re-queues, and transport
// failure re-queues after a fixed delay unless the item is gone.
func (fm *FileManager) finishUpload(u *Upload, entry metastore.UploadEntry) {
	defer fm.wg.Done()

	err := u.Wait()

	fm.queueMu.Lock()
	delete(fm.uploads, entry.APIPath)
	fm.queueMu.Unlock()

	switch {
	case err == nil:
		if serr := fm.svc.Store.RemoveActiveUpload(entry.APIPath); serr != nil {
			logger.Errorf("failed to clear active upload for %s: %v", entry.APIPath, serr)
		}

	case errors.Is(err, apierr.ErrUploadStopped):
		if u.Cancelled() {
			// Removed or superseded; the store was already updated.
			break
		}
		fm.sleepForRetry()
		if serr := fm.svc.Store.RequeueUpload(entry); serr != nil {
			logger.Errorf("failed to re-queue upload for %s: %v", entry.APIPath, serr)
		}

	default:
		isFile, ferr := fm.svc.Provider.IsFile(entry.APIPath)
		_, serr := os.Stat(entry.SourcePath)
		if (ferr == nil && !isFile) || os.IsNotExist(serr) {
			fm.svc.Bus.Emit(events.FileUploadNotFound{
				APIPath:    entry.APIPath,
				SourcePath: entry.SourcePath,
			})
			if rerr := fm.svc.Store.RemoveUpload(entry.APIPath); rerr != nil {
				logger.Errorf("failed to drop upload for %s: %v", entry.APIPath, rerr)
			}
			break
		}

		fm.svc.Bus.Emit(events.FileUploadRetry{
			APIPath:    entry.APIPath,
			SourcePath: entry.SourcePath,
			Error:      err,
		})
		fm.sleepForRetry()
		if rerr := fm.svc.Store.RequeueUpload(entry); rerr != nil {
			logger.Errorf("failed to re-queue upload for %s: %v", entry.APIPath, rerr)
		}
	}

	fm.queueCond.Broadcast()
}

func (fm *FileManager) sleepForRetry() {
	select {
	case <-fm.ctx.Done():
	case <-fm.svc.Clock.After(uploadRetryDelay):
	}
}

////////////////////////////////////////////////////////////////////////
// State queries
////////////////////////////////////////////////////////////////////////

// IsProcessing reports whether the path has in-flight or queued
// uploads, dirty writes, or pending downloads.
func (fm *FileManager) IsProcessing(apiPath string) bool {
	fm.queueMu.Lock()
	_, active := fm.uploads[apiPath]
	fm.queueMu.Unlock()
	if active {
		return true
	}

	pending, err := fm.svc.Store.ListUploads()
	if err == nil {
		for _, entry := range pending {
			if entry.APIPath == apiPath {
				return true
			}
		}
	}

	fm.registryMu.Lock()
	f, ok := fm.files[apiPath]
	fm.registryMu.Unlock()

	return ok && f.IsProcessing()
}

// UpdateUsedSpace folds the sizes of open dirty files into a used-space
// figure so that free-space reporting reflects bytes not yet uploaded.
func (fm *FileManager) UpdateUsedSpace(usedSpace *uint64) {
	fm.registryMu.Lock()
	defer fm.registryMu.Unlock()

	for _, f := range fm.files {
		if f.Modified() {
			*usedSpace += f.FileSize()
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Eviction hook
////////////////////////////////////////////////////////////////////////

// EvictFile removes the local cache body of an idle, unpinned,
// fully-uploaded file. Reports whether the body was released.
func (fm *FileManager) EvictFile(apiPath string) bool {
	apiPath = utils.CreateAPIPath(apiPath)

	fm.registryMu.Lock()
	_, open := fm.files[apiPath]
	fm.registryMu.Unlock()
	if open || fm.IsProcessing(apiPath) {
		return false
	}

	meta, err := fm.svc.Provider.GetItemMeta(apiPath)
	if err != nil {
		return false
	}
	if meta[provider.MetaPinned] == "true" || meta[provider.MetaDirectory] == "true" {
		return false
	}

	sourcePath := meta[provider.MetaSource]
	if sourcePath == "" {
		return false
	}

	info, err := os.Stat(sourcePath)
	if err != nil {
		return false
	}
	if err := os.Remove(sourcePath); err != nil {
		logger.Warnf("failed to evict source file %s: %v", sourcePath, err)
		return false
	}
	fm.svc.CacheMgr.Shrink(uint64(info.Size()))

	fm.svc.Bus.Emit(events.FilesystemItemEvicted{
		APIPath:    apiPath,
		SourcePath: sourcePath,
	})

	return true
}

////////////////////////////////////////////////////////////////////////
// Maintenance sweeps
////////////////////////////////////////////////////////////////////////

// closeTimedOutFiles runs at one-second frequency, closing idle cached
// files whose timeout has elapsed.
func (fm *FileManager) closeTimedOutFiles() {
	fm.registryMu.Lock()
	var closeable []File
	for apiPath, f := range fm.files {
		if f.HandleCount() == 0 && f.CanClose() {
			closeable = append(closeable, f)
			delete(fm.files, apiPath)
		}
	}
	fm.registryMu.Unlock()

	for _, f := range closeable {
		apiPath := f.APIPath()
		sourcePath := f.SourcePath()
		f.Close()
		fm.svc.Bus.Emit(events.DownloadTimeout{
			APIPath:    apiPath,
			SourcePath: sourcePath,
		})
	}
}

// checkDeletedFiles reconciles locally known items against the
// provider, salvaging cache bodies of files that were deleted
// externally.
func (fm *FileManager) checkDeletedFiles() {
	paths, err := fm.svc.Store.ListMetaPaths()
	if err != nil {
		logger.Errorf("failed to list meta paths: %v", err)
		return
	}

	var missingDirs []string
	for _, apiPath := range paths {
		if fm.IsProcessing(apiPath) || fm.GetOpenFileCount(apiPath) > 0 {
			continue
		}

		isFile, ferr := fm.svc.Provider.IsFile(apiPath)
		if ferr != nil || isFile {
			continue
		}
		isDir, derr := fm.svc.Provider.IsDirectory(apiPath)
		if derr != nil || isDir {
			continue
		}

		meta, merr := fm.svc.Store.GetMeta(apiPath)
		if merr != nil {
			continue
		}
		if meta[provider.MetaDirectory] == "true" {
			missingDirs = append(missingDirs, apiPath)
			continue
		}

		fm.processExternallyRemovedFile(apiPath, meta[provider.MetaSource])
	}

	for _, apiPath := range missingDirs {
		if err := fm.svc.Store.RemoveMeta(apiPath); err != nil {
			logger.Errorf("failed to purge meta for %s: %v", apiPath, err)
			continue
		}
		fm.svc.Bus.Emit(events.DirectoryRemovedExternally{APIPath: apiPath})
	}
}

// processExternallyRemovedFile salvages a still-present cache body to
// the orphaned directory, then purges the item's local state.
func (fm *FileManager) processExternallyRemovedFile(apiPath string, sourcePath string) {
	if sourcePath != "" {
		if info, err := os.Stat(sourcePath); err == nil {
			fm.svc.Bus.Emit(events.OrphanedFileDetected{SourcePath: sourcePath})

			orphanDir := filepath.Join(fm.cfg.DataDir, "orphaned")
			destPath := filepath.Join(orphanDir,
				uuid.NewString()+"_"+utils.LeafName(apiPath))

			err := os.MkdirAll(orphanDir, utils.DefaultDirPerm)
			if err == nil {
				err = os.Rename(sourcePath, destPath)
			}
			if err != nil {
				fm.svc.Bus.Emit(events.OrphanedFileProcessingFailed{
					SourcePath: sourcePath,
					DestPath:   destPath,
					Error:      err,
				})
				return
			}

			fm.svc.CacheMgr.Shrink(uint64(info.Size()))
			fm.svc.Bus.Emit(events.OrphanedFileProcessed{
				SourcePath: sourcePath,
				DestPath:   destPath,
			})
		}
	}

	fm.RemoveUpload(apiPath)
	fm.svc.Store.RemoveResume(apiPath)
	if err := fm.svc.Store.RemoveMeta(apiPath); err != nil {
		logger.Errorf("failed to purge meta for %s: %v", apiPath, err)
	}

	fm.svc.Bus.Emit(events.FileRemovedExternally{
		APIPath:    apiPath,
		SourcePath: sourcePath,
	})
}
