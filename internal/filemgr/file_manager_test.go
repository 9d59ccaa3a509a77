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
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/suite"

	"github.com/blockstorage/repertory/clock"
	"github.com/blockstorage/repertory/internal/apierr"
	"github.com/blockstorage/repertory/internal/cachesize"
	"github.com/blockstorage/repertory/internal/events"
	"github.com/blockstorage/repertory/internal/metastore"
	"github.com/blockstorage/repertory/internal/polling"
	"github.com/blockstorage/repertory/internal/provider"
	"github.com/blockstorage/repertory/internal/provider/fake"
	"github.com/blockstorage/repertory/internal/utils"
)

type fileManagerTest struct {
	suite.Suite
	prov     *fake.Provider
	store    metastore.Store
	bus      *events.Bus
	recorder *eventRecorder
	clk      *clock.SimulatedClock
	cacheMgr *cachesize.Manager
	dataDir  string
	fm       *FileManager
	started  bool
}

func TestFileManagerSuite(t *testing.T) {
	suite.Run(t, new(fileManagerTest))
}

func (ft *fileManagerTest) SetupTest() {
	ft.prov = fake.NewProvider()
	ft.bus = events.NewBus()
	ft.recorder = recordEvents(ft.bus)
	ft.clk = clock.NewSimulatedClock(time.Unix(1712000000, 0))
	ft.cacheMgr = cachesize.NewManager(1 << 30)
	ft.dataDir = ft.T().TempDir()
	ft.started = false

	store, err := metastore.NewBoltStore(filepath.Join(ft.dataDir, "meta", "meta.db"))
	ft.Require().NoError(err)
	ft.store = store

	ft.fm = NewFileManager(Config{
		ChunkSize:      testChunkSize,
		ChunkTimeout:   30 * time.Second,
		CacheDir:       filepath.Join(ft.dataDir, "cache"),
		DataDir:        ft.dataDir,
		MaxUploadCount: 2,
		RingSize:       testRingSize,
	}, Services{
		Provider: ft.prov,
		Store:    store,
		Bus:      ft.bus,
		CacheMgr: ft.cacheMgr,
		Poller:   polling.NewPoller(ft.clk),
		Clock:    ft.clk,
	})
}

func (ft *fileManagerTest) TearDownTest() {
	if ft.started {
		ft.fm.Stop()
	}
	ft.Require().NoError(ft.store.Close())
}

func (ft *fileManagerTest) startManager() {
	ft.Require().NoError(ft.fm.Start())
	ft.started = true
}

////////////////////////////////////////////////////////////////////////
// Open/close lifecycle
////////////////////////////////////////////////////////////////////////

func (ft *fileManagerTest) TestOpenAssignsDistinctHandles() {
	ft.prov.PutObject("/a.bin", randomBytes(ft.T(), 2000))

	handle1, f1, err := ft.fm.Open("/a.bin", false, nil)
	ft.Require().NoError(err)
	handle2, f2, err := ft.fm.Open("/a.bin", false, "data")
	ft.Require().NoError(err)

	ft.NotZero(handle1)
	ft.NotZero(handle2)
	ft.NotEqual(handle1, handle2)
	ft.Same(f1.(*OpenFile), f2.(*OpenFile))
	ft.Equal(2, f1.HandleCount())

	data, ok := f1.OpenData(handle2)
	ft.True(ok)
	ft.Equal("data", data)
}

func (ft *fileManagerTest) TestOpenAssignsSourcePathOnFirstUse() {
	ft.prov.PutObject("/a.bin", randomBytes(ft.T(), 100))

	_, f, err := ft.fm.Open("/a.bin", false, nil)
	ft.Require().NoError(err)

	ft.NotEmpty(f.SourcePath())

	meta, err := ft.prov.GetItemMeta("/a.bin")
	ft.Require().NoError(err)
	ft.Equal(f.SourcePath(), meta[provider.MetaSource])
}

func (ft *fileManagerTest) TestOpenMissingFileFails() {
	_, _, err := ft.fm.Open("/missing.bin", false, nil)
	ft.ErrorIs(err, apierr.ErrItemNotFound)
}

func (ft *fileManagerTest) TestOpenDirectory() {
	ft.Require().NoError(ft.prov.CreateDirectory("/dir", nil))

	handle, f, err := ft.fm.Open("/dir", true, nil)
	ft.Require().NoError(err)
	ft.True(f.Directory())

	ft.Require().NoError(ft.fm.Close(handle))
}

func (ft *fileManagerTest) TestCloseUnknownHandle() {
	ft.ErrorIs(ft.fm.Close(42), apierr.ErrInvalidHandle)
}

func (ft *fileManagerTest) TestCloseKeepsIdleFileUntilTimeout() {
	ft.prov.PutObject("/a.bin", randomBytes(ft.T(), 1500))

	handle, f, err := ft.fm.Open("/a.bin", false, nil)
	ft.Require().NoError(err)

	_, err = f.Read(1500, 0)
	ft.Require().NoError(err)
	ft.Require().Eventually(func() bool { return f.IsComplete() },
		5*time.Second, 5*time.Millisecond)

	// Idle timeout has not elapsed: the entry stays cached for reopen.
	ft.Require().NoError(ft.fm.Close(handle))
	ft.Equal(0, ft.fm.GetOpenFileCount("/a.bin"))

	_, reopened, err := ft.fm.Open("/a.bin", false, nil)
	ft.Require().NoError(err)
	ft.Same(f.(*OpenFile), reopened.(*OpenFile))
}

func (ft *fileManagerTest) TestTimedOutCloseSweep() {
	ft.prov.PutObject("/a.bin", randomBytes(ft.T(), 1500))

	handle, f, err := ft.fm.Open("/a.bin", false, nil)
	ft.Require().NoError(err)

	_, err = f.Read(1500, 0)
	ft.Require().NoError(err)
	ft.Require().Eventually(func() bool { return f.IsComplete() },
		5*time.Second, 5*time.Millisecond)
	ft.Require().NoError(ft.fm.Close(handle))

	ft.fm.closeTimedOutFiles()
	ft.Equal(0, ft.recorder.count("download_timeout"))

	ft.clk.AdvanceTime(31 * time.Second)
	ft.fm.closeTimedOutFiles()

	ft.Equal(1, ft.recorder.count("download_timeout"))

	// The next open constructs a fresh entry over the kept cache body.
	_, reopened, err := ft.fm.Open("/a.bin", false, nil)
	ft.Require().NoError(err)
	ft.NotSame(f.(*OpenFile), reopened.(*OpenFile))
	ft.True(reopened.IsComplete())
}

func (ft *fileManagerTest) TestGetOpenFile() {
	ft.prov.PutObject("/a.bin", randomBytes(ft.T(), 100))

	handle, f, err := ft.fm.Open("/a.bin", false, nil)
	ft.Require().NoError(err)

	got, err := ft.fm.GetOpenFile(handle, false)
	ft.Require().NoError(err)
	ft.Same(f.(*OpenFile), got.(*OpenFile))

	_, err = ft.fm.GetOpenFile(handle, true)
	ft.Require().NoError(err)

	_, err = ft.fm.GetOpenFile(999, false)
	ft.ErrorIs(err, apierr.ErrInvalidHandle)

	ft.prov.SetReadOnly(true)
	_, err = ft.fm.GetOpenFile(handle, true)
	ft.ErrorIs(err, apierr.ErrInvalidOperation)
	ft.prov.SetReadOnly(false)
}

func (ft *fileManagerTest) TestCreateOpensFile() {
	ft.startManager()

	handle, f, err := ft.fm.Create("/new.bin", map[string]string{}, nil)
	ft.Require().NoError(err)
	ft.NotZero(handle)
	ft.False(f.Directory())
	ft.Equal(1, ft.recorder.count("filesystem_item_added"))

	// Creating over an existing item opens it instead of failing.
	handle2, _, err := ft.fm.Create("/new.bin", map[string]string{}, nil)
	ft.Require().NoError(err)
	ft.NotEqual(handle, handle2)
}

////////////////////////////////////////////////////////////////////////
// Write-back round trip
////////////////////////////////////////////////////////////////////////

func (ft *fileManagerTest) TestWriteCloseUploadRoundTrip() {
	ft.startManager()

	content := randomBytes(ft.T(), 3000)
	ft.prov.PutObject("/a.bin", content)

	handle, f, err := ft.fm.Open("/a.bin", false, nil)
	ft.Require().NoError(err)

	patch := bytes.Repeat([]byte("X"), 100)
	_, err = f.Write(patch, 2900)
	ft.Require().NoError(err)

	ft.Require().Eventually(func() bool { return f.IsComplete() },
		5*time.Second, 5*time.Millisecond)

	ft.Require().NoError(ft.fm.Close(handle))

	ft.Require().Eventually(func() bool {
		return ft.recorder.count("file_upload_completed") == 1
	}, 5*time.Second, 5*time.Millisecond)

	expected := append(append([]byte(nil), content[:2900]...), patch...)
	ft.True(bytes.Equal(expected, ft.prov.ObjectBytes("/a.bin")))
	ft.Equal(1, ft.recorder.count("file_upload_queued"))

	active, err := ft.store.ListActiveUploads()
	ft.Require().NoError(err)
	ft.Empty(active)
}

// Upload retry on transport error: two failures, then success, with
// the fixed delay between attempts.
func (ft *fileManagerTest) TestUploadRetryOnTransportError() {
	ft.startManager()

	var mu sync.Mutex
	failures := 2
	ft.prov.UploadErr = func(string) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return apierr.ErrUploadFailed
		}
		return nil
	}

	content := randomBytes(ft.T(), 500)
	ft.prov.PutObject("/a.bin", content)

	handle, f, err := ft.fm.Open("/a.bin", false, nil)
	ft.Require().NoError(err)
	_, err = f.Write([]byte("Y"), 0)
	ft.Require().NoError(err)
	ft.Require().Eventually(func() bool { return f.IsComplete() },
		5*time.Second, 5*time.Millisecond)
	ft.Require().NoError(ft.fm.Close(handle))

	// First attempt fails and waits out the retry delay.
	ft.Require().Eventually(func() bool {
		return ft.prov.UploadCalls("/a.bin") == 1
	}, 5*time.Second, 5*time.Millisecond)
	ft.Require().Eventually(func() bool {
		return ft.recorder.count("file_upload_retry") == 1
	}, 5*time.Second, 5*time.Millisecond)

	// No second attempt happens until the delay elapses.
	time.Sleep(50 * time.Millisecond)
	ft.Equal(1, ft.prov.UploadCalls("/a.bin"))

	ft.clk.AdvanceTime(6 * time.Second)
	ft.Require().Eventually(func() bool {
		return ft.recorder.count("file_upload_retry") == 2
	}, 5*time.Second, 5*time.Millisecond)

	ft.clk.AdvanceTime(6 * time.Second)
	ft.Require().Eventually(func() bool {
		return ft.recorder.count("file_upload_completed") == 3
	}, 5*time.Second, 5*time.Millisecond)

	ft.Equal(3, ft.prov.UploadCalls("/a.bin"))

	ft.Require().Eventually(func() bool {
		active, err := ft.store.ListActiveUploads()
		return err == nil && len(active) == 0
	}, 5*time.Second, 5*time.Millisecond)

	pending, err := ft.store.ListUploads()
	ft.Require().NoError(err)
	ft.Empty(pending)
}

func (ft *fileManagerTest) TestUploadDroppedWhenItemGone() {
	ft.startManager()

	ft.prov.UploadErr = func(string) error { return apierr.ErrUploadFailed }

	content := randomBytes(ft.T(), 100)
	ft.prov.PutObject("/a.bin", content)

	handle, f, err := ft.fm.Open("/a.bin", false, nil)
	ft.Require().NoError(err)
	_, err = f.Write([]byte("Y"), 0)
	ft.Require().NoError(err)
	ft.Require().Eventually(func() bool { return f.IsComplete() },
		5*time.Second, 5*time.Millisecond)

	// Drop the remote item before the upload settles.
	ft.Require().NoError(ft.prov.RemoveFile("/a.bin"))
	ft.Require().NoError(ft.fm.Close(handle))

	ft.Require().Eventually(func() bool {
		return ft.recorder.count("file_upload_not_found") == 1
	}, 5*time.Second, 5*time.Millisecond)

	pending, err := ft.store.ListUploads()
	ft.Require().NoError(err)
	ft.Empty(pending)
}

////////////////////////////////////////////////////////////////////////
// Remove/rename
////////////////////////////////////////////////////////////////////////

func (ft *fileManagerTest) TestRemoveFileRefusesDirtyHandles() {
	ft.prov.PutObject("/a.bin", randomBytes(ft.T(), 100))

	_, f, err := ft.fm.Open("/a.bin", false, nil)
	ft.Require().NoError(err)
	_, err = f.Write([]byte("Y"), 0)
	ft.Require().NoError(err)

	ft.ErrorIs(ft.fm.RemoveFile("/a.bin"), apierr.ErrFileInUse)
}

func (ft *fileManagerTest) TestRemoveFileCleansUp() {
	content := randomBytes(ft.T(), 1500)
	ft.prov.PutObject("/a.bin", content)

	handle, f, err := ft.fm.Open("/a.bin", false, nil)
	ft.Require().NoError(err)
	_, err = f.Read(1500, 0)
	ft.Require().NoError(err)
	ft.Require().Eventually(func() bool { return f.IsComplete() },
		5*time.Second, 5*time.Millisecond)
	sourcePath := f.SourcePath()
	_ = handle

	ft.Require().NoError(ft.fm.RemoveFile("/a.bin"))

	isFile, err := ft.prov.IsFile("/a.bin")
	ft.Require().NoError(err)
	ft.False(isFile)
	ft.Equal(0, ft.fm.GetOpenFileCount("/a.bin"))
	ft.Equal(1, ft.recorder.count("file_removed"))

	_, err = os.Stat(sourcePath)
	ft.True(os.IsNotExist(err))
}

// Rename with overwrite migrates the open entry; a dirty source makes
// the rename fail with file_in_use.
func (ft *fileManagerTest) TestRenameFileWithOverwrite() {
	contentA := randomBytes(ft.T(), 300)
	ft.prov.PutObject("/a", contentA)
	ft.prov.PutObject("/b", randomBytes(ft.T(), 200))

	handle, f, err := ft.fm.Open("/a", false, nil)
	ft.Require().NoError(err)

	ft.Require().NoError(ft.fm.RenameFile("/a", "/b", true))

	isFile, err := ft.prov.IsFile("/a")
	ft.Require().NoError(err)
	ft.False(isFile)
	ft.True(bytes.Equal(contentA, ft.prov.ObjectBytes("/b")))

	// The registry entry followed the rename.
	ft.Equal("/b", f.APIPath())
	ft.Equal(1, ft.fm.GetOpenFileCount("/b"))
	ft.Equal(0, ft.fm.GetOpenFileCount("/a"))

	got, err := ft.fm.GetOpenFile(handle, false)
	ft.Require().NoError(err)
	ft.Equal("/b", got.APIPath())
}

func (ft *fileManagerTest) TestRenameFileRefusesDirtySource() {
	ft.prov.PutObject("/a", randomBytes(ft.T(), 100))
	ft.prov.PutObject("/b", randomBytes(ft.T(), 100))

	_, f, err := ft.fm.Open("/a", false, nil)
	ft.Require().NoError(err)
	_, err = f.Write([]byte("Y"), 0)
	ft.Require().NoError(err)

	ft.ErrorIs(ft.fm.RenameFile("/a", "/b", true), apierr.ErrFileInUse)
}

func (ft *fileManagerTest) TestRenameFileWithoutOverwriteFails() {
	ft.prov.PutObject("/a", randomBytes(ft.T(), 100))
	ft.prov.PutObject("/b", randomBytes(ft.T(), 100))

	ft.ErrorIs(ft.fm.RenameFile("/a", "/b", false), apierr.ErrItemExists)
	ft.ErrorIs(ft.fm.RenameFile("/a", "/a", true), apierr.ErrItemExists)
}

func (ft *fileManagerTest) TestRenameFileUnsupportedProvider() {
	ft.prov.SetRenameSupported(false)
	ft.ErrorIs(ft.fm.RenameFile("/a", "/b", false), apierr.ErrNotImplemented)
	ft.ErrorIs(ft.fm.RenameDirectory("/a", "/b"), apierr.ErrNotImplemented)
}

func (ft *fileManagerTest) TestRenameDirectory() {
	ft.Require().NoError(ft.prov.CreateDirectory("/dir", nil))
	ft.Require().NoError(ft.prov.CreateDirectory("/dir/sub", nil))
	contentA := randomBytes(ft.T(), 100)
	contentB := randomBytes(ft.T(), 200)
	ft.prov.PutObject("/dir/a", contentA)
	ft.prov.PutObject("/dir/sub/b", contentB)

	ft.Require().NoError(ft.fm.RenameDirectory("/dir", "/dir2"))

	isDir, err := ft.prov.IsDirectory("/dir")
	ft.Require().NoError(err)
	ft.False(isDir)

	isDir, err = ft.prov.IsDirectory("/dir2")
	ft.Require().NoError(err)
	ft.True(isDir)

	ft.True(bytes.Equal(contentA, ft.prov.ObjectBytes("/dir2/a")))
	ft.True(bytes.Equal(contentB, ft.prov.ObjectBytes("/dir2/sub/b")))
	ft.GreaterOrEqual(ft.recorder.count("directory_removed"), 1)
}

func (ft *fileManagerTest) TestRenameDirectoryDestinationMustNotExist() {
	ft.Require().NoError(ft.prov.CreateDirectory("/dir", nil))
	ft.Require().NoError(ft.prov.CreateDirectory("/dir2", nil))

	ft.ErrorIs(ft.fm.RenameDirectory("/dir", "/dir2"), apierr.ErrDirectoryExists)
}

////////////////////////////////////////////////////////////////////////
// Resume restore
////////////////////////////////////////////////////////////////////////

func (ft *fileManagerTest) TestStartRestoresResumeEntries() {
	content := randomBytes(ft.T(), 10*testChunkSize)
	ft.prov.PutObject("/a.bin", content)

	sourcePath := filepath.Join(ft.dataDir, "cache", "resume-body")
	ft.Require().NoError(os.MkdirAll(filepath.Dir(sourcePath), 0700))
	ft.Require().NoError(os.WriteFile(sourcePath, make([]byte, len(content)), 0600))

	resume := newResumeBitset(10, 0)
	raw, err := resume.MarshalBinary()
	ft.Require().NoError(err)
	ft.Require().NoError(ft.store.StoreResume(metastore.ResumeEntry{
		APIPath:    "/a.bin",
		ChunkSize:  testChunkSize,
		SourcePath: sourcePath,
		ReadState:  raw,
	}))

	ft.startManager()

	ft.Equal(1, ft.recorder.count("download_restored"))
	ft.True(ft.fm.IsProcessing("/a.bin"))

	// The next open finds the partial cache with its dirty state.
	_, f, err := ft.fm.Open("/a.bin", false, nil)
	ft.Require().NoError(err)
	ft.True(f.Modified())
	ft.True(f.(*OpenFile).ReadState().Test(0))
	ft.False(f.(*OpenFile).ReadState().Test(1))
}

func (ft *fileManagerTest) TestStartSkipsStaleResumeEntries() {
	content := randomBytes(ft.T(), 10*testChunkSize)
	ft.prov.PutObject("/a.bin", content)

	resume := newResumeBitset(10, 0)
	raw, err := resume.MarshalBinary()
	ft.Require().NoError(err)
	ft.Require().NoError(ft.store.StoreResume(metastore.ResumeEntry{
		APIPath:    "/a.bin",
		ChunkSize:  testChunkSize,
		SourcePath: filepath.Join(ft.dataDir, "cache", "missing-body"),
		ReadState:  raw,
	}))

	ft.startManager()

	ft.Equal(1, ft.recorder.count("download_restore_failed"))
	ft.False(ft.fm.IsProcessing("/a.bin"))
}

func (ft *fileManagerTest) TestStartMovesActiveUploadsBackToPending() {
	entry := metastore.UploadEntry{APIPath: "/a.bin", SourcePath: "/tmp/x", EnqueuedNs: 1}
	ft.Require().NoError(ft.store.QueueUpload(entry))
	ft.Require().NoError(ft.store.SetUploadActive(entry))

	// The worker immediately pops the restored entry, fails it (the
	// source file is long gone), and drops it.
	ft.prov.PutObject("/a.bin", nil)
	ft.startManager()

	ft.Require().Eventually(func() bool {
		active, err := ft.store.ListActiveUploads()
		return err == nil && len(active) == 0
	}, 5*time.Second, 5*time.Millisecond)
}

////////////////////////////////////////////////////////////////////////
// Eviction and reaper
////////////////////////////////////////////////////////////////////////

func (ft *fileManagerTest) TestEvictFile() {
	content := randomBytes(ft.T(), 2048)
	ft.prov.PutObject("/a.bin", content)

	sourcePath := filepath.Join(ft.dataDir, "cache", "evict-body")
	ft.Require().NoError(os.MkdirAll(filepath.Dir(sourcePath), 0700))
	ft.Require().NoError(os.WriteFile(sourcePath, content, 0600))
	ft.Require().NoError(ft.cacheMgr.Expand(2048))
	ft.Require().NoError(ft.prov.SetItemMeta("/a.bin", map[string]string{
		provider.MetaSource: sourcePath,
		provider.MetaPinned: "false",
	}))

	ft.True(ft.fm.EvictFile("/a.bin"))

	_, err := os.Stat(sourcePath)
	ft.True(os.IsNotExist(err))
	ft.Equal(uint64(0), ft.cacheMgr.Used())
	ft.Equal(1, ft.recorder.count("filesystem_item_evicted"))
}

func (ft *fileManagerTest) TestEvictFileRefusesPinned() {
	content := randomBytes(ft.T(), 100)
	ft.prov.PutObject("/a.bin", content)

	sourcePath := filepath.Join(ft.dataDir, "cache", "pinned-body")
	ft.Require().NoError(os.MkdirAll(filepath.Dir(sourcePath), 0700))
	ft.Require().NoError(os.WriteFile(sourcePath, content, 0600))
	ft.Require().NoError(ft.prov.SetItemMeta("/a.bin", map[string]string{
		provider.MetaSource: sourcePath,
		provider.MetaPinned: "true",
	}))

	ft.False(ft.fm.EvictFile("/a.bin"))

	_, err := os.Stat(sourcePath)
	ft.NoError(err)
}

func (ft *fileManagerTest) TestEvictFileRefusesOpenFile() {
	ft.prov.PutObject("/a.bin", randomBytes(ft.T(), 100))

	_, _, err := ft.fm.Open("/a.bin", false, nil)
	ft.Require().NoError(err)

	ft.False(ft.fm.EvictFile("/a.bin"))
}

func (ft *fileManagerTest) TestCheckDeletedFilesSalvagesOrphans() {
	sourcePath := filepath.Join(ft.dataDir, "cache", "orphan-body")
	ft.Require().NoError(os.MkdirAll(filepath.Dir(sourcePath), 0700))
	ft.Require().NoError(os.WriteFile(sourcePath, []byte("orphan"), 0600))

	// Locally known, but gone at the provider.
	ft.Require().NoError(ft.store.SetMeta("/gone.bin", map[string]string{
		provider.MetaDirectory: "false",
		provider.MetaSource:    sourcePath,
	}))
	ft.Require().NoError(ft.store.SetMeta("/gone-dir", map[string]string{
		provider.MetaDirectory: "true",
	}))

	ft.fm.checkDeletedFiles()

	_, err := os.Stat(sourcePath)
	ft.True(os.IsNotExist(err))

	entries, err := os.ReadDir(filepath.Join(ft.dataDir, "orphaned"))
	ft.Require().NoError(err)
	ft.Require().Len(entries, 1)
	ft.Contains(entries[0].Name(), "_gone.bin")

	_, err = ft.store.GetMeta("/gone.bin")
	ft.ErrorIs(err, apierr.ErrItemNotFound)
	_, err = ft.store.GetMeta("/gone-dir")
	ft.ErrorIs(err, apierr.ErrItemNotFound)

	ft.Equal(1, ft.recorder.count("orphaned_file_detected"))
	ft.Equal(1, ft.recorder.count("orphaned_file_processed"))
	ft.Equal(1, ft.recorder.count("file_removed_externally"))
	ft.Equal(1, ft.recorder.count("directory_removed_externally"))
}

func (ft *fileManagerTest) TestCheckDeletedFilesKeepsLiveItems() {
	content := randomBytes(ft.T(), 100)
	ft.prov.PutObject("/live.bin", content)
	ft.Require().NoError(ft.store.SetMeta("/live.bin", map[string]string{
		provider.MetaDirectory: "false",
	}))

	ft.fm.checkDeletedFiles()

	_, err := ft.store.GetMeta("/live.bin")
	ft.NoError(err)
	ft.Equal(0, ft.recorder.count("file_removed_externally"))
}

////////////////////////////////////////////////////////////////////////
// State queries
////////////////////////////////////////////////////////////////////////

func (ft *fileManagerTest) TestIsProcessingCoversQueuedUploads() {
	ft.False(ft.fm.IsProcessing("/a.bin"))

	ft.fm.QueueUpload("/a.bin", "/tmp/src")
	ft.True(ft.fm.IsProcessing("/a.bin"))
	ft.Equal(1, ft.recorder.count("file_upload_queued"))

	ft.fm.RemoveUpload("/a.bin")
	ft.False(ft.fm.IsProcessing("/a.bin"))
	ft.Equal(1, ft.recorder.count("file_upload_removed"))
}

func (ft *fileManagerTest) TestUpdateUsedSpaceCountsDirtyFiles() {
	ft.prov.PutObject("/a.bin", randomBytes(ft.T(), 500))
	ft.prov.PutObject("/b.bin", randomBytes(ft.T(), 300))

	_, fa, err := ft.fm.Open("/a.bin", false, nil)
	ft.Require().NoError(err)
	_, _, err = ft.fm.Open("/b.bin", false, nil)
	ft.Require().NoError(err)

	_, err = fa.Write([]byte("Y"), 0)
	ft.Require().NoError(err)

	used := uint64(1000)
	ft.fm.UpdateUsedSpace(&used)
	ft.Equal(uint64(1500), used)
}

func (ft *fileManagerTest) TestStopClosesEverything() {
	ft.startManager()

	ft.prov.PutObject("/a.bin", randomBytes(ft.T(), 1500))
	_, f, err := ft.fm.Open("/a.bin", false, nil)
	ft.Require().NoError(err)
	_, err = f.Read(1500, 0)
	ft.Require().NoError(err)

	ft.fm.Stop()
	ft.started = false

	ft.Equal(1, ft.recorder.count("service_shutdown_begin"))
	ft.Equal(1, ft.recorder.count("service_shutdown_end"))
	ft.Equal(0, ft.fm.GetOpenFileCount("/a.bin"))
}

////////////////////////////////////////////////////////////////////////
// Eviction worker
////////////////////////////////////////////////////////////////////////

func (ft *fileManagerTest) TestEvictionSweepReleasesOldestFirst() {
	ft.cacheMgr.SetMax(1000)

	stage := func(apiPath string, name string, size int, modifiedNs uint64) string {
		content := randomBytes(ft.T(), size)
		ft.prov.PutObject(apiPath, content)

		sourcePath := filepath.Join(ft.dataDir, "cache", name)
		ft.Require().NoError(os.MkdirAll(filepath.Dir(sourcePath), 0700))
		ft.Require().NoError(os.WriteFile(sourcePath, content, 0600))
		ft.Require().NoError(ft.cacheMgr.Expand(uint64(size)))

		meta := map[string]string{
			provider.MetaDirectory: "false",
			provider.MetaSource:    sourcePath,
			provider.MetaSize:      "500",
			provider.MetaModified:  "0",
		}
		meta[provider.MetaSize] = "500"
		ft.Require().NoError(ft.prov.SetItemMeta(apiPath, meta))
		ft.Require().NoError(ft.store.SetMeta(apiPath, map[string]string{
			provider.MetaDirectory: "false",
			provider.MetaSource:    sourcePath,
			provider.MetaSize:      "500",
			provider.MetaModified:  utils.FormatNanos(modifiedNs),
		}))

		return sourcePath
	}

	oldPath := stage("/old.bin", "old-body", 500, 100)
	newPath := stage("/new.bin", "new-body", 500, 200)

	eviction := NewEviction(ft.fm, Config{}, Services{
		Provider: ft.prov,
		Store:    ft.store,
		Bus:      ft.bus,
		CacheMgr: ft.cacheMgr,
		Poller:   polling.NewPoller(ft.clk),
		Clock:    ft.clk,
	})

	// Usage is 1000 of 1000; one eviction brings it to 500, which is
	// under the 80% threshold.
	eviction.checkItems()

	_, errOld := os.Stat(oldPath)
	_, errNew := os.Stat(newPath)
	ft.True(os.IsNotExist(errOld))
	ft.NoError(errNew)
}

// newResumeBitset builds a read-state bitset of the given chunk count
// with the listed chunks marked read.
func newResumeBitset(chunks uint, set ...uint) *bitset.BitSet {
	b := bitset.New(chunks)
	for _, idx := range set {
		b.Set(idx)
	}

	return b
}
