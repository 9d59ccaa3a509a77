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

package metastore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/blockstorage/repertory/internal/apierr"
)

type boltStoreTest struct {
	suite.Suite
	store Store
}

func TestBoltStoreSuite(t *testing.T) {
	suite.Run(t, new(boltStoreTest))
}

func (bt *boltStoreTest) SetupTest() {
	store, err := NewBoltStore(filepath.Join(bt.T().TempDir(), "meta", "meta.db"))
	bt.Require().NoError(err)
	bt.store = store
}

func (bt *boltStoreTest) TearDownTest() {
	bt.Require().NoError(bt.store.Close())
}

////////////////////////////////////////////////////////////////////////
// Item metadata
////////////////////////////////////////////////////////////////////////

func (bt *boltStoreTest) TestGetMetaUnknownPath() {
	_, err := bt.store.GetMeta("/missing")
	bt.ErrorIs(err, apierr.ErrItemNotFound)
}

func (bt *boltStoreTest) TestSetMetaMergesKeys() {
	bt.Require().NoError(bt.store.SetMeta("/a", map[string]string{"size": "10", "pinned": "false"}))
	bt.Require().NoError(bt.store.SetMeta("/a", map[string]string{"pinned": "true"}))

	meta, err := bt.store.GetMeta("/a")
	bt.Require().NoError(err)
	bt.Equal("10", meta["size"])
	bt.Equal("true", meta["pinned"])

	value, err := bt.store.GetMetaValue("/a", "size")
	bt.Require().NoError(err)
	bt.Equal("10", value)
}

func (bt *boltStoreTest) TestRemoveMeta() {
	bt.Require().NoError(bt.store.SetMeta("/a", map[string]string{"size": "1"}))
	bt.Require().NoError(bt.store.RemoveMeta("/a"))

	_, err := bt.store.GetMeta("/a")
	bt.ErrorIs(err, apierr.ErrItemNotFound)
}

func (bt *boltStoreTest) TestRenameMeta() {
	bt.Require().NoError(bt.store.SetMeta("/a", map[string]string{"size": "42"}))
	bt.Require().NoError(bt.store.RenameMeta("/a", "/b"))

	_, err := bt.store.GetMeta("/a")
	bt.ErrorIs(err, apierr.ErrItemNotFound)

	meta, err := bt.store.GetMeta("/b")
	bt.Require().NoError(err)
	bt.Equal("42", meta["size"])

	bt.ErrorIs(bt.store.RenameMeta("/missing", "/c"), apierr.ErrItemNotFound)
}

func (bt *boltStoreTest) TestListMetaPaths() {
	bt.Require().NoError(bt.store.SetMeta("/a", map[string]string{"size": "1"}))
	bt.Require().NoError(bt.store.SetMeta("/b", map[string]string{"size": "2"}))

	paths, err := bt.store.ListMetaPaths()
	bt.Require().NoError(err)
	bt.ElementsMatch([]string{"/a", "/b"}, paths)
}

////////////////////////////////////////////////////////////////////////
// Upload queue
////////////////////////////////////////////////////////////////////////

func (bt *boltStoreTest) TestQueueOrderedByEnqueueTime() {
	bt.Require().NoError(bt.store.QueueUpload(UploadEntry{APIPath: "/later", SourcePath: "s1", EnqueuedNs: 200}))
	bt.Require().NoError(bt.store.QueueUpload(UploadEntry{APIPath: "/earlier", SourcePath: "s2", EnqueuedNs: 100}))

	next, err := bt.store.NextUpload()
	bt.Require().NoError(err)
	bt.Require().NotNil(next)
	bt.Equal("/earlier", next.APIPath)
}

func (bt *boltStoreTest) TestQueueUploadIsIdempotentPerPath() {
	bt.Require().NoError(bt.store.QueueUpload(UploadEntry{APIPath: "/a", SourcePath: "s1", EnqueuedNs: 100}))
	bt.Require().NoError(bt.store.QueueUpload(UploadEntry{APIPath: "/a", SourcePath: "s2", EnqueuedNs: 200}))

	pending, err := bt.store.ListUploads()
	bt.Require().NoError(err)
	active, err := bt.store.ListActiveUploads()
	bt.Require().NoError(err)

	bt.Len(pending, 1)
	bt.Empty(active)
	bt.Equal("s2", pending[0].SourcePath)
}

func (bt *boltStoreTest) TestQueueUploadSupersedesActiveEntry() {
	entry := UploadEntry{APIPath: "/a", SourcePath: "s1", EnqueuedNs: 100}
	bt.Require().NoError(bt.store.QueueUpload(entry))
	bt.Require().NoError(bt.store.SetUploadActive(entry))

	bt.Require().NoError(bt.store.QueueUpload(UploadEntry{APIPath: "/a", SourcePath: "s2", EnqueuedNs: 200}))

	pending, err := bt.store.ListUploads()
	bt.Require().NoError(err)
	active, err := bt.store.ListActiveUploads()
	bt.Require().NoError(err)

	bt.Len(pending, 1)
	bt.Empty(active)
}

func (bt *boltStoreTest) TestSetUploadActiveMovesEntry() {
	entry := UploadEntry{APIPath: "/a", SourcePath: "s1", EnqueuedNs: 100}
	bt.Require().NoError(bt.store.QueueUpload(entry))
	bt.Require().NoError(bt.store.SetUploadActive(entry))

	pending, err := bt.store.ListUploads()
	bt.Require().NoError(err)
	bt.Empty(pending)

	active, err := bt.store.ListActiveUploads()
	bt.Require().NoError(err)
	bt.Len(active, 1)

	next, err := bt.store.NextUpload()
	bt.Require().NoError(err)
	bt.Nil(next)
}

func (bt *boltStoreTest) TestRequeueUpload() {
	entry := UploadEntry{APIPath: "/a", SourcePath: "s1", EnqueuedNs: 100}
	bt.Require().NoError(bt.store.QueueUpload(entry))
	bt.Require().NoError(bt.store.SetUploadActive(entry))
	bt.Require().NoError(bt.store.RequeueUpload(entry))

	pending, err := bt.store.ListUploads()
	bt.Require().NoError(err)
	bt.Len(pending, 1)

	active, err := bt.store.ListActiveUploads()
	bt.Require().NoError(err)
	bt.Empty(active)
}

func (bt *boltStoreTest) TestRemoveActiveUploadLeavesPending() {
	first := UploadEntry{APIPath: "/a", SourcePath: "s1", EnqueuedNs: 100}
	bt.Require().NoError(bt.store.QueueUpload(first))
	bt.Require().NoError(bt.store.SetUploadActive(first))
	bt.Require().NoError(bt.store.QueueUpload(UploadEntry{APIPath: "/b", SourcePath: "s2", EnqueuedNs: 200}))

	bt.Require().NoError(bt.store.RemoveActiveUpload("/a"))

	pending, err := bt.store.ListUploads()
	bt.Require().NoError(err)
	bt.Len(pending, 1)
	bt.Equal("/b", pending[0].APIPath)

	active, err := bt.store.ListActiveUploads()
	bt.Require().NoError(err)
	bt.Empty(active)
}

func (bt *boltStoreTest) TestResetActiveUploadsRestoresPending() {
	entry := UploadEntry{APIPath: "/a", SourcePath: "s1", EnqueuedNs: 100}
	bt.Require().NoError(bt.store.QueueUpload(entry))
	bt.Require().NoError(bt.store.SetUploadActive(entry))

	bt.Require().NoError(bt.store.ResetActiveUploads())

	pending, err := bt.store.ListUploads()
	bt.Require().NoError(err)
	bt.Len(pending, 1)

	active, err := bt.store.ListActiveUploads()
	bt.Require().NoError(err)
	bt.Empty(active)
}

////////////////////////////////////////////////////////////////////////
// Resume journal
////////////////////////////////////////////////////////////////////////

func (bt *boltStoreTest) TestResumeRoundTrip() {
	entry := ResumeEntry{
		APIPath:    "/a",
		ChunkSize:  1024,
		SourcePath: "/tmp/cache/x",
		ReadState:  []byte{0x01, 0x02, 0x03},
	}
	bt.Require().NoError(bt.store.StoreResume(entry))

	stored, err := bt.store.GetResume("/a")
	bt.Require().NoError(err)
	bt.Require().NotNil(stored)
	bt.Equal(entry, *stored)

	entries, err := bt.store.ListResume()
	bt.Require().NoError(err)
	bt.Len(entries, 1)

	bt.Require().NoError(bt.store.RemoveResume("/a"))
	stored, err = bt.store.GetResume("/a")
	bt.Require().NoError(err)
	bt.Nil(stored)
}
