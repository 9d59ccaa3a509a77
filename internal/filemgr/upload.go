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
	"os"
	"sync/atomic"

	"github.com/blockstorage/repertory/internal/apierr"
	"github.com/blockstorage/repertory/internal/events"
	"github.com/blockstorage/repertory/internal/logger"
	"github.com/blockstorage/repertory/internal/provider"
)

// Upload streams one source file to the provider in the background and
// reports the outcome on the bus and through its completion channel.
type Upload struct {
	apiPath    string
	sourcePath string
	prov       provider.Provider
	svc        Services

	ctx    context.Context
	cancel context.CancelFunc

	cancelled atomic.Bool
	err       error // valid after done is closed
	done      chan struct{}
}

// NewUpload starts the transfer immediately.
func NewUpload(ctx context.Context, apiPath string, sourcePath string,
	prov provider.Provider, svc Services) *Upload {
	uploadCtx, cancel := context.WithCancel(ctx)
	u := &Upload{
		apiPath:    apiPath,
		sourcePath: sourcePath,
		prov:       prov,
		svc:        svc,
		ctx:        uploadCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go u.run()

	return u
}

func (u *Upload) APIPath() string {
	return u.apiPath
}

func (u *Upload) SourcePath() string {
	return u.sourcePath
}

// Cancel aborts the transfer; the completion event carries
// upload_stopped with the cancelled flag set.
func (u *Upload) Cancel() {
	u.cancelled.Store(true)
	u.cancel()
}

// Wait blocks until the transfer has finished and returns its error.
func (u *Upload) Wait() error {
	<-u.done
	return u.err
}

// Done exposes the completion channel for select loops.
func (u *Upload) Done() <-chan struct{} {
	return u.done
}

// Cancelled reports whether Cancel was called.
func (u *Upload) Cancelled() bool {
	return u.cancelled.Load()
}

func (u *Upload) run() {
	err := u.prov.UploadFile(u.ctx, u.apiPath, u.sourcePath)
	if err != nil {
		if u.cancelled.Load() || errors.Is(err, context.Canceled) {
			err = apierr.ErrUploadStopped
		} else if !errors.Is(err, apierr.ErrUploadFailed) {
			err = errors.Join(apierr.ErrUploadFailed, err)
		}
	}

	if err == nil {
		// Re-stamp the source mtime with the completion time. The
		// eviction sweep does not read it; it orders candidates by item
		// metadata.
		now := u.svc.Clock.Now()
		if cerr := os.Chtimes(u.sourcePath, now, now); cerr != nil && !os.IsNotExist(cerr) {
			logger.Warnf("failed to reset mtime of %s: %v", u.sourcePath, cerr)
		}
	}

	u.err = err
	close(u.done)

	u.svc.Bus.Emit(events.FileUploadCompleted{
		APIPath:    u.apiPath,
		SourcePath: u.sourcePath,
		Error:      err,
		Cancelled:  u.cancelled.Load(),
	})
}
