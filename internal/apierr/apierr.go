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

// Package apierr defines the error surface shared by the mount engine.
// A nil error means success; every other outcome is one of the sentinels
// below, possibly wrapped with call-site context. Compare with errors.Is.
package apierr

import (
	"errors"
	"fmt"
)

var (
	ErrOS                 = errors.New("os error")
	ErrInvalidOperation   = errors.New("invalid operation")
	ErrInvalidHandle      = errors.New("invalid handle")
	ErrItemNotFound       = errors.New("item not found")
	ErrDirectoryNotFound  = errors.New("directory not found")
	ErrItemExists         = errors.New("item exists")
	ErrDirectoryExists    = errors.New("directory exists")
	ErrDirectoryNotEmpty  = errors.New("directory not empty")
	ErrFileInUse          = errors.New("file in use")
	ErrDownloadStopped    = errors.New("download stopped")
	ErrDownloadIncomplete = errors.New("download incomplete")
	ErrDownloadFailed     = errors.New("download failed")
	ErrUploadFailed       = errors.New("upload failed")
	ErrUploadStopped      = errors.New("upload stopped")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrFileSizeMismatch   = errors.New("file size mismatch")
	ErrBufferTooSmall     = errors.New("buffer too small")
	ErrBufferOverflow     = errors.New("buffer overflow")
	ErrNotImplemented     = errors.New("not implemented")
	ErrShuttingDown       = errors.New("shutting down")
	ErrOutOfMemory        = errors.New("out of memory")
)

// OS wraps a local filesystem or syscall failure so that callers can
// match on ErrOS while retaining the underlying cause.
func OS(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrOS, err)
}

// Name returns the wire/log name for an error, "success" for nil, and
// "error" for anything outside the taxonomy.
func Name(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrOS):
		return "os_error"
	case errors.Is(err, ErrInvalidOperation):
		return "invalid_operation"
	case errors.Is(err, ErrInvalidHandle):
		return "invalid_handle"
	case errors.Is(err, ErrItemNotFound):
		return "item_not_found"
	case errors.Is(err, ErrDirectoryNotFound):
		return "directory_not_found"
	case errors.Is(err, ErrItemExists):
		return "item_exists"
	case errors.Is(err, ErrDirectoryExists):
		return "directory_exists"
	case errors.Is(err, ErrDirectoryNotEmpty):
		return "directory_not_empty"
	case errors.Is(err, ErrFileInUse):
		return "file_in_use"
	case errors.Is(err, ErrDownloadStopped):
		return "download_stopped"
	case errors.Is(err, ErrDownloadIncomplete):
		return "download_incomplete"
	case errors.Is(err, ErrDownloadFailed):
		return "download_failed"
	case errors.Is(err, ErrUploadFailed):
		return "upload_failed"
	case errors.Is(err, ErrUploadStopped):
		return "upload_stopped"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrFileSizeMismatch):
		return "file_size_mismatch"
	case errors.Is(err, ErrBufferTooSmall):
		return "buffer_too_small"
	case errors.Is(err, ErrBufferOverflow):
		return "buffer_overflow"
	case errors.Is(err, ErrNotImplemented):
		return "not_implemented"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	case errors.Is(err, ErrOutOfMemory):
		return "out_of_memory"
	default:
		return "error"
	}
}
