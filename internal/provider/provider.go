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

// Package provider declares the capability set the engine consumes
// from a storage backend. The engine never inspects which backend it
// is talking to.
package provider

import (
	"context"
)

// FilesystemItem is the engine's view of one remote object.
type FilesystemItem struct {
	APIPath    string
	APIParent  string // parent api path, or "" for the root
	Directory  bool
	Size       uint64 // authoritative logical size (files only)
	SourcePath string // local cache body, "" for directories
}

// DirectoryItem is one entry of a directory enumeration.
type DirectoryItem struct {
	APIPath   string
	Directory bool
	Size      uint64
	Meta      map[string]string
}

// Well-known item metadata keys.
const (
	MetaAccessed   = "accessed"
	MetaAttributes = "attributes"
	MetaChanged    = "changed"
	MetaCreation   = "creation"
	MetaDirectory  = "directory"
	MetaGID        = "gid"
	MetaKey        = "key"
	MetaMode       = "mode"
	MetaModified   = "modified"
	MetaPinned     = "pinned"
	MetaSize       = "size"
	MetaSource     = "source"
	MetaUID        = "uid"
	MetaWritten    = "written"
)

// Provider is the remote store capability set.
//
// GetDirectoryItems returns directories first, then files, each group
// ordered by api path ascending, and includes "." and ".." entries.
// ReadFileBytes and UploadFile honor context cancellation so shutdown
// propagates into in-flight transfers.
type Provider interface {
	IsReadOnly() bool
	IsRenameSupported() bool

	GetFilesystemItem(apiPath string, directory bool) (FilesystemItem, error)
	GetDirectoryItems(apiPath string) ([]DirectoryItem, error)
	GetFileSize(apiPath string) (uint64, error)

	GetItemMeta(apiPath string) (map[string]string, error)
	SetItemMeta(apiPath string, meta map[string]string) error

	CreateFile(apiPath string, meta map[string]string) error
	CreateDirectory(apiPath string, meta map[string]string) error
	CreateDirectoryCloneSourceMeta(fromPath string, toPath string) error
	RemoveFile(apiPath string) error
	RemoveDirectory(apiPath string) error
	RenameFile(fromPath string, toPath string) error

	IsFile(apiPath string) (bool, error)
	IsDirectory(apiPath string) (bool, error)
	IsFileWriteable(apiPath string) bool

	ReadFileBytes(ctx context.Context, apiPath string, length uint64, offset uint64) ([]byte, error)
	UploadFile(ctx context.Context, apiPath string, sourcePath string) error

	GetTotalDriveSpace() uint64
	GetUsedDriveSpace() uint64
}
