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

// Package events defines the typed events the engine emits and the bus
// that delivers them. The engine only publishes; consumers (logging,
// UI, tests) subscribe.
package events

// Event is implemented by every event type in this package.
type Event interface {
	// EventName returns the stable wire name of the event.
	EventName() string
}

////////////////////////////////////////////////////////////////////////
// Download lifecycle
////////////////////////////////////////////////////////////////////////

type DownloadBegin struct {
	APIPath    string
	SourcePath string
}

func (DownloadBegin) EventName() string { return "download_begin" }

type DownloadProgress struct {
	APIPath    string
	SourcePath string
	Progress   float64 // percent complete, 0..100
}

func (DownloadProgress) EventName() string { return "download_progress" }

type DownloadEnd struct {
	APIPath    string
	SourcePath string
	Error      error
}

func (DownloadEnd) EventName() string { return "download_end" }

type DownloadTimeout struct {
	APIPath    string
	SourcePath string
}

func (DownloadTimeout) EventName() string { return "download_timeout" }

type DownloadStored struct {
	APIPath    string
	SourcePath string
}

func (DownloadStored) EventName() string { return "download_stored" }

type DownloadStoredFailed struct {
	APIPath    string
	SourcePath string
	Error      error
}

func (DownloadStoredFailed) EventName() string { return "download_stored_failed" }

type DownloadStoredRemoved struct {
	APIPath    string
	SourcePath string
}

func (DownloadStoredRemoved) EventName() string { return "download_stored_removed" }

type DownloadRestored struct {
	APIPath    string
	SourcePath string
}

func (DownloadRestored) EventName() string { return "download_restored" }

type DownloadRestoreFailed struct {
	APIPath    string
	SourcePath string
	Error      error
}

func (DownloadRestoreFailed) EventName() string { return "download_restore_failed" }

////////////////////////////////////////////////////////////////////////
// Upload lifecycle
////////////////////////////////////////////////////////////////////////

type FileUploadQueued struct {
	APIPath    string
	SourcePath string
}

func (FileUploadQueued) EventName() string { return "file_upload_queued" }

type FileUploadRetry struct {
	APIPath    string
	SourcePath string
	Error      error
}

func (FileUploadRetry) EventName() string { return "file_upload_retry" }

type FileUploadCompleted struct {
	APIPath    string
	SourcePath string
	Error      error
	Cancelled  bool
}

func (FileUploadCompleted) EventName() string { return "file_upload_completed" }

type FileUploadRemoved struct {
	APIPath    string
	SourcePath string
}

func (FileUploadRemoved) EventName() string { return "file_upload_removed" }

type FileUploadNotFound struct {
	APIPath    string
	SourcePath string
}

func (FileUploadNotFound) EventName() string { return "file_upload_not_found" }

////////////////////////////////////////////////////////////////////////
// Filesystem items
////////////////////////////////////////////////////////////////////////

type FileRemoved struct {
	APIPath    string
	SourcePath string
}

func (FileRemoved) EventName() string { return "file_removed" }

type FileRemoveFailed struct {
	APIPath string
	Error   error
}

func (FileRemoveFailed) EventName() string { return "file_remove_failed" }

type FilesystemItemAdded struct {
	APIPath   string
	APIParent string
	Directory bool
}

func (FilesystemItemAdded) EventName() string { return "filesystem_item_added" }

type FilesystemItemEvicted struct {
	APIPath    string
	SourcePath string
}

func (FilesystemItemEvicted) EventName() string { return "filesystem_item_evicted" }

type DirectoryRemoved struct {
	APIPath string
}

func (DirectoryRemoved) EventName() string { return "directory_removed" }

type DirectoryRemoveFailed struct {
	APIPath string
	Error   error
}

func (DirectoryRemoveFailed) EventName() string { return "directory_remove_failed" }

type DirectoryRemovedExternally struct {
	APIPath string
}

func (DirectoryRemovedExternally) EventName() string { return "directory_removed_externally" }

type FileRemovedExternally struct {
	APIPath    string
	SourcePath string
}

func (FileRemovedExternally) EventName() string { return "file_removed_externally" }

type OrphanedFileDetected struct {
	SourcePath string
}

func (OrphanedFileDetected) EventName() string { return "orphaned_file_detected" }

type OrphanedFileProcessed struct {
	SourcePath string
	DestPath   string
}

func (OrphanedFileProcessed) EventName() string { return "orphaned_file_processed" }

type OrphanedFileProcessingFailed struct {
	SourcePath string
	DestPath   string
	Error      error
}

func (OrphanedFileProcessingFailed) EventName() string { return "orphaned_file_processing_failed" }

////////////////////////////////////////////////////////////////////////
// Service lifecycle
////////////////////////////////////////////////////////////////////////

type ServiceStarted struct {
	Service string
}

func (ServiceStarted) EventName() string { return "service_started" }

type ServiceShutdownBegin struct {
	Service string
}

func (ServiceShutdownBegin) EventName() string { return "service_shutdown_begin" }

type ServiceShutdownEnd struct {
	Service string
}

func (ServiceShutdownEnd) EventName() string { return "service_shutdown_end" }

type ProviderOffline struct {
	HostNameOrIP string
	Port         uint16
}

func (ProviderOffline) EventName() string { return "provider_offline" }
