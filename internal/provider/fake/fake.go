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

// Package fake provides an in-memory provider for tests. Items live in
// maps; hooks inject failures and counters record remote traffic.
package fake

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/blockstorage/repertory/internal/apierr"
	"github.com/blockstorage/repertory/internal/provider"
	"github.com/blockstorage/repertory/internal/utils"
)

type object struct {
	data []byte
	meta map[string]string
}

// Provider is an in-memory implementation of provider.Provider.
type Provider struct {
	mu sync.Mutex

	readOnly        bool
	renameSupported bool

	files map[string]*object
	dirs  map[string]map[string]string // api path → meta

	// ReadErr, when set, is consulted before every ReadFileBytes call.
	ReadErr func(apiPath string, offset uint64) error

	// UploadErr, when set, is consulted before every UploadFile call.
	UploadErr func(apiPath string) error

	readCalls   map[string][]uint64 // api path → offsets requested
	uploadCalls map[string]int
}

// NewProvider creates an empty provider containing only the root
// directory.
func NewProvider() *Provider {
	return &Provider{
		renameSupported: true,
		files:           make(map[string]*object),
		dirs:            map[string]map[string]string{"/": {provider.MetaDirectory: "true"}},
		readCalls:       make(map[string][]uint64),
		uploadCalls:     make(map[string]int),
	}
}

////////////////////////////////////////////////////////////////////////
// Test controls
////////////////////////////////////////////////////////////////////////

func (p *Provider) SetReadOnly(readOnly bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.readOnly = readOnly
}

func (p *Provider) SetRenameSupported(supported bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.renameSupported = supported
}

// PutObject installs or replaces a file with the given body.
func (p *Provider) PutObject(apiPath string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	apiPath = utils.CreateAPIPath(apiPath)
	obj, ok := p.files[apiPath]
	if !ok {
		obj = &object{meta: make(map[string]string)}
		p.files[apiPath] = obj
	}
	obj.data = append([]byte(nil), data...)
	obj.meta[provider.MetaSize] = strconv.Itoa(len(data))
	obj.meta[provider.MetaDirectory] = "false"
}

// ObjectBytes returns a copy of the stored body.
func (p *Provider) ObjectBytes(apiPath string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.files[utils.CreateAPIPath(apiPath)]
	if !ok {
		return nil
	}

	return append([]byte(nil), obj.data...)
}

// ReadCalls returns the chunk offsets requested for the path.
func (p *Provider) ReadCalls(apiPath string) []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]uint64(nil), p.readCalls[utils.CreateAPIPath(apiPath)]...)
}

// UploadCalls returns how many times the path was uploaded.
func (p *Provider) UploadCalls(apiPath string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.uploadCalls[utils.CreateAPIPath(apiPath)]
}

////////////////////////////////////////////////////////////////////////
// provider.Provider
////////////////////////////////////////////////////////////////////////

func (p *Provider) IsReadOnly() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.readOnly
}

func (p *Provider) IsRenameSupported() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.renameSupported
}

func (p *Provider) GetFilesystemItem(apiPath string, directory bool) (provider.FilesystemItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	apiPath = utils.CreateAPIPath(apiPath)
	if directory {
		if _, ok := p.dirs[apiPath]; !ok {
			return provider.FilesystemItem{}, fmt.Errorf("%s: %w", apiPath, apierr.ErrDirectoryNotFound)
		}
		return provider.FilesystemItem{
			APIPath:   apiPath,
			APIParent: utils.ParentAPIPath(apiPath),
			Directory: true,
		}, nil
	}

	obj, ok := p.files[apiPath]
	if !ok {
		return provider.FilesystemItem{}, fmt.Errorf("%s: %w", apiPath, apierr.ErrItemNotFound)
	}

	return provider.FilesystemItem{
		APIPath:    apiPath,
		APIParent:  utils.ParentAPIPath(apiPath),
		Directory:  false,
		Size:       uint64(len(obj.data)),
		SourcePath: obj.meta[provider.MetaSource],
	}, nil
}

func (p *Provider) GetDirectoryItems(apiPath string) ([]provider.DirectoryItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	apiPath = utils.CreateAPIPath(apiPath)
	if _, ok := p.dirs[apiPath]; !ok {
		return nil, fmt.Errorf("%s: %w", apiPath, apierr.ErrDirectoryNotFound)
	}

	var dirItems, fileItems []provider.DirectoryItem
	for path, meta := range p.dirs {
		if path != apiPath && utils.ParentAPIPath(path) == apiPath {
			dirItems = append(dirItems, provider.DirectoryItem{
				APIPath:   path,
				Directory: true,
				Meta:      copyMeta(meta),
			})
		}
	}
	for path, obj := range p.files {
		if utils.ParentAPIPath(path) == apiPath {
			fileItems = append(fileItems, provider.DirectoryItem{
				APIPath:   path,
				Directory: false,
				Size:      uint64(len(obj.data)),
				Meta:      copyMeta(obj.meta),
			})
		}
	}

	sort.Slice(dirItems, func(i, j int) bool { return dirItems[i].APIPath < dirItems[j].APIPath })
	sort.Slice(fileItems, func(i, j int) bool { return fileItems[i].APIPath < fileItems[j].APIPath })

	items := []provider.DirectoryItem{
		{APIPath: ".", Directory: true},
		{APIPath: "..", Directory: true},
	}
	items = append(items, dirItems...)
	items = append(items, fileItems...)

	return items, nil
}

func (p *Provider) GetFileSize(apiPath string) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.files[utils.CreateAPIPath(apiPath)]
	if !ok {
		return 0, fmt.Errorf("%s: %w", apiPath, apierr.ErrItemNotFound)
	}

	return uint64(len(obj.data)), nil
}

func (p *Provider) GetItemMeta(apiPath string) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	apiPath = utils.CreateAPIPath(apiPath)
	if obj, ok := p.files[apiPath]; ok {
		return copyMeta(obj.meta), nil
	}
	if meta, ok := p.dirs[apiPath]; ok {
		return copyMeta(meta), nil
	}

	return nil, fmt.Errorf("%s: %w", apiPath, apierr.ErrItemNotFound)
}

func (p *Provider) SetItemMeta(apiPath string, meta map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	apiPath = utils.CreateAPIPath(apiPath)
	if obj, ok := p.files[apiPath]; ok {
		for k, v := range meta {
			obj.meta[k] = v
		}
		return nil
	}
	if dirMeta, ok := p.dirs[apiPath]; ok {
		for k, v := range meta {
			dirMeta[k] = v
		}
		return nil
	}

	return fmt.Errorf("%s: %w", apiPath, apierr.ErrItemNotFound)
}

func (p *Provider) CreateFile(apiPath string, meta map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	apiPath = utils.CreateAPIPath(apiPath)
	if _, ok := p.files[apiPath]; ok {
		return fmt.Errorf("%s: %w", apiPath, apierr.ErrItemExists)
	}
	if _, ok := p.dirs[apiPath]; ok {
		return fmt.Errorf("%s: %w", apiPath, apierr.ErrDirectoryExists)
	}
	if _, ok := p.dirs[utils.ParentAPIPath(apiPath)]; !ok {
		return fmt.Errorf("%s: %w", apiPath, apierr.ErrDirectoryNotFound)
	}

	obj := &object{meta: copyMeta(meta)}
	if obj.meta == nil {
		obj.meta = make(map[string]string)
	}
	obj.meta[provider.MetaDirectory] = "false"
	obj.meta[provider.MetaSize] = "0"
	p.files[apiPath] = obj

	return nil
}

func (p *Provider) CreateDirectory(apiPath string, meta map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	apiPath = utils.CreateAPIPath(apiPath)
	if _, ok := p.dirs[apiPath]; ok {
		return fmt.Errorf("%s: %w", apiPath, apierr.ErrDirectoryExists)
	}
	if _, ok := p.files[apiPath]; ok {
		return fmt.Errorf("%s: %w", apiPath, apierr.ErrItemExists)
	}

	dirMeta := copyMeta(meta)
	if dirMeta == nil {
		dirMeta = make(map[string]string)
	}
	dirMeta[provider.MetaDirectory] = "true"
	p.dirs[apiPath] = dirMeta

	return nil
}

func (p *Provider) CreateDirectoryCloneSourceMeta(fromPath string, toPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fromPath = utils.CreateAPIPath(fromPath)
	toPath = utils.CreateAPIPath(toPath)

	srcMeta, ok := p.dirs[fromPath]
	if !ok {
		return fmt.Errorf("%s: %w", fromPath, apierr.ErrDirectoryNotFound)
	}
	if _, ok := p.dirs[toPath]; ok {
		return fmt.Errorf("%s: %w", toPath, apierr.ErrDirectoryExists)
	}

	p.dirs[toPath] = copyMeta(srcMeta)

	return nil
}

func (p *Provider) RemoveFile(apiPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	apiPath = utils.CreateAPIPath(apiPath)
	if _, ok := p.files[apiPath]; !ok {
		return fmt.Errorf("%s: %w", apiPath, apierr.ErrItemNotFound)
	}
	delete(p.files, apiPath)

	return nil
}

func (p *Provider) RemoveDirectory(apiPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	apiPath = utils.CreateAPIPath(apiPath)
	if _, ok := p.dirs[apiPath]; !ok {
		return fmt.Errorf("%s: %w", apiPath, apierr.ErrDirectoryNotFound)
	}
	for path := range p.files {
		if utils.ParentAPIPath(path) == apiPath {
			return fmt.Errorf("%s: %w", apiPath, apierr.ErrDirectoryNotEmpty)
		}
	}
	for path := range p.dirs {
		if path != apiPath && utils.ParentAPIPath(path) == apiPath {
			return fmt.Errorf("%s: %w", apiPath, apierr.ErrDirectoryNotEmpty)
		}
	}
	delete(p.dirs, apiPath)

	return nil
}

func (p *Provider) RenameFile(fromPath string, toPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fromPath = utils.CreateAPIPath(fromPath)
	toPath = utils.CreateAPIPath(toPath)

	obj, ok := p.files[fromPath]
	if !ok {
		return fmt.Errorf("%s: %w", fromPath, apierr.ErrItemNotFound)
	}
	if _, ok := p.files[toPath]; ok {
		return fmt.Errorf("%s: %w", toPath, apierr.ErrItemExists)
	}

	delete(p.files, fromPath)
	p.files[toPath] = obj

	return nil
}

func (p *Provider) IsFile(apiPath string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.files[utils.CreateAPIPath(apiPath)]
	return ok, nil
}

func (p *Provider) IsDirectory(apiPath string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.dirs[utils.CreateAPIPath(apiPath)]
	return ok, nil
}

func (p *Provider) IsFileWriteable(apiPath string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return !p.readOnly
}

func (p *Provider) ReadFileBytes(ctx context.Context, apiPath string,
	length uint64, offset uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	apiPath = utils.CreateAPIPath(apiPath)
	readErr := p.ReadErr
	obj, ok := p.files[apiPath]
	if ok {
		p.readCalls[apiPath] = append(p.readCalls[apiPath], offset)
	}
	var data []byte
	if ok {
		data = obj.data
	}
	p.mu.Unlock()

	if readErr != nil {
		if err := readErr(apiPath, offset); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", apiPath, apierr.ErrItemNotFound)
	}
	if offset > uint64(len(data)) {
		return nil, fmt.Errorf("%s: %w", apiPath, apierr.ErrBufferOverflow)
	}

	end := offset + length
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}

	return append([]byte(nil), data[offset:end]...), nil
}

func (p *Provider) UploadFile(ctx context.Context, apiPath string, sourcePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	apiPath = utils.CreateAPIPath(apiPath)
	p.uploadCalls[apiPath]++
	uploadErr := p.UploadErr
	p.mu.Unlock()

	if uploadErr != nil {
		if err := uploadErr(apiPath); err != nil {
			return err
		}
	}

	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return apierr.OS(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.files[apiPath]
	if !ok {
		return fmt.Errorf("%s: %w", apiPath, apierr.ErrItemNotFound)
	}
	obj.data = data
	obj.meta[provider.MetaSize] = strconv.Itoa(len(data))

	return nil
}

func (p *Provider) GetTotalDriveSpace() uint64 {
	return 1 << 40
}

func (p *Provider) GetUsedDriveSpace() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var used uint64
	for _, obj := range p.files {
		used += uint64(len(obj.data))
	}

	return used
}

func copyMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}

	copied := make(map[string]string, len(meta))
	for k, v := range meta {
		copied[k] = v
	}

	return copied
}
