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
	"os"
	"sort"

	"github.com/blockstorage/repertory/internal/logger"
	"github.com/blockstorage/repertory/internal/polling"
	"github.com/blockstorage/repertory/internal/provider"
	"github.com/blockstorage/repertory/internal/utils"
)

const evictionCallback = "eviction"

// evictionThresholdPercent is the cache-usage fraction the sweeper
// drives usage below.
const evictionThresholdPercent = 80

// Eviction periodically releases cache bodies of idle, unpinned,
// fully-downloaded files, oldest first, until cache usage falls under
// the threshold.
type Eviction struct {
	fm  *FileManager
	cfg Config
	svc Services
}

func NewEviction(fm *FileManager, cfg Config, svc Services) *Eviction {
	return &Eviction{fm: fm, cfg: cfg, svc: svc}
}

func (e *Eviction) Start() {
	e.svc.Poller.SetCallback(polling.Callback{
		Name: evictionCallback,
		Freq: polling.FreqLow,
		Fn:   e.checkItems,
	})
}

func (e *Eviction) Stop() {
	e.svc.Poller.RemoveCallback(evictionCallback)
}

type evictionCandidate struct {
	apiPath string
	sortKey uint64
}

func (e *Eviction) overThreshold() bool {
	maxBytes := e.svc.CacheMgr.Max()
	if maxBytes == 0 {
		return false
	}

	return e.svc.CacheMgr.Used()*100 > maxBytes*uint64(evictionThresholdPercent)
}

// checkItems walks every locally known file and evicts candidates in
// least-recently-used order while usage stays over the threshold.
func (e *Eviction) checkItems() {
	if !e.overThreshold() {
		return
	}

	paths, err := e.svc.Store.ListMetaPaths()
	if err != nil {
		logger.Errorf("eviction: failed to list meta paths: %v", err)
		return
	}

	var candidates []evictionCandidate
	for _, apiPath := range paths {
		meta, err := e.svc.Store.GetMeta(apiPath)
		if err != nil {
			continue
		}
		if meta[provider.MetaDirectory] == "true" || meta[provider.MetaPinned] == "true" {
			continue
		}

		sourcePath := meta[provider.MetaSource]
		if sourcePath == "" {
			continue
		}

		info, err := os.Stat(sourcePath)
		if err != nil {
			continue
		}

		// Only fully-downloaded bodies are safe to drop; a partial body
		// still holds the only copy of resumed progress.
		size := utils.ParseNanos(meta[provider.MetaSize])
		if uint64(info.Size()) != size {
			continue
		}

		if e.fm.IsProcessing(apiPath) || e.fm.GetOpenFileCount(apiPath) > 0 {
			continue
		}

		sortMeta := provider.MetaModified
		if e.cfg.EvictionUseAccessedTime {
			sortMeta = provider.MetaAccessed
		}
		candidates = append(candidates, evictionCandidate{
			apiPath: apiPath,
			sortKey: utils.ParseNanos(meta[sortMeta]),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].sortKey < candidates[j].sortKey
	})

	for _, candidate := range candidates {
		if !e.overThreshold() {
			return
		}
		e.fm.EvictFile(candidate.apiPath)
	}
}
