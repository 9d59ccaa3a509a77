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

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockstorage/repertory/cfg"
	"github.com/blockstorage/repertory/clock"
	"github.com/blockstorage/repertory/internal/cachesize"
	"github.com/blockstorage/repertory/internal/events"
	"github.com/blockstorage/repertory/internal/filemgr"
	"github.com/blockstorage/repertory/internal/logger"
	"github.com/blockstorage/repertory/internal/metastore"
	"github.com/blockstorage/repertory/internal/polling"
	"github.com/blockstorage/repertory/internal/provider"
)

var providerSettings map[string]string

var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Mount the configured provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMount(&mountConfig)
	},
}

func init() {
	mountCmd.Flags().StringToStringVar(&providerSettings, "provider-setting", nil,
		"Backend-specific setting as key=value; repeatable.")
	rootCmd.AddCommand(mountCmd)
}

func runMount(config *cfg.Config) error {
	if config.ProviderName == "" {
		return fmt.Errorf("provider-name is required; registered backends: %v", provider.Names())
	}
	if config.DataDir == "" {
		return fmt.Errorf("data-dir is required")
	}

	if err := logger.InitLogFile(config.Logging.LogFile, config.Logging.Severity); err != nil {
		return err
	}
	defer logger.Close()

	prov, err := provider.New(config.ProviderName, providerSettings)
	if err != nil {
		return err
	}

	store, err := metastore.NewBoltStore(filepath.Join(config.DataDir, "meta", "meta.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	clk := clock.RealClock{}
	bus := events.NewBus()
	bus.Subscribe(func(e events.Event) {
		logger.Debugf("event %s: %+v", e.EventName(), e)
	})

	poller := polling.NewPoller(clk)
	poller.Start(polling.Intervals{
		High:   time.Duration(config.Polling.HighFreqSecs) * time.Second,
		Medium: time.Duration(config.Polling.MediumFreqSecs) * time.Second,
		Low:    time.Duration(config.Polling.LowFreqSecs) * time.Second,
	})
	defer poller.Stop()

	cacheMgr := cachesize.NewManager(config.Cache.MaxSizeBytes)
	defer cacheMgr.Stop()

	svc := filemgr.Services{
		Provider: prov,
		Store:    store,
		Bus:      bus,
		CacheMgr: cacheMgr,
		Poller:   poller,
		Clock:    clk,
	}

	if err := waitForProvider(prov, bus, clk, config.OnlineCheckRetrySecs); err != nil {
		return err
	}

	fm := filemgr.NewFileManager(filemgr.Config{
		ChunkSize:               config.Download.ChunkSizeBytes,
		ChunkTimeout:            time.Duration(config.Download.ChunkTimeoutSecs) * time.Second,
		CacheDir:                filepath.Join(config.DataDir, "cache"),
		DataDir:                 config.DataDir,
		MaxUploadCount:          config.Upload.MaxUploadCount,
		RingSize:                config.Download.RingBufferSizeChunks,
		RingBufferThreshold:     config.Download.RingBufferThresholdBytes,
		EvictionUseAccessedTime: config.Eviction.UseAccessedTime,
	}, svc)

	if err := fm.Start(); err != nil {
		return err
	}
	defer fm.Stop()

	eviction := filemgr.NewEviction(fm, filemgr.Config{
		EvictionUseAccessedTime: config.Eviction.UseAccessedTime,
	}, svc)
	eviction.Start()
	defer eviction.Stop()

	logger.Infof("mounted provider %q with data dir %s", config.ProviderName, config.DataDir)

	// The host adapter (FUSE/WinFSP) drives the file manager from here;
	// block until asked to unmount.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Infof("unmounting provider %q", config.ProviderName)

	return nil
}

// waitForProvider retries a cheap enumeration until the provider
// responds or the retry window lapses.
func waitForProvider(prov provider.Provider, bus *events.Bus, clk clock.Clock,
	retrySecs uint) error {
	deadline := clk.Now().Add(time.Duration(retrySecs) * time.Second)

	for {
		if _, err := prov.GetDirectoryItems("/"); err == nil {
			return nil
		}

		bus.Emit(events.ProviderOffline{})
		if !clk.Now().Before(deadline) {
			return fmt.Errorf("provider offline after %d second(s)", retrySecs)
		}

		<-clk.After(5 * time.Second)
	}
}
