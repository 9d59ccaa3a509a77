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

// Package cfg defines the mount configuration surface: the Config
// struct tree that a YAML config file unmarshals into, and the flag
// set bound through viper so every setting is reachable from the
// command line.
package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	ProviderName string `yaml:"provider-name" mapstructure:"provider-name"`

	DataDir string `yaml:"data-dir" mapstructure:"data-dir"`

	Download DownloadConfig `yaml:"download" mapstructure:"download"`

	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	Upload UploadConfig `yaml:"upload" mapstructure:"upload"`

	Eviction EvictionConfig `yaml:"eviction" mapstructure:"eviction"`

	Polling PollingConfig `yaml:"polling" mapstructure:"polling"`

	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	OnlineCheckRetrySecs uint `yaml:"online-check-retry-secs" mapstructure:"online-check-retry-secs"`
}

type DownloadConfig struct {
	// ChunkSizeBytes is the fixed partition size for chunked
	// downloads.
	ChunkSizeBytes uint64 `yaml:"chunk-size-bytes" mapstructure:"chunk-size-bytes"`

	// ChunkTimeoutSecs closes idle cached files; zero disables.
	ChunkTimeoutSecs uint `yaml:"chunk-timeout-secs" mapstructure:"chunk-timeout-secs"`

	// RingBufferSizeChunks is the slot count for oversized read-only
	// opens. Power of two, at least 4.
	RingBufferSizeChunks uint64 `yaml:"ring-buffer-size-chunks" mapstructure:"ring-buffer-size-chunks"`

	// RingBufferThresholdBytes streams files larger than this through
	// the ring buffer when the mount is read-only. Files smaller than
	// RingBufferSizeChunks chunks are always cached whole. Zero disables.
	RingBufferThresholdBytes uint64 `yaml:"ring-buffer-threshold-bytes" mapstructure:"ring-buffer-threshold-bytes"`
}

type CacheConfig struct {
	MaxSizeBytes uint64 `yaml:"max-size-bytes" mapstructure:"max-size-bytes"`
}

type UploadConfig struct {
	MaxUploadCount int `yaml:"max-upload-count" mapstructure:"max-upload-count"`
}

type EvictionConfig struct {
	UseAccessedTime bool `yaml:"use-accessed-time" mapstructure:"use-accessed-time"`
}

type PollingConfig struct {
	HighFreqSecs   uint `yaml:"high-freq-secs" mapstructure:"high-freq-secs"`
	MediumFreqSecs uint `yaml:"medium-freq-secs" mapstructure:"medium-freq-secs"`
	LowFreqSecs    uint `yaml:"low-freq-secs" mapstructure:"low-freq-secs"`
}

type LoggingConfig struct {
	LogFile  string `yaml:"log-file" mapstructure:"log-file"`
	Severity string `yaml:"severity" mapstructure:"severity"`
}

const (
	DefaultChunkSizeBytes       = 8 << 20
	DefaultChunkTimeoutSecs     = 60
	DefaultRingBufferSizeChunks = 128
	DefaultMaxCacheSizeBytes    = 20 << 30
	DefaultMaxUploadCount       = 5
	DefaultHighFreqSecs         = 30
	DefaultMediumFreqSecs       = 120
	DefaultLowFreqSecs          = 900
	DefaultOnlineCheckRetrySecs = 60
)

func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("provider-name", "", "", "Name of the storage provider backend to mount.")
	if err = viper.BindPFlag("provider-name", flagSet.Lookup("provider-name")); err != nil {
		return err
	}

	flagSet.StringP("data-dir", "", "", "Directory for cache bodies, metadata and salvage.")
	if err = viper.BindPFlag("data-dir", flagSet.Lookup("data-dir")); err != nil {
		return err
	}

	flagSet.Uint64P("chunk-size-bytes", "", DefaultChunkSizeBytes, "Fixed download chunk size in bytes.")
	if err = viper.BindPFlag("download.chunk-size-bytes", flagSet.Lookup("chunk-size-bytes")); err != nil {
		return err
	}

	flagSet.UintP("chunk-timeout-secs", "", DefaultChunkTimeoutSecs, "Idle seconds before a cached file is closed. Zero disables.")
	if err = viper.BindPFlag("download.chunk-timeout-secs", flagSet.Lookup("chunk-timeout-secs")); err != nil {
		return err
	}

	flagSet.Uint64P("ring-buffer-size-chunks", "", DefaultRingBufferSizeChunks, "Chunk slots for ring-buffered reads. Power of two, at least 4.")
	if err = viper.BindPFlag("download.ring-buffer-size-chunks", flagSet.Lookup("ring-buffer-size-chunks")); err != nil {
		return err
	}

	flagSet.Uint64P("ring-buffer-threshold-bytes", "", 0, "Stream read-only files larger than this through the ring buffer; files under one full ring stay fully cached. Zero disables.")
	if err = viper.BindPFlag("download.ring-buffer-threshold-bytes", flagSet.Lookup("ring-buffer-threshold-bytes")); err != nil {
		return err
	}

	flagSet.Uint64P("max-cache-size-bytes", "", DefaultMaxCacheSizeBytes, "Ceiling on locally cached bytes.")
	if err = viper.BindPFlag("cache.max-size-bytes", flagSet.Lookup("max-cache-size-bytes")); err != nil {
		return err
	}

	flagSet.IntP("max-upload-count", "", DefaultMaxUploadCount, "Maximum concurrent uploads.")
	if err = viper.BindPFlag("upload.max-upload-count", flagSet.Lookup("max-upload-count")); err != nil {
		return err
	}

	flagSet.BoolP("eviction-use-accessed-time", "", false, "Sort eviction candidates by accessed time instead of modified time.")
	if err = viper.BindPFlag("eviction.use-accessed-time", flagSet.Lookup("eviction-use-accessed-time")); err != nil {
		return err
	}

	flagSet.UintP("polling-high-freq-secs", "", DefaultHighFreqSecs, "High-frequency polling interval in seconds.")
	if err = viper.BindPFlag("polling.high-freq-secs", flagSet.Lookup("polling-high-freq-secs")); err != nil {
		return err
	}

	flagSet.UintP("polling-medium-freq-secs", "", DefaultMediumFreqSecs, "Medium-frequency polling interval in seconds.")
	if err = viper.BindPFlag("polling.medium-freq-secs", flagSet.Lookup("polling-medium-freq-secs")); err != nil {
		return err
	}

	flagSet.UintP("polling-low-freq-secs", "", DefaultLowFreqSecs, "Low-frequency polling interval in seconds.")
	if err = viper.BindPFlag("polling.low-freq-secs", flagSet.Lookup("polling-low-freq-secs")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Log file path; empty logs to stderr.")
	if err = viper.BindPFlag("logging.log-file", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "INFO", "Minimum log severity (TRACE, DEBUG, INFO, WARNING, ERROR, OFF).")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.UintP("online-check-retry-secs", "", DefaultOnlineCheckRetrySecs, "Seconds to retry the provider online check before mount fails.")
	if err = viper.BindPFlag("online-check-retry-secs", flagSet.Lookup("online-check-retry-secs")); err != nil {
		return err
	}

	return nil
}
