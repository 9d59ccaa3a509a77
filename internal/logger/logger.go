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

// Package logger provides the process-wide structured logger. Until
// InitLogFile is called, everything goes to stderr.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelTrace sits below slog.LevelDebug, matching the TRACE severity
// used in log output.
const LevelTrace = slog.Level(-8)

const (
	defaultMaxSizeMB   = 512
	defaultBackupCount = 10
)

var (
	mu            sync.Mutex
	programLevel  = new(slog.LevelVar)
	defaultLogger = newLogger(os.Stderr)
	logWriter     io.WriteCloser
)

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: programLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				a.Key = "severity"
				if a.Value.Any().(slog.Level) == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}))
}

// InitLogFile routes log output to the named file with rotation. An
// empty file path keeps stderr.
func InitLogFile(filePath string, severity string) error {
	mu.Lock()
	defer mu.Unlock()

	if err := SetLogSeverity(severity); err != nil {
		return err
	}

	if filePath == "" {
		return nil
	}

	writer := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    defaultMaxSizeMB,
		MaxBackups: defaultBackupCount,
		Compress:   true,
	}
	logWriter = writer
	defaultLogger = newLogger(writer)

	return nil
}

// SetLogSeverity adjusts the minimum severity that is emitted.
func SetLogSeverity(severity string) error {
	switch strings.ToUpper(severity) {
	case "TRACE":
		programLevel.Set(LevelTrace)
	case "DEBUG":
		programLevel.Set(slog.LevelDebug)
	case "", "INFO":
		programLevel.Set(slog.LevelInfo)
	case "WARNING", "WARN":
		programLevel.Set(slog.LevelWarn)
	case "ERROR":
		programLevel.Set(slog.LevelError)
	case "OFF":
		programLevel.Set(slog.Level(100))
	default:
		return fmt.Errorf("unknown log severity: %q", severity)
	}

	return nil
}

// Close flushes and closes the log file, if one is open.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logWriter != nil {
		logWriter.Close()
		logWriter = nil
		defaultLogger = newLogger(os.Stderr)
	}
}

func Tracef(format string, v ...any) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...any) {
	defaultLogger.Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	defaultLogger.Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	defaultLogger.Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	defaultLogger.Error(fmt.Sprintf(format, v...))
}
