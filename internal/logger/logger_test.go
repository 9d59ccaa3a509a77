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

package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redirectToBuffer() *bytes.Buffer {
	buf := &bytes.Buffer{}
	defaultLogger = newLogger(buf)
	return buf
}

func TestSeverityFiltering(t *testing.T) {
	buf := redirectToBuffer()
	require.NoError(t, SetLogSeverity("WARNING"))

	Infof("hidden %s", "info")
	Warnf("visible %s", "warning")
	Errorf("visible %s", "error")

	output := buf.String()
	assert.NotContains(t, output, "hidden info")
	assert.Contains(t, output, "visible warning")
	assert.Contains(t, output, "visible error")
}

func TestTraceSeverityRendersName(t *testing.T) {
	buf := redirectToBuffer()
	require.NoError(t, SetLogSeverity("TRACE"))

	Tracef("tracing %d", 42)

	assert.Contains(t, buf.String(), "severity=TRACE")
	assert.Contains(t, buf.String(), "tracing 42")
}

func TestUnknownSeverityRejected(t *testing.T) {
	assert.Error(t, SetLogSeverity("LOUD"))
}

func TestSeverityAliases(t *testing.T) {
	for _, severity := range []string{"TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "OFF", ""} {
		assert.NoError(t, SetLogSeverity(severity), "severity %q", severity)
	}
}

func TestOffSuppressesEverything(t *testing.T) {
	buf := redirectToBuffer()
	require.NoError(t, SetLogSeverity("OFF"))

	Errorf("silent")

	assert.Equal(t, 0, len(strings.TrimSpace(buf.String())))
}
