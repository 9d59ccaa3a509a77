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

package chunkio

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockstorage/repertory/internal/apierr"
)

func newTestIO(t *testing.T) *IO {
	t.Helper()

	io, err := OpenOrCreate(filepath.Join(t.TempDir(), "cache", "body"), false)
	require.NoError(t, err)
	t.Cleanup(func() { io.Close() })

	return io
}

func TestOpenOrCreateMakesParents(t *testing.T) {
	io := newTestIO(t)

	size, err := io.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), size)
}

func TestWriteThenRead(t *testing.T) {
	io := newTestIO(t)

	n, err := io.Write([]byte("taco"), 2)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 4)
	n, err = io.Read(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.True(t, bytes.Equal([]byte("taco"), buf))

	size, err := io.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), size)
}

func TestShortReadOnlyAtEOF(t *testing.T) {
	io := newTestIO(t)

	_, err := io.Write([]byte("burrito"), 0)
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := io.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestTruncateGrowsAndShrinks(t *testing.T) {
	io := newTestIO(t)

	require.NoError(t, io.Truncate(4096))
	size, err := io.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), size)

	// Grown regions read as zeros.
	buf := make([]byte, 8)
	n, err := io.Read(buf, 1000)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.True(t, bytes.Equal(make([]byte, 8), buf))

	require.NoError(t, io.Truncate(100))
	size, err = io.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), size)
}

func TestSync(t *testing.T) {
	io := newTestIO(t)

	_, err := io.Write([]byte("queso"), 0)
	require.NoError(t, err)
	assert.NoError(t, io.Sync())
}

func TestCloseIsIdempotent(t *testing.T) {
	io := newTestIO(t)

	require.NoError(t, io.Close())
	assert.NoError(t, io.Close())

	_, err := io.Read(make([]byte, 1), 0)
	assert.ErrorIs(t, err, apierr.ErrInvalidHandle)
}

func TestReadOnlyRejectsMutation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "body")
	rw, err := OpenOrCreate(path, false)
	require.NoError(t, err)
	_, err = rw.Write([]byte("enchilada"), 0)
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	ro, err := OpenOrCreate(path, true)
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.Write([]byte("x"), 0)
	assert.ErrorIs(t, err, apierr.ErrInvalidOperation)
	assert.ErrorIs(t, ro.Truncate(0), apierr.ErrInvalidOperation)

	buf := make([]byte, 9)
	n, err := ro.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, "enchilada", string(buf))
}
