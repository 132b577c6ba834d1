// Copyright 2025 The Loom Authors
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

package artefact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	looerrors "github.com/loomctl/loom/pkg/errors"
)

func openStore(t *testing.T, retention time.Duration) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "artefacts.db"), retention)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet_RoundTrip(t *testing.T) {
	s := openStore(t, 0)

	data := []byte("measurement log for sample 42")
	id, err := s.Put(data, "text/plain")
	require.NoError(t, err)

	sum := sha256.Sum256(data)
	assert.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), id)

	got, meta, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "text/plain", meta.MediaType)
	assert.Equal(t, int64(len(data)), meta.Size)
}

func TestPut_Idempotent(t *testing.T) {
	s := openStore(t, 0)

	data := []byte("same bytes")
	id1, err := s.Put(data, "text/plain")
	require.NoError(t, err)
	id2, err := s.Put(data, "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// The first write wins; re-putting does not rewrite metadata.
	_, meta, err := s.Get(id1)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", meta.MediaType)
}

func TestGet_NotFound(t *testing.T) {
	s := openStore(t, 0)

	_, _, err := s.Get("sha256:deadbeef")
	require.Error(t, err)
	assert.Equal(t, looerrors.KindNotFound, looerrors.KindOf(err))

	_, err = s.Stat("sha256:deadbeef")
	require.Error(t, err)
	assert.Equal(t, looerrors.KindNotFound, looerrors.KindOf(err))
}

func TestPut_LargeBlobChunked(t *testing.T) {
	s := openStore(t, 0)

	// Just over three chunks.
	data := bytes.Repeat([]byte{0xAB}, 3*chunkSize+17)
	id, err := s.Put(data, "application/octet-stream")
	require.NoError(t, err)

	meta, err := s.Stat(id)
	require.NoError(t, err)
	assert.Equal(t, 4, meta.Chunks)

	got, _, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPut_EmptyBlob(t *testing.T) {
	s := openStore(t, 0)

	id, err := s.Put(nil, "application/octet-stream")
	require.NoError(t, err)

	got, meta, err := s.Get(id)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, meta.Size)
}

func TestSweep_RemovesExpired(t *testing.T) {
	s := openStore(t, time.Hour)

	oldID, err := s.Put([]byte("old"), "text/plain")
	require.NoError(t, err)
	freshID, err := s.Put([]byte("fresh"), "text/plain")
	require.NoError(t, err)

	// Only blobs older than the retention window go; nothing is old yet.
	removed, err := s.Sweep(time.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)

	// Two hours from now, both have expired.
	removed, err = s.Sweep(time.Now().Add(2 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, _, err = s.Get(oldID)
	assert.Equal(t, looerrors.KindNotFound, looerrors.KindOf(err))
	_, _, err = s.Get(freshID)
	assert.Equal(t, looerrors.KindNotFound, looerrors.KindOf(err))
}

func TestSweep_DisabledWithoutRetention(t *testing.T) {
	s := openStore(t, 0)

	id, err := s.Put([]byte("kept"), "text/plain")
	require.NoError(t, err)

	removed, err := s.Sweep(time.Now().Add(24 * time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed)

	_, _, err = s.Get(id)
	require.NoError(t, err)
}
