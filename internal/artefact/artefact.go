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

// Package artefact is the content-addressed blob store. The identifier is
// the sha256 of the bytes; identical bytes yield identical ids and are
// stored once. Large blobs are chunked; a reader sees either the whole
// blob or NotFound.
package artefact

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	looerrors "github.com/loomctl/loom/pkg/errors"
)

const (
	// chunkSize is the fixed chunking scheme; changing it changes blob
	// layout but not identifiers.
	chunkSize = 1 << 20

	metaBucket  = "artefacts"
	chunkBucket = "chunks"
)

// Meta describes one stored artefact.
type Meta struct {
	ArtefactID string    `json:"artefact_id"`
	MediaType  string    `json:"media_type"`
	Size       int64     `json:"size"`
	Chunks     int       `json:"chunks"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the bbolt-backed artefact store.
type Store struct {
	db        *bolt.DB
	retention time.Duration
}

// Open opens or creates the store. A zero retention disables the sweep.
func Open(path string, retention time.Duration) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open artefact store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{metaBucket, chunkBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, retention: retention}, nil
}

// ID computes the content address of the given bytes.
func ID(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Put stores the bytes and returns their content address. Idempotent:
// putting the same bytes twice yields the same id and stores them once.
// The chunks and the metadata commit in one transaction, so a concurrent
// reader sees the whole blob or nothing.
func (s *Store) Put(data []byte, mediaType string) (string, error) {
	id := ID(data)

	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		if meta.Get([]byte(id)) != nil {
			return nil // already stored
		}

		chunks := tx.Bucket([]byte(chunkBucket))
		count := 0
		for offset := 0; offset < len(data) || count == 0; offset += chunkSize {
			end := offset + chunkSize
			if end > len(data) {
				end = len(data)
			}
			if err := chunks.Put(chunkKey(id, count), data[offset:end]); err != nil {
				return fmt.Errorf("failed to write chunk: %w", err)
			}
			count++
		}

		record, err := json.Marshal(Meta{
			ArtefactID: id,
			MediaType:  mediaType,
			Size:       int64(len(data)),
			Chunks:     count,
			CreatedAt:  time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal meta: %w", err)
		}
		return meta.Put([]byte(id), record)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Get returns the bytes and metadata for an id, or NotFound.
func (s *Store) Get(id string) ([]byte, *Meta, error) {
	var data []byte
	var meta Meta

	err := s.db.View(func(tx *bolt.Tx) error {
		record := tx.Bucket([]byte(metaBucket)).Get([]byte(id))
		if record == nil {
			return notFound(id)
		}
		if err := json.Unmarshal(record, &meta); err != nil {
			return fmt.Errorf("failed to unmarshal meta: %w", err)
		}

		chunks := tx.Bucket([]byte(chunkBucket))
		data = make([]byte, 0, meta.Size)
		for i := 0; i < meta.Chunks; i++ {
			chunk := chunks.Get(chunkKey(id, i))
			if chunk == nil {
				return looerrors.Internal(fmt.Sprintf("artefact %s: missing chunk %d", id, i), nil)
			}
			data = append(data, chunk...)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return data, &meta, nil
}

// Stat returns the metadata for an id, or NotFound.
func (s *Store) Stat(id string) (*Meta, error) {
	var meta Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		record := tx.Bucket([]byte(metaBucket)).Get([]byte(id))
		if record == nil {
			return notFound(id)
		}
		return json.Unmarshal(record, &meta)
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// Sweep removes artefacts older than the retention period as of now.
// Returns the number of artefacts removed. A zero retention is a no-op.
func (s *Store) Sweep(now time.Time) (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-s.retention)

	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		chunks := tx.Bucket([]byte(chunkBucket))

		var expired []Meta
		err := meta.ForEach(func(k, v []byte) error {
			var m Meta
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("failed to unmarshal meta %s: %w", k, err)
			}
			if m.CreatedAt.Before(cutoff) {
				expired = append(expired, m)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, m := range expired {
			for i := 0; i < m.Chunks; i++ {
				if err := chunks.Delete(chunkKey(m.ArtefactID, i)); err != nil {
					return fmt.Errorf("failed to delete chunk: %w", err)
				}
			}
			if err := meta.Delete([]byte(m.ArtefactID)); err != nil {
				return fmt.Errorf("failed to delete meta: %w", err)
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Close releases the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// chunkKey is the id plus a big-endian chunk index, so chunks of one blob
// iterate in order.
func chunkKey(id string, index int) []byte {
	key := make([]byte, len(id)+4)
	copy(key, id)
	binary.BigEndian.PutUint32(key[len(id):], uint32(index))
	return key
}

func notFound(id string) error {
	return &looerrors.StateError{
		Kind:     looerrors.KindNotFound,
		Resource: "artefact",
		ID:       id,
	}
}
