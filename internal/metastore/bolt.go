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

package metastore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/blockstorage/repertory/internal/apierr"
	"github.com/blockstorage/repertory/internal/utils"
)

const (
	metaBucket         = "meta"
	uploadBucket       = "upload"
	uploadActiveBucket = "upload_active"
	resumeBucket       = "resume"

	openTimeout = 5 * time.Second
)

// boltStore implements Store on a single bolt database file.
type boltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the key-value store at
// dbPath.
func NewBoltStore(dbPath string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), utils.DefaultDirPerm); err != nil {
		return nil, apierr.OS(err)
	}

	db, err := bolt.Open(dbPath, utils.DefaultFilePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening meta store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{metaBucket, uploadBucket, uploadActiveBucket, resumeBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating meta store buckets: %w", err)
	}

	return &boltStore{db: db}, nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

////////////////////////////////////////////////////////////////////////
// Item metadata
////////////////////////////////////////////////////////////////////////

func (s *boltStore) GetMeta(apiPath string) (meta map[string]string, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(metaBucket)).Get([]byte(apiPath))
		if raw == nil {
			return fmt.Errorf("%s: %w", apiPath, apierr.ErrItemNotFound)
		}
		return json.Unmarshal(raw, &meta)
	})

	return
}

func (s *boltStore) GetMetaValue(apiPath string, key string) (string, error) {
	meta, err := s.GetMeta(apiPath)
	if err != nil {
		return "", err
	}

	return meta[key], nil
}

func (s *boltStore) SetMeta(apiPath string, meta map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(metaBucket))

		merged := make(map[string]string)
		if raw := bucket.Get([]byte(apiPath)); raw != nil {
			if err := json.Unmarshal(raw, &merged); err != nil {
				return err
			}
		}
		for k, v := range meta {
			merged[k] = v
		}

		raw, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(apiPath), raw)
	})
}

func (s *boltStore) RemoveMeta(apiPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metaBucket)).Delete([]byte(apiPath))
	})
}

func (s *boltStore) RenameMeta(fromPath string, toPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(metaBucket))

		raw := bucket.Get([]byte(fromPath))
		if raw == nil {
			return fmt.Errorf("%s: %w", fromPath, apierr.ErrItemNotFound)
		}
		if err := bucket.Put([]byte(toPath), raw); err != nil {
			return err
		}
		return bucket.Delete([]byte(fromPath))
	})
}

func (s *boltStore) ListMetaPaths() (paths []string, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metaBucket)).ForEach(func(k []byte, _ []byte) error {
			paths = append(paths, string(k))
			return nil
		})
	})

	return
}

////////////////////////////////////////////////////////////////////////
// Upload queue
////////////////////////////////////////////////////////////////////////

// uploadKey orders pending uploads by enqueue time, ties broken by api
// path.
func uploadKey(entry UploadEntry) []byte {
	return []byte(fmt.Sprintf("%020d:%s", entry.EnqueuedNs, entry.APIPath))
}

func removeUploadEntries(tx *bolt.Tx, apiPath string) error {
	bucket := tx.Bucket([]byte(uploadBucket))
	cursor := bucket.Cursor()
	var stale [][]byte
	for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
		var entry UploadEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return err
		}
		if entry.APIPath == apiPath {
			stale = append(stale, bytes.Clone(k))
		}
	}
	for _, k := range stale {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}

	return tx.Bucket([]byte(uploadActiveBucket)).Delete([]byte(apiPath))
}

func (s *boltStore) QueueUpload(entry UploadEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := removeUploadEntries(tx, entry.APIPath); err != nil {
			return err
		}

		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(uploadBucket)).Put(uploadKey(entry), raw)
	})
}

func (s *boltStore) RemoveUpload(apiPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return removeUploadEntries(tx, apiPath)
	})
}

func (s *boltStore) RemoveActiveUpload(apiPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(uploadActiveBucket)).Delete([]byte(apiPath))
	})
}

func (s *boltStore) NextUpload() (next *UploadEntry, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket([]byte(uploadBucket)).Cursor().First()
		if v == nil {
			return nil
		}

		var entry UploadEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return err
		}
		next = &entry
		return nil
	})

	return
}

func (s *boltStore) SetUploadActive(entry UploadEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(uploadBucket)).Delete(uploadKey(entry)); err != nil {
			return err
		}

		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(uploadActiveBucket)).Put([]byte(entry.APIPath), raw)
	})
}

func (s *boltStore) RequeueUpload(entry UploadEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(uploadActiveBucket)).Delete([]byte(entry.APIPath)); err != nil {
			return err
		}

		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(uploadBucket)).Put(uploadKey(entry), raw)
	})
}

func (s *boltStore) ListUploads() ([]UploadEntry, error) {
	return listEntries(s.db, uploadBucket)
}

func (s *boltStore) ListActiveUploads() ([]UploadEntry, error) {
	return listEntries(s.db, uploadActiveBucket)
}

func listEntries(db *bolt.DB, bucketName string) (entries []UploadEntry, err error) {
	err = db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).ForEach(func(_ []byte, v []byte) error {
			var entry UploadEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})

	return
}

func (s *boltStore) ResetActiveUploads() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		active := tx.Bucket([]byte(uploadActiveBucket))
		pending := tx.Bucket([]byte(uploadBucket))

		err := active.ForEach(func(_ []byte, v []byte) error {
			var entry UploadEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			return pending.Put(uploadKey(entry), bytes.Clone(v))
		})
		if err != nil {
			return err
		}

		if err := tx.DeleteBucket([]byte(uploadActiveBucket)); err != nil {
			return err
		}
		_, err = tx.CreateBucket([]byte(uploadActiveBucket))
		return err
	})
}

////////////////////////////////////////////////////////////////////////
// Resume journal
////////////////////////////////////////////////////////////////////////

func (s *boltStore) StoreResume(entry ResumeEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(resumeBucket)).Put([]byte(entry.APIPath), raw)
	})
}

func (s *boltStore) GetResume(apiPath string) (entry *ResumeEntry, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(resumeBucket)).Get([]byte(apiPath))
		if raw == nil {
			return nil
		}

		var decoded ResumeEntry
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return err
		}
		entry = &decoded
		return nil
	})

	return
}

func (s *boltStore) RemoveResume(apiPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(resumeBucket)).Delete([]byte(apiPath))
	})
}

func (s *boltStore) ListResume() (entries []ResumeEntry, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(resumeBucket)).ForEach(func(_ []byte, v []byte) error {
			var entry ResumeEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})

	return
}
