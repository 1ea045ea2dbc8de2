/*
Copyright 2024 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

 http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package lock

import (
	"fmt"

	"go.etcd.io/bbolt"
)

var lockBucket = []byte("locks")

// BoltStore is the on-disk Store backing the lock database, opened and
// closed per operation ("The change-tracking DB is opened per
// operation and closed immediately after; no long-held handle" — the same
// discipline applies to the lock DB).
type BoltStore struct {
	path string
}

// NewBoltStore points a BoltStore at a database file, creating it (and its
// bucket) on first use.
func NewBoltStore(path string) (*BoltStore, error) {
	s := &BoltStore{path: path}
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	return s, db.Close()
}

func (s *BoltStore) open() (*bbolt.DB, error) {
	db, err := bbolt.Open(s.path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open lock db %s: %w", s.path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(lockBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (s *BoltStore) Get(name string) ([16]byte, bool, error) {
	db, err := s.open()
	if err != nil {
		return [16]byte{}, false, err
	}
	defer db.Close()

	var out [16]byte
	var found bool
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(lockBucket)
		v := b.Get([]byte(name))
		if v == nil {
			return nil
		}
		if len(v) != 16 {
			return fmt.Errorf("lock record %q: corrupt length %d", name, len(v))
		}
		found = true
		copy(out[:], v)
		return nil
	})
	return out, found, err
}

func (s *BoltStore) Put(name string, record [16]byte) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(lockBucket)
		return b.Put([]byte(name), record[:])
	})
}

func (s *BoltStore) Delete(name string) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(lockBucket)
		return b.Delete([]byte(name))
	})
}
