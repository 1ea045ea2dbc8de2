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

package changetracker

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"go.etcd.io/bbolt"
	"k8s.io/klog/v2"
)

var recordsBucket = []byte("records")

// keys in the records bucket are prefixed by family, mirroring the single
// logical keyspace of ("three logical key families under a single
// database").
func dirKey(path string) []byte { return append([]byte("D_"), []byte(path)...) }
func hashKey(tag DigestTag, path string) []byte {
	return append([]byte("H_"+paddedTag(tag)+"\x00"), []byte(path)...)
}
func statKey(path string) []byte { return append([]byte("S_"), []byte(path)...) }

// Store is the change-tracking database (C8), opened and closed per
// operation discipline — each exported
// method here owns its own bbolt.Open/Close pair.
type Store struct {
	path     string
	logPath  string
	migrated bool
}

// Open points a Store at a database file, creating its bucket on first
// use and running the legacy-database migration (the old separate
// checksums/filestats databases) into the unified D_/H_/S_ key layout.
func Open(dbPath, changeLogPath string) (*Store, error) {
	s := &Store{path: dbPath, logPath: changeLogPath}
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	if err := db.Close(); err != nil {
		return nil, err
	}
	if err := s.migrateLegacy(dbPath); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) open() (*bbolt.DB, error) {
	db, err := bbolt.Open(s.path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("changetracker: open db %s: %w", s.path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// migrateLegacy imports records from two legacy single-purpose databases,
// "checksums" and "filestats", sitting next to dbPath on first open, then
// renames them with a ".migrated" suffix so the import runs at most once
// ("imports records from two legacy databases on first open, then
// renames them with a suffix").
func (s *Store) migrateLegacy(dbPath string) error {
	dir := dirOf(dbPath)
	legacy := []struct {
		name   string
		bucket string
		prefix string
	}{
		{name: "checksums", bucket: "checksums", prefix: "H_"},
		{name: "filestats", bucket: "filestats", prefix: "S_"},
	}

	for _, l := range legacy {
		legacyPath := dir + "/" + l.name
		if _, err := os.Stat(legacyPath); err != nil {
			continue
		}
		if err := s.importLegacyDB(legacyPath, l.bucket); err != nil {
			return fmt.Errorf("changetracker: migrate %s: %w", l.name, err)
		}
		if err := os.Rename(legacyPath, legacyPath+".migrated"); err != nil {
			klog.ErrorS(err, "changetracker: could not rename migrated legacy db", "path", legacyPath)
		}
	}
	return nil
}

func (s *Store) importLegacyDB(legacyPath, bucketName string) error {
	src, err := bbolt.Open(legacyPath, 0600, &bbolt.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := s.open()
	if err != nil {
		return err
	}
	defer dst.Close()

	return src.View(func(srcTx *bbolt.Tx) error {
		b := srcTx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		return dst.Update(func(dstTx *bbolt.Tx) error {
			rb := dstTx.Bucket(recordsBucket)
			return b.ForEach(func(k, v []byte) error {
				return rb.Put(append([]byte(nil), k...), append([]byte(nil), v...))
			})
		})
	})
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// HashCheckResult is the verdict of CheckAndUpdateHash.
type HashCheckResult string

const (
	HashNew       HashCheckResult = "new"
	HashUnchanged HashCheckResult = "unchanged"
	HashChanged   HashCheckResult = "changed"
)

// CheckAndUpdateHash implements compare newDigest against the
// stored H_ record for (tag, path); store it if absent, report unchanged
// if equal, report changed (and overwrite only if update) otherwise. A
// change event is appended to the change log whenever the record moves.
func (s *Store) CheckAndUpdateHash(path string, tag DigestTag, newDigest []byte, update bool, promiseHandle string) (HashCheckResult, error) {
	db, err := s.open()
	if err != nil {
		return "", err
	}
	defer db.Close()

	key := hashKey(tag, path)
	var result HashCheckResult
	err = db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		old := b.Get(key)
		switch {
		case old == nil:
			result = HashNew
			return b.Put(key, newDigest)
		case bytes.Equal(old, newDigest):
			result = HashUnchanged
			return nil
		default:
			result = HashChanged
			if update {
				return b.Put(key, newDigest)
			}
			return nil
		}
	})
	if err != nil {
		return "", err
	}
	if result != HashUnchanged {
		s.logChange(promiseHandle, path, changeCodeForHash(result))
	}
	return result, nil
}

func changeCodeForHash(r HashCheckResult) string {
	switch r {
	case HashNew:
		return "N"
	default:
		return "C"
	}
}

// CheckAndUpdateStats implements diff stat against the stored S_
// record, logging one change line per differing field. A path with no
// stored record has its first record stored regardless of update; a
// changed record is persisted only when update is true.
func (s *Store) CheckAndUpdateStats(path string, stat Stat, update bool, promiseHandle string) ([]StatFieldChange, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	key := statKey(path)
	var changes []StatFieldChange
	err = db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		old := b.Get(key)
		if old != nil {
			oldStat, err := decodeStat(old)
			if err != nil {
				return err
			}
			changes = DiffStat(oldStat, stat)
		}
		if old == nil || len(changes) > 0 {
			if update || old == nil {
				return b.Put(key, encodeStat(stat))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for range changes {
		s.logChange(promiseHandle, path, "S")
	}
	return changes, nil
}

// DirectoryDiff is the result of CheckAndUpdateDirectory's merge-join.
type DirectoryDiff struct {
	New     []string
	Removed []string
}

// CheckAndUpdateDirectory implements merge-join of the on-disk
// child set against the last-seen D_ set: entries only on disk are "new"
// (the caller logs those as part of its own file-promise walk), entries
// only in the db are "removed" — logged here, with every trace of the
// removed path (hash, stat, directory membership) erased. The new sorted
// set is persisted only if it differs from what's stored.
func (s *Store) CheckAndUpdateDirectory(dir string, onDisk []string, update bool, promiseHandle string) (DirectoryDiff, error) {
	db, err := s.open()
	if err != nil {
		return DirectoryDiff{}, err
	}
	defer db.Close()

	sortedDisk := append([]string(nil), onDisk...)
	sort.Strings(sortedDisk)

	key := dirKey(dir)
	var stored []string
	var diff DirectoryDiff

	err = db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		if raw := b.Get(key); raw != nil {
			stored = splitNullTerminated(raw)
		}

		diff = mergeJoin(sortedDisk, stored)

		if !update {
			return nil
		}
		for _, removed := range diff.Removed {
			full := dir + "/" + removed
			b.Delete(statKey(full))
			for _, tag := range []DigestTag{MD5, SHA1, SHA224, SHA256, SHA384, SHA512} {
				b.Delete(hashKey(tag, full))
			}
			b.Delete(dirKey(full))
		}
		if changed(sortedDisk, stored) {
			return b.Put(key, packNullTerminated(sortedDisk))
		}
		return nil
	})
	if err != nil {
		return DirectoryDiff{}, err
	}
	for _, removed := range diff.Removed {
		s.logChange(promiseHandle, dir+"/"+removed, "R")
	}
	return diff, nil
}

func mergeJoin(disk, db []string) DirectoryDiff {
	diskSet := map[string]bool{}
	for _, d := range disk {
		diskSet[d] = true
	}
	dbSet := map[string]bool{}
	for _, d := range db {
		dbSet[d] = true
	}
	var diff DirectoryDiff
	for _, d := range disk {
		if !dbSet[d] {
			diff.New = append(diff.New, d)
		}
	}
	for _, d := range db {
		if !diskSet[d] {
			diff.Removed = append(diff.Removed, d)
		}
	}
	return diff
}

func changed(a, b []string) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}

func packNullTerminated(names []string) []byte {
	var buf bytes.Buffer
	for _, n := range names {
		buf.WriteString(n)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func splitNullTerminated(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	parts := bytes.Split(bytes.TrimSuffix(b, []byte{0}), []byte{0})
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}
