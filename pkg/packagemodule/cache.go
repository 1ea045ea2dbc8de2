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

package packagemodule

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"k8s.io/klog/v2"
)

var (
	installedBucket = []byte("installed")
	updatesBucket   = []byte("updates")
	metaBucket      = []byte("meta")
)

// cacheKey is the "N<name>V<ver>A<arch>" installed-set membership key.
func cacheKey(name, version, arch string) []byte {
	return []byte(fmt.Sprintf("N%sV%sA%s", name, version, arch))
}

func lastRefreshKey(provider string) []byte { return []byte("lastRefresh:" + provider) }

// Cache is one provider's installed/updates cache, backed by the same
// opened-per-operation bbolt discipline as the change-tracking and lock
// stores.
type Cache struct {
	path     string
	provider string
}

// NewCache points a Cache at dbPath for the named provider.
func NewCache(dbPath, provider string) (*Cache, error) {
	c := &Cache{path: dbPath, provider: provider}
	db, err := c.open()
	if err != nil {
		return nil, err
	}
	return c, db.Close()
}

func (c *Cache) open() (*bbolt.DB, error) {
	db, err := bbolt.Open(c.path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("packagemodule cache %s: open: %w", c.provider, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{installedBucket, updatesBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// IsPackageInCache reports whether (name, version, arch) is a member of
// the installed set ("After list-installed returns an entry...
// IsPackageInCache is true").
func (c *Cache) IsPackageInCache(name, version, arch string) (bool, error) {
	db, err := c.open()
	if err != nil {
		return false, err
	}
	defer db.Close()
	var found bool
	err = db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(installedBucket).Get(cacheKey(name, version, arch)) != nil
		return nil
	})
	return found, err
}

// ReplaceInstalled overwrites the installed set with pkgs, the effect of
// a fresh list-installed refresh.
func (c *Cache) ReplaceInstalled(pkgs []PackageInfo) error {
	db, err := c.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(installedBucket)
		if err := tx.DeleteBucket(installedBucket); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(installedBucket)
		if err != nil {
			return err
		}
		for _, p := range pkgs {
			if err := b.Put(cacheKey(p.Name, p.Version, p.Architecture), []byte("1")); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddInstalled records one newly-installed package without touching the
// rest of the set. Present does not call it; it refreshes the whole set
// after an install instead.
func (c *Cache) AddInstalled(p PackageInfo) error {
	db, err := c.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(installedBucket).Put(cacheKey(p.Name, p.Version, p.Architecture), []byte("1"))
	})
}

// RemoveInstalled drops every cache entry for name regardless of
// version/arch, used right after a successful Absent actuation.
func (c *Cache) RemoveInstalled(name string) error {
	db, err := c.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(installedBucket)
		cur := b.Cursor()
		prefix := []byte("N" + name + "V")
		var toDelete [][]byte
		for k, _ := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = cur.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// UpdateAvailability is one (version, architecture) pair available for a
// package name in the updates cache.
type UpdateAvailability struct {
	Version      string
	Architecture string
}

func updatesKey(name string) []byte { return []byte("U" + name) }

// ReplaceUpdates overwrites the updates cache for every name present in
// updates, keyed by package name.
func (c *Cache) ReplaceUpdates(updates map[string][]UpdateAvailability) error {
	db, err := c.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(updatesBucket); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(updatesBucket)
		if err != nil {
			return err
		}
		for name, avail := range updates {
			if err := b.Put(updatesKey(name), encodeUpdates(avail)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Updates returns the cached available-updates list for name.
func (c *Cache) Updates(name string) ([]UpdateAvailability, error) {
	db, err := c.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	var out []UpdateAvailability
	err = db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(updatesBucket).Get(updatesKey(name))
		out = decodeUpdates(raw)
		return nil
	})
	return out, err
}

// HasUpdatesDB reports whether the updates bucket has ever been
// populated, used to implement "if the DB file is missing, the
// local-updates request is promoted to a full updates request."
func (c *Cache) HasUpdatesDB() (bool, error) {
	db, err := c.open()
	if err != nil {
		return false, err
	}
	defer db.Close()
	var has bool
	err = db.View(func(tx *bbolt.Tx) error {
		has = tx.Bucket(metaBucket).Get([]byte("updatesPopulated")) != nil
		return nil
	})
	return has, err
}

func (c *Cache) markUpdatesPopulated() error {
	db, err := c.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Put([]byte("updatesPopulated"), []byte("1"))
	})
}

func encodeUpdates(avail []UpdateAvailability) []byte {
	var buf []byte
	for _, a := range avail {
		buf = append(buf, []byte(a.Version)...)
		buf = append(buf, 0)
		buf = append(buf, []byte(a.Architecture)...)
		buf = append(buf, 0, 0)
	}
	return buf
}

func decodeUpdates(raw []byte) []UpdateAvailability {
	var out []UpdateAvailability
	i := 0
	for i < len(raw) {
		verEnd := indexZero(raw, i)
		if verEnd < 0 {
			break
		}
		version := string(raw[i:verEnd])
		archEnd := indexZero(raw, verEnd+1)
		if archEnd < 0 {
			break
		}
		arch := string(raw[verEnd+1 : archEnd])
		out = append(out, UpdateAvailability{Version: version, Architecture: arch})
		i = archEnd + 2
	}
	return out
}

func indexZero(b []byte, from int) int {
	for i := from; i < len(b); i++ {
		if b[i] == 0 {
			return i
		}
	}
	return -1
}

// IfElapsedThrottle reports whether a cache refresh should run, given the
// timestamp of the last refresh and an ifelapsed duration
// "each cache has an ifelapsed throttle; forced refresh bypasses it."
func (c *Cache) IfElapsedThrottle(now time.Time, ifelapsed time.Duration, force bool) (bool, error) {
	if force || ifelapsed <= 0 {
		return true, nil
	}
	db, err := c.open()
	if err != nil {
		return false, err
	}
	defer db.Close()
	var last int64
	err = db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get(lastRefreshKey(c.provider))
		if raw != nil {
			fmt.Sscanf(string(raw), "%d", &last)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if last == 0 {
		return true, nil
	}
	return now.Sub(time.Unix(last, 0)) >= ifelapsed, nil
}

// MarkRefreshed records now as the last refresh time for this provider's
// cache.
func (c *Cache) MarkRefreshed(now time.Time) error {
	db, err := c.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Put(lastRefreshKey(c.provider), []byte(fmt.Sprintf("%d", now.Unix())))
	})
}

// RefreshInstalled runs list-installed against the module and replaces
// the installed cache, subject to ifelapsed unless force is set.
func (c *Cache) RefreshInstalled(ctx context.Context, m *Module, now time.Time, ifelapsed time.Duration, force bool) error {
	run, err := c.IfElapsedThrottle(now, ifelapsed, force)
	if err != nil || !run {
		return err
	}
	pkgs, err := m.ListInstalled(ctx)
	if err != nil {
		return err
	}
	if err := c.ReplaceInstalled(pkgs); err != nil {
		return err
	}
	klog.V(2).InfoS("packagemodule: refreshed installed cache", "provider", c.provider, "count", len(pkgs))
	return c.MarkRefreshed(now)
}

// RefreshUpdates runs list-updates-local (promoted to list-updates if the
// cache has never been populated, or if force is set) and replaces the
// updates cache.
func (c *Cache) RefreshUpdates(ctx context.Context, m *Module, now time.Time, ifelapsed time.Duration, force bool) error {
	run, err := c.IfElapsedThrottle(now, ifelapsed, force)
	if err != nil || !run {
		return err
	}
	populated, err := c.HasUpdatesDB()
	if err != nil {
		return err
	}
	var pkgs []PackageInfo
	if !populated || force {
		pkgs, err = m.ListUpdates(ctx)
	} else {
		pkgs, err = m.ListUpdatesLocal(ctx)
	}
	if err != nil {
		return err
	}
	grouped := map[string][]UpdateAvailability{}
	for _, p := range pkgs {
		grouped[p.Name] = append(grouped[p.Name], UpdateAvailability{Version: p.Version, Architecture: p.Architecture})
	}
	if err := c.ReplaceUpdates(grouped); err != nil {
		return err
	}
	if err := c.markUpdatesPopulated(); err != nil {
		return err
	}
	klog.V(2).InfoS("packagemodule: refreshed updates cache", "provider", c.provider, "packages", len(grouped))
	return c.MarkRefreshed(now)
}
