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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "changes.db"), filepath.Join(dir, "changes.log"))
	require.NoError(t, err)
	return s
}

func TestCheckAndUpdateHashNewThenUnchanged(t *testing.T) {
	s := openTestStore(t)

	result, err := s.CheckAndUpdateHash("/etc/motd", SHA256, []byte("digest-v1"), true, "h1")
	require.NoError(t, err)
	assert.Equal(t, HashNew, result)

	result, err = s.CheckAndUpdateHash("/etc/motd", SHA256, []byte("digest-v1"), true, "h1")
	require.NoError(t, err)
	assert.Equal(t, HashUnchanged, result, "unchanged immediately after a successful write of the same digest")
}

func TestCheckAndUpdateHashChangedWithoutUpdateLeavesStoredValue(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CheckAndUpdateHash("/etc/motd", SHA256, []byte("digest-v1"), true, "h1")
	require.NoError(t, err)

	result, err := s.CheckAndUpdateHash("/etc/motd", SHA256, []byte("digest-v2"), false, "h1")
	require.NoError(t, err)
	assert.Equal(t, HashChanged, result)

	result, err = s.CheckAndUpdateHash("/etc/motd", SHA256, []byte("digest-v1"), true, "h1")
	require.NoError(t, err)
	assert.Equal(t, HashUnchanged, result, "update=false must not have overwritten the stored digest")
}

func TestCheckAndUpdateHashChangedWithUpdateOverwrites(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CheckAndUpdateHash("/etc/motd", SHA256, []byte("digest-v1"), true, "h1")
	require.NoError(t, err)

	result, err := s.CheckAndUpdateHash("/etc/motd", SHA256, []byte("digest-v2"), true, "h1")
	require.NoError(t, err)
	assert.Equal(t, HashChanged, result)

	result, err = s.CheckAndUpdateHash("/etc/motd", SHA256, []byte("digest-v2"), true, "h1")
	require.NoError(t, err)
	assert.Equal(t, HashUnchanged, result)
}

func TestCheckAndUpdateStatsNewRecordNoChanges(t *testing.T) {
	s := openTestStore(t)

	changes, err := s.CheckAndUpdateStats("/etc/motd", Stat{Mode: 0o644, Mtime: 1}, true, "h1")
	require.NoError(t, err)
	assert.Empty(t, changes, "a brand-new record has nothing to diff against")
}

func TestCheckAndUpdateStatsReportsChangedFields(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CheckAndUpdateStats("/etc/motd", Stat{Mode: 0o644, UID: 1, Mtime: 1}, true, "h1")
	require.NoError(t, err)

	changes, err := s.CheckAndUpdateStats("/etc/motd", Stat{Mode: 0o600, UID: 1, Mtime: 1}, true, "h1")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "mode", changes[0].Field)
}

func TestCheckAndUpdateStatsWithoutUpdateDoesNotPersist(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CheckAndUpdateStats("/etc/motd", Stat{Mode: 0o644, Mtime: 1}, true, "h1")
	require.NoError(t, err)

	changes, err := s.CheckAndUpdateStats("/etc/motd", Stat{Mode: 0o600, Mtime: 1}, false, "h1")
	require.NoError(t, err)
	require.Len(t, changes, 1)

	changes, err = s.CheckAndUpdateStats("/etc/motd", Stat{Mode: 0o644, Mtime: 1}, true, "h1")
	require.NoError(t, err)
	assert.Empty(t, changes, "update=false must not have persisted the mode=0600 record")
}

func TestCheckAndUpdateDirectoryNewAndUnchanged(t *testing.T) {
	s := openTestStore(t)

	diff, err := s.CheckAndUpdateDirectory("/etc", []string{"motd", "hosts"}, true, "h1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"motd", "hosts"}, diff.New)
	assert.Empty(t, diff.Removed)

	diff, err = s.CheckAndUpdateDirectory("/etc", []string{"motd", "hosts"}, true, "h1")
	require.NoError(t, err)
	assert.Empty(t, diff.New)
	assert.Empty(t, diff.Removed)
}

func TestCheckAndUpdateDirectoryDetectsRemovedEntries(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CheckAndUpdateDirectory("/etc", []string{"motd", "hosts"}, true, "h1")
	require.NoError(t, err)

	diff, err := s.CheckAndUpdateDirectory("/etc", []string{"motd"}, true, "h1")
	require.NoError(t, err)
	assert.Empty(t, diff.New)
	assert.Equal(t, []string{"hosts"}, diff.Removed)
}

func TestCheckAndUpdateDirectoryRemovalErasesHashAndStatRecords(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CheckAndUpdateDirectory("/etc", []string{"hosts"}, true, "h1")
	require.NoError(t, err)
	_, err = s.CheckAndUpdateHash("/etc/hosts", SHA256, []byte("digest"), true, "h1")
	require.NoError(t, err)
	_, err = s.CheckAndUpdateStats("/etc/hosts", Stat{Mode: 0o644}, true, "h1")
	require.NoError(t, err)

	_, err = s.CheckAndUpdateDirectory("/etc", nil, true, "h1")
	require.NoError(t, err)

	result, err := s.CheckAndUpdateHash("/etc/hosts", SHA256, []byte("digest"), true, "h1")
	require.NoError(t, err)
	assert.Equal(t, HashNew, result, "removal must have erased the hash record")

	changes, err := s.CheckAndUpdateStats("/etc/hosts", Stat{Mode: 0o644}, true, "h1")
	require.NoError(t, err)
	assert.Empty(t, changes, "removal must have erased the stat record, so this looks brand-new again")
}

func TestCheckAndUpdateDirectoryStoredSetEqualsSortedInput(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CheckAndUpdateDirectory("/etc", []string{"zeta", "alpha", "mu"}, true, "h1")
	require.NoError(t, err)

	diff, err := s.CheckAndUpdateDirectory("/etc", []string{"alpha", "mu", "zeta"}, true, "h1")
	require.NoError(t, err)
	assert.Empty(t, diff.New)
	assert.Empty(t, diff.Removed, "stored set equals sorted input regardless of on-disk ordering")
}

func TestCheckAndUpdateDirectoryWithoutUpdateDoesNotPersistOrErase(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CheckAndUpdateDirectory("/etc", []string{"motd", "hosts"}, true, "h1")
	require.NoError(t, err)

	_, err = s.CheckAndUpdateDirectory("/etc", []string{"motd"}, false, "h1")
	require.NoError(t, err)

	diff, err := s.CheckAndUpdateDirectory("/etc", []string{"motd"}, true, "h1")
	require.NoError(t, err)
	assert.Equal(t, []string{"hosts"}, diff.Removed, "the prior update=false call must not have persisted the removal")
}
