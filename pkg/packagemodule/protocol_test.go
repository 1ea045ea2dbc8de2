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
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergent/agentcore/pkg/lock"
)

func TestParseRecordsSplitsOnBlankLines(t *testing.T) {
	out := []byte("Name=foo\nVersion=1.0\n\nName=bar\nVersion=2.0\n")
	records := parseRecords(out)
	require.Len(t, records, 2)
	assert.Equal(t, "foo", records[0]["Name"])
	assert.Equal(t, "2.0", records[1]["Version"])
}

func TestParseRecordsIgnoresMalformedLines(t *testing.T) {
	out := []byte("Name=foo\nnot-a-kv-line\nVersion=1.0\n")
	records := parseRecords(out)
	require.Len(t, records, 1)
	assert.Equal(t, "foo", records[0]["Name"])
	assert.Equal(t, "1.0", records[0]["Version"])
}

func TestSortedKeysIsDeterministic(t *testing.T) {
	got := sortedKeys(map[string]string{"Zeta": "1", "Alpha": "2", "Mid": "3"})
	assert.Equal(t, []string{"Alpha", "Mid", "Zeta"}, got)
}

// fakeProviderScript returns the path to a small shell script standing in
// for a real package module provider, exercised over the same stdin/
// stdout line protocol a real provider uses.
func fakeProviderScript(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake provider script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "provider.sh")
	script := `#!/bin/sh
case "$1" in
  supports-api-version)
    echo "1"
    ;;
  list-installed)
    echo "Name=vim"
    echo "Version=8.2"
    echo "Architecture=amd64"
    echo
    ;;
  repo-install)
    exit 0
    ;;
  remove)
    exit 0
    ;;
esac
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0700))
	return path
}

func TestModuleInvokeRoundTripsThroughSubprocess(t *testing.T) {
	m := NewModule("fake", fakeProviderScript(t))
	ctx := context.Background()

	require.NoError(t, m.CheckAPIVersion(ctx))

	pkgs, err := m.ListInstalled(ctx)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, "vim", pkgs[0].Name)
	assert.Equal(t, "8.2", pkgs[0].Version)
}

func TestCacheInstalledRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "installed.db")
	c, err := NewCache(dbPath, "fake")
	require.NoError(t, err)

	require.NoError(t, c.ReplaceInstalled([]PackageInfo{
		{Name: "vim", Version: "8.2", Architecture: "amd64"},
	}))

	found, err := c.IsPackageInCache("vim", "8.2", "amd64")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = c.IsPackageInCache("vim", "9.0", "amd64")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.RemoveInstalled("vim"))
	found, err = c.IsPackageInCache("vim", "8.2", "amd64")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCacheUpdatesRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "updates.db")
	c, err := NewCache(dbPath, "fake")
	require.NoError(t, err)

	has, err := c.HasUpdatesDB()
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, c.ReplaceUpdates(map[string][]UpdateAvailability{
		"vim": {{Version: "9.0", Architecture: "amd64"}},
	}))

	avail, err := c.Updates("vim")
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, "9.0", avail[0].Version)
}

func TestIfElapsedThrottle(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "throttle.db")
	c, err := NewCache(dbPath, "fake")
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	run, err := c.IfElapsedThrottle(now, time.Hour, false)
	require.NoError(t, err)
	assert.True(t, run, "first check always runs")

	require.NoError(t, c.MarkRefreshed(now))

	run, err = c.IfElapsedThrottle(now.Add(time.Minute), time.Hour, false)
	require.NoError(t, err)
	assert.False(t, run, "within ifelapsed window")

	run, err = c.IfElapsedThrottle(now.Add(2*time.Hour), time.Hour, false)
	require.NoError(t, err)
	assert.True(t, run, "past ifelapsed window")

	run, err = c.IfElapsedThrottle(now.Add(time.Minute), time.Hour, true)
	require.NoError(t, err)
	assert.True(t, run, "forced refresh bypasses throttle")
}

func TestActuatorPresentInstallsAndCaches(t *testing.T) {
	m := NewModule("fake", fakeProviderScript(t))
	c, err := NewCache(filepath.Join(t.TempDir(), "installed.db"), "fake")
	require.NoError(t, err)
	locks := lock.NewManager(newMemStore())
	a := NewActuator(m, c, locks, "/policy/packages.cf")

	out, err := a.Present(context.Background(), time.Unix(1_700_000_000, 0), PackagePromise{Name: "vim"})
	require.NoError(t, err)
	assert.Equal(t, "CHANGE", out.String())

	found, err := c.IsPackageInCache("vim", "8.2", "amd64")
	require.NoError(t, err)
	assert.True(t, found)
}

// memStore is a trivial in-memory lock.Store for actuator tests.
type memStore struct{ m map[string][16]byte }

func newMemStore() *memStore { return &memStore{m: map[string][16]byte{}} }

func (s *memStore) Get(name string) ([16]byte, bool, error) {
	v, ok := s.m[name]
	return v, ok, nil
}

func (s *memStore) Put(name string, record [16]byte) error {
	s.m[name] = record
	return nil
}

func (s *memStore) Delete(name string) error {
	delete(s.m, name)
	return nil
}
