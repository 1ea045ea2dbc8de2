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

// Package lock implements the named-lock manager (C6): ifelapsed/
// expireafter throttling of promise re-execution, backed by a small
// key-value store holding a {last_started, last_completed} pair per lock
// name ("Lock database" contract).
package lock

import (
	"encoding/binary"
	"fmt"
	"time"

	"k8s.io/klog/v2"
)

// GlobalPackageLock is the well-known lock name package actuators take
// before calling a provider.
const GlobalPackageLock = "cf_lock_global"

// Store is the atomic get/put/delete contract of the lock database (it
// has no iteration): a 16-byte {last_started, last_completed} record per
// printable ASCII name, encoded little-endian.
type Store interface {
	Get(name string) (record [16]byte, ok bool, err error)
	Put(name string, record [16]byte) error
	Delete(name string) error
}

// State is a lock's decoded timestamps.
type State struct {
	LastStarted   int64
	LastCompleted int64
}

func decode(b [16]byte) State {
	return State{
		LastStarted:   int64(binary.LittleEndian.Uint64(b[0:8])),
		LastCompleted: int64(binary.LittleEndian.Uint64(b[8:16])),
	}
}

func encode(s State) [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], uint64(s.LastStarted))
	binary.LittleEndian.PutUint64(b[8:16], uint64(s.LastCompleted))
	return b
}

// Disposition is the result of AcquireLock.
type Disposition int

const (
	// Acquired means the caller may proceed and must call Yield when done.
	Acquired Disposition = iota
	// Skipped means ifelapsed has not passed since the last completed run.
	Skipped
	// Held means another actuator started this lock within expireafter
	// and has not yet completed it.
	Held
)

func (d Disposition) String() string {
	switch d {
	case Acquired:
		return "acquired"
	case Skipped:
		return "skipped"
	case Held:
		return "held"
	default:
		return "unknown"
	}
}

// Manager is the lock manager (C6). It holds no in-memory lock state of
// its own beyond a reference to the backing Store, so it is safe to
// construct fresh per run while still observing locks held by previous
// runs (and, via Store, by other processes on the host: "File locks and
// database locks are the concurrency primitives with other processes on
// the same host").
type Manager struct {
	store Store
}

// NewManager wraps a Store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Name builds the per-promise lock name from promiser + filename, per
// ("Locks are per-promise (keyed by promiser + filename)").
func Name(promiser, sourceFile string) string {
	return fmt.Sprintf("%s@%s", promiser, sourceFile)
}

// AcquireLock implements throttle: skip if ifelapsed hasn't passed
// since the last completed run, report held if another actuator started
// within expireafter and hasn't yielded yet, otherwise record the start
// and let the caller proceed.
func (m *Manager) AcquireLock(name string, ifelapsed, expireafter time.Duration, now time.Time) (Disposition, error) {
	rec, ok, err := m.store.Get(name)
	if err != nil {
		return Skipped, err
	}
	var st State
	if ok {
		st = decode(rec)
	}
	nowUnix := now.Unix()

	if ok && st.LastCompleted > 0 && ifelapsed > 0 {
		if now.Sub(time.Unix(st.LastCompleted, 0)) < ifelapsed {
			klog.V(3).InfoS("lock skipped: ifelapsed not reached", "lock", name)
			return Skipped, nil
		}
	}
	if ok && st.LastStarted > 0 && expireafter > 0 {
		if now.Sub(time.Unix(st.LastStarted, 0)) < expireafter {
			klog.V(2).InfoS("lock held by another actuator", "lock", name)
			return Held, nil
		}
	}

	st.LastStarted = nowUnix
	if err := m.store.Put(name, encode(st)); err != nil {
		return Skipped, err
	}
	return Acquired, nil
}

// YieldLock records completion and clears the in-flight start marker.
func (m *Manager) YieldLock(name string, now time.Time) error {
	rec, ok, err := m.store.Get(name)
	if err != nil {
		return err
	}
	var st State
	if ok {
		st = decode(rec)
	}
	st.LastCompleted = now.Unix()
	st.LastStarted = 0
	return m.store.Put(name, encode(st))
}
