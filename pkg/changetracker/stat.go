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
	"encoding/binary"
	"fmt"
	"os"
	"syscall"
	"time"
)

// Stat is the fixed record captured at S_<path>: mode, uid, gid,
// device, inode, mtime. Six little-endian uint64 fields, 48 bytes total.
type Stat struct {
	Mode  uint64
	UID   uint64
	GID   uint64
	Dev   uint64
	Inode uint64
	Mtime int64
}

const statRecordSize = 48

func encodeStat(s Stat) []byte {
	b := make([]byte, statRecordSize)
	binary.LittleEndian.PutUint64(b[0:8], s.Mode)
	binary.LittleEndian.PutUint64(b[8:16], s.UID)
	binary.LittleEndian.PutUint64(b[16:24], s.GID)
	binary.LittleEndian.PutUint64(b[24:32], s.Dev)
	binary.LittleEndian.PutUint64(b[32:40], s.Inode)
	binary.LittleEndian.PutUint64(b[40:48], uint64(s.Mtime))
	return b
}

func decodeStat(b []byte) (Stat, error) {
	if len(b) != statRecordSize {
		return Stat{}, fmt.Errorf("changetracker: corrupt stat record, length %d", len(b))
	}
	return Stat{
		Mode:  binary.LittleEndian.Uint64(b[0:8]),
		UID:   binary.LittleEndian.Uint64(b[8:16]),
		GID:   binary.LittleEndian.Uint64(b[16:24]),
		Dev:   binary.LittleEndian.Uint64(b[24:32]),
		Inode: binary.LittleEndian.Uint64(b[32:40]),
		Mtime: int64(binary.LittleEndian.Uint64(b[40:48])),
	}, nil
}

// StatFile captures the Stat fields the tracker cares about for path.
func StatFile(path string) (Stat, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Stat{}, fmt.Errorf("changetracker: stat %s: %w", path, err)
	}
	sys, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return Stat{}, fmt.Errorf("changetracker: stat %s: unsupported platform stat_t", path)
	}
	return Stat{
		Mode:  uint64(fi.Mode()),
		UID:   uint64(sys.Uid),
		GID:   uint64(sys.Gid),
		Dev:   uint64(sys.Dev),
		Inode: sys.Ino,
		Mtime: fi.ModTime().Unix(),
	}, nil
}

// StatFieldChange describes one changed field for the change log.
type StatFieldChange struct {
	Field string
	Old   string
	New   string
}

// DiffStat compares two Stat values field by field, rendering permissions
// in octal, ids as decimal, and times in ctime-like format.
func DiffStat(old, new Stat) []StatFieldChange {
	var changes []StatFieldChange
	if old.Mode != new.Mode {
		changes = append(changes, StatFieldChange{"mode", fmt.Sprintf("%04o", old.Mode&0o7777), fmt.Sprintf("%04o", new.Mode&0o7777)})
	}
	if old.UID != new.UID {
		changes = append(changes, StatFieldChange{"uid", fmt.Sprintf("%d", old.UID), fmt.Sprintf("%d", new.UID)})
	}
	if old.GID != new.GID {
		changes = append(changes, StatFieldChange{"gid", fmt.Sprintf("%d", old.GID), fmt.Sprintf("%d", new.GID)})
	}
	if old.Dev != new.Dev {
		changes = append(changes, StatFieldChange{"device", fmt.Sprintf("%d", old.Dev), fmt.Sprintf("%d", new.Dev)})
	}
	if old.Inode != new.Inode {
		changes = append(changes, StatFieldChange{"inode", fmt.Sprintf("%d", old.Inode), fmt.Sprintf("%d", new.Inode)})
	}
	if old.Mtime != new.Mtime {
		changes = append(changes, StatFieldChange{
			"mtime",
			time.Unix(old.Mtime, 0).UTC().Format(time.ANSIC),
			time.Unix(new.Mtime, 0).UTC().Format(time.ANSIC),
		})
	}
	return changes
}
