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

// Package editline implements the convergent in-memory line editor (C7):
// delete, insert, replace and column edits over a file loaded as an
// ordered sequence of lines. It is the densest subsystem in the
// engine, at roughly a fifth of the core budget, because every operation
// carries its own convergence proof obligation: running it twice must
// produce the same bytes the second time.
package editline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"

	"github.com/convergent/agentcore/pkg/outcome"
)

// LineEnding is the newline convention detected on load and preserved on
// save.
type LineEnding string

const (
	LF   LineEnding = "\n"
	CRLF LineEnding = "\r\n"
)

// Document is a file loaded as an ordered sequence of lines. Mutating
// operations take and return a Document value (or mutate Lines in place
// within one promise's evaluation); Save is the only place bytes touch
// disk.
type Document struct {
	Path     string
	Lines    []string
	Ending   LineEnding
	loadedAt []string // snapshot at Load time, for the Save no-op comparison
}

// Load reads path into a Document, splitting on whichever line ending is
// detected first. A missing file loads as an empty Document (insert_lines
// unconditionally prepends its block to an empty file, regardless of any
// anchor attributes).
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{Path: path, Ending: LF}, nil
		}
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	ending := LF
	if bytes.Contains(data, []byte("\r\n")) {
		ending = CRLF
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	var lines []string
	if text != "" {
		lines = strings.Split(text, "\n")
	}
	snapshot := append([]string(nil), lines...)
	return &Document{Path: path, Lines: lines, Ending: ending, loadedAt: snapshot}, nil
}

// Dirty reports whether Lines differs from the content loaded from disk.
func (d *Document) Dirty() bool {
	if len(d.Lines) != len(d.loadedAt) {
		return true
	}
	for i := range d.Lines {
		if d.Lines[i] != d.loadedAt[i] {
			return true
		}
	}
	return false
}

// Save implements save algorithm: compare to disk, no-op if equal,
// otherwise write via an atomic-replace sequence (temp file, fsync,
// rename), preserving the detected line-ending mode. In dry-run mode the
// write is skipped but the would-be change is still reported via the
// returned outcome.
func (d *Document) Save(dryRun bool) (outcome.Outcome, error) {
	if !d.Dirty() {
		return outcome.NOOP, nil
	}
	if dryRun {
		klog.V(2).InfoS("edit_line dry-run: would rewrite file", "path", d.Path)
		return outcome.CHANGE, nil
	}

	nl := "\n"
	if d.Ending == CRLF {
		nl = "\r\n"
	}
	// An empty document still produces an empty file rather than no write
	// at all, so a promise that deletes every line converges to a
	// zero-byte file, not a leftover stale one.
	var buf bytes.Buffer
	for _, l := range d.Lines {
		buf.WriteString(l)
		buf.WriteString(nl)
	}

	dir := filepath.Dir(d.Path)
	tmp, err := os.CreateTemp(dir, ".edit_line-*.tmp")
	if err != nil {
		return outcome.FAIL, fmt.Errorf("create temp file for %s: %w", d.Path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return outcome.FAIL, fmt.Errorf("write temp file for %s: %w", d.Path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return outcome.FAIL, fmt.Errorf("fsync temp file for %s: %w", d.Path, err)
	}
	if err := tmp.Close(); err != nil {
		return outcome.FAIL, fmt.Errorf("close temp file for %s: %w", d.Path, err)
	}
	if info, err := os.Stat(d.Path); err == nil {
		os.Chmod(tmpPath, info.Mode())
	}
	if err := os.Rename(tmpPath, d.Path); err != nil {
		return outcome.FAIL, fmt.Errorf("rename temp file onto %s: %w", d.Path, err)
	}
	d.loadedAt = append([]string(nil), d.Lines...)
	klog.V(2).InfoS("edit_line wrote file", "path", d.Path, "lines", len(d.Lines))
	return outcome.CHANGE, nil
}

// splitMultiline splits a (possibly multi-line) promiser string into
// individual lines, the representation used throughout insert/delete for
// both single-line and block promisers.
func splitMultiline(s string) []string {
	return strings.Split(s, "\n")
}
