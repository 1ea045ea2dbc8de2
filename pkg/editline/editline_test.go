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

package editline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergent/agentcore/pkg/outcome"
)

func newDoc(lines ...string) *Document {
	return &Document{Lines: append([]string(nil), lines...)}
}

func TestInsertLinesConvergesToNoop(t *testing.T) {
	doc := newDoc("one", "two", "three")

	o, err := InsertLines(doc, "two", InsertOptions{Type: Literal})
	require.NoError(t, err)
	assert.Equal(t, outcome.NOOP, o)
	assert.Equal(t, []string{"one", "two", "three"}, doc.Lines)
}

func TestInsertLinesAppendsAtEndWithoutAnchor(t *testing.T) {
	doc := newDoc("one", "two")

	o, err := InsertLines(doc, "three", InsertOptions{Type: Literal, Anchor: Anchor{Side: After}})
	require.NoError(t, err)
	assert.Equal(t, outcome.CHANGE, o)
	assert.Equal(t, []string{"one", "two", "three"}, doc.Lines)

	o2, err := InsertLines(doc, "three", InsertOptions{Type: Literal, Anchor: Anchor{Side: After}})
	require.NoError(t, err)
	assert.Equal(t, outcome.NOOP, o2, "re-running the same promise must be a no-op")
}

func TestInsertLinesAnchoredAfterMatch(t *testing.T) {
	doc := newDoc("# header", "a=1", "# footer")

	o, err := InsertLines(doc, "b=2", InsertOptions{
		Type:   Literal,
		Anchor: Anchor{Side: After, LineMatching: `a=1`, First: true},
	})
	require.NoError(t, err)
	assert.Equal(t, outcome.CHANGE, o)
	assert.Equal(t, []string{"# header", "a=1", "b=2", "# footer"}, doc.Lines)
}

func TestInsertLinesOnEmptyFileIsUnconditional(t *testing.T) {
	doc := newDoc()

	o, err := InsertLines(doc, "first line", InsertOptions{
		Type:   Literal,
		Anchor: Anchor{Side: Before, LineMatching: "nonexistent"},
	})
	require.NoError(t, err)
	assert.Equal(t, outcome.CHANGE, o)
	assert.Equal(t, []string{"first line"}, doc.Lines)
}

func TestInsertLinesPreserveAllLinesAllowsOutOfOrderBlock(t *testing.T) {
	doc := newDoc("x=1", "unrelated", "y=2")

	o, err := InsertLines(doc, "x=1\ny=2", InsertOptions{Type: PreserveAllLines})
	require.NoError(t, err)
	assert.Equal(t, outcome.NOOP, o, "preserve_all_lines should not require contiguity")
}

func TestInsertLinesPreserveBlockRequiresContiguity(t *testing.T) {
	doc := newDoc("x=1", "unrelated", "y=2")

	o, err := InsertLines(doc, "x=1\ny=2", InsertOptions{Type: PreserveBlock})
	require.NoError(t, err)
	assert.Equal(t, outcome.CHANGE, o, "preserve_block must re-insert since the block isn't contiguous")
}

func TestDeleteLinesRemovesMatchingLine(t *testing.T) {
	doc := newDoc("keep", "drop-me", "keep2")

	o, err := DeleteLines(doc, "drop-me", DeleteOptions{})
	require.NoError(t, err)
	assert.Equal(t, outcome.CHANGE, o)
	assert.Equal(t, []string{"keep", "keep2"}, doc.Lines)

	o2, err := DeleteLines(doc, "drop-me", DeleteOptions{})
	require.NoError(t, err)
	assert.Equal(t, outcome.NOOP, o2)
}

func TestDeleteLinesNotMatchingInverts(t *testing.T) {
	doc := newDoc("a", "b", "c")

	o, err := DeleteLines(doc, "b", DeleteOptions{NotMatching: true})
	require.NoError(t, err)
	assert.Equal(t, outcome.CHANGE, o)
	assert.Equal(t, []string{"b"}, doc.Lines)
}

func TestDeleteLinesBlockDeletesContiguousRun(t *testing.T) {
	doc := newDoc("head", "a", "b", "tail")

	o, err := DeleteLines(doc, "a\nb", DeleteOptions{})
	require.NoError(t, err)
	assert.Equal(t, outcome.CHANGE, o)
	assert.Equal(t, []string{"head", "tail"}, doc.Lines)
}

func TestRegionResolveIncludeBoundaries(t *testing.T) {
	lines := []string{"BEGIN", "a", "b", "END", "trailer"}
	r := Region{StartPattern: "BEGIN", EndPattern: "END", IncludeStart: false, IncludeEnd: false}
	begin, end, ok, err := r.Resolve(lines)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, lines[begin:end])
}

func TestRegionResolveSelectEndMatchEOF(t *testing.T) {
	lines := []string{"BEGIN", "a", "b"}
	r := Region{StartPattern: "BEGIN", EndPattern: "NEVER", SelectEndMatchEOF: true}
	begin, end, ok, err := r.Resolve(lines)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, lines[begin:end])
}

func TestRegionResolveFailsWithoutEOFFallback(t *testing.T) {
	lines := []string{"BEGIN", "a", "b"}
	r := Region{StartPattern: "BEGIN", EndPattern: "NEVER"}
	_, _, ok, err := r.Resolve(lines)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplacePatternsAllOccurrences(t *testing.T) {
	doc := newDoc("foo foo foo")

	o, err := ReplacePatterns(doc, ReplaceOptions{Pattern: `foo`, Replacement: "bar", Occurrences: All})
	require.NoError(t, err)
	assert.Equal(t, outcome.CHANGE, o)
	assert.Equal(t, "bar bar bar", doc.Lines[0])
}

func TestReplacePatternsFirstOccurrenceWarnsNonConvergent(t *testing.T) {
	doc := newDoc("foo foo")

	o, err := ReplacePatterns(doc, ReplaceOptions{Pattern: `foo`, Replacement: "bar", Occurrences: First})
	require.NoError(t, err)
	assert.Equal(t, outcome.WARN, o)
}

func TestReplacePatternsInterruptedOnNonConvergentExpansion(t *testing.T) {
	doc := newDoc("a")

	o, err := ReplacePatterns(doc, ReplaceOptions{Pattern: `a`, Replacement: "aa", Occurrences: All})
	require.NoError(t, err)
	assert.Equal(t, outcome.INTERRUPTED, o)
}

func TestReplacePatternsInterruptedWhenReplacementReproducesMatch(t *testing.T) {
	doc := newDoc("x=1")

	o, err := ReplacePatterns(doc, ReplaceOptions{Pattern: `x=\d+`, Replacement: "x=1", Occurrences: All})
	require.NoError(t, err)
	assert.Equal(t, outcome.INTERRUPTED, o)
	assert.Equal(t, "x=1", doc.Lines[0])
}

func TestFieldEditsSetsSelectedField(t *testing.T) {
	doc := newDoc("root:x:0:0:root:/root:/bin/bash")

	o, err := FieldEdits(doc, FieldOptions{
		FieldSeparator: ":",
		SelectField:    7,
		Operation:      FieldSet,
		Value:          "/bin/zsh",
	})
	require.NoError(t, err)
	assert.Equal(t, outcome.CHANGE, o)
	assert.Equal(t, "root:x:0:0:root:/root:/bin/zsh", doc.Lines[0])

	o2, err := FieldEdits(doc, FieldOptions{
		FieldSeparator: ":",
		SelectField:    7,
		Operation:      FieldSet,
		Value:          "/bin/zsh",
	})
	require.NoError(t, err)
	assert.Equal(t, outcome.NOOP, o2)
}

func TestFieldEditsValueSeparatorList(t *testing.T) {
	doc := newDoc("PATH=/usr/bin:/bin")

	o, err := FieldEdits(doc, FieldOptions{
		FieldSeparator: "=",
		SelectField:    2,
		ValueSeparator: ":",
		Operation:      FieldAppend,
		Value:          "/usr/local/bin",
	})
	require.NoError(t, err)
	assert.Equal(t, outcome.CHANGE, o)
	assert.Equal(t, "PATH=/usr/bin:/bin:/usr/local/bin", doc.Lines[0])
}

func TestExpandTemplateMarkersPairsBeginEnd(t *testing.T) {
	lines := []string{
		"static header",
		"[%CFEngine BEGIN%]",
		"managed line one",
		"managed line two",
		"[%CFEngine END%]",
		"static footer",
	}
	blocks, err := ExpandTemplateMarkers(lines)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, []string{"managed line one", "managed line two"}, blocks[0].Lines)
}

func TestExpandTemplateMarkersRejectsNesting(t *testing.T) {
	lines := []string{"[%CFEngine BEGIN%]", "[%CFEngine BEGIN%]", "[%CFEngine END%]", "[%CFEngine END%]"}
	_, err := ExpandTemplateMarkers(lines)
	assert.Error(t, err)
}

func TestRunBundleLoopsToFixedPoint(t *testing.T) {
	doc := newDoc("a", "b")
	calls := 0

	o, err := RunBundle(doc, func(d *Document, section string) (outcome.Outcome, error) {
		calls++
		if section == "insert_lines" && len(d.Lines) < 3 {
			d.Lines = append(d.Lines, "c")
			return outcome.CHANGE, nil
		}
		return outcome.NOOP, nil
	})
	require.NoError(t, err)
	assert.Equal(t, outcome.CHANGE, o)
	assert.Equal(t, []string{"a", "b", "c"}, doc.Lines)
}

func TestDocumentSaveIsAtomicAndPreservesCRLF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\r\ntwo\r\n"), 0644))

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, CRLF, doc.Ending)
	assert.Equal(t, []string{"one", "two"}, doc.Lines)

	doc.Lines = append(doc.Lines, "three")
	o, err := doc.Save(false)
	require.NoError(t, err)
	assert.Equal(t, outcome.CHANGE, o)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\r\ntwo\r\nthree\r\n", string(raw))

	o2, err := doc.Save(false)
	require.NoError(t, err)
	assert.Equal(t, outcome.NOOP, o2)
}

func TestDocumentSaveDryRunDoesNotWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\n"), 0644))

	doc, err := Load(path)
	require.NoError(t, err)
	doc.Lines = append(doc.Lines, "two")

	o, err := doc.Save(true)
	require.NoError(t, err)
	assert.Equal(t, outcome.CHANGE, o)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\n", string(raw), "dry run must not touch disk")
}
