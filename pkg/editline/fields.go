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
	"fmt"
	"regexp"
	"strings"

	"github.com/convergent/agentcore/pkg/outcome"
)

// FieldOperation selects what field_edits does to the selected field's
// value list once it has been split on ValueSeparator.
type FieldOperation string

const (
	FieldSet      FieldOperation = "set"
	FieldDelete   FieldOperation = "delete"
	FieldPrepend  FieldOperation = "prepend"
	FieldAppend   FieldOperation = "append"
	FieldAlphanum FieldOperation = "alphanum" // insert into sorted position
)

// FieldOptions configures one field_edits evaluation (column
// editing attributes).
type FieldOptions struct {
	// LinePattern selects which lines are subject to column editing; empty
	// means every line in Region.
	LinePattern string
	// FieldSeparator splits a line into columns; a single-character
	// literal is treated that way, otherwise compiled as a regexp.
	FieldSeparator string
	// SelectField is the 1-based column index the edit applies to.
	SelectField int
	// ValueSeparator splits (and rejoins) the selected field's value list
	// for multi-valued fields (e.g. a PATH-style colon list). Empty means
	// the field is treated as a single scalar value.
	ValueSeparator string
	Operation      FieldOperation
	Value          string
	// ExtendColumns pads a line with empty fields if SelectField is past
	// the end, rather than leaving the line untouched.
	ExtendColumns bool
	Region        Region
}

// FieldEdits implements field_edits promise body: split each
// selected line on FieldSeparator, operate on the SelectField-th column's
// value list, and rejoin.
func FieldEdits(doc *Document, opts FieldOptions) (outcome.Outcome, error) {
	if opts.SelectField < 1 {
		return outcome.FAIL, fmt.Errorf("field_edits: select_field must be >= 1, got %d", opts.SelectField)
	}

	begin, end, ok, err := opts.Region.Resolve(doc.Lines)
	if err != nil {
		return outcome.FAIL, err
	}
	if !ok {
		return outcome.FAIL, fmt.Errorf("field_edits: select region not found")
	}

	var lineRe *regexp.Regexp
	if opts.LinePattern != "" {
		lineRe, err = compileLineRegex(opts.LinePattern)
		if err != nil {
			return outcome.FAIL, fmt.Errorf("field_edits: line_pattern: %w", err)
		}
	}

	sep, err := fieldSeparatorRegex(opts.FieldSeparator)
	if err != nil {
		return outcome.FAIL, fmt.Errorf("field_edits: field_separator: %w", err)
	}

	changed := false
	for i := begin; i < end; i++ {
		line := doc.Lines[i]
		if lineRe != nil && !lineRe.MatchString(line) {
			continue
		}
		newLine, didChange, err := editFields(line, sep, opts)
		if err != nil {
			return outcome.FAIL, err
		}
		if didChange {
			doc.Lines[i] = newLine
			changed = true
		}
	}

	if !changed {
		return outcome.NOOP, nil
	}
	return outcome.CHANGE, nil
}

func fieldSeparatorRegex(sep string) (*regexp.Regexp, error) {
	if sep == "" {
		sep = ":"
	}
	if len(sep) == 1 {
		return regexp.Compile(regexp.QuoteMeta(sep))
	}
	return regexp.Compile(sep)
}

func editFields(line string, sep *regexp.Regexp, opts FieldOptions) (string, bool, error) {
	fields := sep.Split(line, -1)
	idx := opts.SelectField - 1

	if idx >= len(fields) {
		if !opts.ExtendColumns {
			return line, false, nil
		}
		for len(fields) <= idx {
			fields = append(fields, "")
		}
	}

	before := fields[idx]
	after, changed := applyFieldOperation(before, opts)
	if !changed {
		return line, false, nil
	}
	fields[idx] = after

	delim := opts.FieldSeparator
	if delim == "" {
		delim = ":"
	}
	return strings.Join(fields, delim), true, nil
}

// applyFieldOperation runs Operation against a field's current value,
// treating it as a ValueSeparator-delimited list when ValueSeparator is
// set, or a single scalar otherwise.
func applyFieldOperation(field string, opts FieldOptions) (string, bool) {
	if opts.ValueSeparator == "" {
		return applyScalarFieldOperation(field, opts)
	}

	var items []string
	if field != "" {
		items = strings.Split(field, opts.ValueSeparator)
	}
	has := func(v string) int {
		for i, it := range items {
			if it == v {
				return i
			}
		}
		return -1
	}

	switch opts.Operation {
	case FieldDelete:
		i := has(opts.Value)
		if i == -1 {
			return field, false
		}
		items = append(items[:i], items[i+1:]...)
	case FieldPrepend:
		if has(opts.Value) == 0 {
			return field, false
		}
		if i := has(opts.Value); i > 0 {
			items = append(items[:i], items[i+1:]...)
		}
		items = append([]string{opts.Value}, items...)
	case FieldSet:
		if len(items) == 1 && items[0] == opts.Value {
			return field, false
		}
		items = []string{opts.Value}
	case FieldAlphanum:
		if has(opts.Value) != -1 {
			return field, false
		}
		insertAt := len(items)
		for i, it := range items {
			if opts.Value < it {
				insertAt = i
				break
			}
		}
		items = append(items[:insertAt], append([]string{opts.Value}, items[insertAt:]...)...)
	case FieldAppend, "":
		if i := has(opts.Value); i != -1 && i == len(items)-1 {
			return field, false
		}
		if i := has(opts.Value); i != -1 {
			items = append(items[:i], items[i+1:]...)
		}
		items = append(items, opts.Value)
	default:
		return field, false
	}
	return strings.Join(items, opts.ValueSeparator), true
}

func applyScalarFieldOperation(field string, opts FieldOptions) (string, bool) {
	switch opts.Operation {
	case FieldDelete:
		if field == "" {
			return field, false
		}
		return "", true
	case FieldSet, FieldAppend, FieldPrepend, FieldAlphanum, "":
		if field == opts.Value {
			return field, false
		}
		return opts.Value, true
	default:
		return field, false
	}
}
