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

	"github.com/convergent/agentcore/pkg/outcome"
)

// InsertType selects how the promiser's lines are matched against what is
// already present.
type InsertType string

const (
	// Literal treats the promiser as one literal line (or, for a
	// multi-line promiser, exactly that block) to be inserted verbatim.
	Literal InsertType = "literal"
	// PreserveAllLines requires every line of a multi-line promiser to
	// already exist somewhere in the region (in any order, not necessarily
	// contiguous) for the insert to be a no-op.
	PreserveAllLines InsertType = "preserve_all_lines"
	// PreserveBlock requires the promiser's lines to exist as a single
	// contiguous block for the insert to be a no-op.
	PreserveBlock InsertType = "preserve_block"
)

// AnchorSide is relative to the matched anchor line.
type AnchorSide string

const (
	Before AnchorSide = "before"
	After  AnchorSide = "after"
)

// Anchor locates where a new block is inserted relative to a matching
// line within the selected region (insert location attributes).
type Anchor struct {
	Side          AnchorSide
	LineMatching string // empty: anchor to the region boundary itself
	First bool // true: first match; false: last match
}

// InsertOptions configures one insert_lines evaluation.
type InsertOptions struct {
	Type      InsertType
	Anchor    Anchor
	Policy    WhitespacePolicy
	Region    Region
}

// InsertLines implements insert_lines promise body. promiser is
// split on "\n" to support both single- and multi-line promisers. The
// returned Outcome is NOOP when the content is already present per Type,
// CHANGE when lines were added, and FAIL when the region or anchor could
// not be resolved.
func InsertLines(doc *Document, promiser string, opts InsertOptions) (outcome.Outcome, error) {
	block := splitMultiline(promiser)

	begin, end, ok, err := opts.Region.Resolve(doc.Lines)
	if err != nil {
		return outcome.FAIL, err
	}
	if !ok {
		return outcome.FAIL, fmt.Errorf("insert_lines: select region not found")
	}
	region := doc.Lines[begin:end]

	if alreadyPresent(region, block, opts.Type, opts.Policy) {
		return outcome.NOOP, nil
	}

	if len(doc.Lines) == 0 {
		// an empty file unconditionally receives the block, ignoring
		// anchor attributes entirely.
		doc.Lines = append([]string(nil), block...)
		return outcome.CHANGE, nil
	}

	at, err := resolveAnchorPoint(doc.Lines, begin, end, opts.Anchor)
	if err != nil {
		return outcome.FAIL, err
	}

	out := make([]string, 0, len(doc.Lines)+len(block))
	out = append(out, doc.Lines[:at]...)
	out = append(out, block...)
	out = append(out, doc.Lines[at:]...)
	doc.Lines = out
	return outcome.CHANGE, nil
}

// alreadyPresent implements the convergence check for each InsertType.
func alreadyPresent(region, block []string, typ InsertType, policy WhitespacePolicy) bool {
	switch typ {
	case PreserveBlock, "":
		for i := 0; i+len(block) <= len(region); i++ {
			if blockEqual(region[i:i+len(block)], block, policy) {
				return true
			}
		}
		return false
	case PreserveAllLines:
		for _, want := range block {
			found := false
			for _, have := range region {
				if linesEqual(have, want, policy) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case Literal:
		if len(block) == 1 {
			for _, have := range region {
				if linesEqual(have, block[0], policy) {
					return true
				}
			}
			return false
		}
		for i := 0; i+len(block) <= len(region); i++ {
			if blockEqual(region[i:i+len(block)], block, policy) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func blockEqual(a, b []string, policy WhitespacePolicy) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !linesEqual(a[i], b[i], policy) {
			return false
		}
	}
	return true
}

// resolveAnchorPoint finds the absolute line index at which to splice the
// new block in, given the region bounds and an Anchor.
func resolveAnchorPoint(lines []string, begin, end int, a Anchor) (int, error) {
	if a.LineMatching == "" {
		if a.Side == After {
			return end, nil
		}
		return begin, nil
	}

	re, err := compileLineRegex(a.LineMatching)
	if err != nil {
		return 0, fmt.Errorf("insert anchor: %w", err)
	}

	match := -1
	if a.First {
		for i := begin; i < end; i++ {
			if re.MatchString(lines[i]) {
				match = i
				break
			}
		}
	} else {
		for i := end - 1; i >= begin; i-- {
			if re.MatchString(lines[i]) {
				match = i
				break
			}
		}
	}
	if match == -1 {
		return 0, fmt.Errorf("insert anchor: no line in selected region matches %q", a.LineMatching)
	}
	if a.Side == After {
		return match + 1, nil
	}
	return match, nil
}
