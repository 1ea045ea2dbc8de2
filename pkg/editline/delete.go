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

// DeleteOptions configures one delete_lines evaluation.
type DeleteOptions struct {
	// NotMatching inverts the promiser: delete every line in the region
	// that does NOT match the (single-line) promiser pattern
	// not_matching attribute.
	NotMatching bool
	Policy      WhitespacePolicy
	Region      Region
}

// DeleteLines implements delete_lines promise body. A multi-line
// promiser deletes every contiguous, non-overlapping occurrence of that
// block within the region; a single-line promiser deletes every matching
// line (or, with NotMatching, every line that fails to match).
func DeleteLines(doc *Document, promiser string, opts DeleteOptions) (outcome.Outcome, error) {
	block := splitMultiline(promiser)

	begin, end, ok, err := opts.Region.Resolve(doc.Lines)
	if err != nil {
		return outcome.FAIL, err
	}
	if !ok {
		return outcome.FAIL, fmt.Errorf("delete_lines: select region not found")
	}

	keep := make([]bool, len(doc.Lines))
	for i := range keep {
		keep[i] = true
	}

	changed := false
	if len(block) > 1 {
		for i := begin; i+len(block) <= end; {
			if blockEqual(doc.Lines[i:i+len(block)], block, opts.Policy) {
				for j := i; j < i+len(block); j++ {
					keep[j] = false
				}
				changed = true
				i += len(block)
				continue
			}
			i++
		}
	} else {
		pattern := block[0]
		re, reErr := compileLineRegex(pattern)
		matches := func(line string) bool {
			if reErr == nil {
				return re.MatchString(line)
			}
			return linesEqual(line, pattern, opts.Policy)
		}
		for i := begin; i < end; i++ {
			m := matches(doc.Lines[i])
			if opts.NotMatching {
				m = !m
			}
			if m {
				keep[i] = false
				changed = true
			}
		}
	}

	if !changed {
		return outcome.NOOP, nil
	}

	out := make([]string, 0, len(doc.Lines))
	for i, l := range doc.Lines {
		if keep[i] {
			out = append(out, l)
		}
	}
	doc.Lines = out
	return outcome.CHANGE, nil
}
