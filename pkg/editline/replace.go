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

	"k8s.io/klog/v2"

	"github.com/convergent/agentcore/pkg/outcome"
)

// Occurrences controls how many matches per line replace_patterns acts on.
type Occurrences string

const (
	// All replaces every non-overlapping match on a line (the default),
	// repeating substitution passes up to a bounded cap to catch patterns
	// whose replacement text can itself be re-matched.
	All Occurrences = "all"
	// First replaces only the first match per line. This is flagged as
	// non-convergent: a second run could still find (and skip) further
	// matches, so the result depends on run count.
	First Occurrences = "first"
)

// maxSubstitutionsPerLine bounds the repeated-substitution loop so a
// replacement pattern that always re-matches its own output (e.g. "a" ->
// "aa") fails fast as INTERRUPTED instead of spinning.
const maxSubstitutionsPerLine = 20

// ReplaceOptions configures one replace_patterns evaluation.
type ReplaceOptions struct {
	Pattern     string
	Replacement string
	Occurrences Occurrences
	Region      Region
}

// ReplacePatterns implements replace_patterns promise body: for
// every line in the selected region, substitute Pattern with Replacement.
// Under Occurrences=All, substitution repeats on a line until the pattern
// no longer matches or the per-line cap is hit; hitting the cap is
// reported as outcome.INTERRUPTED since the edit did not converge. Under
// Occurrences=First, only the first match per line is replaced and the
// result is reported as outcome.WARN, since running it again on the same
// line (if the pattern still matches further along) changes the outcome
// again — by design non-convergent.
func ReplacePatterns(doc *Document, opts ReplaceOptions) (outcome.Outcome, error) {
	re, err := regexp.Compile(opts.Pattern)
	if err != nil {
		return outcome.FAIL, fmt.Errorf("replace_patterns: %w", err)
	}

	begin, end, ok, err := opts.Region.Resolve(doc.Lines)
	if err != nil {
		return outcome.FAIL, err
	}
	if !ok {
		return outcome.FAIL, fmt.Errorf("replace_patterns: select region not found")
	}

	changed := false
	worst := outcome.NOOP
	for i := begin; i < end; i++ {
		line := doc.Lines[i]

		if opts.Occurrences == First {
			loc := re.FindStringSubmatchIndex(line)
			if loc == nil {
				continue
			}
			expanded := re.ExpandString(nil, opts.Replacement, line, loc)
			doc.Lines[i] = line[:loc[0]] + string(expanded) + line[loc[1]:]
			changed = true
			worst = outcome.Worst(worst, outcome.WARN)
			klog.V(3).InfoS("replace_patterns: non-convergent first-occurrence replace", "line", i)
			continue
		}

		cur := line
		subs := 0
		for subs < maxSubstitutionsPerLine && re.MatchString(cur) {
			next := re.ReplaceAllString(cur, opts.Replacement)
			subs++
			if next == cur {
				// Substitution produced identical text (e.g. the
				// replacement equals what the pattern already matched).
				// Stop looping to avoid spinning; the match-still-present
				// check below still catches non-convergence.
				break
			}
			cur = next
		}
		if cur != line {
			doc.Lines[i] = cur
			changed = true
		}
		if re.MatchString(cur) {
			worst = outcome.Worst(worst, outcome.INTERRUPTED)
			klog.InfoS("replace_patterns: pattern still matches after substitution, non-convergent", "line", i)
		}
	}

	if worst != outcome.NOOP {
		return worst, nil
	}
	if !changed {
		return outcome.NOOP, nil
	}
	return outcome.CHANGE, nil
}
