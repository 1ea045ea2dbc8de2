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
	"k8s.io/klog/v2"

	"github.com/convergent/agentcore/pkg/outcome"
)

// SectionOrder is the fixed evaluation order of edit_line promise types
// within one bundle pass: variable and class declarations
// settle first so every other section sees their final values, deletions
// happen before insertions so an insert can't immediately be undone by a
// delete meant for pre-existing content, and reports run last since they
// observe rather than mutate.
var SectionOrder = []string{
	"vars",
	"classes",
	"delete_lines",
	"field_edits",
	"insert_lines",
	"replace_patterns",
	"reports",
}

// maxBundlePasses bounds the fixed-point loop. A correctly convergent
// bundle settles in one or two passes (an insert_lines can expose a new
// line to a later delete_lines run in the same pass, needing a second
// pass to confirm quiescence); anything still changing after this many
// passes is a non-convergent policy, not a slow-converging one.
const maxBundlePasses = 10

// SectionRunner evaluates every promise of one promise-type section
// against doc and reports the worst outcome across them. Supplied by the
// caller (the run-loop wires each promise type to its concrete actuator);
// this package only owns the convergence loop and the line-level
// mutations themselves.
type SectionRunner func(doc *Document, sectionType string) (outcome.Outcome, error)

// RunBundle evaluates every section of SectionOrder against doc,
// repeating whole passes until a pass makes no change or maxBundlePasses
// is reached rule. Sections not
// present in a given bundle are simply no-ops (run still calls them; a
// runner with nothing to do returns NOOP).
func RunBundle(doc *Document, run SectionRunner) (outcome.Outcome, error) {
	worst := outcome.NOOP
	for pass := 0; pass < maxBundlePasses; pass++ {
		passChanged := false
		for _, section := range SectionOrder {
			o, err := run(doc, section)
			if err != nil {
				return outcome.FAIL, err
			}
			worst = outcome.Worst(worst, o)
			if o == outcome.CHANGE {
				passChanged = true
			}
			if o.Failed() {
				return worst, nil
			}
		}
		if !passChanged {
			klog.V(3).InfoS("edit_line bundle converged", "path", doc.Path, "passes", pass+1)
			return worst, nil
		}
	}
	klog.InfoS("edit_line bundle did not converge within pass cap", "path", doc.Path, "passes", maxBundlePasses)
	return outcome.Worst(worst, outcome.INTERRUPTED), nil
}
