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

package eval

import (
	"fmt"
	"strings"

	"github.com/convergent/agentcore/pkg/outcome"
)

// keptClass is the auto-generated class name a handled promise's outcome
// sets, letting other promises gate on it via depends_on.
func keptClass(handle string) string { return fmt.Sprintf("promise_%s_kept", handle) }

// RecordPromiseOutcome sets handle's "kept" class when the promise's
// outcome means the promiser ended up in (or already was in) the desired
// state — NOOP or CHANGE. A FAIL, WARN, INTERRUPTED or SKIPPED outcome
// never sets it, so a depends_on guard downstream only fires once the
// dependency has genuinely succeeded.
func (c *Context) RecordPromiseOutcome(handle string, o outcome.Outcome) {
	if handle == "" {
		return
	}
	if o == outcome.NOOP || o == outcome.CHANGE {
		c.AddClass(keptClass(handle))
	}
}

// WithDependsOn folds a depends_on attribute's handle list into guard,
// producing the combined class-guard expression a promise is actually
// evaluated under. Each dependency becomes a "promise_<handle>_kept"
// class ANDed onto the existing guard, using the same "()&()" scalar-join
// syntax the promise-side if/ifvarclass merge uses, so an unsatisfied
// dependency behaves exactly like any other failed guard.
func WithDependsOn(guard string, dependsOn []string) string {
	if len(dependsOn) == 0 {
		return guard
	}
	clauses := make([]string, len(dependsOn))
	for i, h := range dependsOn {
		clauses[i] = keptClass(h)
	}
	joined := strings.Join(clauses, ".")
	if guard == "" || guard == "any" {
		return joined
	}
	return fmt.Sprintf("(%s)&(%s)", guard, joined)
}
