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

// Package outcome defines the closed, totally-ordered result type every
// promise actuator returns. There are no exceptions for control flow here:
// actuators report what happened, callers decide what to do about it.
package outcome

// Outcome is the result of evaluating one promise or one sub-operation of a
// promise. The zero value is NOOP.
type Outcome int

const (
	// NOOP means the promiser was already in the desired state.
	NOOP Outcome = iota
	// CHANGE means the actuator made the promiser compliant.
	CHANGE
	// WARN means the promise was actuated but something about it deserves
	// operator attention (a non-convergent pattern, a deprecated attribute).
	WARN
	// FAIL means the actuator attempted and failed to bring the promiser
	// into compliance.
	FAIL
	// INTERRUPTED means the promise's own postcondition still matches its
	// precondition after actuation: re-running it would repeat the same
	// action forever. Not retried within the same run.
	INTERRUPTED
	// SKIPPED means the promise was not attempted at all (class guard did
	// not match, a lock was held, the bundle aborted).
	SKIPPED
)

// severity orders outcomes from least to most severe so Worst can fold a
// sequence of results without a branch per combination.
var severity = map[Outcome]int{
	NOOP:        0,
	SKIPPED:     1,
	CHANGE:      2,
	WARN:        3,
	INTERRUPTED: 4,
	FAIL:        5,
}

func (o Outcome) String() string {
	switch o {
	case NOOP:
		return "NOOP"
	case CHANGE:
		return "CHANGE"
	case WARN:
		return "WARN"
	case FAIL:
		return "FAIL"
	case INTERRUPTED:
		return "INTERRUPTED"
	case SKIPPED:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// Worse reports whether o is strictly more severe than other.
func (o Outcome) Worse(other Outcome) bool {
	return severity[o] > severity[other]
}

// Worst folds a set of sub-outcomes into the single most-severe one, per
// "the per-promise outcome is the worst of its sub-operations; bundle
// outcome is worst of its promises."
func Worst(outcomes ...Outcome) Outcome {
	worst := NOOP
	for _, o := range outcomes {
		if o.Worse(worst) {
			worst = o
		}
	}
	return worst
}

// Failed reports whether the run, must exit with a non-zero status:
// any promise at FAIL, the most severe outcome, or at INTERRUPTED, which
// ranks just below FAIL.
func (o Outcome) Failed() bool {
	return o == FAIL || o == INTERRUPTED
}

// Result pairs an Outcome with the human-facing detail the structured log
// line in carries alongside severity and promise path.
type Result struct {
	Outcome Outcome
	Detail  string
}

func (r Result) String() string {
	if r.Detail == "" {
		return r.Outcome.String()
	}
	return r.Outcome.String() + ": " + r.Detail
}
