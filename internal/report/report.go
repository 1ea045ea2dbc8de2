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

// Package report aggregates one run's per-promise outcomes into the
// summary `agent run` prints (a count per outcome severity plus the
// failures), and reads on-disk change-log records into the list of changed
// paths `agent report` prints, so an operator can see at a glance whether
// a run converged.
package report

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/convergent/agentcore/pkg/changetracker"
	"github.com/convergent/agentcore/pkg/outcome"
)

// PromiseResult is one evaluated promise's path and outcome, the unit the
// control loop in cmd/agent accumulates per run.
type PromiseResult struct {
	Path   string
	Result outcome.Result
}

// Summary is the aggregate view of a run.
type Summary struct {
	Counts    map[outcome.Outcome]int
	Worst     outcome.Outcome
	Failures  []PromiseResult
	Changed   []string
}

// Summarize folds a run's promise results into a Summary. Failures
// collects every promise at FAIL or INTERRUPTED, in evaluation order, for
// the detail section of the report.
func Summarize(results []PromiseResult) Summary {
	s := Summary{Counts: map[outcome.Outcome]int{}}
	outcomes := make([]outcome.Outcome, 0, len(results))
	for _, r := range results {
		s.Counts[r.Result.Outcome]++
		outcomes = append(outcomes, r.Result.Outcome)
		if r.Result.Outcome.Failed() {
			s.Failures = append(s.Failures, r)
		}
	}
	s.Worst = outcome.Worst(outcomes...)
	return s
}

// ReadChangeLog parses every line from r (a change-log file opened by the
// caller) and returns the distinct changed paths sorted ascending,
// skipping malformed lines rather than aborting the whole report.
func ReadChangeLog(r io.Reader) ([]string, error) {
	seen := map[string]bool{}
	var paths []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		_, _, path, _, _, err := changetracker.ParseChangeLogLine(line)
		if err != nil {
			continue
		}
		if !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}
	if err := scanner.Err(); err != nil {
		return paths, err
	}
	sort.Strings(paths)
	return paths, nil
}

// WriteText renders a Summary as the plain-text report `agent run`
// prints to stdout at the end of a run.
func WriteText(w io.Writer, s Summary) error {
	order := []outcome.Outcome{outcome.NOOP, outcome.CHANGE, outcome.WARN, outcome.SKIPPED, outcome.INTERRUPTED, outcome.FAIL}
	for _, o := range order {
		if n := s.Counts[o]; n > 0 {
			if _, err := fmt.Fprintf(w, "%-12s %d\n", o.String()+":", n); err != nil {
				return err
			}
		}
	}
	if _, err := fmt.Fprintf(w, "overall: %s\n", s.Worst); err != nil {
		return err
	}
	for _, f := range s.Failures {
		if _, err := fmt.Fprintf(w, "  %s: %s\n", f.Path, f.Result); err != nil {
			return err
		}
	}
	return nil
}
