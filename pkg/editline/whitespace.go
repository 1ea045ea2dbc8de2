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
	"regexp"
	"strings"
)

// WhitespacePolicy governs how two lines are compared for the purposes of
// the "does this line already exist" convergence check that insert_lines
// and delete_lines both perform before mutating anything.
type WhitespacePolicy string

const (
	// ExactMatch requires byte-for-byte equality.
	ExactMatch WhitespacePolicy = "exact_match"
	// IgnoreLeading ignores leading horizontal whitespace.
	IgnoreLeading WhitespacePolicy = "ignore_leading"
	// IgnoreTrailing ignores trailing horizontal whitespace.
	IgnoreTrailing WhitespacePolicy = "ignore_trailing"
	// IgnoreEmbedded collapses runs of internal whitespace to single spaces
	// as well as trimming both ends.
	IgnoreEmbedded WhitespacePolicy = "ignore_embedded_whitespace"
)

// normalize applies policy to a line for comparison purposes. It never
// changes the line that will actually be written to the file — only the
// value used in equality checks.
func normalize(line string, policy WhitespacePolicy) string {
	switch policy {
	case IgnoreLeading:
		return strings.TrimLeft(line, " \t")
	case IgnoreTrailing:
		return strings.TrimRight(line, " \t")
	case IgnoreEmbedded:
		fields := strings.Fields(line)
		return strings.Join(fields, " ")
	case ExactMatch, "":
		return line
	default:
		return line
	}
}

// linesEqual compares two lines under a whitespace policy.
func linesEqual(a, b string, policy WhitespacePolicy) bool {
	return normalize(a, policy) == normalize(b, policy)
}

// compileLineRegex compiles a promiser string that is itself a regular
// expression, anchored to match a whole line as required by every
// select_*_matching attribute in. An unanchored user pattern is
// wrapped rather than rejected, since CFEngine-style policies commonly
// write select_line_matching without explicit ^$.
func compileLineRegex(pattern string) (*regexp.Regexp, error) {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^(?:" + pattern + ")$"
	}
	return regexp.Compile(pattern)
}
