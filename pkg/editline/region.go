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

import "fmt"

// Region narrows every edit operation to a sub-range of a file's lines
// (select_start/select_end/include_start/include_end/
// select_end_match_eof attributes). The zero value selects the whole file.
type Region struct {
	StartPattern       string
	EndPattern         string
	IncludeStart       bool
	IncludeEnd         bool
	SelectEndMatchEOF  bool
}

// Resolve computes the half-open line-index range [begin, end) that the
// region selects within lines:
//
// - no StartPattern: region is the whole file.
// - StartPattern set: scan forward for the first matching line. If
// IncludeStart, that line is in range; otherwise it is excluded and
// the range begins on the next line. If the start line is the last
// line of the file and IncludeStart is false, the region is empty.
// - EndPattern set: scan forward from the line after start for the
// first match. If IncludeEnd, that line is included; otherwise the
// range ends just before it. If no line matches and
// SelectEndMatchEOF is true, the region extends to end of file;
// otherwise region selection fails.
// - EndPattern unset: the region runs to end of file.
func (r Region) Resolve(lines []string) (begin, end int, ok bool, err error) {
	if r.StartPattern == "" {
		return 0, len(lines), true, nil
	}

	startRe, err := compileLineRegex(r.StartPattern)
	if err != nil {
		return 0, 0, false, fmt.Errorf("select_start: %w", err)
	}
	startIdx := -1
	for i, l := range lines {
		if startRe.MatchString(l) {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return 0, 0, false, nil
	}

	begin = startIdx
	if !r.IncludeStart {
		begin = startIdx + 1
		if startIdx == len(lines)-1 {
			// Start matched the last line and is excluded: empty region.
			return begin, begin, true, nil
		}
	}

	if r.EndPattern == "" {
		return begin, len(lines), true, nil
	}

	endRe, err := compileLineRegex(r.EndPattern)
	if err != nil {
		return 0, 0, false, fmt.Errorf("select_end: %w", err)
	}
	endIdx := -1
	for i := startIdx + 1; i < len(lines); i++ {
		if endRe.MatchString(lines[i]) {
			endIdx = i
			break
		}
	}
	if endIdx == -1 {
		if r.SelectEndMatchEOF {
			return begin, len(lines), true, nil
		}
		return 0, 0, false, nil
	}

	end = endIdx
	if r.IncludeEnd {
		end = endIdx + 1
	}
	if end < begin {
		end = begin
	}
	return begin, end, true, nil
}
