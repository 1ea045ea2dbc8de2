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
)

// templateMarker matches a "[%CFEngine BEGIN%]" / "[%CFEngine END%]"
// template marker, with an optional class-guard suffix
// ("[%CFEngine BEGIN linux::%]") template-expansion attribute.
var templateMarker = regexp.MustCompile(`\[%CFEngine (BEGIN|END)(?:\s+([^%]*?))?\s*%\]`)

// TemplateBlock is one BEGIN/END-delimited region found in a template,
// synthesized into a preserve_all_lines insert_lines promise (
// "template expansion desugars to synthesized insert_lines promises, one
// per BEGIN/END pair").
type TemplateBlock struct {
	ClassGuard string
	Lines      []string
}

// ExpandTemplateMarkers scans lines for BEGIN/END marker pairs and returns
// one TemplateBlock per pair, in document order. Markers are matched on
// class guard: a BEGIN's class expression (if any) must equal its paired
// END's, and nesting is rejected since a block's membership would
// otherwise be ambiguous.
func ExpandTemplateMarkers(lines []string) ([]TemplateBlock, error) {
	var blocks []TemplateBlock
	var openGuard string
	var openIdx int
	inBlock := false

	for i, line := range lines {
		m := templateMarker.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		kind, guard := m[1], strings.TrimSpace(m[2])
		switch kind {
		case "BEGIN":
			if inBlock {
				return nil, fmt.Errorf("template: nested [%%CFEngine BEGIN%%] at line %d", i+1)
			}
			inBlock = true
			openGuard = guard
			openIdx = i
		case "END":
			if !inBlock {
				return nil, fmt.Errorf("template: [%%CFEngine END%%] without matching BEGIN at line %d", i+1)
			}
			if guard != openGuard {
				return nil, fmt.Errorf("template: END guard %q at line %d does not match BEGIN guard %q", guard, i+1, openGuard)
			}
			blocks = append(blocks, TemplateBlock{
				ClassGuard: openGuard,
				Lines:      append([]string(nil), lines[openIdx+1:i]...),
			})
			inBlock = false
		}
	}
	if inBlock {
		return nil, fmt.Errorf("template: unterminated [%%CFEngine BEGIN%%] at line %d", openIdx+1)
	}
	return blocks, nil
}
