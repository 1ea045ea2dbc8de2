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

package runner

import (
	"strconv"
	"strings"

	"github.com/convergent/agentcore/pkg/policy"
)

// scalarAttr returns the scalar value of a promise's lval constraint, if
// any. Body-reference and list/function-call constraints are ignored
// here; callers that need a body go through bodyRef.
func scalarAttr(p *policy.Promise, lval string) (string, bool) {
	for _, c := range p.Constraints {
		if c.LValue == lval && !c.ReferencesBody && c.RValue.Kind == policy.RightValueScalar {
			return c.RValue.Scalar, true
		}
	}
	return "", false
}

func boolAttr(p *policy.Promise, lval string) bool {
	v, ok := scalarAttr(p, lval)
	if !ok {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}

func intAttr(p *policy.Promise, lval string, def int) int {
	v, ok := scalarAttr(p, lval)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// listAttr returns a list-valued constraint's scalar items, plus a single
// scalar value folded into a one-element list for callers that accept
// either shape (package_architectures may be written as one string).
func listAttr(p *policy.Promise, lval string) []string {
	for _, c := range p.Constraints {
		if c.LValue != lval || c.ReferencesBody {
			continue
		}
		switch c.RValue.Kind {
		case policy.RightValueList:
			out := make([]string, 0, len(c.RValue.List))
			for _, item := range c.RValue.List {
				if item.Kind == policy.RightValueScalar {
					out = append(out, item.Scalar)
				}
			}
			return out
		case policy.RightValueScalar:
			return []string{c.RValue.Scalar}
		}
	}
	return nil
}

// bodyRef resolves a body-reference constraint named lval against pol,
// using ns as the namespace to look the body up in.
func bodyRef(pol *policy.Policy, ns string, p *policy.Promise, lval, bodyType string) (*policy.Body, bool) {
	for _, c := range p.Constraints {
		if c.LValue == lval && c.ReferencesBody && c.RValue.Kind == policy.RightValueScalar {
			return pol.LookupBody(ns, bodyType, c.RValue.Scalar)
		}
	}
	return nil, false
}

// bodyScalar returns the scalar value of a body's own lval constraint.
func bodyScalar(b *policy.Body, lval string) (string, bool) {
	for _, c := range b.Constraints {
		if c.LValue == lval && c.RValue.Kind == policy.RightValueScalar {
			return c.RValue.Scalar, true
		}
	}
	return "", false
}

func bodyBool(b *policy.Body, lval string) bool {
	v, ok := bodyScalar(b, lval)
	if !ok {
		return false
	}
	parsed, _ := strconv.ParseBool(v)
	return parsed
}

// firstWord extracts the first whitespace-separated token of s, used for
// tolerant parsing of attributes that accept both a bare keyword and a
// keyword-plus-argument form.
func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
