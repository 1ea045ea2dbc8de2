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

// Package validation is the semantic validator (C4): duplicate bundles and
// bodies, undefined body references, constraint type mismatches, the
// required-comments policy, duplicate handles, and the custom-promise-type
// migration check. Errors accumulate in a
// k8s.io/apimachinery field.ErrorList, the same structure the reference
// apiserver's declarative validators use, and are rendered to the
// file:line:col wire format of at the end.
package validation

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/convergent/agentcore/pkg/policy"
	"github.com/convergent/agentcore/pkg/policy/syntax"
)

// posError pairs a field.Error with the source position it occurred at, so
// rendering can produce "file:line:col: error: msg" instead of field.Path's
// JSON-pointer-style location.
type posError struct {
	pos SourcePosLike
	err *field.Error
}

// SourcePosLike lets this package accept policy.SourcePos without importing
// it twice under two names; it is satisfied by policy.SourcePos itself.
type SourcePosLike interface {
	String() string
}

// Result is the ordered list of validation errors produced by Validate. A
// nil or empty Result means the policy is valid.
type Result struct {
	errors []posError
}

// Empty reports whether no errors were recorded.
func (r *Result) Empty() bool { return len(r.errors) == 0 }

// Errors renders every recorded error as "file:line:col: error: msg",
// matching the wire format named in ("rendered as
// file:line:col: error: msg").
func (r *Result) Errors() []string {
	out := make([]string, 0, len(r.errors))
	for _, e := range r.errors {
		out = append(out, fmt.Sprintf("%s: error: %s", e.pos.String(), e.err.ErrorBody()))
	}
	return out
}

// FieldErrors exposes the underlying field.ErrorList for callers (tests,
// the JSON bridge) that want structured access instead of rendered
// strings.
func (r *Result) FieldErrors() field.ErrorList {
	list := make(field.ErrorList, 0, len(r.errors))
	for _, e := range r.errors {
		list = append(list, e.err)
	}
	return list
}

func (r *Result) add(pos policy.SourcePos, err *field.Error) {
	r.errors = append(r.errors, posError{pos: pos, err: err})
}

// Validate runs every semantic check in against p and returns the
// accumulated Result. Validate is deterministic: given the same policy it
// always returns errors in the same order (invariant).
func Validate(p *policy.Policy, reg *syntax.Registry) *Result {
	r := &Result{}
	validateBundleNames(p, r)
	validateDuplicateBundles(p, r)
	validateDuplicateBodies(p, r)
	validateConstraintTypes(p, reg, r)
	validateUndefinedBodies(p, reg, r)
	validateRequiredComments(p, r)
	validateDuplicateHandles(p, r)
	validateCustomPromiseTypes(p, r)
	return r
}

func validateBundleNames(p *policy.Policy, r *Result) {
	path := field.NewPath("bundles")
	for i, b := range p.Bundles {
		if policy.ReservedBundleNames[b.Name] {
			r.add(b.Pos, field.Invalid(path.Index(i).Child("name"), b.Name,
				fmt.Sprintf("%q is a reserved bundle name", b.Name)))
		}
	}
}

func validateDuplicateBundles(p *policy.Policy, r *Result) {
	seen := map[policy.BundleKey]policy.SourcePos{}
	path := field.NewPath("bundles")
	for i, b := range p.Bundles {
		key := b.Key()
		if first, ok := seen[key]; ok {
			r.add(b.Pos, field.Duplicate(path.Index(i), fmt.Sprintf(
				"bundle %s:%s %q already defined at %s", key.Namespace, key.Type, key.Name, first.String())))
			continue
		}
		seen[key] = b.Pos
	}
}

func validateDuplicateBodies(p *policy.Policy, r *Result) {
	seen := map[policy.BodyKey]policy.SourcePos{}
	path := field.NewPath("bodies")
	for i, b := range p.Bodies {
		if b.Type == "file" {
			// Bodies of type "file" are textual includes and may be
			// defined any number of times, so they're exempt from the
			// duplicate-body check.
			continue
		}
		key := b.Key()
		if first, ok := seen[key]; ok {
			r.add(b.Pos, field.Duplicate(path.Index(i), fmt.Sprintf(
				"body %s:%s %q already defined at %s", key.Namespace, key.Type, key.Name, first.String())))
			continue
		}
		seen[key] = b.Pos
	}
}

// validateConstraintTypes implements constraint type check: every
// lval must be declared for the (bundle-type, section-type) pair or be a
// common attribute, and the rval kind must match the declared data type
// (scalar-valued entries accept function calls, re-checked post-expansion
// by the expander's pre-eval recheck).
func validateConstraintTypes(p *policy.Policy, reg *syntax.Registry, r *Result) {
	walkPromises(p, func(b *policy.Bundle, s *policy.BundleSection, promiseIdx int, promise *policy.Promise) {
		pt, ptKnown := reg.Lookup(s.PromiseType)
		if ptKnown && !pt.AllowedIn(b.Type) {
			r.add(s.Pos, field.Invalid(field.NewPath("bundles").Child(b.Name, s.PromiseType), s.PromiseType,
				fmt.Sprintf("promise type %q is not valid inside a %q bundle", s.PromiseType, b.Type)))
		}
		for ci, c := range promise.Constraints {
			cpath := field.NewPath("bundles").Child(b.Name, s.PromiseType).Index(promiseIdx).Child("constraints").Index(ci)
			attr, ok := reg.Attribute(s.PromiseType, c.LValue)
			if !ok {
				r.add(c.Pos, field.Invalid(cpath.Child("lval"), c.LValue,
					fmt.Sprintf("%q is not a declared attribute of promise type %q", c.LValue, s.PromiseType)))
				continue
			}
			if err := CheckRValueKind(attr, c); err != "" {
				r.add(c.Pos, field.Invalid(cpath.Child("rval"), c.LValue, err))
			}
		}
	})
}

// CheckRValueKind reports whether c's right-value shape matches attr's
// declared data type, or "" if it matches. Exported so the expander's
// pre-eval recheck ("re-run constraint type checking after
// expansion") can reuse the same rule the first-pass validator applies,
// rather than duplicating it.
func CheckRValueKind(attr syntax.AttributeSyntax, c policy.Constraint) string {
	// Scalar-valued entries accept function calls; the real type is
	// checked again after expansion by the expander's pre-eval recheck
	// , since $(var) may resolve to something of the wrong shape.
	if c.RValue.Kind == policy.RightValueFunctionCall {
		return ""
	}
	switch attr.Type {
	case syntax.DataTypeBody, syntax.DataTypeBodyList:
		if !c.ReferencesBody {
			return fmt.Sprintf("%q must reference a body of type %q, got a literal value", attr.Name, attr.BodyType)
		}
	case syntax.DataTypeStringList:
		if c.RValue.Kind != policy.RightValueList && c.RValue.Kind != policy.RightValueScalar {
			return fmt.Sprintf("%q must be a list or scalar", attr.Name)
		}
	case syntax.DataTypeContainer:
		if c.RValue.Kind != policy.RightValueContainer {
			return fmt.Sprintf("%q must be a JSON container value", attr.Name)
		}
	case syntax.DataTypeOptionList:
		if c.RValue.Kind != policy.RightValueScalar {
			return fmt.Sprintf("%q must be one of %v", attr.Name, attr.Options)
		}
		for _, opt := range attr.Options {
			if opt == c.RValue.Scalar {
				return ""
			}
		}
		return fmt.Sprintf("%q must be one of %v, got %q", attr.Name, attr.Options, c.RValue.Scalar)
	default:
		if c.RValue.Kind != policy.RightValueScalar {
			return fmt.Sprintf("%q must be a scalar value", attr.Name)
		}
	}
	return ""
}

// validateUndefinedBodies implements every constraint whose declared
// data type is "body reference" must resolve to an existing body of the
// matching type.
func validateUndefinedBodies(p *policy.Policy, reg *syntax.Registry, r *Result) {
	walkPromises(p, func(b *policy.Bundle, s *policy.BundleSection, promiseIdx int, promise *policy.Promise) {
		for ci, c := range promise.Constraints {
			attr, ok := reg.Attribute(s.PromiseType, c.LValue)
			if !ok || !c.ReferencesBody {
				continue
			}
			if attr.Type != syntax.DataTypeBody && attr.Type != syntax.DataTypeBodyList {
				continue
			}
			names := []string{c.RValue.Scalar}
			if c.RValue.Kind == policy.RightValueList {
				names = nil
				for _, item := range c.RValue.List {
					names = append(names, item.Scalar)
				}
			}
			for _, name := range names {
				if _, ok := p.LookupBody(b.Namespace, attr.BodyType, name); !ok {
					cpath := field.NewPath("bundles").Child(b.Name, s.PromiseType).Index(promiseIdx).Child("constraints").Index(ci)
					nfErr := field.NotFound(cpath, name)
					nfErr.Detail = fmt.Sprintf("%s:%s %q", b.Namespace, attr.BodyType, name)
					r.add(c.Pos, nfErr)
				}
			}
		}
	})
}

// validateRequiredComments implements if common control's
// require_comments is true, every promise must carry a comment.
func validateRequiredComments(p *policy.Policy, r *Result) {
	if !requireComments(p) {
		return
	}
	walkPromises(p, func(b *policy.Bundle, s *policy.BundleSection, promiseIdx int, promise *policy.Promise) {
		if promise.Comment == "" {
			path := field.NewPath("bundles").Child(b.Name, s.PromiseType).Index(promiseIdx).Child("comment")
			r.add(promise.Pos, field.Required(path, "comment required by common control require_comments"))
		}
	})
}

func requireComments(p *policy.Policy) bool {
	body, ok := p.LookupBody(policy.DefaultNamespace, "control", "common")
	if !ok {
		return false
	}
	for _, c := range body.Constraints {
		if c.LValue == "require_comments" && c.RValue.Kind == policy.RightValueScalar {
			return c.RValue.Scalar == "true"
		}
	}
	return false
}

// validateDuplicateHandles implements no two promises may share a
// handle when their class guards are string-identical. Handles containing
// unexpanded variable references are excluded, since their true value
// cannot be known until expansion.
func validateDuplicateHandles(p *policy.Policy, r *Result) {
	type key struct{ handle, guard string }
	seen := map[key]policy.SourcePos{}
	walkPromises(p, func(b *policy.Bundle, s *policy.BundleSection, promiseIdx int, promise *policy.Promise) {
		handle, ok := promise.Handle()
		if !ok || containsVarRef(handle) {
			return
		}
		k := key{handle: handle, guard: promise.ClassGuard}
		if first, dup := seen[k]; dup {
			path := field.NewPath("bundles").Child(b.Name, s.PromiseType).Index(promiseIdx).Child("handle")
			dupErr := field.Duplicate(path, handle)
			dupErr.Detail = fmt.Sprintf("handle %q (guard %q) already used at %s", handle, promise.ClassGuard, first.String())
			r.add(promise.Pos, dupErr)
			return
		}
		seen[k] = promise.Pos
	})
}

func containsVarRef(s string) bool {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '$' && (s[i+1] == '(' || s[i+1] == '{') {
			return true
		}
	}
	return false
}

// validateCustomPromiseTypes implements a policy declaring a custom
// promise type must not use ifvarclass/action_policy/expireafter/meta
// (migration path to "if").
func validateCustomPromiseTypes(p *policy.Policy, r *Result) {
	if len(p.CustomPromiseTypes) == 0 {
		return
	}
	rejected := map[string]bool{"ifvarclass": true, "action_policy": true, "expireafter": true, "meta": true}
	custom := map[string]policy.SourcePos{}
	for _, ct := range p.CustomPromiseTypes {
		custom[ct.Name] = ct.Pos
	}
	walkPromises(p, func(b *policy.Bundle, s *policy.BundleSection, promiseIdx int, promise *policy.Promise) {
		if _, ok := custom[s.PromiseType]; !ok {
			return
		}
		for ci, c := range promise.Constraints {
			if !rejected[c.LValue] {
				continue
			}
			path := field.NewPath("bundles").Child(b.Name, s.PromiseType).Index(promiseIdx).Child("constraints").Index(ci)
			r.add(c.Pos, field.Forbidden(path, fmt.Sprintf("%q is rejected on custom promise type %q; use \"if\" instead", c.LValue, s.PromiseType)))
		}
	})
}

// walkPromises visits every promise of every section (built-in and custom)
// of every bundle, in bundle/section/promise declaration order, so callers
// that need deterministic iteration (Validate's determinism invariant,)
// don't each reimplement the nested loop.
func walkPromises(p *policy.Policy, fn func(b *policy.Bundle, s *policy.BundleSection, promiseIdx int, promise *policy.Promise)) {
	for bi := range p.Bundles {
		b := &p.Bundles[bi]
		for si := range b.BuiltinSections {
			s := &b.BuiltinSections[si]
			for pi := range s.Promises {
				fn(b, s, pi, &s.Promises[pi])
			}
		}
		for si := range b.CustomSections {
			s := &b.CustomSections[si]
			for pi := range s.Promises {
				fn(b, s, pi, &s.Promises[pi])
			}
		}
	}
}
