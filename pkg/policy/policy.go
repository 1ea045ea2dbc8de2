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

package policy

import "fmt"

// Policy owns the whole policy tree: bundles, bodies, custom promise type
// templates, and the per-source-file content hashes parsed files were read
// from.
type Policy struct {
	Bundles            []Bundle
	Bodies             []Body
	CustomPromiseTypes []CustomPromiseType
	SourceHashes       map[string]string
	ReleaseID          string
}

// NewPolicy returns an empty, ready-to-populate Policy.
func NewPolicy() *Policy {
	return &Policy{SourceHashes: map[string]string{}}
}

// AppendBundle adds a bundle to the policy and returns a stable reference
// to it. Ownership of the bundle transfers to the Policy.
func (p *Policy) AppendBundle(b Bundle) BundleRef {
	p.Bundles = append(p.Bundles, b)
	return BundleRef{Index: len(p.Bundles) - 1}
}

// AppendBody adds a body to the policy and returns a stable reference.
func (p *Policy) AppendBody(b Body) BodyRef {
	p.Bodies = append(p.Bodies, b)
	return BodyRef{Index: len(p.Bodies) - 1}
}

// Bundle dereferences a BundleRef. Panics on an out-of-range ref, which can
// only happen from a programming error (Fatal, never a policy error).
func (p *Policy) Bundle(r BundleRef) *Bundle { return &p.Bundles[r.Index] }

// Body dereferences a BodyRef.
func (p *Policy) Body(r BodyRef) *Body { return &p.Bodies[r.Index] }

// LookupBody finds a body by (namespace, type, name). Returns false if no
// such body exists.
func (p *Policy) LookupBody(ns, typ, name string) (*Body, bool) {
	for i := range p.Bodies {
		b := &p.Bodies[i]
		if b.Namespace == ns && b.Type == typ && b.Name == name {
			return b, true
		}
	}
	return nil, false
}

// LookupBundle finds a bundle by (namespace, type, name).
func (p *Policy) LookupBundle(ns string, typ BundleType, name string) (*Bundle, bool) {
	for i := range p.Bundles {
		b := &p.Bundles[i]
		if b.Namespace == ns && b.Type == typ && b.Name == name {
			return b, true
		}
	}
	return nil, false
}

// Runnable reports whether the policy has a "common control" body (type
// "control", name "common"), the definition of runnability used
// throughout the validator and the CLI.
func (p *Policy) Runnable() bool {
	_, ok := p.LookupBody(DefaultNamespace, "control", "common")
	return ok
}

// AppendSection appends a section of the given promise type to a bundle,
// returning the existing section if one with that promise type already
// exists (BundleSection: "a second append returns the existing one").
func (p *Policy) AppendSection(br BundleRef, builtin bool, promiseType string, pos SourcePos) SectionRef {
	b := p.Bundle(br)
	sections := &b.CustomSections
	if builtin {
		sections = &b.BuiltinSections
	}
	for i := range *sections {
		if (*sections)[i].PromiseType == promiseType {
			return SectionRef{Bundle: br, Builtin: builtin, Index: i}
		}
	}
	*sections = append(*sections, BundleSection{
		PromiseType: promiseType,
		Pos:         pos,
		Bundle:      br,
	})
	return SectionRef{Bundle: br, Builtin: builtin, Index: len(*sections) - 1}
}

// Section dereferences a SectionRef.
func (p *Policy) Section(r SectionRef) *BundleSection {
	b := p.Bundle(r.Bundle)
	if r.Builtin {
		return &b.BuiltinSections[r.Index]
	}
	return &b.CustomSections[r.Index]
}

// AppendPromise appends a promise to a section and returns its reference.
func (p *Policy) AppendPromise(sr SectionRef, pr Promise) PromiseRef {
	s := p.Section(sr)
	pr.Section = sr
	s.Promises = append(s.Promises, pr)
	return PromiseRef{Section: sr, Index: len(s.Promises) - 1}
}

// Promise dereferences a PromiseRef.
func (p *Policy) Promise(r PromiseRef) *Promise {
	return &p.Section(r.Section).Promises[r.Index]
}

// mergeLValues are the left-values merged as logical AND rather than
// replaced-in-place when appended twice.
var mergeLValues = map[string]bool{"if": true, "ifvarclass": true}

// AppendConstraintToPromise implements the promise-side merge rule of
// appending a constraint with an already-present left-value merges
// (for if/ifvarclass) or replaces in place (otherwise), preserving the
// position of the first occurrence ("constraint merging is
// order-preserving").
func (p *Policy) AppendConstraintToPromise(pr PromiseRef, c Constraint) {
	promise := p.Promise(pr)
	c.Parent = ParentRef{Kind: ParentPromise, Promise: pr}
	for i := range promise.Constraints {
		existing := &promise.Constraints[i]
		if existing.LValue != c.LValue {
			continue
		}
		if mergeLValues[c.LValue] {
			existing.RValue = mergeRightValues(existing.RValue, c.RValue)
			return
		}
		*existing = c
		return
	}
	promise.Constraints = append(promise.Constraints, c)
}

// AppendConstraintToBody implements the body-side merge rule of for
// bodies, replacement only occurs when both left-value and class guard
// match; otherwise the constraint is a new, additional entry (bodies may
// legitimately carry the same lval under different class guards).
func (p *Policy) AppendConstraintToBody(br BodyRef, c Constraint) {
	body := p.Body(br)
	c.Parent = ParentRef{Kind: ParentBody, BodyRef: br}
	for i := range body.Constraints {
		existing := &body.Constraints[i]
		if existing.LValue == c.LValue && existing.ClassGuard == c.ClassGuard {
			if mergeLValues[c.LValue] {
				existing.RValue = mergeRightValues(existing.RValue, c.RValue)
				return
			}
			*existing = c
			return
		}
	}
	body.Constraints = append(body.Constraints, c)
}

// mergeRightValues implements the if/ifvarclass AND-merge of 
// scalar-scalar joins with "()&()" syntax; a scalar combined with a
// function call is promoted to and(scalar, fncall).
func mergeRightValues(a, b RightValue) RightValue {
	if a.Kind == RightValueScalar && b.Kind == RightValueScalar {
		return ScalarRightValue(fmt.Sprintf("(%s)&(%s)", a.Scalar, b.Scalar))
	}
	return RightValue{
		Kind: RightValueFunctionCall,
		Call: &FunctionCall{Name: "and", Args: []RightValue{a, b}},
	}
}

// Merge combines two policies lifecycle note ("merged (C4 allows
// combining partial policies)"). Ownership of a's and b's bundles/bodies
// transfers to the returned Policy; b's entries come after a's, so refs
// into b remain valid only if re-resolved against the returned Policy.
func Merge(a, b *Policy) *Policy {
	out := NewPolicy()
	out.ReleaseID = a.ReleaseID
	if out.ReleaseID == "" {
		out.ReleaseID = b.ReleaseID
	}
	for k, v := range a.SourceHashes {
		out.SourceHashes[k] = v
	}
	for k, v := range b.SourceHashes {
		out.SourceHashes[k] = v
	}
	out.Bundles = append(out.Bundles, a.Bundles...)
	out.Bundles = append(out.Bundles, b.Bundles...)
	out.Bodies = append(out.Bodies, a.Bodies...)
	out.Bodies = append(out.Bodies, b.Bodies...)
	out.CustomPromiseTypes = append(out.CustomPromiseTypes, a.CustomPromiseTypes...)
	out.CustomPromiseTypes = append(out.CustomPromiseTypes, b.CustomPromiseTypes...)
	return out
}
