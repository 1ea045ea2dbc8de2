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

	"k8s.io/klog/v2"

	"github.com/convergent/agentcore/pkg/eval/classexpr"
	"github.com/convergent/agentcore/pkg/policy"
)

// ScopeName identifies one of the named variable scopes of sys,
// const, edit, this, match, plus one per active bundle frame (named after
// the bundle).
type ScopeName string

const (
	ScopeSys   ScopeName = "sys"
	ScopeConst ScopeName = "const"
	ScopeEdit  ScopeName = "edit"
	ScopeThis  ScopeName = "this"
	ScopeMatch ScopeName = "match"
)

// VarKey is the three-part qualified variable key a variable is stored
// and looked up by: scope, namespace, and name.
type VarKey struct {
	Scope     ScopeName
	Namespace string
	Name      string
}

// Value is a typed variable value. Only one field is meaningful, selected
// by Kind, mirroring policy.RightValue's tagged-union shape since variables
// ultimately come from (or feed back into) constraint right-values.
type Value struct {
	Kind   policy.RightValueKind
	Scalar string
	List   []string
}

func ScalarValue(s string) Value { return Value{Kind: policy.RightValueScalar, Scalar: s} }
func ListValue(items ...string) Value {
	return Value{Kind: policy.RightValueList, List: items}
}

// frame is one entry on the EvalContext's stack: a bundle, a section, a
// promise, or a private-class boundary. Popping a frame releases the
// variables and private classes declared within it.
type frame struct {
	kind        frameKind
	bundleName  string
	promiseType string
	vars        map[VarKey]Value
	privateCls  *classHeap
	negated     map[string]bool
}

type frameKind int

const (
	frameBundle frameKind = iota
	frameSection
	framePromise
	framePrivateClass
)

// Context is the singleton-per-run evaluation context (C3). It is passed
// by reference through every actuator; nothing here is a package-level
// global.
type Context struct {
	Policy *policy.Policy

	globalHeap *classHeap
	bundleHeap *classHeap
	negated    map[string]bool

	namespaceStack []string
	frames         []*frame

	matchCaptures []string

	abort       bool
	abortBundle bool

	persistent PersistentClassStore

	DryRun bool
}

// NewContext creates an EvalContext for one agent run against p.
func NewContext(p *policy.Policy, persistent PersistentClassStore) *Context {
	if persistent == nil {
		persistent = NewMemoryPersistentClassStore()
	}
	return &Context{
		Policy:         p,
		globalHeap:     newClassHeap(),
		bundleHeap:     newClassHeap(),
		negated:        map[string]bool{},
		namespaceStack: []string{policy.DefaultNamespace},
		persistent:     persistent,
	}
}

// heapView presents the union of global heap, bundle heap and every
// active private-class frame to classexpr.Heap, with negated classes
// overriding positive matches.
type heapView struct{ ctx *Context }

func (h heapView) IsSet(name string) bool {
	if h.ctx.negated[name] {
		return false
	}
	for i := len(h.ctx.frames) - 1; i >= 0; i-- {
		f := h.ctx.frames[i]
		if f.kind == framePrivateClass {
			if f.negated[name] {
				return false
			}
			if f.privateCls != nil && f.privateCls.has(name) {
				return true
			}
		}
	}
	return h.ctx.globalHeap.has(name) || h.ctx.bundleHeap.has(name)
}

// IsDefinedClass evaluates a class-guard expression against the current
// heap view.
func (c *Context) IsDefinedClass(expr string) (bool, error) {
	return classexpr.IsDefinedClass(expr, heapView{ctx: c})
}

// AddClass appends name to the active heap: the bundle heap if a bundle
// frame is active, otherwise the global heap.
func (c *Context) AddClass(name string) {
	if c.inBundleFrame() {
		c.bundleHeap.add(name)
	} else {
		c.globalHeap.add(name)
	}
	klog.V(3).InfoS("class set", "name", name)
}

// NegateClass adds name to the negated set, which overrides any positive
// membership for the rest of the run (or until the enclosing frame pops,
// for a private-class negation).
func (c *Context) NegateClass(name string) {
	if f := c.topPrivateClassFrame(); f != nil {
		f.negated[name] = true
		return
	}
	c.negated[name] = true
}

func (c *Context) inBundleFrame() bool {
	for _, f := range c.frames {
		if f.kind == frameBundle {
			return true
		}
	}
	return false
}

func (c *Context) topPrivateClassFrame() *frame {
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].kind == framePrivateClass {
			return c.frames[i]
		}
	}
	return nil
}

// Abort sets the run-wide abort flag, observed at loop boundaries between
// bundles and between promises.
func (c *Context) Abort() { c.abort = true }

// AbortBundle sets the current-bundle abort flag.
func (c *Context) AbortBundle() { c.abortBundle = true }

// Aborted reports the run-wide abort flag.
func (c *Context) Aborted() bool { return c.abort }

// BundleAborted reports the current-bundle abort flag. It is only
// meaningful within one bundle's evaluation; the caller is expected to
// clear it via ClearBundleAbort before moving to the next bundle.
func (c *Context) BundleAborted() bool { return c.abortBundle }

// ClearBundleAbort resets the per-bundle abort flag and the bundle-local
// heap at a bundle boundary.
func (c *Context) ClearBundleAbort() {
	c.abortBundle = false
	c.bundleHeap = newClassHeap()
}

// PushBundleFrame pushes a frame for bundle evaluation. It also pushes the
// bundle's namespace if non-default namespace stack.
func (c *Context) PushBundleFrame(b *policy.Bundle) {
	if b.Namespace != "" && b.Namespace != c.CurrentNamespace() {
		c.namespaceStack = append(c.namespaceStack, b.Namespace)
	}
	c.frames = append(c.frames, &frame{kind: frameBundle, bundleName: b.Name, vars: map[VarKey]Value{}})
}

// PushSectionFrame records the promise-type under evaluation.
func (c *Context) PushSectionFrame(promiseType string) {
	c.frames = append(c.frames, &frame{kind: frameSection, promiseType: promiseType, vars: map[VarKey]Value{}})
}

// PushPromiseFrame pushes a frame scoping "this"-scope variables to one
// promise evaluation.
func (c *Context) PushPromiseFrame() {
	c.frames = append(c.frames, &frame{kind: framePromise, vars: map[VarKey]Value{}})
}

// PushPrivateClassFrame pushes a private-class context, popped on promise
// expansion exit.
func (c *Context) PushPrivateClassFrame() {
	c.frames = append(c.frames, &frame{kind: framePrivateClass, privateCls: newClassHeap(), negated: map[string]bool{}})
}

// Pop releases the most recently pushed frame: its variables and, for a
// private-class frame, its private classes ("Pop is LIFO and
// releases variables and private classes declared within").
func (c *Context) Pop() error {
	n := len(c.frames)
	if n == 0 {
		return fmt.Errorf("eval: pop on empty frame stack")
	}
	top := c.frames[n-1]
	c.frames = c.frames[:n-1]
	if top.kind == frameBundle && len(c.namespaceStack) > 1 {
		c.namespaceStack = c.namespaceStack[:len(c.namespaceStack)-1]
	}
	return nil
}

// CurrentNamespace returns the namespace at the top of the namespace
// stack.
func (c *Context) CurrentNamespace() string {
	return c.namespaceStack[len(c.namespaceStack)-1]
}

// CurrentBundleName returns the name of the innermost active bundle frame,
// or "" outside any bundle.
func (c *Context) CurrentBundleName() string {
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].kind == frameBundle {
			return c.frames[i].bundleName
		}
	}
	return ""
}

// SetVar assigns a variable in the innermost frame of the given scope: a
// scope named after an active bundle writes into that bundle's frame; any
// other scope writes into the innermost frame that holds variables.
// Scoped lookups follow explicit scope qualifier -> current bundle
// -> global. SetVar always writes to the scope named, not a resolved one:
// callers wanting "current bundle" pass ScopeName(bundleName) explicitly.
func (c *Context) SetVar(key VarKey, v Value) {
	for i := len(c.frames) - 1; i >= 0; i-- {
		if f := c.frames[i]; f.kind == frameBundle && ScopeName(f.bundleName) == key.Scope {
			f.vars[key] = v
			return
		}
	}
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].vars != nil {
			c.frames[i].vars[key] = v
			return
		}
	}
	// No frame active (e.g. setting sys vars before any bundle runs):
	// keep it on a synthetic root frame so Pop semantics stay uniform.
	if len(c.frames) == 0 {
		c.frames = append(c.frames, &frame{kind: frameBundle, vars: map[VarKey]Value{}})
	}
	c.frames[0].vars[key] = v
}

// LookupVar finds the variable stored under exactly key, searching frames
// from innermost outward. The qualifier -> current-bundle -> global
// fallback across scopes is done by the caller (expander.lookupQualified).
func (c *Context) LookupVar(key VarKey) (Value, bool) {
	for i := len(c.frames) - 1; i >= 0; i-- {
		if v, ok := c.frames[i].vars[key]; ok {
			return v, true
		}
	}
	return Value{}, false
}

// SetMatchCaptures records the regex captures from the most recent
// successful match ("Regex match captures from the last successful
// match"), exposed under the "match" scope.
func (c *Context) SetMatchCaptures(groups []string) {
	c.matchCaptures = groups
	for i, g := range groups {
		c.SetVar(VarKey{Scope: ScopeMatch, Namespace: c.CurrentNamespace(), Name: fmt.Sprintf("%d", i)}, ScalarValue(g))
	}
}

// MatchCaptures returns the captures from the last successful match.
func (c *Context) MatchCaptures() []string { return c.matchCaptures }
