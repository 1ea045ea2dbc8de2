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

// Package expander implements the promise expander (C5): variable and
// function expansion, Cartesian iteration over list-valued constraints,
// and the post-expansion pre-eval recheck of. Concrete promises are
// produced lazily, one tuple at a time, per the generator/coroutine design
// note in ("memory cost is proportional to the largest tuple, not the
// full product") — there is no Expand that returns a slice.
package expander

import (
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/convergent/agentcore/pkg/eval"
	"github.com/convergent/agentcore/pkg/outcome"
	"github.com/convergent/agentcore/pkg/policy"
	"github.com/convergent/agentcore/pkg/policy/syntax"
	"github.com/convergent/agentcore/pkg/policy/validation"
)

// FunctionResolver lets a caller teach the expander that a particular
// function call right-value produces an iterable list, without the
// expander itself needing to know the full CFEngine builtin-function
// library (out of scope: the engine is handed a syntactically
// valid policy, not a function-evaluation runtime). A nil resolver means
// function-call right-values are never treated as iterable; they are
// still expanded as scalars for logging purposes and left to the
// actuator's own evaluation.
type FunctionResolver interface {
	ResolveList(call *policy.FunctionCall, ctx *eval.Context) ([]string, bool)
}

// Actuator receives one fully-expanded concrete promise at a time.
type Actuator func(concrete *policy.Promise) (outcome.Outcome, error)

// Expander holds the syntax registry used by the pre-eval recheck and an
// optional FunctionResolver for list-returning function calls.
type Expander struct {
	Registry *syntax.Registry
	Funcs    FunctionResolver
}

// New returns an Expander wired to reg. funcs may be nil.
func New(reg *syntax.Registry, funcs FunctionResolver) *Expander {
	return &Expander{Registry: reg, Funcs: funcs}
}

// iterable is one constraint identified as a Cartesian-product dimension:
// its LValue is bound as a this-scope variable to each item in Items, in
// turn, for every concrete promise produced.
type iterable struct {
	lvalue string
	items  []string
}

// Expand implements identify iterable constraints, form their
// Cartesian product, and for each tuple bind loop variables, expand
// scalars in the promiser/promisee/constraint right-values, and invoke
// actuate with the resulting concrete promise. promiseType is the owning
// section's promise type, needed for the pre-eval recheck.
func (e *Expander) Expand(ctx *eval.Context, promiseType string, tmpl *policy.Promise, actuate Actuator) (outcome.Outcome, error) {
	iterables := e.findIterables(ctx, tmpl)
	if len(iterables) == 0 {
		return e.expandOne(ctx, promiseType, tmpl, nil, actuate)
	}
	return e.cartesian(ctx, promiseType, tmpl, iterables, 0, map[string]string{}, actuate)
}

// findIterables implements step 1 of "Identify the set of iterable
// constraints (left-values whose right-value is a list, or a function
// call returning a container)".
func (e *Expander) findIterables(ctx *eval.Context, tmpl *policy.Promise) []iterable {
	var out []iterable
	for _, c := range tmpl.Constraints {
		switch c.RValue.Kind {
		case policy.RightValueList:
			items := make([]string, len(c.RValue.List))
			for i, item := range c.RValue.List {
				items[i] = item.Scalar
			}
			out = append(out, iterable{lvalue: c.LValue, items: items})
		case policy.RightValueFunctionCall:
			if e.Funcs == nil {
				continue
			}
			if items, ok := e.Funcs.ResolveList(c.RValue.Call, ctx); ok {
				out = append(out, iterable{lvalue: c.LValue, items: items})
			}
		}
	}
	return out
}

// cartesian recursively binds one iterable dimension per level, emitting
// a concrete promise at each leaf. It is the lazy generator of nothing
// builds the full product in memory, only the current tuple's bindings.
func (e *Expander) cartesian(ctx *eval.Context, promiseType string, tmpl *policy.Promise, dims []iterable, depth int, bound map[string]string, actuate Actuator) (outcome.Outcome, error) {
	if depth == len(dims) {
		return e.expandOne(ctx, promiseType, tmpl, bound, actuate)
	}
	dim := dims[depth]
	worst := outcome.NOOP
	for _, item := range dim.items {
		next := make(map[string]string, len(bound)+1)
		for k, v := range bound {
			next[k] = v
		}
		next[dim.lvalue] = item
		o, err := e.cartesian(ctx, promiseType, tmpl, dims, depth+1, next, actuate)
		if err != nil {
			return worst, err
		}
		worst = outcome.Worst(worst, o)
		if o.Failed() {
			return worst, nil
		}
	}
	return worst, nil
}

// expandOne binds loop variables for one tuple, expands scalars, runs the
// pre-eval recheck, and invokes actuate.
func (e *Expander) expandOne(ctx *eval.Context, promiseType string, tmpl *policy.Promise, bound map[string]string, actuate Actuator) (outcome.Outcome, error) {
	ctx.PushPromiseFrame()
	defer ctx.Pop()

	for lval, val := range bound {
		ctx.SetVar(eval.VarKey{Scope: eval.ScopeThis, Namespace: ctx.CurrentNamespace(), Name: lval}, eval.ScalarValue(val))
	}

	concrete := policy.Promise{
		Promiser:   ExpandScalar(ctx, tmpl.Promiser),
		ClassGuard: tmpl.ClassGuard,
		Comment:    ExpandScalar(ctx, tmpl.Comment),
		Pos:        tmpl.Pos,
		Section:    tmpl.Section,
		IsExpanded: true,
	}
	if tmpl.Promisee != nil {
		rv := expandRightValue(ctx, *tmpl.Promisee)
		concrete.Promisee = &rv
	}
	concrete.Constraints = make([]policy.Constraint, len(tmpl.Constraints))
	for i, c := range tmpl.Constraints {
		nc := c
		if bound != nil {
			if v, ok := bound[c.LValue]; ok {
				nc.RValue = policy.ScalarRightValue(v)
				concrete.Constraints[i] = nc
				continue
			}
		}
		nc.RValue = expandRightValue(ctx, c.RValue)
		concrete.Constraints[i] = nc
	}

	if !concrete.Valid() {
		return outcome.FAIL, fmt.Errorf("promise expansion: %q expanded to an invalid promiser", tmpl.Promiser)
	}

	if errs := e.precheck(promiseType, &concrete); len(errs) > 0 {
		for _, msg := range errs {
			klog.ErrorS(nil, "promise failed pre-eval recheck", "promiser", concrete.Promiser, "reason", msg)
		}
		return outcome.FAIL, fmt.Errorf("promise expansion: %s", strings.Join(errs, "; "))
	}

	return actuate(&concrete)
}

// precheck implements pre-eval recheck: re-run constraint type
// checking now that $(x)-style references have resolved to concrete
// scalars, since a variable that resolved to e.g. a list where a scalar
// was declared only becomes visible to the type checker post-expansion.
func (e *Expander) precheck(promiseType string, concrete *policy.Promise) []string {
	if e.Registry == nil {
		return nil
	}
	var errs []string
	for _, c := range concrete.Constraints {
		attr, ok := e.Registry.Attribute(promiseType, c.LValue)
		if !ok {
			continue
		}
		if msg := validation.CheckRValueKind(attr, c); msg != "" {
			errs = append(errs, msg)
		}
	}
	return errs
}

func expandRightValue(ctx *eval.Context, rv policy.RightValue) policy.RightValue {
	switch rv.Kind {
	case policy.RightValueScalar:
		return policy.ScalarRightValue(ExpandScalar(ctx, rv.Scalar))
	case policy.RightValueList:
		items := make([]policy.RightValue, len(rv.List))
		for i, item := range rv.List {
			items[i] = expandRightValue(ctx, item)
		}
		return policy.RightValue{Kind: policy.RightValueList, List: items}
	case policy.RightValueFunctionCall:
		args := make([]policy.RightValue, len(rv.Call.Args))
		for i, a := range rv.Call.Args {
			args[i] = expandRightValue(ctx, a)
		}
		return policy.RightValue{Kind: policy.RightValueFunctionCall, Call: &policy.FunctionCall{Name: rv.Call.Name, Args: args}}
	default:
		return rv
	}
}

// ExpandScalar substitutes every $(name) and ${name} reference in s with
// its resolved variable value, following the scope-qualifier ->
// current-bundle -> global lookup order of. An unresolved reference
// is left untouched in the output, matching the reference engine's
// tolerance for variables that simply haven't been defined yet.
func ExpandScalar(ctx *eval.Context, s string) string {
	if !strings.ContainsAny(s, "$") {
		return s
	}
	var b strings.Builder
	i, n := 0, len(s)
	for i < n {
		if s[i] != '$' || i+1 >= n || (s[i+1] != '(' && s[i+1] != '{') {
			b.WriteByte(s[i])
			i++
			continue
		}
		open := s[i+1]
		close := byte(')')
		if open == '{' {
			close = '}'
		}
		depth := 1
		j := i + 2
		for j < n && depth > 0 {
			switch s[j] {
			case open:
				depth++
			case close:
				depth--
			}
			if depth == 0 {
				break
			}
			j++
		}
		if j >= n {
			// Unterminated reference: emit the rest verbatim.
			b.WriteString(s[i:])
			return b.String()
		}
		name := s[i+2 : j]
		if val, ok := lookupQualified(ctx, name); ok {
			b.WriteString(val)
		} else {
			b.WriteString(s[i : j+1])
		}
		i = j + 1
	}
	return b.String()
}

// lookupQualified resolves name under three lookup shapes:
// "ns:bundle.var" (fully qualified), "scope.var" (scope-qualified), or a
// bare name tried against this, the current bundle, const, sys, match
// and edit in turn.
func lookupQualified(ctx *eval.Context, name string) (string, bool) {
	ns := ctx.CurrentNamespace()
	if idx := strings.IndexByte(name, ':'); idx >= 0 {
		ns = name[:idx]
		name = name[idx+1:]
	}
	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		scope, varName := name[:idx], name[idx+1:]
		return lookupScalar(ctx, eval.VarKey{Scope: eval.ScopeName(scope), Namespace: ns, Name: varName})
	}

	candidates := []eval.ScopeName{eval.ScopeThis}
	if b := ctx.CurrentBundleName(); b != "" {
		candidates = append(candidates, eval.ScopeName(b))
	}
	candidates = append(candidates, eval.ScopeConst, eval.ScopeSys, eval.ScopeMatch, eval.ScopeEdit)
	for _, sc := range candidates {
		if v, ok := lookupScalar(ctx, eval.VarKey{Scope: sc, Namespace: ns, Name: name}); ok {
			return v, ok
		}
	}
	return "", false
}

func lookupScalar(ctx *eval.Context, key eval.VarKey) (string, bool) {
	v, ok := ctx.LookupVar(key)
	if !ok || v.Kind != policy.RightValueScalar {
		return "", false
	}
	return v.Scalar, true
}

// NonConvergentAnchor is one insert_lines promise whose anchor line is
// also used by another insert_lines promise in the same bundle (
// "two such promises contradict one another").
type NonConvergentAnchor struct {
	First, Second policy.SourcePos
	Anchor        string
}

// DetectNonConvergentAnchors scans every insert_lines section of bundle
// for promises sharing the same anchor, implementing non-convergence
// warning. The anchor is the line_matching of a promise's location body;
// select_line_matching attributes are not compared.
func DetectNonConvergentAnchors(p *policy.Policy, b *policy.Bundle) []NonConvergentAnchor {
	var warnings []NonConvergentAnchor
	seen := map[string]policy.SourcePos{}
	visit := func(sections []policy.BundleSection) {
		for _, s := range sections {
			if s.PromiseType != "insert_lines" {
				continue
			}
			for _, promise := range s.Promises {
				anchor, ok := insertAnchor(p, b, &promise)
				if !ok || anchor == "" {
					continue
				}
				if first, dup := seen[anchor]; dup {
					warnings = append(warnings, NonConvergentAnchor{First: first, Second: promise.Pos, Anchor: anchor})
					continue
				}
				seen[anchor] = promise.Pos
			}
		}
	}
	visit(b.BuiltinSections)
	visit(b.CustomSections)
	return warnings
}

// insertAnchor pulls the line_matching anchor out of a promise's location
// body reference, if any.
func insertAnchor(p *policy.Policy, b *policy.Bundle, promise *policy.Promise) (string, bool) {
	for _, c := range promise.Constraints {
		if c.LValue != "location" || !c.ReferencesBody {
			continue
		}
		body, ok := p.LookupBody(b.Namespace, "location", c.RValue.Scalar)
		if !ok {
			return "", false
		}
		for _, lc := range body.Constraints {
			if lc.LValue == "line_matching" && lc.RValue.Kind == policy.RightValueScalar {
				return lc.RValue.Scalar, true
			}
		}
	}
	return "", false
}
