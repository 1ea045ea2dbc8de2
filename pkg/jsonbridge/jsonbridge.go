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

// Package jsonbridge implements the bidirectional JSON bridge (C10):
// serializing a policy.Policy to the wire shape in and parsing it
// back, with container right-values canonicalized through
// evanphx/json-patch so ToJson(FromJson(x)) round-trips can be verified
// independent of object-key order.
package jsonbridge

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/convergent/agentcore/pkg/policy"
)

// rvalType is the wire discriminant for a right-value's "type" field:
// one of string, symbol, list, functionCall, container.
type rvalType string

const (
	rvalString      rvalType = "string"
	rvalSymbol      rvalType = "symbol"
	rvalList        rvalType = "list"
	rvalFunctionCall rvalType = "functionCall"
	rvalContainer   rvalType = "container"
)

type wireRValue struct {
	Type      rvalType        `json:"type"`
	Value     string          `json:"value,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments []wireRValue    `json:"arguments,omitempty"`
	List      []wireRValue    `json:"list,omitempty"`
	Container json.RawMessage `json:"container,omitempty"`
}

type wireAttribute struct {
	LVal string     `json:"lval"`
	RVal wireRValue `json:"rval"`
	Line int        `json:"line"`
}

type wirePromise struct {
	Promiser   string          `json:"promiser"`
	Promisee   *wireRValue     `json:"promisee,omitempty"`
	ClassGuard string          `json:"classGuard,omitempty"`
	Comment    string          `json:"comment,omitempty"`
	Line       int             `json:"line"`
	Attributes []wireAttribute `json:"attributes"`
}

type wireContext struct {
	Name     string        `json:"name"`
	Promises []wirePromise `json:"promises"`
}

type wirePromiseType struct {
	Name     string        `json:"name"`
	Line     int           `json:"line"`
	Custom   bool          `json:"custom,omitempty"`
	Contexts []wireContext `json:"contexts"`
}

type wireBundle struct {
	Name         string            `json:"name"`
	Namespace    string            `json:"namespace"`
	BundleType   string            `json:"bundleType"`
	SourcePath   string            `json:"sourcePath"`
	Line         int               `json:"line"`
	Arguments    []string          `json:"arguments,omitempty"`
	PromiseTypes []wirePromiseType `json:"promiseTypes"`
}

type wireBody struct {
	Name       string          `json:"name"`
	Namespace  string          `json:"namespace"`
	BodyType   string          `json:"bodyType"`
	SourcePath string          `json:"sourcePath"`
	Line       int             `json:"line"`
	Arguments  []string        `json:"arguments,omitempty"`
	Custom     bool            `json:"custom,omitempty"`
	Attributes []wireAttribute `json:"attributes"`
}

// wirePolicy is the top-level document. describes the bundle shape
// explicitly; bodies are carried alongside using the same attribute
// encoding so a policy round-trips in full, not just its bundles.
type wirePolicy struct {
	ReleaseID string       `json:"releaseId,omitempty"`
	Bundles   []wireBundle `json:"bundles"`
	Bodies    []wireBody   `json:"bodies,omitempty"`
}

func toWireRValue(rv policy.RightValue, referencesBody bool) wireRValue {
	switch rv.Kind {
	case policy.RightValueScalar:
		if referencesBody {
			return wireRValue{Type: rvalSymbol, Name: rv.Scalar}
		}
		return wireRValue{Type: rvalString, Value: rv.Scalar}
	case policy.RightValueList:
		items := make([]wireRValue, len(rv.List))
		for i, it := range rv.List {
			items[i] = toWireRValue(it, false)
		}
		return wireRValue{Type: rvalList, List: items}
	case policy.RightValueFunctionCall:
		args := make([]wireRValue, len(rv.Call.Args))
		for i, a := range rv.Call.Args {
			args[i] = toWireRValue(a, false)
		}
		return wireRValue{Type: rvalFunctionCall, Name: rv.Call.Name, Arguments: args}
	case policy.RightValueContainer:
		raw, err := json.Marshal(rv.Container)
		if err != nil {
			raw = []byte("null")
		}
		return wireRValue{Type: rvalContainer, Container: raw}
	default:
		return wireRValue{Type: rvalString}
	}
}

func fromWireRValue(w wireRValue) (policy.RightValue, bool, error) {
	switch w.Type {
	case rvalString:
		return policy.ScalarRightValue(w.Value), false, nil
	case rvalSymbol:
		return policy.ScalarRightValue(w.Name), true, nil
	case rvalList:
		items := make([]policy.RightValue, len(w.List))
		for i, it := range w.List {
			v, _, err := fromWireRValue(it)
			if err != nil {
				return policy.RightValue{}, false, err
			}
			items[i] = v
		}
		return policy.ListRightValue(items...), false, nil
	case rvalFunctionCall:
		args := make([]policy.RightValue, len(w.Arguments))
		for i, a := range w.Arguments {
			v, _, err := fromWireRValue(a)
			if err != nil {
				return policy.RightValue{}, false, err
			}
			args[i] = v
		}
		return policy.RightValue{
			Kind: policy.RightValueFunctionCall,
			Call: &policy.FunctionCall{Name: w.Name, Args: args},
		}, false, nil
	case rvalContainer:
		var v any
		if len(w.Container) > 0 {
			if err := json.Unmarshal(w.Container, &v); err != nil {
				return policy.RightValue{}, false, fmt.Errorf("jsonbridge: decoding container rval: %w", err)
			}
		}
		return policy.RightValue{Kind: policy.RightValueContainer, Container: v}, false, nil
	default:
		return policy.RightValue{}, false, fmt.Errorf("jsonbridge: unknown rval type %q", w.Type)
	}
}

func toWireAttribute(c policy.Constraint) wireAttribute {
	return wireAttribute{
		LVal: c.LValue,
		RVal: toWireRValue(c.RValue, c.ReferencesBody),
		Line: c.Pos.Line,
	}
}

func fromWireAttribute(w wireAttribute) (policy.Constraint, error) {
	rv, ref, err := fromWireRValue(w.RVal)
	if err != nil {
		return policy.Constraint{}, err
	}
	return policy.Constraint{
		LValue:         w.LVal,
		RValue:         rv,
		ReferencesBody: ref,
		Pos:            policy.SourcePos{Line: w.Line},
	}, nil
}

func toWirePromise(p policy.Promise) wirePromise {
	wp := wirePromise{
		Promiser:   p.Promiser,
		ClassGuard: p.ClassGuard,
		Comment:    p.Comment,
		Line:       p.Pos.Line,
	}
	if p.Promisee != nil {
		rv := toWireRValue(*p.Promisee, false)
		wp.Promisee = &rv
	}
	for _, c := range p.Constraints {
		wp.Attributes = append(wp.Attributes, toWireAttribute(c))
	}
	return wp
}

func fromWirePromise(w wirePromise) (policy.Promise, error) {
	p := policy.Promise{
		Promiser:   w.Promiser,
		ClassGuard: w.ClassGuard,
		Comment:    w.Comment,
		Pos:        policy.SourcePos{Line: w.Line},
	}
	if w.Promisee != nil {
		rv, _, err := fromWireRValue(*w.Promisee)
		if err != nil {
			return policy.Promise{}, err
		}
		p.Promisee = &rv
	}
	for _, wa := range w.Attributes {
		c, err := fromWireAttribute(wa)
		if err != nil {
			return policy.Promise{}, err
		}
		p.Constraints = append(p.Constraints, c)
	}
	return p, nil
}

// groupByClassGuard folds a flat promise slice into the contexts array
// describes, one context per distinct class guard string, in first-
// seen order. "any" (the Promise zero value's default) becomes the
// context named "any" rather than the empty string.
func groupByClassGuard(promises []policy.Promise) []wireContext {
	order := []string{}
	byGuard := map[string][]wirePromise{}
	for _, p := range promises {
		guard := p.ClassGuard
		if guard == "" {
			guard = "any"
		}
		if _, seen := byGuard[guard]; !seen {
			order = append(order, guard)
		}
		byGuard[guard] = append(byGuard[guard], toWirePromise(p))
	}
	contexts := make([]wireContext, 0, len(order))
	for _, guard := range order {
		contexts = append(contexts, wireContext{Name: guard, Promises: byGuard[guard]})
	}
	return contexts
}

func ungroupContexts(contexts []wireContext) ([]policy.Promise, error) {
	var out []policy.Promise
	for _, ctx := range contexts {
		for _, wp := range ctx.Promises {
			p, err := fromWirePromise(wp)
			if err != nil {
				return nil, err
			}
			if p.ClassGuard == "" {
				p.ClassGuard = ctx.Name
			}
			out = append(out, p)
		}
	}
	return out, nil
}

func toWireBundle(b policy.Bundle) wireBundle {
	wb := wireBundle{
		Name:       b.Name,
		Namespace:  b.Namespace,
		BundleType: string(b.Type),
		SourcePath: b.SourcePath,
		Line:       b.Pos.Line,
		Arguments:  append([]string(nil), b.Args...),
	}
	for _, s := range b.BuiltinSections {
		wb.PromiseTypes = append(wb.PromiseTypes, wirePromiseType{
			Name:     s.PromiseType,
			Line:     s.Pos.Line,
			Contexts: groupByClassGuard(s.Promises),
		})
	}
	for _, s := range b.CustomSections {
		wb.PromiseTypes = append(wb.PromiseTypes, wirePromiseType{
			Name:     s.PromiseType,
			Line:     s.Pos.Line,
			Custom:   true,
			Contexts: groupByClassGuard(s.Promises),
		})
	}
	return wb
}

func appendWireBundle(p *policy.Policy, wb wireBundle) error {
	bref := p.AppendBundle(policy.Bundle{
		Namespace:  wb.Namespace,
		Type:       policy.BundleType(wb.BundleType),
		Name:       wb.Name,
		Args:       append([]string(nil), wb.Arguments...),
		SourcePath: wb.SourcePath,
		Pos:        policy.SourcePos{File: wb.SourcePath, Line: wb.Line},
	})
	for _, wpt := range wb.PromiseTypes {
		sref := p.AppendSection(bref, !wpt.Custom, wpt.Name, policy.SourcePos{File: wb.SourcePath, Line: wpt.Line})
		promises, err := ungroupContexts(wpt.Contexts)
		if err != nil {
			return err
		}
		for _, pr := range promises {
			p.AppendPromise(sref, pr)
		}
	}
	return nil
}

func toWireBody(b policy.Body) wireBody {
	wb := wireBody{
		Name:       b.Name,
		Namespace:  b.Namespace,
		BodyType:   b.Type,
		SourcePath: b.SourcePath,
		Line:       b.Pos.Line,
		Arguments:  append([]string(nil), b.Args...),
		Custom:     b.IsCustom,
	}
	for _, c := range b.Constraints {
		wb.Attributes = append(wb.Attributes, toWireAttribute(c))
	}
	return wb
}

func fromWireBody(wb wireBody) (policy.Body, error) {
	b := policy.Body{
		Namespace:  wb.Namespace,
		Type:       wb.BodyType,
		Name:       wb.Name,
		Args:       append([]string(nil), wb.Arguments...),
		SourcePath: wb.SourcePath,
		Pos:        policy.SourcePos{File: wb.SourcePath, Line: wb.Line},
		IsCustom:   wb.Custom,
	}
	for _, wa := range wb.Attributes {
		c, err := fromWireAttribute(wa)
		if err != nil {
			return policy.Body{}, err
		}
		b.Constraints = append(b.Constraints, c)
	}
	return b, nil
}

// ToJSON serializes p into the wire shape.
func ToJSON(p *policy.Policy) ([]byte, error) {
	wp := wirePolicy{ReleaseID: p.ReleaseID}
	for _, b := range p.Bundles {
		wp.Bundles = append(wp.Bundles, toWireBundle(b))
	}
	for _, b := range p.Bodies {
		wp.Bodies = append(wp.Bodies, toWireBody(b))
	}
	return json.MarshalIndent(wp, "", "  ")
}

// FromJSON parses the wire shape back into a Policy.
func FromJSON(data []byte) (*policy.Policy, error) {
	var wp wirePolicy
	if err := json.Unmarshal(data, &wp); err != nil {
		return nil, fmt.Errorf("jsonbridge: %w", err)
	}
	p := policy.NewPolicy()
	p.ReleaseID = wp.ReleaseID
	for _, wb := range wp.Bundles {
		if err := appendWireBundle(p, wb); err != nil {
			return nil, err
		}
	}
	for _, wb := range wp.Bodies {
		b, err := fromWireBody(wb)
		if err != nil {
			return nil, err
		}
		p.AppendBody(b)
	}
	return p, nil
}

// Equivalent reports whether two container right-values are JSON-
// equivalent regardless of object key order, using jsonpatch's structural
// comparison (round-tripping must preserve a symbol/container
// right-value's meaning even though literal byte order is not
// guaranteed).
func Equivalent(a, b json.RawMessage) bool {
	return jsonpatch.Equal(a, b)
}
