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

// Package policy is the typed in-memory AST the parser (out of scope) hands
// to the engine: policies, bundles, bodies, sections, promises and
// constraints. Cross references are expressed as indices into the owning
// Policy's slices rather than pointers, so the whole tree can be copied,
// merged or serialized without pointer-chasing concerns.
package policy

// SourcePos is a parser-assigned position used for error messages and for
// the JSON bridge's line/column fields.
type SourcePos struct {
	File   string
	Line   int
	Column int
}

func (p SourcePos) String() string {
	if p.File == "" {
		return "<generated>"
	}
	if p.Column > 0 {
		return p.File + ":" + itoa(p.Line) + ":" + itoa(p.Column)
	}
	return p.File + ":" + itoa(p.Line)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// BundleType is the fixed set of bundle kinds a bundle's "bundle agent
// foo" (or server/monitor/edit_line/knowledge/...) header can declare.
type BundleType string

const (
	BundleTypeAgent     BundleType = "agent"
	BundleTypeEditLine  BundleType = "edit_line"
	BundleTypeEditXML   BundleType = "edit_xml"
	BundleTypeServer    BundleType = "server"
	BundleTypeMonitor   BundleType = "monitor"
	BundleTypeKnowledge BundleType = "knowledge"
	BundleTypeCommon    BundleType = "common"
)

// ReservedBundleNames are forbidden as bundle names.
var ReservedBundleNames = map[string]bool{
	"sys": true, "const": true, "mon": true, "edit": true, "match": true, "this": true,
}

const DefaultNamespace = "default"

// RightValueKind enumerates the shapes a constraint's right-hand side may
// take (Constraint).
type RightValueKind int

const (
	RightValueScalar RightValueKind = iota
	RightValueList
	RightValueFunctionCall
	RightValueContainer
)

// FunctionCall is a name plus an ordered argument list, itself made of
// RightValues (so calls may nest).
type FunctionCall struct {
	Name string
	Args []RightValue
}

// RightValue is the tagged union backing a Constraint's value. Exactly one
// of the fields is meaningful, selected by Kind.
type RightValue struct {
	Kind RightValueKind

	Scalar string

	List []RightValue

	Call *FunctionCall

	// Container holds an arbitrary JSON value (object, array, or scalar)
	// for RightValueContainer right-values (rval.type == "container").
	Container any
}

// ScalarRightValue is a convenience constructor used throughout the
// expander and tests.
func ScalarRightValue(s string) RightValue { return RightValue{Kind: RightValueScalar, Scalar: s} }

// ListRightValue builds a list right-value.
func ListRightValue(items ...RightValue) RightValue {
	return RightValue{Kind: RightValueList, List: items}
}

// IsEmptyVarRef reports whether s is an empty variable reference, i.e.
// "$()" or "${}" — the one promiser shape the Promise invariant forbids
// even though it is syntactically a non-empty string.
func IsEmptyVarRef(s string) bool {
	return s == "$()" || s == "${}"
}

// ParentKind tags which of the two constraint owners (Body or Promise) a
// Constraint or parent reference points at. Implemented as a two-variant
// sum type (index plus kind tag) rather than an owning pointer, so the
// reference survives slice reallocation.
type ParentKind int

const (
	ParentBody ParentKind = iota
	ParentPromise
)

// ParentRef is the tagged back-reference from a Constraint to its owner.
type ParentRef struct {
	Kind     ParentKind
	BodyRef  BodyRef
	Promise  PromiseRef
}

// Constraint is a single lval => rval attribute, optionally guarded by a
// class expression.
type Constraint struct {
	LValue string
	RValue RightValue
	// ReferencesBody is true when RValue is a symbolic reference to a body
	// by name rather than a literal value ("thing => bodyname" vs.
	// "thing => \"literal\"").
	ReferencesBody bool
	ClassGuard     string
	Pos            SourcePos
	Parent         ParentRef
}

// Promise is a convergent declaration that the Promiser shall be in some
// described state and the GLOSSARY.
type Promise struct {
	Promiser    string
	Promisee *RightValue // absent/scalar/list; nil means "no promisee"
	ClassGuard string // default "any"
	Comment     string
	Pos         SourcePos
	Constraints []Constraint
	Section     SectionRef

	// Original references this promise's pre-expansion form. A
	// not-yet-expanded promise is its own original (IsExpanded reports
	// false); a concrete promise produced by the expander points back at
	// the template it came from.
	Original    *PromiseRef
	IsExpanded  bool
}

// Handle returns the value of this promise's "handle" constraint, if any.
func (p *Promise) Handle() (string, bool) {
	for _, c := range p.Constraints {
		if c.LValue == "handle" && c.RValue.Kind == RightValueScalar {
			return c.RValue.Scalar, true
		}
	}
	return "", false
}

// Valid reports the Promise invariant from promiser non-empty and not
// an empty variable reference.
func (p *Promise) Valid() bool {
	return p.Promiser != "" && !IsEmptyVarRef(p.Promiser)
}

// BundleSection is a collection of promises of one type inside a bundle
// (GLOSSARY: Section).
type BundleSection struct {
	PromiseType string
	Pos         SourcePos
	Promises    []Promise
	Bundle      BundleRef
}

// Bundle is a named, scoped unit of policy (GLOSSARY: Bundle).
type Bundle struct {
	Namespace      string
	Type           BundleType
	Name           string
	Args           []string
	SourcePath     string
	Pos            SourcePos
	BuiltinSections []BundleSection
	CustomSections  []BundleSection
}

// Key identifies a bundle by the triple that must be unique among built-in
// bundle types within one policy.
func (b *Bundle) Key() BundleKey {
	return BundleKey{Namespace: b.Namespace, Type: b.Type, Name: b.Name}
}

// BundleKey is the (namespace, type, name) uniqueness triple for bundles.
type BundleKey struct {
	Namespace string
	Type      BundleType
	Name      string
}

// Body is a named, reusable set of constraints referenced from a promise
// attribute (GLOSSARY: Body).
type Body struct {
	Namespace   string
	Type        string
	Name        string
	Args        []string
	Constraints []Constraint
	SourcePath  string
	Pos         SourcePos
	IsCustom    bool
}

// Key identifies a body by the (namespace, type, name) triple. Unlike
// bundles, type "file" bodies are exempt from uniqueness and are
// treated as textual includes: each is kept, not merged.
func (b *Body) Key() BodyKey {
	return BodyKey{Namespace: b.Namespace, Type: b.Type, Name: b.Name}
}

// BodyKey is the (namespace, type, name) uniqueness triple for bodies.
type BodyKey struct {
	Namespace string
	Type      string
	Name      string
}

// CustomPromiseType is a policy-declared promise type template (
// custom promise types reject ifvarclass/action_policy/expireafter/meta).
type CustomPromiseType struct {
	Name string
	Pos  SourcePos
}

// BundleRef, BodyRef, SectionRef and PromiseRef are index-based references
// into a Policy's owned collections ("Implement as indices into the
// owning Policy's collections, not owning pointers").
type BundleRef struct{ Index int }
type BodyRef struct{ Index int }
type SectionRef struct {
	Bundle  BundleRef
	Builtin bool
	Index   int
}
type PromiseRef struct {
	Section SectionRef
	Index   int
}
