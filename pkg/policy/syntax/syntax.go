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

// Package syntax is the static description of known promise types,
// attributes and data types (C2): a declarative registry the validator
// (C4) and the expander (C5) both consult, in the same declare-once
// compile-many shape the reference admission engine uses for its CEL
// function libraries.
package syntax

import "github.com/convergent/agentcore/pkg/policy"

// DataType enumerates the constraint value shapes the validator checks a
// right-value's Kind against.
type DataType int

const (
	DataTypeString DataType = iota
	DataTypeStringList
	DataTypeBody
	DataTypeBodyList
	DataTypeInt
	DataTypeReal
	DataTypeBool
	DataTypeContext // a class-guard expression
	DataTypeContainer
	DataTypeOptionList // one of a fixed set of string values
)

// AttributeSyntax describes one lval known for a given promise-type /
// section-type pair.
type AttributeSyntax struct {
	Name        string
	Type        DataType
	BodyType string // when Type == DataTypeBody/DataTypeBodyList, the body type it must resolve to
	Options []string // when Type == DataTypeOptionList
	Description string
}

// PromiseTypeSyntax describes the attributes legal on promises of one
// promise-type (the BundleSection.PromiseType string, e.g. "files",
// "insert_lines").
type PromiseTypeSyntax struct {
	PromiseType string
	BundleTypes []policy.BundleType // which bundle types may host this section; empty means any
	Attributes  []AttributeSyntax
}

// commonAttributes are valid on every promise regardless of promise type.
var commonAttributes = []AttributeSyntax{
	{Name: "if", Type: DataTypeContext},
	{Name: "ifvarclass", Type: DataTypeContext},
	{Name: "unless", Type: DataTypeContext},
	{Name: "comment", Type: DataTypeString},
	{Name: "handle", Type: DataTypeString},
	{Name: "depends_on", Type: DataTypeStringList},
	{Name: "action_policy", Type: DataTypeOptionList, Options: []string{"fix", "warn", "nop"}},
	{Name: "expireafter", Type: DataTypeInt},
	{Name: "ifelapsed", Type: DataTypeInt},
	{Name: "meta", Type: DataTypeStringList},
}

// Registry is the process-wide table of known promise types. It is a value,
// not a singleton behind package-level mutable state: callers hold
// their own reference, constructed once via NewDefaultRegistry.
type Registry struct {
	promiseTypes map[string]PromiseTypeSyntax
}

// NewDefaultRegistry returns the syntax table for the promise types this
// engine actuates: files (via the change tracker), edit_line's four
// line-editing promise types, packages, vars, classes and reports.
func NewDefaultRegistry() *Registry {
	r := &Registry{promiseTypes: map[string]PromiseTypeSyntax{}}
	for _, pt := range []PromiseTypeSyntax{
		{
			PromiseType: "files",
			Attributes: []AttributeSyntax{
				{Name: "create", Type: DataTypeBool},
				{Name: "perms", Type: DataTypeBody, BodyType: "perms"},
				// edit_line names edit_line-type bundles to invoke against the
				// promiser file, not bodies: `edit_line => { "b1" };` is a
				// method call, so bundle existence is a runtime concern for
				// the control loop, not an undefined-body validation check.
				{Name: "edit_line", Type: DataTypeStringList},
				{Name: "changes", Type: DataTypeBody, BodyType: "changes"},
			},
		},
		{
			PromiseType: "packages",
			Attributes: []AttributeSyntax{
				{Name: "package_policy", Type: DataTypeOptionList, Options: []string{"present", "absent"}},
				{Name: "package_version", Type: DataTypeString},
				{Name: "package_architectures", Type: DataTypeStringList},
				{Name: "package_module", Type: DataTypeString},
			},
		},
		{
			PromiseType: "vars",
			BundleTypes: []policy.BundleType{policy.BundleTypeAgent, policy.BundleTypeEditLine, policy.BundleTypeCommon},
			Attributes: []AttributeSyntax{
				{Name: "string", Type: DataTypeString},
				{Name: "slist", Type: DataTypeStringList},
				{Name: "int", Type: DataTypeInt},
				{Name: "real", Type: DataTypeReal},
			},
		},
		{
			PromiseType: "classes",
			Attributes: []AttributeSyntax{
				{Name: "expression", Type: DataTypeContext},
				{Name: "scope", Type: DataTypeOptionList, Options: []string{"bundle", "namespace"}},
			},
		},
		{
			PromiseType: "insert_lines",
			BundleTypes: []policy.BundleType{policy.BundleTypeEditLine},
			Attributes: []AttributeSyntax{
				{Name: "insert_type", Type: DataTypeOptionList, Options: []string{"literal", "preserve_all_lines", "preserve_block", "file", "file_preserve_block"}},
				{Name: "location", Type: DataTypeBody, BodyType: "location"},
				{Name: "whitespace_policy", Type: DataTypeBody, BodyType: "insert_match"},
				{Name: "select_region", Type: DataTypeBody, BodyType: "select_region"},
			},
		},
		{
			PromiseType: "delete_lines",
			BundleTypes: []policy.BundleType{policy.BundleTypeEditLine},
			Attributes: []AttributeSyntax{
				{Name: "select_region", Type: DataTypeBody, BodyType: "select_region"},
				{Name: "not_matching", Type: DataTypeBool},
			},
		},
		{
			PromiseType: "replace_patterns",
			BundleTypes: []policy.BundleType{policy.BundleTypeEditLine},
			Attributes: []AttributeSyntax{
				{Name: "replace_value", Type: DataTypeString},
				{Name: "occurrences", Type: DataTypeOptionList, Options: []string{"first", "all"}},
				{Name: "select_region", Type: DataTypeBody, BodyType: "select_region"},
			},
		},
		{
			PromiseType: "field_edits",
			BundleTypes: []policy.BundleType{policy.BundleTypeEditLine},
			Attributes: []AttributeSyntax{
				{Name: "select_field", Type: DataTypeInt},
				{Name: "value_separator", Type: DataTypeString},
				{Name: "field_separator", Type: DataTypeString},
				{Name: "field_value", Type: DataTypeString},
				{Name: "field_operation", Type: DataTypeOptionList, Options: []string{"set", "delete", "prepend", "alphanum", "append"}},
				{Name: "extend_columns", Type: DataTypeBool},
			},
		},
		{
			PromiseType: "reports",
			Attributes: []AttributeSyntax{
				{Name: "report_to_file", Type: DataTypeString},
				{Name: "friend_pattern", Type: DataTypeString},
			},
		},
	} {
		r.promiseTypes[pt.PromiseType] = pt
	}
	return r
}

// Lookup returns the syntax for a promise type, if known.
func (r *Registry) Lookup(promiseType string) (PromiseTypeSyntax, bool) {
	pt, ok := r.promiseTypes[promiseType]
	return pt, ok
}

// Attribute finds the declared syntax for lval within promiseType,
// including the common attributes valid on every promise (rule a/b).
func (r *Registry) Attribute(promiseType, lval string) (AttributeSyntax, bool) {
	if pt, ok := r.promiseTypes[promiseType]; ok {
		for _, a := range pt.Attributes {
			if a.Name == lval {
				return a, true
			}
		}
	}
	for _, a := range commonAttributes {
		if a.Name == lval {
			return a, true
		}
	}
	return AttributeSyntax{}, false
}

// AllowedIn reports whether promiseType may appear as a section inside a
// bundle of the given type. An empty BundleTypes list means "any bundle
// type" (most promise types, e.g. "files", are bundle-type agnostic).
func (pt PromiseTypeSyntax) AllowedIn(bt policy.BundleType) bool {
	if len(pt.BundleTypes) == 0 {
		return true
	}
	for _, b := range pt.BundleTypes {
		if b == bt {
			return true
		}
	}
	return false
}

// KnownBodyTypes lists the body type names a DataTypeBody/DataTypeBodyList
// attribute may name. Unlike promise types, body validation in this engine is
// intentionally loose (bodies are free-form attribute bags); the registry
// exists so DataTypeBody/DataTypeBodyList references can be checked
// against a known type name.
var KnownBodyTypes = map[string]bool{
	"perms": true, "changes": true,
	"location": true, "insert_match": true, "select_region": true,
	"control": true, "file": true,
}
