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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPromise(t *testing.T) (*Policy, PromiseRef) {
	t.Helper()
	p := NewPolicy()
	bref := p.AppendBundle(Bundle{Namespace: DefaultNamespace, Type: BundleTypeAgent, Name: "main"})
	sref := p.AppendSection(bref, true, "files", SourcePos{})
	pref := p.AppendPromise(sref, Promise{Promiser: "/etc/motd"})
	return p, pref
}

func TestAppendSectionReturnsExistingSection(t *testing.T) {
	p := NewPolicy()
	bref := p.AppendBundle(Bundle{Namespace: DefaultNamespace, Type: BundleTypeAgent, Name: "main"})

	first := p.AppendSection(bref, true, "files", SourcePos{Line: 1})
	second := p.AppendSection(bref, true, "files", SourcePos{Line: 99})

	assert.Equal(t, first, second)
	assert.Len(t, p.Bundle(bref).BuiltinSections, 1)
	assert.Equal(t, 1, p.Section(first).Pos.Line, "second append must not overwrite the first section's position")
}

func TestAppendConstraintToPromiseReplacesInPlaceByDefault(t *testing.T) {
	p, pref := newTestPromise(t)

	p.AppendConstraintToPromise(pref, Constraint{LValue: "perms", RValue: ScalarRightValue("644")})
	p.AppendConstraintToPromise(pref, Constraint{LValue: "perms", RValue: ScalarRightValue("600")})

	promise := p.Promise(pref)
	require.Len(t, promise.Constraints, 1, "appending the same lval twice must leave the count at one")
	assert.Equal(t, "600", promise.Constraints[0].RValue.Scalar)
}

func TestAppendConstraintToPromiseMergesIfAsAnd(t *testing.T) {
	p, pref := newTestPromise(t)

	p.AppendConstraintToPromise(pref, Constraint{LValue: "if", RValue: ScalarRightValue("role_a")})
	p.AppendConstraintToPromise(pref, Constraint{LValue: "if", RValue: ScalarRightValue("role_b")})

	promise := p.Promise(pref)
	require.Len(t, promise.Constraints, 1)
	assert.Equal(t, "(role_a)&(role_b)", promise.Constraints[0].RValue.Scalar)
}

func TestAppendConstraintToPromiseMergesIfvarclassScalarWithFunctionCall(t *testing.T) {
	p, pref := newTestPromise(t)

	p.AppendConstraintToPromise(pref, Constraint{LValue: "ifvarclass", RValue: ScalarRightValue("role_a")})
	call := RightValue{Kind: RightValueFunctionCall, Call: &FunctionCall{Name: "isgreaterthan"}}
	p.AppendConstraintToPromise(pref, Constraint{LValue: "ifvarclass", RValue: call})

	merged := p.Promise(pref).Constraints[0].RValue
	require.Equal(t, RightValueFunctionCall, merged.Kind)
	assert.Equal(t, "and", merged.Call.Name)
	assert.Equal(t, "role_a", merged.Call.Args[0].Scalar)
}

func TestAppendConstraintToPromisePreservesFirstOccurrencePosition(t *testing.T) {
	p, pref := newTestPromise(t)

	p.AppendConstraintToPromise(pref, Constraint{LValue: "perms", RValue: ScalarRightValue("a")})
	p.AppendConstraintToPromise(pref, Constraint{LValue: "comment", RValue: ScalarRightValue("c")})
	p.AppendConstraintToPromise(pref, Constraint{LValue: "perms", RValue: ScalarRightValue("b")})

	promise := p.Promise(pref)
	require.Len(t, promise.Constraints, 2, "order-preserving: slot stays at first occurrence's index")
	assert.Equal(t, "perms", promise.Constraints[0].LValue)
	assert.Equal(t, "b", promise.Constraints[0].RValue.Scalar)
	assert.Equal(t, "comment", promise.Constraints[1].LValue)
}

func TestAppendConstraintToBodyReplacesOnlyWhenClassGuardMatches(t *testing.T) {
	p := NewPolicy()
	bodyref := p.AppendBody(Body{Namespace: DefaultNamespace, Type: "perms", Name: "mog"})

	p.AppendConstraintToBody(bodyref, Constraint{LValue: "mode", RValue: ScalarRightValue("644"), ClassGuard: "linux"})
	p.AppendConstraintToBody(bodyref, Constraint{LValue: "mode", RValue: ScalarRightValue("755"), ClassGuard: "windows"})
	p.AppendConstraintToBody(bodyref, Constraint{LValue: "mode", RValue: ScalarRightValue("600"), ClassGuard: "linux"})

	body := p.Body(bodyref)
	require.Len(t, body.Constraints, 2, "different class guards are distinct entries, not merged")
	assert.Equal(t, "600", body.Constraints[0].RValue.Scalar)
	assert.Equal(t, "755", body.Constraints[1].RValue.Scalar)
}

func TestRunnableRequiresCommonControlBody(t *testing.T) {
	p := NewPolicy()
	assert.False(t, p.Runnable())

	p.AppendBody(Body{Namespace: DefaultNamespace, Type: "control", Name: "common"})
	assert.True(t, p.Runnable())
}

func TestPromiseValidRejectsEmptyVarRefPromiser(t *testing.T) {
	valid := &Promise{Promiser: "/etc/motd"}
	empty := &Promise{Promiser: ""}
	emptyVar1 := &Promise{Promiser: "$()"}
	emptyVar2 := &Promise{Promiser: "${}"}

	assert.True(t, valid.Valid())
	assert.False(t, empty.Valid())
	assert.False(t, emptyVar1.Valid())
	assert.False(t, emptyVar2.Valid())
}

func TestBundleKeyUniquenessTriple(t *testing.T) {
	a := Bundle{Namespace: "default", Type: BundleTypeAgent, Name: "main"}
	b := Bundle{Namespace: "default", Type: BundleTypeAgent, Name: "main"}
	c := Bundle{Namespace: "default", Type: BundleTypeAgent, Name: "other"}

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestMergeCombinesBundlesBodiesAndSourceHashesPreferringFirstReleaseID(t *testing.T) {
	a := NewPolicy()
	a.ReleaseID = "rel-a"
	a.SourceHashes["a.cf"] = "hash-a"
	a.AppendBundle(Bundle{Namespace: DefaultNamespace, Type: BundleTypeAgent, Name: "a"})
	a.AppendBody(Body{Namespace: DefaultNamespace, Type: "perms", Name: "a"})

	b := NewPolicy()
	b.ReleaseID = "rel-b"
	b.SourceHashes["b.cf"] = "hash-b"
	b.AppendBundle(Bundle{Namespace: DefaultNamespace, Type: BundleTypeAgent, Name: "b"})
	b.AppendBody(Body{Namespace: DefaultNamespace, Type: "perms", Name: "b"})

	merged := Merge(a, b)

	assert.Equal(t, "rel-a", merged.ReleaseID)
	require.Len(t, merged.Bundles, 2)
	require.Len(t, merged.Bodies, 2)
	assert.Equal(t, "hash-a", merged.SourceHashes["a.cf"])
	assert.Equal(t, "hash-b", merged.SourceHashes["b.cf"])
}

func TestLookupBodyAndLookupBundle(t *testing.T) {
	p := NewPolicy()
	p.AppendBody(Body{Namespace: DefaultNamespace, Type: "perms", Name: "mog"})
	p.AppendBundle(Bundle{Namespace: DefaultNamespace, Type: BundleTypeAgent, Name: "main"})

	_, ok := p.LookupBody(DefaultNamespace, "perms", "mog")
	assert.True(t, ok)
	_, ok = p.LookupBody(DefaultNamespace, "perms", "missing")
	assert.False(t, ok)

	_, ok = p.LookupBundle(DefaultNamespace, BundleTypeAgent, "main")
	assert.True(t, ok)
	_, ok = p.LookupBundle(DefaultNamespace, BundleTypeAgent, "missing")
	assert.False(t, ok)
}

func TestPromiseHandle(t *testing.T) {
	withHandle := &Promise{Constraints: []Constraint{{LValue: "handle", RValue: ScalarRightValue("h1")}}}
	withoutHandle := &Promise{}

	h, ok := withHandle.Handle()
	assert.True(t, ok)
	assert.Equal(t, "h1", h)

	_, ok = withoutHandle.Handle()
	assert.False(t, ok)
}
