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

package classexpr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func heapWith(names ...string) Heap {
	set := map[string]bool{}
	for _, n := range names {
		set[n] = true
	}
	return HeapFunc(func(class string) bool { return set[class] })
}

func TestIsDefinedClassAny(t *testing.T) {
	ok, err := IsDefinedClass("any", heapWith())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsDefinedClassPositiveMembership(t *testing.T) {
	ok, err := IsDefinedClass("linux", heapWith("linux"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = IsDefinedClass("linux", heapWith("windows"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsDefinedClassNegation(t *testing.T) {
	ok, err := IsDefinedClass("!linux", heapWith("windows"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = IsDefinedClass("!linux", heapWith("linux"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsDefinedClassAndOperatorsAmpersandAndDot(t *testing.T) {
	ok, err := IsDefinedClass("role_a&role_b", heapWith("role_a", "role_b"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = IsDefinedClass("role_a.role_b", heapWith("role_a"))
	require.NoError(t, err)
	assert.False(t, ok, "dot is an alias for & (AND), both classes must be set")
}

func TestIsDefinedClassOrOperator(t *testing.T) {
	ok, err := IsDefinedClass("role_a|role_b", heapWith("role_b"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = IsDefinedClass("role_a|role_b", heapWith())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsDefinedClassParenthesesAndPrecedence(t *testing.T) {
	ok, err := IsDefinedClass("(role_a|role_b)&role_c", heapWith("role_b", "role_c"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = IsDefinedClass("(role_a|role_b)&role_c", heapWith("role_b"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsDefinedClassTrueFalseConstants(t *testing.T) {
	ok, err := IsDefinedClass("true", heapWith())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = IsDefinedClass("false", heapWith())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsDefinedClassEmptyExpressionIsVacuouslyTrue(t *testing.T) {
	ok, err := IsDefinedClass("", heapWith())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsDefinedClassQualifiedNamespacedIdentifier(t *testing.T) {
	ok, err := IsDefinedClass("ns:myclass", heapWith("ns:myclass"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsDefinedClassInvalidByteReturnsError(t *testing.T) {
	_, err := IsDefinedClass("role_a $ role_b", heapWith())
	assert.Error(t, err)
}

func TestCompileReusedAcrossMultipleHeaps(t *testing.T) {
	expr, err := Compile("role_a&!role_b")
	require.NoError(t, err)

	ok, err := expr.Eval(heapWith("role_a"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = expr.Eval(heapWith("role_a", "role_b"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReferencedClassesSortedAndDeduplicated(t *testing.T) {
	expr, err := Compile("role_b&role_a|role_b")
	require.NoError(t, err)
	assert.Equal(t, []string{"role_a", "role_b"}, expr.ReferencedClasses())
}
