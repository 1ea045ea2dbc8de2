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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergent/agentcore/pkg/outcome"
	"github.com/convergent/agentcore/pkg/policy"
)

func TestRecordPromiseOutcomeSetsKeptClassOnlyForNoopOrChange(t *testing.T) {
	for _, tc := range []struct {
		outcome outcome.Outcome
		want    bool
	}{
		{outcome.NOOP, true},
		{outcome.CHANGE, true},
		{outcome.WARN, false},
		{outcome.FAIL, false},
		{outcome.INTERRUPTED, false},
		{outcome.SKIPPED, false},
	} {
		ctx := NewContext(policy.NewPolicy(), nil)
		ctx.RecordPromiseOutcome("h1", tc.outcome)
		ok, err := ctx.IsDefinedClass("promise_h1_kept")
		require.NoError(t, err)
		assert.Equal(t, tc.want, ok, "outcome %v", tc.outcome)
	}
}

func TestRecordPromiseOutcomeIgnoresEmptyHandle(t *testing.T) {
	ctx := NewContext(policy.NewPolicy(), nil)
	ctx.RecordPromiseOutcome("", outcome.CHANGE)
	ok, err := ctx.IsDefinedClass("promise__kept")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWithDependsOnNoDependencies(t *testing.T) {
	assert.Equal(t, "linux", WithDependsOn("linux", nil))
}

func TestWithDependsOnSingleDependencyNoExistingGuard(t *testing.T) {
	assert.Equal(t, "promise_h1_kept", WithDependsOn("", []string{"h1"}))
	assert.Equal(t, "promise_h1_kept", WithDependsOn("any", []string{"h1"}))
}

func TestWithDependsOnCombinesWithExistingGuard(t *testing.T) {
	assert.Equal(t, "(linux)&(promise_h1_kept)", WithDependsOn("linux", []string{"h1"}))
}

func TestWithDependsOnMultipleDependenciesJoinedByDot(t *testing.T) {
	assert.Equal(t, "promise_h1_kept.promise_h2_kept", WithDependsOn("", []string{"h1", "h2"}))
}

func TestWithDependsOnIntegratesWithClassExprEvaluation(t *testing.T) {
	ctx := NewContext(policy.NewPolicy(), nil)
	ctx.RecordPromiseOutcome("h1", outcome.CHANGE)

	guard := WithDependsOn("linux", []string{"h1"})
	ctx.AddClass("linux")

	ok, err := ctx.IsDefinedClass(guard)
	require.NoError(t, err)
	assert.True(t, ok)
}
