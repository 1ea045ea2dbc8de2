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

package app

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergent/agentcore/pkg/jsonbridge"
	"github.com/convergent/agentcore/pkg/policy"
)

// writePolicy builds a minimal, runnable policy (one "common control" body
// plus one bundle with a single vars promise) and writes its JSON-bridge
// wire form to a temp file, returning the path.
func writePolicy(t *testing.T, mutate func(p *policy.Policy)) string {
	t.Helper()
	p := policy.NewPolicy()
	p.AppendBody(policy.Body{Namespace: policy.DefaultNamespace, Type: "control", Name: "common"})

	bref := p.AppendBundle(policy.Bundle{
		Namespace: policy.DefaultNamespace,
		Type:      policy.BundleTypeAgent,
		Name:      "main",
	})
	sref := p.AppendSection(bref, true, "vars", policy.SourcePos{})
	p.AppendPromise(sref, policy.Promise{
		Promiser:   "greeting",
		ClassGuard: "any",
		Constraints: []policy.Constraint{
			{LValue: "string", RValue: policy.ScalarRightValue("hello")},
		},
	})

	if mutate != nil {
		mutate(p)
	}

	data, err := jsonbridge.ToJSON(p)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidateCommandAcceptsWellFormedPolicy(t *testing.T) {
	path := writePolicy(t, nil)

	out, err := runCLI(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "policy is valid")
}

func TestValidateCommandReportsDuplicateHandle(t *testing.T) {
	path := writePolicy(t, func(p *policy.Policy) {
		bref := p.AppendBundle(policy.Bundle{Namespace: policy.DefaultNamespace, Type: policy.BundleTypeAgent, Name: "extra"})
		sref := p.AppendSection(bref, true, "vars", policy.SourcePos{})
		p.AppendPromise(sref, policy.Promise{
			Promiser:   "one",
			ClassGuard: "any",
			Constraints: []policy.Constraint{
				{LValue: "string", RValue: policy.ScalarRightValue("x")},
				{LValue: "handle", RValue: policy.ScalarRightValue("dup")},
			},
		})
		p.AppendPromise(sref, policy.Promise{
			Promiser:   "two",
			ClassGuard: "any",
			Constraints: []policy.Constraint{
				{LValue: "string", RValue: policy.ScalarRightValue("y")},
				{LValue: "handle", RValue: policy.ScalarRightValue("dup")},
			},
		})
	})

	out, err := runCLI(t, "validate", path)
	require.Error(t, err)
	assert.Contains(t, out, "error")
}

func TestRunCommandEvaluatesVarsPromiseAndPrintsSummary(t *testing.T) {
	path := writePolicy(t, nil)
	stateDir := t.TempDir()

	out, err := runCLI(t, "--statedir", stateDir, "run", path)
	require.NoError(t, err)
	assert.Contains(t, out, "CHANGE")
}

func TestReportCommandListsChangedPaths(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "changes.log")
	require.NoError(t, os.WriteFile(logPath, []byte("1700000000,h1,/etc/motd,C,\n"), 0644))

	out, err := runCLI(t, "report", logPath)
	require.NoError(t, err)
	assert.Contains(t, out, "/etc/motd")
}

func TestReportCommandHandlesEmptyLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "changes.log")
	require.NoError(t, os.WriteFile(logPath, []byte(""), 0644))

	out, err := runCLI(t, "report", logPath)
	require.NoError(t, err)
	assert.Contains(t, out, "no changes recorded")
}

func TestDigestTagValueRejectsUnknownTag(t *testing.T) {
	v := &digestTagValue{}
	assert.Error(t, v.Set("sha999"))
	assert.NoError(t, v.Set("sha256"))
	assert.Equal(t, "sha256", v.String())
}
