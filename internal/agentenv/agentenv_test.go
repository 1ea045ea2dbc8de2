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

package agentenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveFallsBackToCompiledDefaults(t *testing.T) {
	p := Resolve()
	assert.Equal(t, DefaultWorkDir, p.WorkDir)
	assert.Equal(t, DefaultStateDir, p.StateDir)
	assert.Equal(t, DefaultModuleDir, p.ModuleDir)
}

func TestResolveHonorsEnvironmentOverride(t *testing.T) {
	t.Setenv(envWorkDir, "/custom/work")
	p := Resolve()
	assert.Equal(t, "/custom/work", p.WorkDir)
	assert.Equal(t, DefaultStateDir, p.StateDir)
}

func TestResolveOptionOverridesEnvironment(t *testing.T) {
	t.Setenv(envStateDir, "/from/env")
	p := Resolve(WithStateDir("/from/flag"))
	assert.Equal(t, "/from/flag", p.StateDir)
}
