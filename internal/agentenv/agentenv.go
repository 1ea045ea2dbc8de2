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

// Package agentenv resolves the engine's on-disk directory layout: work
// directory, state directory, and module (binary) directory, honoring
// CFENGINE_*-style environment overrides ahead of compiled defaults
// ("their values are treated as paths; absent values fall back to
// compiled defaults").
package agentenv

import "os"

// Defaults are the compiled-in fallback paths used when no override is
// present, matching the traditional installation layout this engine's
// promises assume when referring to "the workdir."
const (
	DefaultWorkDir   = "/var/cfengine"
	DefaultStateDir  = "/var/cfengine/state"
	DefaultModuleDir = "/var/cfengine/modules/packages"
)

// Env var names consumed by the core.
const (
	envWorkDir   = "CFENGINE_WORKDIR"
	envStateDir  = "CFENGINE_STATEDIR"
	envModuleDir = "CFENGINE_MODULEDIR"
)

// Paths is the resolved directory layout for one agent run.
type Paths struct {
	WorkDir   string
	StateDir  string
	ModuleDir string
}

// Option overrides one resolved path, taking precedence over both the
// environment and compiled defaults (e.g. a --workdir CLI flag).
type Option func(*Paths)

// WithWorkDir forces the work directory regardless of environment.
func WithWorkDir(dir string) Option { return func(p *Paths) { p.WorkDir = dir } }

// WithStateDir forces the state directory regardless of environment.
func WithStateDir(dir string) Option { return func(p *Paths) { p.StateDir = dir } }

// WithModuleDir forces the module directory regardless of environment.
func WithModuleDir(dir string) Option { return func(p *Paths) { p.ModuleDir = dir } }

// Resolve builds the directory layout: explicit Option overrides, then
// CFENGINE_* environment variables, then compiled defaults — in that
// precedence order.
func Resolve(opts ...Option) Paths {
	p := Paths{
		WorkDir:   envOrDefault(envWorkDir, DefaultWorkDir),
		StateDir:  envOrDefault(envStateDir, DefaultStateDir),
		ModuleDir: envOrDefault(envModuleDir, DefaultModuleDir),
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func envOrDefault(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}
