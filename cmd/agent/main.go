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

// Command agent is the thin CLI front-end around the promise evaluation
// engine. The policy parser, the network agent protocol and the
// observation collector are out of scope (the engine is handed an
// already-built policy.Policy, here via the JSON bridge); this binary
// exists so the engine is a runnable program, not just a library.
package main

import (
	"fmt"
	"os"

	"github.com/convergent/agentcore/cmd/agent/app"
)

func main() {
	if err := app.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
