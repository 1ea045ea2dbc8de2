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

// Package app wires the cobra command tree for the agent binary:
// validate, run and report, sharing a persistent set of directory-layout
// and dry-run flags.
package app

import (
	goflag "flag"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/convergent/agentcore/internal/agentenv"
)

var (
	workDir   string
	stateDir  string
	moduleDir string
	dryRun    bool
)

// NewRootCommand builds the agent command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "agent",
		Short:         "Evaluate a policy document and converge the host toward it",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	root.PersistentFlags().StringVar(&workDir, "workdir", "", "working directory (overrides CFENGINE_WORKDIR)")
	root.PersistentFlags().StringVar(&stateDir, "statedir", "", "state directory holding the lock and change-tracking databases (overrides CFENGINE_STATEDIR)")
	root.PersistentFlags().StringVar(&moduleDir, "moduledir", "", "directory package-module executables are resolved from (overrides CFENGINE_MODULEDIR)")
	root.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "report what would change without writing anything")

	root.AddCommand(newValidateCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newReportCommand())
	return root
}

func resolvePaths() agentenv.Paths {
	var opts []agentenv.Option
	if workDir != "" {
		opts = append(opts, agentenv.WithWorkDir(workDir))
	}
	if stateDir != "" {
		opts = append(opts, agentenv.WithStateDir(stateDir))
	}
	if moduleDir != "" {
		opts = append(opts, agentenv.WithModuleDir(moduleDir))
	}
	return agentenv.Resolve(opts...)
}
