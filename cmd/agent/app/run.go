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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/convergent/agentcore/internal/report"
	"github.com/convergent/agentcore/pkg/changetracker"
	"github.com/convergent/agentcore/pkg/eval"
	"github.com/convergent/agentcore/pkg/expander"
	"github.com/convergent/agentcore/pkg/jsonbridge"
	"github.com/convergent/agentcore/pkg/lock"
	"github.com/convergent/agentcore/pkg/packagemodule"
	"github.com/convergent/agentcore/pkg/policy/syntax"
	"github.com/convergent/agentcore/pkg/policy/validation"
	"github.com/convergent/agentcore/pkg/runner"
)

func newRunCommand() *cobra.Command {
	var packageModules []string
	digestFlag := &digestTagValue{}

	cmd := &cobra.Command{
		Use:   "run <policy.json>",
		Short: "Evaluate a policy document's bundles against the running host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := resolvePaths()
			if err := os.MkdirAll(paths.StateDir, 0700); err != nil {
				return fmt.Errorf("creating state directory %s: %w", paths.StateDir, err)
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			pol, err := jsonbridge.FromJSON(data)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}

			reg := syntax.NewDefaultRegistry()
			if result := validation.Validate(pol, reg); !result.Empty() {
				for _, msg := range result.Errors() {
					fmt.Fprintln(cmd.OutOrStderr(), msg)
				}
				return fmt.Errorf("%s failed validation", args[0])
			}
			if !pol.Runnable() {
				return fmt.Errorf("%s has no common control body; refusing to run", args[0])
			}

			lockStore, err := lock.NewBoltStore(filepath.Join(paths.StateDir, "cf_lock.db"))
			if err != nil {
				return err
			}
			changes, err := changetracker.Open(
				filepath.Join(paths.StateDir, "cf_changes.db"),
				filepath.Join(paths.StateDir, "cf_changes.log"),
			)
			if err != nil {
				return err
			}

			modules := map[string]*packagemodule.Module{}
			caches := map[string]*packagemodule.Cache{}
			for _, spec := range packageModules {
				name, path, ok := strings.Cut(spec, "=")
				if !ok {
					return fmt.Errorf("--package-module must be name=path, got %q", spec)
				}
				modules[name] = packagemodule.NewModule(name, path)
				cache, err := packagemodule.NewCache(filepath.Join(paths.StateDir, "cf_pkg_"+name+".db"), name)
				if err != nil {
					return err
				}
				caches[name] = cache
			}

			tag := digestFlag.tag
			if tag == "" {
				tag = changetracker.Best
			}

			deps := runner.Deps{
				Expander: expander.New(reg, nil),
				Locks:    lock.NewManager(lockStore),
				Changes:  changes,
				Digest:   tag,
				Modules:  modules,
				Caches:   caches,
				DryRun:   dryRun,
			}

			run := runner.New(pol, deps)
			ctx := eval.NewContext(pol, nil)
			ctx.DryRun = dryRun

			results, runErr := run.Run(ctx)
			summary := report.Summarize(results)
			if werr := report.WriteText(cmd.OutOrStdout(), summary); werr != nil {
				return werr
			}
			if runErr != nil {
				return runErr
			}
			if summary.Worst.Failed() {
				return fmt.Errorf("run completed with outcome %s", summary.Worst)
			}
			klog.V(1).InfoS("run complete", "outcome", summary.Worst.String())
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&packageModules, "package-module", nil, "name=path of a package-module provider executable, repeatable")
	cmd.Flags().Var(digestFlag, "digest", "content-digest algorithm for file change tracking (best, md5, sha1, sha224, sha256, sha384, sha512)")
	return cmd
}
