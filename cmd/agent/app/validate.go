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

	"github.com/spf13/cobra"

	"github.com/convergent/agentcore/pkg/jsonbridge"
	"github.com/convergent/agentcore/pkg/policy/syntax"
	"github.com/convergent/agentcore/pkg/policy/validation"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <policy.json>",
		Short: "Validate a policy document produced by the JSON bridge, without evaluating it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			pol, err := jsonbridge.FromJSON(data)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}

			result := validation.Validate(pol, syntax.NewDefaultRegistry())
			if result.Empty() {
				fmt.Fprintln(cmd.OutOrStdout(), "policy is valid")
				return nil
			}
			for _, msg := range result.Errors() {
				fmt.Fprintln(cmd.OutOrStderr(), msg)
			}
			return fmt.Errorf("%s: %d validation error(s)", args[0], len(result.Errors()))
		},
	}
}
