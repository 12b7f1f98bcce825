// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowkit/flowkit/pkg/flow"
)

func newFlowsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Inspect and validate flow definitions",
	}
	cmd.AddCommand(newFlowsValidateCommand(), newFlowsListCommand())
	return cmd
}

func newFlowsValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Parse and validate every flow definition in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flows, err := flow.LoadDirectory(args[0])
			if err != nil {
				return err
			}
			for name, f := range flows {
				if err := flow.Validate(f); err != nil {
					return fmt.Errorf("flow %q: %w", name, err)
				}
				fmt.Printf("%s: ok (%d steps, entry %q)\n", name, len(f.Steps), f.Entry)
			}
			fmt.Printf("%d flow(s) valid\n", len(flows))
			return nil
		},
	}
}

func newFlowsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered flows and their run stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.closer()

			ctx := cmd.Context()
			stats, err := a.engine.ListFlowStats(ctx)
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println("no flows have run yet")
				return nil
			}
			for _, s := range stats {
				fmt.Printf("%-30s running=%d success=%d failure=%d\n", s.FlowName, s.Running, s.Success, s.Failure)
			}
			return nil
		},
	}
}
