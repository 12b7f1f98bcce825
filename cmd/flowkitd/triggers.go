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
)

func newTriggersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triggers",
		Short: "Inspect and retire triggers",
	}
	cmd.AddCommand(newTriggersListCommand(), newTriggersRetireCommand())
	return cmd
}

func newTriggersListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered triggers and their fire counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.closer()

			ctx := cmd.Context()
			recs, err := a.engine.Trigger().ListTriggers(ctx)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("no triggers registered")
				return nil
			}
			for _, r := range recs {
				fmt.Printf("%-24s type=%-9s status=%-9s fires=%d subscribers=%d\n",
					r.Name, r.Type, r.Status, r.Stats.TotalFires, len(r.Subscriptions))
			}
			return nil
		},
	}
}

func newTriggersRetireCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retire <name>",
		Short: "Retire a trigger: no further fires start or feed any flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.closer()

			if err := a.engine.Trigger().RetireTrigger(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("trigger %q retired\n", args[0])
			return nil
		},
	}
}
