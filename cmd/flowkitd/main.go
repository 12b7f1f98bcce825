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
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "flowkitd",
		Short: "flowkitd runs the durable, event-sourced flow engine",
		Long: `flowkitd hosts the flow engine: flow definitions, runs, triggers,
and awaits, backed by one of the memory/file/relational storage adapters,
and exposes them over a webhook and WebSocket gateway.`,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a flowkit config YAML file")

	root.AddCommand(
		newServeCommand(),
		newFlowsCommand(),
		newTriggersCommand(),
		newMigrateCommand(),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("flowkitd %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}
