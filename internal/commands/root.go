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

// Package commands implements the helmsman operator CLI.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/helmsman/internal/config"
)

// VersionInfo carries build-time version details into the CLI.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// rootFlags holds flags shared by every subcommand.
type rootFlags struct {
	configPath string
	jsonOutput bool
}

// NewRootCommand creates the helmsman root command with all subcommands.
func NewRootCommand(info VersionInfo) *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "helmsman",
		Short: "Deploy and operate workflows",
		Long: `helmsman deploys versioned workflow bundles to an artifact store and
operates the helmsmand daemon that keeps them running.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to config file")
	cmd.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "Output machine-readable JSON")

	cmd.AddCommand(newDeployCommand(flags))
	cmd.AddCommand(newListCommand(flags))
	cmd.AddCommand(newDeleteCommand(flags))
	cmd.AddCommand(newRunCommand(flags))
	cmd.AddCommand(newStatusCommand(flags))
	cmd.AddCommand(newStoreCommand(flags))
	cmd.AddCommand(newVersionCommand(info))

	return cmd
}

// loadConfig loads the CLI configuration honoring the --config flag.
func (f *rootFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newVersionCommand(info VersionInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "helmsman %s (commit: %s, built: %s)\n",
				info.Version, info.Commit, info.BuildDate)
			return nil
		},
	}
}
