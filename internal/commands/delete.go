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

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeleteCommand(flags *rootFlags) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a workflow from the artifact store",
		Long: `Remove every version of a workflow from the artifact store. The daemon
tears its worker and trigger down on the next sync cycle.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(cmd, flags, args[0], yes)
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Skip the confirmation prompt")

	return cmd
}

func runDelete(cmd *cobra.Command, flags *rootFlags, name string, yes bool) error {
	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}

	if !yes {
		fmt.Fprintf(cmd.OutOrStdout(), "Delete workflow %s and all its versions? [y/N] ", Bold.Render(name))
		var answer string
		fmt.Fscanln(cmd.InOrStdin(), &answer)
		if answer != "y" && answer != "Y" && answer != "yes" {
			fmt.Fprintln(cmd.OutOrStdout(), Muted.Render("aborted"))
			return nil
		}
	}

	ctx := cmd.Context()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	if err := st.Delete(ctx, name); err != nil {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), RenderOK(fmt.Sprintf("deleted %s", name)))
	return nil
}
