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
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func newRunCommand(flags *rootFlags) *cobra.Command {
	var (
		inputJSON string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Start a manually triggered workflow",
		Long: `Ask the daemon to start a run of a manually triggered workflow.

Only workflows deployed with a manual trigger can be run this way; the
daemon rejects the request for any other trigger kind.`,
		Example: `  # Fire and forget
  helmsman run order-sync

  # Pass input and wait for the result
  helmsman run order-sync --input '["batch-7"]' --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, flags, args[0], inputJSON, wait)
		},
	}

	cmd.Flags().StringVar(&inputJSON, "input", "", "Workflow input as a JSON array")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the run to complete and print its result")

	return cmd
}

func runRun(cmd *cobra.Command, flags *rootFlags, name, inputJSON string, wait bool) error {
	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}

	var input []any
	if inputJSON != "" {
		if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
			return fmt.Errorf("--input must be a JSON array: %w", err)
		}
	}

	client, err := newAPIClient(cfg)
	if err != nil {
		return err
	}

	body := map[string]any{"input": input, "wait": wait}
	var result map[string]any
	err = client.do(cmd.Context(), http.MethodPost, "/v1/workflows/"+name+"/run", body, &result)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if flags.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	runID, _ := result["run_id"].(string)
	if wait {
		fmt.Fprintln(out, RenderOK(fmt.Sprintf("run %s completed", runID)))
		if output, ok := result["output"]; ok && output != nil {
			data, _ := json.MarshalIndent(output, "", "  ")
			fmt.Fprintln(out, string(data))
		}
		return nil
	}
	fmt.Fprintln(out, RenderOK(fmt.Sprintf("started run %s", runID)))
	return nil
}
