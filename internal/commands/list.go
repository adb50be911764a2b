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
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/helmsman/internal/deployment"
	"github.com/tombee/helmsman/internal/store"
)

func newListCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows deployed to the artifact store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, flags)
		},
	}
}

func runList(cmd *cobra.Command, flags *rootFlags) error {
	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	names, err := st.ListNames(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workflows: %w", err)
	}

	var defs []*deployment.WorkflowDefinition
	for _, name := range names {
		def, err := fetchLatestDefinition(ctx, st, name)
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), RenderError(fmt.Sprintf("%s: %v", name, err)))
			continue
		}
		defs = append(defs, def)
	}

	out := cmd.OutOrStdout()
	if flags.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"workflows": defs})
	}

	if len(defs) == 0 {
		fmt.Fprintln(out, Muted.Render("no workflows deployed"))
		return nil
	}

	w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, Header.Render("NAME")+"\t"+Header.Render("VERSION")+"\t"+
		Header.Render("NAMESPACE")+"\t"+Header.Render("QUEUE")+"\t"+Header.Render("TRIGGER"))
	for _, def := range defs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			def.Name, def.Version, def.Namespace, def.Queue, def.Trigger.Kind)
	}
	return w.Flush()
}

func fetchLatestDefinition(ctx context.Context, st store.Store, name string) (*deployment.WorkflowDefinition, error) {
	version, err := st.LatestVersion(ctx, name)
	if err != nil {
		return nil, err
	}
	metadata, err := st.Metadata(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return deployment.ParseMetadata(metadata)
}
