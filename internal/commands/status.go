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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// statusReport aggregates the daemon's management API views.
type statusReport struct {
	Version     map[string]string `json:"version"`
	Deployments []struct {
		Name     string    `json:"name"`
		Version  string    `json:"version"`
		Queue    string    `json:"taskQueue"`
		SyncedAt time.Time `json:"syncedAt"`
	} `json:"deployments"`
	Triggers []struct {
		Workflow string `json:"workflow"`
		Kind     string `json:"kind"`
		Running  bool   `json:"running"`
	} `json:"triggers"`
}

func newStatusCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and live triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, flags)
		},
	}
}

func runStatus(cmd *cobra.Command, flags *rootFlags) error {
	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}

	client, err := newAPIClient(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	var report statusReport

	if err := client.do(ctx, http.MethodGet, "/v1/version", nil, &report.Version); err != nil {
		return err
	}

	var deployments struct {
		Deployments json.RawMessage `json:"deployments"`
	}
	if err := client.do(ctx, http.MethodGet, "/v1/deployments", nil, &deployments); err != nil {
		return err
	}
	if err := json.Unmarshal(deployments.Deployments, &report.Deployments); err != nil {
		return err
	}

	var triggers struct {
		Triggers json.RawMessage `json:"triggers"`
	}
	if err := client.do(ctx, http.MethodGet, "/v1/triggers", nil, &triggers); err != nil {
		return err
	}
	if err := json.Unmarshal(triggers.Triggers, &report.Triggers); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if flags.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintln(out, RenderOK(fmt.Sprintf("helmsmand %s at %s",
		report.Version["version"], cfg.GatewayAddr())))
	fmt.Fprintln(out)

	fmt.Fprintln(out, Header.Render("Deployments"))
	if len(report.Deployments) == 0 {
		fmt.Fprintln(out, Muted.Render("  (none)"))
	} else {
		w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
		for _, d := range report.Deployments {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
				d.Name, d.Version, d.Queue, Muted.Render("synced "+d.SyncedAt.Format(time.RFC3339)))
		}
		w.Flush()
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, Header.Render("Triggers"))
	if len(report.Triggers) == 0 {
		fmt.Fprintln(out, Muted.Render("  (none)"))
	} else {
		w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
		for _, t := range report.Triggers {
			state := StatusError.Render("stopped")
			if t.Running {
				state = StatusOK.Render("running")
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\n", t.Workflow, t.Kind, state)
		}
		w.Flush()
	}
	return nil
}
