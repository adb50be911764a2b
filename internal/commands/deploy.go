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
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/helmsman/internal/bundle"
	"github.com/tombee/helmsman/internal/deployment"
)

// manifestFile is the workflow manifest expected in every workflow directory.
const manifestFile = "workflow.yaml"

// manifest is the operator-authored workflow.yaml.
type manifest struct {
	Name      string          `yaml:"name"`
	Version   string          `yaml:"version"`
	Namespace string          `yaml:"namespace"`
	Queue     string          `yaml:"task_queue"`
	Trigger   manifestTrigger `yaml:"trigger"`
	Exclude   []string        `yaml:"exclude"`
}

type manifestTrigger struct {
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

func newDeployCommand(flags *rootFlags) *cobra.Command {
	var (
		versionOverride string
		excludes        []string
	)

	cmd := &cobra.Command{
		Use:   "deploy <dir>",
		Short: "Package a workflow directory and deploy it to the artifact store",
		Long: `Package a workflow directory into a bundle and upload it to the artifact
store. The directory must contain a workflow.yaml manifest naming the
workflow, its namespace and task queue, and its trigger.

The daemon picks the new version up on its next sync cycle.`,
		Example: `  # Deploy the workflow in ./order-sync
  helmsman deploy ./order-sync

  # Deploy with an explicit version
  helmsman deploy ./order-sync --version v42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd, flags, args[0], versionOverride, excludes)
		},
	}

	cmd.Flags().StringVar(&versionOverride, "version", "", "Version to deploy (overrides the manifest)")
	cmd.Flags().StringArrayVar(&excludes, "exclude", nil, "Glob pattern to exclude from the bundle (repeatable)")

	return cmd
}

func runDeploy(cmd *cobra.Command, flags *rootFlags, dir, versionOverride string, excludes []string) error {
	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}

	def, manifestExcludes, err := loadManifest(dir, cfg.Engine.Namespace)
	if err != nil {
		return err
	}
	if versionOverride != "" {
		def.Version = versionOverride
	}
	if def.Version == "" {
		def.Version = "v" + time.Now().UTC().Format("20060102-150405")
	}

	data, checksum, err := bundle.Pack(dir, append(manifestExcludes, excludes...))
	if err != nil {
		return fmt.Errorf("failed to package %s: %w", dir, err)
	}
	def.Checksum = checksum
	def.DeployedAt = time.Now().UTC()
	if u, err := user.Current(); err == nil {
		def.DeployedBy = u.Username
	}

	metadata, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	if err := st.PutBundle(ctx, def.Name, def.Version, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to upload bundle: %w", err)
	}
	if err := st.PutMetadata(ctx, def.Name, def.Version, metadata); err != nil {
		return fmt.Errorf("failed to upload metadata: %w", err)
	}
	if err := st.SetLatest(ctx, def.Name, def.Version); err != nil {
		return fmt.Errorf("failed to update latest pointer: %w", err)
	}

	out := cmd.OutOrStdout()
	if flags.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(def)
	}

	fmt.Fprintln(out, RenderOK(fmt.Sprintf("deployed %s %s", Bold.Render(def.Name), def.Version)))
	fmt.Fprintln(out, Muted.Render(fmt.Sprintf("  %d bytes, %s, queue %s:%s, %s trigger",
		len(data), checksum[:15], def.Namespace, def.Queue, def.Trigger.Kind)))
	return nil
}

// loadManifest reads and validates the workflow.yaml in dir. The returned
// definition has no version, checksum, or deploy stamp yet.
func loadManifest(dir, defaultNamespace string) (*deployment.WorkflowDefinition, []string, error) {
	path := filepath.Join(dir, manifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if m.Namespace == "" {
		m.Namespace = defaultNamespace
	}
	if m.Trigger.Type == "" {
		m.Trigger.Type = string(deployment.TriggerManual)
	}

	def := &deployment.WorkflowDefinition{
		Name:      m.Name,
		Version:   m.Version,
		Namespace: m.Namespace,
		Queue:     m.Queue,
		Trigger: deployment.TriggerSpec{
			Kind:   deployment.TriggerKind(m.Trigger.Type),
			Config: m.Trigger.Config,
		},
	}

	if def.Name == "" {
		return nil, nil, fmt.Errorf("%s: name must not be empty", path)
	}
	if def.Queue == "" {
		return nil, nil, fmt.Errorf("%s: task_queue must not be empty", path)
	}
	if !def.Trigger.Kind.Valid() {
		return nil, nil, fmt.Errorf("%s: unknown trigger type %q", path, m.Trigger.Type)
	}

	return def, m.Exclude, nil
}
