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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/helmsman/internal/deployment"
)

// writeConfig writes a minimal local-store config and returns its path.
func writeConfig(t *testing.T, storeDir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := fmt.Sprintf("store:\n  type: local\n  local_dir: %s\n", storeDir)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// writeWorkflowDir creates a deployable workflow directory.
func writeWorkflowDir(t *testing.T, manifest string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workflow.yaml"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('hi')\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.tmp"), []byte("scratch"), 0o644))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(VersionInfo{Version: "test"})
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestDeployUploadsBundleAndMetadata(t *testing.T) {
	storeDir := t.TempDir()
	cfgPath := writeConfig(t, storeDir)
	wfDir := writeWorkflowDir(t, `
name: order-sync
namespace: commerce
task_queue: orders
trigger:
  type: schedule
  config:
    cron: "0 * * * *"
exclude:
  - "*.tmp"
`)

	_, err := execute(t, "deploy", wfDir, "--config", cfgPath, "--version", "v1")
	require.NoError(t, err)

	latest, err := os.ReadFile(filepath.Join(storeDir, "order-sync", "latest"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(latest))

	metadata, err := os.ReadFile(filepath.Join(storeDir, "order-sync", "v1", "metadata.json"))
	require.NoError(t, err)
	def, err := deployment.ParseMetadata(metadata)
	require.NoError(t, err)
	assert.Equal(t, "commerce", def.Namespace)
	assert.Equal(t, "orders", def.Queue)
	assert.Equal(t, deployment.TriggerSchedule, def.Trigger.Kind)
	assert.Contains(t, def.Checksum, "sha256:")
	assert.False(t, def.DeployedAt.IsZero())

	_, err = os.Stat(filepath.Join(storeDir, "order-sync", "v1", "bundle.zip"))
	assert.NoError(t, err)
}

func TestDeployRejectsBadManifest(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir())

	tests := []struct {
		name     string
		manifest string
	}{
		{"missing name", "task_queue: q\n"},
		{"missing queue", "name: wf\n"},
		{"unknown trigger", "name: wf\ntask_queue: q\ntrigger:\n  type: cron\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeWorkflowDir(t, tt.manifest)
			_, err := execute(t, "deploy", dir, "--config", cfgPath)
			assert.Error(t, err)
		})
	}
}

func TestDeployRequiresManifest(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir())
	_, err := execute(t, "deploy", t.TempDir(), "--config", cfgPath)
	assert.Error(t, err)
}

func TestListShowsDeployedWorkflows(t *testing.T) {
	storeDir := t.TempDir()
	cfgPath := writeConfig(t, storeDir)
	wfDir := writeWorkflowDir(t, "name: order-sync\nnamespace: ns\ntask_queue: q\n")

	_, err := execute(t, "deploy", wfDir, "--config", cfgPath, "--version", "v2")
	require.NoError(t, err)

	out, err := execute(t, "list", "--config", cfgPath, "--json")
	require.NoError(t, err)

	var body struct {
		Workflows []*deployment.WorkflowDefinition `json:"workflows"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	require.Len(t, body.Workflows, 1)
	assert.Equal(t, "order-sync", body.Workflows[0].Name)
	assert.Equal(t, "v2", body.Workflows[0].Version)
	assert.Equal(t, deployment.TriggerManual, body.Workflows[0].Trigger.Kind)
}

func TestDeleteRemovesWorkflow(t *testing.T) {
	storeDir := t.TempDir()
	cfgPath := writeConfig(t, storeDir)
	wfDir := writeWorkflowDir(t, "name: order-sync\nnamespace: ns\ntask_queue: q\n")

	_, err := execute(t, "deploy", wfDir, "--config", cfgPath, "--version", "v1")
	require.NoError(t, err)

	_, err = execute(t, "delete", "order-sync", "--config", cfgPath, "--yes")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(storeDir, "order-sync"))
	assert.True(t, os.IsNotExist(err))
}

func TestDeployExcludesPatterns(t *testing.T) {
	storeDir := t.TempDir()
	cfgPath := writeConfig(t, storeDir)
	wfDir := writeWorkflowDir(t, "name: wf\nnamespace: ns\ntask_queue: q\nexclude:\n  - \"*.tmp\"\n")

	_, err := execute(t, "deploy", wfDir, "--config", cfgPath, "--version", "v1")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(storeDir, "wf", "v1", "bundle.zip"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "notes.tmp")
	assert.Contains(t, string(data), "main.py")
}
