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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "localhost:7233", cfg.Engine.Address)
	assert.Equal(t, "s3", cfg.Store.Type)
	assert.Equal(t, 8420, cfg.Gateway.Port)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.NotEmpty(t, cfg.CacheDir)
}

func TestLoad_FromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "helmsman.yaml")
	content := `
engine:
  address: engine.internal:7233
  namespace: billing
store:
  type: local
  local_dir: /var/lib/helmsman/store
gateway:
  host: 0.0.0.0
  port: 9000
sync:
  interval: 2m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "engine.internal:7233", cfg.Engine.Address)
	assert.Equal(t, "billing", cfg.Engine.Namespace)
	assert.Equal(t, "local", cfg.Store.Type)
	assert.Equal(t, "0.0.0.0:9000", cfg.GatewayAddr())
	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, filepath.Join(cfg.CacheDir, "state.db"), cfg.StateDB)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HELMSMAN_ENGINE_ADDR", "override:7233")
	t.Setenv("HELMSMAN_STORE_TYPE", "local")
	t.Setenv("HELMSMAN_STORE_DIR", t.TempDir())
	t.Setenv("HELMSMAN_SYNC_INTERVAL", "45s")
	t.Setenv("HELMSMAN_GATEWAY_PORT", "8888")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "override:7233", cfg.Engine.Address)
	assert.Equal(t, 45*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 8888, cfg.Gateway.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "s3 store requires bucket",
			mutate:  func(c *Config) { c.Store.Type = "s3"; c.Store.Bucket = "" },
			wantErr: "store.bucket",
		},
		{
			name:    "local store requires dir",
			mutate:  func(c *Config) { c.Store.Type = "local"; c.Store.LocalDir = "" },
			wantErr: "store.local_dir",
		},
		{
			name:    "unknown store type",
			mutate:  func(c *Config) { c.Store.Type = "ftp" },
			wantErr: "not supported",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Gateway.Port = 99999 },
			wantErr: "out of range",
		},
		{
			name:    "non-positive sync interval",
			mutate:  func(c *Config) { c.Sync.Interval = 0 },
			wantErr: "sync.interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Store.Bucket = "deployments"
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_OK(t *testing.T) {
	cfg := Default()
	cfg.Store.Bucket = "deployments"
	assert.NoError(t, cfg.Validate())
}
