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

// Package config provides helmsman configuration loading.
//
// Configuration is resolved in three layers: built-in defaults, an optional
// YAML file, and HELMSMAN_* environment variables (highest precedence).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"

	helmsmanerrors "github.com/tombee/helmsman/pkg/errors"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// KeyringService is the service name used for OS keyring lookups.
const KeyringService = "helmsman"

// KeyringStoreSecret is the keyring entry holding the artifact store secret key.
const KeyringStoreSecret = "store-secret-key"

// Config represents the complete helmsman configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Store   StoreConfig   `yaml:"store"`
	Gateway GatewayConfig `yaml:"gateway"`
	Workers WorkersConfig `yaml:"workers"`
	Sync    SyncConfig    `yaml:"sync"`

	// CacheDir is the local directory holding extracted workflow bundles.
	// Environment: HELMSMAN_CACHE_DIR
	// Default: ~/.cache/helmsman/workflows
	CacheDir string `yaml:"cache_dir,omitempty"`

	// StateDB is the SQLite database file tracking deployments across restarts.
	// Environment: HELMSMAN_STATE_DB
	// Default: <cache_dir>/state.db
	StateDB string `yaml:"state_db,omitempty"`

	// PIDFile is the path to the PID file. Empty means no PID file.
	// Environment: HELMSMAN_PID_FILE
	PIDFile string `yaml:"pid_file,omitempty"`
}

// EngineConfig configures the connection to the durable-execution engine.
type EngineConfig struct {
	// Address is the engine's gRPC endpoint (host:port).
	// Environment: HELMSMAN_ENGINE_ADDR
	// Default: localhost:7233
	Address string `yaml:"address,omitempty"`

	// Namespace is the default engine namespace for definitions that omit one.
	Namespace string `yaml:"namespace,omitempty"`
}

// StoreConfig configures the artifact store holding workflow bundles.
type StoreConfig struct {
	// Type selects the store implementation: "s3" or "local".
	// Default: s3
	Type string `yaml:"type,omitempty"`

	// Endpoint is the S3-compatible endpoint URL. Empty uses the AWS default.
	// Environment: HELMSMAN_STORE_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// Bucket is the bucket holding deployed workflow artifacts.
	// Environment: HELMSMAN_STORE_BUCKET
	Bucket string `yaml:"bucket,omitempty"`

	// Region is the bucket region.
	// Environment: HELMSMAN_STORE_REGION
	Region string `yaml:"region,omitempty"`

	// AccessKeyID is the static access key. Empty falls back to the default
	// AWS credential chain.
	// Environment: HELMSMAN_STORE_ACCESS_KEY
	AccessKeyID string `yaml:"access_key_id,omitempty"`

	// SecretAccessKey is the static secret key. When empty and AccessKeyID is
	// set, the OS keyring entry (helmsman/store-secret-key) is consulted.
	// Environment: HELMSMAN_STORE_SECRET_KEY
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`

	// LocalDir is the directory backing the "local" store type.
	// Environment: HELMSMAN_STORE_DIR
	LocalDir string `yaml:"local_dir,omitempty"`
}

// GatewayConfig configures the shared webhook/management HTTP server.
type GatewayConfig struct {
	// Host is the bind address.
	// Environment: HELMSMAN_GATEWAY_HOST
	// Default: 127.0.0.1
	Host string `yaml:"host,omitempty"`

	// Port is the bind port.
	// Environment: HELMSMAN_GATEWAY_PORT
	// Default: 8420
	Port int `yaml:"port,omitempty"`

	// APIKey protects the management API when set. Webhook routes carry their
	// own per-route auth config and are unaffected.
	// Environment: HELMSMAN_GATEWAY_API_KEY
	APIKey string `yaml:"api_key,omitempty"`
}

// WorkersConfig configures execution worker concurrency caps.
type WorkersConfig struct {
	// MaxConcurrentWorkflowTasks caps in-flight workflow tasks per worker.
	// Default: 100
	MaxConcurrentWorkflowTasks int `yaml:"max_concurrent_workflow_tasks,omitempty"`

	// MaxConcurrentActivityTasks caps in-flight activity tasks per worker.
	// Default: 100
	MaxConcurrentActivityTasks int `yaml:"max_concurrent_activity_tasks,omitempty"`
}

// SyncConfig configures the definition watcher.
type SyncConfig struct {
	// Interval is the period between artifact store sync cycles.
	// Environment: HELMSMAN_SYNC_INTERVAL
	// Default: 30s
	Interval time.Duration `yaml:"interval,omitempty"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	cacheDir := filepath.Join(home, ".cache", "helmsman", "workflows")

	return &Config{
		Engine: EngineConfig{
			Address:   "localhost:7233",
			Namespace: "default",
		},
		Store: StoreConfig{
			Type:   "s3",
			Region: "us-east-1",
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8420,
		},
		Workers: WorkersConfig{
			MaxConcurrentWorkflowTasks: 100,
			MaxConcurrentActivityTasks: 100,
		},
		Sync: SyncConfig{
			Interval: 30 * time.Second,
		},
		CacheDir: cacheDir,
	}
}

// Load loads configuration from the given YAML file (optional), then applies
// environment variable overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := LoadUnvalidated(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadUnvalidated resolves configuration without validating it. Callers that
// layer their own overrides on top (the daemon's command-line flags) validate
// after applying them.
func LoadUnvalidated(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &helmsmanerrors.ConfigError{Reason: "failed to read config file", Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &helmsmanerrors.ConfigError{Reason: "failed to parse config file", Cause: err}
		}
	}

	applyEnv(cfg)

	if cfg.StateDB == "" {
		cfg.StateDB = filepath.Join(cfg.CacheDir, "state.db")
	}

	// Static access key without a secret: consult the OS keyring before
	// falling through to validation.
	if cfg.Store.AccessKeyID != "" && cfg.Store.SecretAccessKey == "" {
		if secret, err := keyring.Get(KeyringService, KeyringStoreSecret); err == nil {
			cfg.Store.SecretAccessKey = secret
		}
	}

	return cfg, nil
}

// applyEnv applies HELMSMAN_* environment variable overrides.
func applyEnv(cfg *Config) {
	if val := os.Getenv("HELMSMAN_ENGINE_ADDR"); val != "" {
		cfg.Engine.Address = val
	}
	if val := os.Getenv("HELMSMAN_ENGINE_NAMESPACE"); val != "" {
		cfg.Engine.Namespace = val
	}
	if val := os.Getenv("HELMSMAN_STORE_TYPE"); val != "" {
		cfg.Store.Type = val
	}
	if val := os.Getenv("HELMSMAN_STORE_ENDPOINT"); val != "" {
		cfg.Store.Endpoint = val
	}
	if val := os.Getenv("HELMSMAN_STORE_BUCKET"); val != "" {
		cfg.Store.Bucket = val
	}
	if val := os.Getenv("HELMSMAN_STORE_REGION"); val != "" {
		cfg.Store.Region = val
	}
	if val := os.Getenv("HELMSMAN_STORE_ACCESS_KEY"); val != "" {
		cfg.Store.AccessKeyID = val
	}
	if val := os.Getenv("HELMSMAN_STORE_SECRET_KEY"); val != "" {
		cfg.Store.SecretAccessKey = val
	}
	if val := os.Getenv("HELMSMAN_STORE_DIR"); val != "" {
		cfg.Store.LocalDir = val
	}
	if val := os.Getenv("HELMSMAN_GATEWAY_HOST"); val != "" {
		cfg.Gateway.Host = val
	}
	if val := os.Getenv("HELMSMAN_GATEWAY_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if val := os.Getenv("HELMSMAN_GATEWAY_API_KEY"); val != "" {
		cfg.Gateway.APIKey = val
	}
	if val := os.Getenv("HELMSMAN_MAX_WORKFLOW_TASKS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Workers.MaxConcurrentWorkflowTasks = n
		}
	}
	if val := os.Getenv("HELMSMAN_MAX_ACTIVITY_TASKS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Workers.MaxConcurrentActivityTasks = n
		}
	}
	if val := os.Getenv("HELMSMAN_SYNC_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Sync.Interval = d
		}
	}
	if val := os.Getenv("HELMSMAN_CACHE_DIR"); val != "" {
		cfg.CacheDir = val
	}
	if val := os.Getenv("HELMSMAN_STATE_DB"); val != "" {
		cfg.StateDB = val
	}
	if val := os.Getenv("HELMSMAN_PID_FILE"); val != "" {
		cfg.PIDFile = val
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var problems []string

	if c.Engine.Address == "" {
		problems = append(problems, "engine.address must not be empty")
	}

	switch c.Store.Type {
	case "s3":
		if c.Store.Bucket == "" {
			problems = append(problems, "store.bucket must be set for the s3 store")
		}
	case "local":
		if c.Store.LocalDir == "" {
			problems = append(problems, "store.local_dir must be set for the local store")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.type %q is not supported (use s3 or local)", c.Store.Type))
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		problems = append(problems, fmt.Sprintf("gateway.port %d is out of range", c.Gateway.Port))
	}
	if c.Sync.Interval <= 0 {
		problems = append(problems, "sync.interval must be positive")
	}
	if c.Workers.MaxConcurrentWorkflowTasks <= 0 {
		problems = append(problems, "workers.max_concurrent_workflow_tasks must be positive")
	}
	if c.Workers.MaxConcurrentActivityTasks <= 0 {
		problems = append(problems, "workers.max_concurrent_activity_tasks must be positive")
	}
	if c.CacheDir == "" {
		problems = append(problems, "cache_dir must not be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// GatewayAddr returns the host:port the gateway binds to.
func (c *Config) GatewayAddr() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}
