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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tombee/helmsman/internal/config"
	"github.com/tombee/helmsman/internal/log"
)

// RunOptions configures daemon execution.
type RunOptions struct {
	Version   string
	Commit    string
	BuildDate string

	// ConfigPath is the YAML config file. Empty uses defaults plus env.
	ConfigPath string

	// Config overrides
	EngineAddr   string
	StoreType    string
	StoreDir     string
	GatewayHost  string
	GatewayPort  int
	SyncInterval string
}

// Run loads configuration, starts the daemon, and blocks until a termination
// signal arrives or startup fails.
func Run(opts RunOptions) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.LoadUnvalidated(opts.ConfigPath)
	if err != nil {
		logger.Error("failed to load config", log.Error(err))
		return fmt.Errorf("failed to load config: %w", err)
	}

	if opts.EngineAddr != "" {
		cfg.Engine.Address = opts.EngineAddr
	}
	if opts.StoreType != "" {
		cfg.Store.Type = opts.StoreType
	}
	if opts.StoreDir != "" {
		cfg.Store.LocalDir = opts.StoreDir
	}
	if opts.GatewayHost != "" {
		cfg.Gateway.Host = opts.GatewayHost
	}
	if opts.GatewayPort != 0 {
		cfg.Gateway.Port = opts.GatewayPort
	}
	if opts.SyncInterval != "" {
		dur, err := time.ParseDuration(opts.SyncInterval)
		if err != nil {
			return fmt.Errorf("invalid sync interval %q: %w", opts.SyncInterval, err)
		}
		cfg.Sync.Interval = dur
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", log.Error(err))
		return err
	}

	d, err := New(cfg, Options{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
	})
	if err != nil {
		logger.Error("failed to create daemon", log.Error(err))
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", log.String("signal", sig.String()))
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			logger.Error("error during shutdown", log.Error(err))
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon error", log.Error(err))
			return fmt.Errorf("daemon error: %w", err)
		}
		return nil
	}
}
