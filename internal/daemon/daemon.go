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

// Package daemon assembles the helmsmand process: artifact store, deployment
// watcher, worker pool, trigger registry, and the shared HTTP gateway.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tombee/helmsman/internal/bundle"
	"github.com/tombee/helmsman/internal/config"
	"github.com/tombee/helmsman/internal/daemon/gateway"
	"github.com/tombee/helmsman/internal/daemon/pool"
	"github.com/tombee/helmsman/internal/daemon/reconcile"
	"github.com/tombee/helmsman/internal/daemon/trigger"
	"github.com/tombee/helmsman/internal/daemon/watcher"
	"github.com/tombee/helmsman/internal/deployment"
	"github.com/tombee/helmsman/internal/engine"
	internallog "github.com/tombee/helmsman/internal/log"
	"github.com/tombee/helmsman/internal/store"
	storelocal "github.com/tombee/helmsman/internal/store/local"
	stores3 "github.com/tombee/helmsman/internal/store/s3"
	"github.com/tombee/helmsman/pkg/httpclient"
	"github.com/tombee/helmsman/pkg/observability"
)

// Options contains daemon options set at build time, plus optional overrides
// for the engine and store collaborators (used by tests and embedders).
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// Client and Factory override the default engine adapters when set.
	Client  engine.Client
	Factory engine.WorkerFactory

	// Store overrides the configured artifact store when set.
	Store store.Store
}

// Daemon is the main helmsmand process.
type Daemon struct {
	cfg      *config.Config
	opts     Options
	logger   *slog.Logger
	provider *observability.Provider

	conn     *engine.Connection
	client   engine.Client
	pool     *pool.Manager
	registry *trigger.Registry
	gateway  *gateway.Gateway
	probe    *http.Client

	// Built during Start.
	st      store.Store
	tracker *deployment.Tracker
	cache   *bundle.Cache
	watcher *watcher.Watcher

	pidFile     string
	watcherDone chan struct{}

	mu      sync.Mutex
	started bool
}

// New creates a daemon instance. Network resources are not touched until
// Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(internallog.FromEnv()), "daemon")

	provider, err := observability.NewProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics provider: %w", err)
	}

	conn := engine.NewConnection(cfg.Engine.Address)

	client := opts.Client
	if client == nil {
		client = engine.NewClient(conn)
	}
	factory := opts.Factory
	if factory == nil {
		factory = engine.NewProcessFactory("", logger)
	}

	probe, err := httpclient.New(httpclient.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create probe client: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		provider: provider,
		conn:     conn,
		client:   client,
		probe:    probe,
		pool: pool.NewManager(pool.Options{
			Conn:                       conn,
			Factory:                    factory,
			Logger:                     logger,
			MaxConcurrentWorkflowTasks: cfg.Workers.MaxConcurrentWorkflowTasks,
			MaxConcurrentActivityTasks: cfg.Workers.MaxConcurrentActivityTasks,
		}),
		registry: trigger.NewRegistry(logger),
		gateway: gateway.New(gateway.Options{
			Host:    cfg.Gateway.Host,
			Port:    cfg.Gateway.Port,
			Logger:  logger,
			Metrics: provider.Metrics(),
		}),
	}

	// Static mounts must land on the base mux before the first acquire.
	d.gateway.Handle("GET /metrics", provider.Handler())
	d.mountManagementAPI()

	return d, nil
}

// Start brings the daemon up and blocks until the context is cancelled.
// Resource failures here (store access, gateway bind) are fatal.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if d.cfg.PIDFile != "" {
		if err := d.writePIDFile(); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		d.pidFile = d.cfg.PIDFile
	}

	st, err := d.openStore(ctx)
	if err != nil {
		return err
	}
	d.st = st

	tracker, err := deployment.OpenTracker(d.cfg.StateDB)
	if err != nil {
		return fmt.Errorf("failed to open deployment tracker: %w", err)
	}
	d.tracker = tracker

	cache, err := bundle.NewCache(d.cfg.CacheDir)
	if err != nil {
		return fmt.Errorf("failed to create bundle cache: %w", err)
	}
	d.cache = cache

	reconciler := reconcile.New(d.pool, d.registry, trigger.Deps{
		Client:  d.client,
		Gateway: d.gateway,
		HTTP:    d.probe,
		Logger:  d.logger,
		Metrics: d.provider.Metrics(),
	}, d.logger)

	w, err := watcher.New(ctx, watcher.Options{
		Store:    st,
		Tracker:  tracker,
		Cache:    cache,
		Interval: d.cfg.Sync.Interval,
		Handler:  reconciler.Apply,
		Logger:   d.logger,
		Metrics:  d.provider.Metrics(),
	})
	if err != nil {
		return fmt.Errorf("failed to create definition watcher: %w", err)
	}
	d.watcher = w

	// The daemon holds one gateway reference so the management API and
	// /metrics stay up even with no webhook routes registered.
	if err := d.gateway.Acquire(); err != nil {
		return err
	}

	d.watcherDone = make(chan struct{})
	go func() {
		defer close(d.watcherDone)
		w.Run(ctx)
	}()

	d.logger.Info("helmsmand started",
		slog.String("version", d.opts.Version),
		slog.String("engine", d.cfg.Engine.Address),
		slog.String("store", d.cfg.Store.Type),
		slog.String("gateway", d.cfg.GatewayAddr()),
		slog.Duration("sync_interval", d.cfg.Sync.Interval))

	<-ctx.Done()
	return nil
}

// Shutdown drains the daemon: watcher first so no new changes arrive, then
// triggers, then workers, then the HTTP surface. Worker shutdown waits for
// in-flight runs without a timeout. Callers must cancel the Start context
// before calling Shutdown; the watcher only stops when that context ends.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	d.logger.Info("graceful shutdown initiated")

	if d.watcherDone != nil {
		<-d.watcherDone
	}

	d.registry.StopAll(ctx)
	d.pool.StopAll()
	d.gateway.Release()

	if d.tracker != nil {
		if err := d.tracker.Close(); err != nil {
			d.logger.Error("failed to close deployment tracker", internallog.Error(err))
		}
	}
	if closer, ok := d.st.(interface{ Close() error }); ok && closer != nil {
		if err := closer.Close(); err != nil {
			d.logger.Error("failed to close artifact store", internallog.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.provider.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("metrics provider shutdown error", internallog.Error(err))
	}

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to remove PID file",
				internallog.Error(err), slog.String("path", d.pidFile))
		}
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}

// openStore builds the artifact store selected by the configuration.
func (d *Daemon) openStore(ctx context.Context) (store.Store, error) {
	if d.opts.Store != nil {
		return d.opts.Store, nil
	}

	switch d.cfg.Store.Type {
	case "s3":
		st, err := stores3.New(ctx, stores3.Config{
			Bucket:          d.cfg.Store.Bucket,
			Region:          d.cfg.Store.Region,
			Endpoint:        d.cfg.Store.Endpoint,
			AccessKeyID:     d.cfg.Store.AccessKeyID,
			SecretAccessKey: d.cfg.Store.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 store: %w", err)
		}
		return st, nil
	case "local":
		st, err := storelocal.New(d.cfg.Store.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create local store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported store type %q", d.cfg.Store.Type)
	}
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	dir := filepath.Dir(d.cfg.PIDFile)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	pid := os.Getpid()
	return os.WriteFile(d.cfg.PIDFile, []byte(fmt.Sprintf("%d\n", pid)), 0o600)
}
