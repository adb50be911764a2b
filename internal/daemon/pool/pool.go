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

// Package pool manages execution workers grouped by namespace and task queue.
//
// Workflows sharing a namespace+queue pair share one worker. Updating a
// workflow restarts only its own group; every other group keeps serving.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tombee/helmsman/internal/deployment"
	"github.com/tombee/helmsman/internal/engine"
	"github.com/tombee/helmsman/internal/log"
)

// Options configures a Manager.
type Options struct {
	Conn    *engine.Connection
	Factory engine.WorkerFactory
	Logger  *slog.Logger

	// Concurrency caps applied to every worker.
	MaxConcurrentWorkflowTasks int
	MaxConcurrentActivityTasks int
}

// group is one namespace+queue worker and the workflows it serves.
type group struct {
	namespace string
	queue     string
	bundles   map[string]string

	worker engine.Worker
	done   chan struct{}
}

// Manager owns the daemon's worker groups.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	groups map[string]*group
	byName map[string]string
}

// NewManager creates an empty worker pool manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:   opts,
		logger: log.WithComponent(logger, "pool"),
		groups: make(map[string]*group),
		byName: make(map[string]string),
	}
}

// Register adds a workflow to its namespace+queue group, creating the group
// if needed. Registering the same workflow again replaces its bundle
// directory; a workflow whose namespace or queue changed is first removed
// from its old group. The group's worker is not (re)built; call StartAll or
// RestartGroup to materialize the change.
func (m *Manager) Register(td *deployment.TrackedDeployment) {
	def := td.Definition
	key := def.GroupKey()

	m.mu.Lock()
	if oldKey, ok := m.byName[def.Name]; ok && oldKey != key {
		m.mu.Unlock()
		m.removeFromGroup(def.Name, oldKey)
		m.mu.Lock()
	}

	g, ok := m.groups[key]
	if !ok {
		g = &group{
			namespace: def.Namespace,
			queue:     def.Queue,
			bundles:   make(map[string]string),
		}
		m.groups[key] = g
	}
	g.bundles[def.Name] = td.BundleDir
	m.byName[def.Name] = key
	m.mu.Unlock()
}

// Deregister removes a workflow from its group. When the group has no
// workflows left its worker is shut down and the group deleted.
func (m *Manager) Deregister(def *deployment.WorkflowDefinition) {
	m.mu.Lock()
	key, ok := m.byName[def.Name]
	m.mu.Unlock()
	if !ok {
		key = def.GroupKey()
	}
	m.removeFromGroup(def.Name, key)
}

// GroupKeyFor reports the group a workflow is currently registered in.
func (m *Manager) GroupKeyFor(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.byName[name]
	return key, ok
}

// removeFromGroup drops a workflow from a group, tearing the group and its
// worker down when it was the last member.
func (m *Manager) removeFromGroup(name, key string) {
	m.mu.Lock()
	delete(m.byName, name)
	g, ok := m.groups[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(g.bundles, name)

	if len(g.bundles) > 0 {
		m.mu.Unlock()
		// The shrunk worker keeps running; the stale registration is
		// harmless until the group next restarts.
		return
	}
	delete(m.groups, key)
	worker, done := g.worker, g.done
	m.mu.Unlock()

	if worker != nil {
		worker.Shutdown()
		<-done
	}
	m.logger.Info("worker group removed", log.String(log.GroupKey, key))
}

// StartAll materializes a worker for every group that does not have one.
// One group failing to materialize never blocks the others; the failures
// are logged and joined into the returned error so lifecycle callers can
// treat them as fatal.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	var pending []string
	for key, g := range m.groups {
		if g.worker == nil {
			pending = append(pending, key)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, key := range pending {
		if err := m.startGroup(ctx, key); err != nil {
			m.logger.Error("failed to start worker group",
				log.String(log.GroupKey, key), log.Error(err))
			errs = append(errs, fmt.Errorf("group %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// RestartGroup tears down a group's worker and rebuilds it from the group's
// current workflow set. A group with no materialized worker is a no-op.
func (m *Manager) RestartGroup(ctx context.Context, key string) error {
	m.mu.Lock()
	g, ok := m.groups[key]
	if !ok || g.worker == nil {
		m.mu.Unlock()
		return nil
	}
	worker, done := g.worker, g.done
	g.worker = nil
	g.done = nil
	m.mu.Unlock()

	worker.Shutdown()
	<-done
	m.logger.Info("worker group stopped for restart", log.String(log.GroupKey, key))

	return m.startGroup(ctx, key)
}

// StopAll shuts every worker down concurrently, waits for them to finish,
// then closes the shared engine connection.
func (m *Manager) StopAll() {
	type handle struct {
		worker engine.Worker
		done   chan struct{}
	}

	m.mu.Lock()
	var stopping []handle
	for _, g := range m.groups {
		if g.worker != nil {
			stopping = append(stopping, handle{g.worker, g.done})
			g.worker = nil
			g.done = nil
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range stopping {
		wg.Add(1)
		go func(h handle) {
			defer wg.Done()
			h.worker.Shutdown()
			<-h.done
		}(h)
	}
	wg.Wait()

	if m.opts.Conn != nil {
		if err := m.opts.Conn.Close(); err != nil {
			m.logger.Warn("failed to close engine connection", log.Error(err))
		}
	}
	m.logger.Info("all worker groups stopped", log.Int("groups", len(stopping)))
}

// Groups returns the current group keys and their workflow names.
func (m *Manager) Groups() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]string, len(m.groups))
	for key, g := range m.groups {
		names := make([]string, 0, len(g.bundles))
		for name := range g.bundles {
			names = append(names, name)
		}
		out[key] = names
	}
	return out
}

// startGroup builds and runs the worker for a group. Holding no lock while
// the worker runs; the run goroutine closes done when Run returns.
func (m *Manager) startGroup(ctx context.Context, key string) error {
	m.mu.Lock()
	g, ok := m.groups[key]
	if !ok || g.worker != nil {
		m.mu.Unlock()
		return nil
	}

	bundles := make(map[string]string, len(g.bundles))
	for name, dir := range g.bundles {
		bundles[name] = dir
	}
	opts := engine.WorkerOptions{
		Namespace:                  g.namespace,
		TaskQueue:                  g.queue,
		Bundles:                    bundles,
		MaxConcurrentWorkflowTasks: m.opts.MaxConcurrentWorkflowTasks,
		MaxConcurrentActivityTasks: m.opts.MaxConcurrentActivityTasks,
	}
	m.mu.Unlock()

	worker, err := m.opts.Factory.NewWorker(m.opts.Conn, opts)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	m.mu.Lock()
	g.worker = worker
	g.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("worker stopped unexpectedly",
				log.String(log.GroupKey, key), log.Error(err))
		}
	}()

	m.logger.Info("worker group started",
		log.String(log.GroupKey, key), log.Int("workflows", len(bundles)))
	return nil
}
