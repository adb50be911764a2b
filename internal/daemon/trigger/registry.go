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

package trigger

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/tombee/helmsman/internal/deployment"
	"github.com/tombee/helmsman/internal/log"
)

// Status describes one registered trigger.
type Status struct {
	Workflow string                 `json:"workflow"`
	Kind     deployment.TriggerKind `json:"kind"`
	Running  bool                   `json:"running"`
}

// Registry tracks the one live trigger each deployed workflow owns. Running
// state lives in the triggers themselves; the registry only fans out.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]Trigger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  log.WithComponent(logger, "trigger"),
		entries: make(map[string]Trigger),
	}
}

// Register adds a trigger for its workflow. A workflow that already has a
// trigger keeps it; registration is idempotent by name.
func (r *Registry) Register(tr Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[tr.WorkflowName()]; ok {
		return
	}
	r.entries[tr.WorkflowName()] = tr
}

// Deregister stops and removes a workflow's trigger. Unknown names are a
// no-op.
func (r *Registry) Deregister(ctx context.Context, name string) {
	r.mu.Lock()
	tr, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	r.mu.Unlock()

	if !ok || !tr.IsRunning() {
		return
	}
	if err := tr.Stop(ctx); err != nil {
		r.logger.Warn("failed to stop trigger",
			slog.String(log.WorkflowKey, name), log.Error(err))
	}
}

// Get returns a workflow's trigger.
func (r *Registry) Get(name string) (Trigger, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tr, ok := r.entries[name]
	return tr, ok
}

// Start starts a single workflow's trigger. Starting an already running
// trigger is a no-op.
func (r *Registry) Start(ctx context.Context, name string) error {
	r.mu.Lock()
	tr, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if tr.IsRunning() {
		r.logger.Debug("trigger already running", slog.String(log.WorkflowKey, name))
		return nil
	}

	if err := tr.Start(ctx); err != nil {
		return err
	}

	r.logger.Info("trigger started",
		slog.String(log.WorkflowKey, name),
		slog.String(log.TriggerKey, string(tr.Kind())))
	return nil
}

// StartAll starts every trigger that is not already running. Each trigger
// starts concurrently; one failing never blocks the rest.
func (r *Registry) StartAll(ctx context.Context) {
	r.mu.Lock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := r.Start(ctx, name); err != nil {
				r.logger.Error("failed to start trigger",
					slog.String(log.WorkflowKey, name), log.Error(err))
			}
		}(name)
	}
	wg.Wait()
}

// StopAll stops every running trigger concurrently and waits for them.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	triggers := make(map[string]Trigger, len(r.entries))
	for name, tr := range r.entries {
		triggers[name] = tr
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for name, tr := range triggers {
		if !tr.IsRunning() {
			continue
		}
		wg.Add(1)
		go func(name string, tr Trigger) {
			defer wg.Done()
			if err := tr.Stop(ctx); err != nil {
				r.logger.Warn("failed to stop trigger",
					slog.String(log.WorkflowKey, name), log.Error(err))
			}
		}(name, tr)
	}
	wg.Wait()
}

// Statuses reports every registered trigger, sorted by workflow name.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.entries))
	for name, tr := range r.entries {
		out = append(out, Status{
			Workflow: name,
			Kind:     tr.Kind(),
			Running:  tr.IsRunning(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Workflow < out[j].Workflow })
	return out
}
