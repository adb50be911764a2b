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

// Package enginetest provides in-memory fakes for the engine contract.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/tombee/helmsman/internal/engine"
)

// FakeClient is an in-memory engine.Client recording every call.
type FakeClient struct {
	mu        sync.Mutex
	starts    []engine.StartRequest
	schedules map[string]engine.ScheduleSpec
	updates   []engine.ScheduleSpec
	deletes   []string

	// StartErr, when set, is returned by StartWorkflow and ExecuteWorkflow.
	StartErr error

	// DeleteErr, when set, is returned by DeleteSchedule.
	DeleteErr error

	// ExecuteResult is returned by ExecuteWorkflow on success.
	ExecuteResult *engine.Result
}

// NewFakeClient creates an empty fake client.
func NewFakeClient() *FakeClient {
	return &FakeClient{schedules: make(map[string]engine.ScheduleSpec)}
}

// StartWorkflow records the request and echoes its run ID.
func (c *FakeClient) StartWorkflow(ctx context.Context, req engine.StartRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.StartErr != nil {
		return "", c.StartErr
	}
	c.starts = append(c.starts, req)
	return req.RunID, nil
}

// ExecuteWorkflow records the request and returns ExecuteResult.
func (c *FakeClient) ExecuteWorkflow(ctx context.Context, req engine.StartRequest) (*engine.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.StartErr != nil {
		return nil, c.StartErr
	}
	c.starts = append(c.starts, req)
	if c.ExecuteResult != nil {
		return c.ExecuteResult, nil
	}
	return &engine.Result{RunID: req.RunID}, nil
}

// CreateSchedule stores the spec, failing with ErrScheduleExists on duplicates.
func (c *FakeClient) CreateSchedule(ctx context.Context, spec engine.ScheduleSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.schedules[spec.ID]; exists {
		return engine.ErrScheduleExists
	}
	c.schedules[spec.ID] = spec
	return nil
}

// UpdateSchedule replaces an existing spec.
func (c *FakeClient) UpdateSchedule(ctx context.Context, spec engine.ScheduleSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.schedules[spec.ID]; !exists {
		return fmt.Errorf("schedule not found: %s", spec.ID)
	}
	c.schedules[spec.ID] = spec
	c.updates = append(c.updates, spec)
	return nil
}

// DeleteSchedule removes a schedule by ID.
func (c *FakeClient) DeleteSchedule(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.DeleteErr != nil {
		return c.DeleteErr
	}
	delete(c.schedules, id)
	c.deletes = append(c.deletes, id)
	return nil
}

// Starts returns a copy of the recorded start requests.
func (c *FakeClient) Starts() []engine.StartRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]engine.StartRequest, len(c.starts))
	copy(out, c.starts)
	return out
}

// Schedule returns the stored spec for an ID, if any.
func (c *FakeClient) Schedule(id string) (engine.ScheduleSpec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	spec, ok := c.schedules[id]
	return spec, ok
}

// UpdateCount returns how many UpdateSchedule calls were recorded.
func (c *FakeClient) UpdateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates)
}

// Deletes returns the recorded schedule deletions.
func (c *FakeClient) Deletes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.deletes))
	copy(out, c.deletes)
	return out
}

// FakeWorker is an engine.Worker whose Run blocks until Shutdown.
type FakeWorker struct {
	Opts engine.WorkerOptions

	// RunErr, when set, is returned immediately by Run.
	RunErr error

	stopCh   chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	running bool
}

// NewFakeWorker creates a worker bound to the given options.
func NewFakeWorker(opts engine.WorkerOptions) *FakeWorker {
	return &FakeWorker{Opts: opts, stopCh: make(chan struct{})}
}

// Run blocks until Shutdown is called or the context is cancelled.
func (w *FakeWorker) Run(ctx context.Context) error {
	if w.RunErr != nil {
		return w.RunErr
	}

	w.mu.Lock()
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopCh:
		return nil
	}
}

// Shutdown stops the worker. Safe to call more than once.
func (w *FakeWorker) Shutdown() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Running reports whether Run is currently blocked serving.
func (w *FakeWorker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// FakeWorkerFactory records every worker it creates.
type FakeWorkerFactory struct {
	mu      sync.Mutex
	workers []*FakeWorker

	// NewErr, when set, is returned by NewWorker.
	NewErr error
}

// NewFakeWorkerFactory creates an empty factory.
func NewFakeWorkerFactory() *FakeWorkerFactory {
	return &FakeWorkerFactory{}
}

// NewWorker creates and records a FakeWorker.
func (f *FakeWorkerFactory) NewWorker(conn *engine.Connection, opts engine.WorkerOptions) (engine.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.NewErr != nil {
		return nil, f.NewErr
	}
	w := NewFakeWorker(opts)
	f.workers = append(f.workers, w)
	return w, nil
}

// Workers returns every worker created so far, in creation order.
func (f *FakeWorkerFactory) Workers() []*FakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeWorker, len(f.workers))
	copy(out, f.workers)
	return out
}
