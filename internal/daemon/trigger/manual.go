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
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tombee/helmsman/internal/deployment"
	"github.com/tombee/helmsman/internal/engine"
	"github.com/tombee/helmsman/internal/log"
	"github.com/tombee/helmsman/pkg/observability"
)

// ErrNotRunning is returned when a manual trigger is asked to execute while
// stopped.
var ErrNotRunning = errors.New("trigger is not running")

// Manual fires a workflow only on explicit request, via the management API
// or the CLI.
type Manual struct {
	def     *deployment.WorkflowDefinition
	client  engine.Client
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	running bool
}

// NewManual creates a manual trigger. Manual triggers take no config.
func NewManual(def *deployment.WorkflowDefinition, deps Deps) *Manual {
	return &Manual{
		def:     def,
		client:  deps.Client,
		logger:  log.WithWorkflow(deps.Logger, def.Name),
		metrics: deps.Metrics,
	}
}

func (m *Manual) Kind() deployment.TriggerKind { return deployment.TriggerManual }
func (m *Manual) WorkflowName() string         { return m.def.Name }

// Start marks the trigger as accepting requests.
func (m *Manual) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	return nil
}

// Stop marks the trigger as rejecting requests.
func (m *Manual) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return nil
}

// IsRunning reports whether the trigger accepts requests.
func (m *Manual) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Execute starts a run without waiting for it to complete.
func (m *Manual) Execute(ctx context.Context, input []any) (string, error) {
	if err := m.checkRunning(); err != nil {
		return "", err
	}

	runID := NewRunID(m.def.Name)
	_, err := m.client.StartWorkflow(ctx, engine.StartRequest{
		WorkflowName: m.def.Name,
		RunID:        runID,
		Namespace:    m.def.Namespace,
		TaskQueue:    m.def.Queue,
		Input:        input,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start workflow: %w", err)
	}

	m.recordFire(ctx, runID)
	return runID, nil
}

// ExecuteAndWait starts a run and blocks until the engine reports its result.
func (m *Manual) ExecuteAndWait(ctx context.Context, input []any) (*engine.Result, error) {
	if err := m.checkRunning(); err != nil {
		return nil, err
	}

	runID := NewRunID(m.def.Name)
	result, err := m.client.ExecuteWorkflow(ctx, engine.StartRequest{
		WorkflowName: m.def.Name,
		RunID:        runID,
		Namespace:    m.def.Namespace,
		TaskQueue:    m.def.Queue,
		Input:        input,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to execute workflow: %w", err)
	}

	m.recordFire(ctx, runID)
	return result, nil
}

func (m *Manual) checkRunning() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return fmt.Errorf("manual trigger for %s: %w", m.def.Name, ErrNotRunning)
	}
	return nil
}

func (m *Manual) recordFire(ctx context.Context, runID string) {
	m.metrics.TriggerFire(ctx, string(deployment.TriggerManual))
	m.metrics.RunStarted(ctx, m.def.Name)
	m.logger.Info("manual trigger fired", log.String(log.RunIDKey, runID))
}
