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

// Package engine defines the contract with the durable-execution engine.
//
// The engine itself is an external collaborator: it runs workflow code,
// guarantees retries and persistence, and owns schedule evaluation. Helmsman
// consumes it through the interfaces here. GRPCClient and ProcessFactory are
// the default adapters; tests use the enginetest fakes.
package engine

import (
	"context"
	"errors"
	"time"
)

// ErrScheduleExists is returned by CreateSchedule when a schedule with the
// same ID already exists. Callers resolve this with UpdateSchedule rather
// than treating it as a failure.
var ErrScheduleExists = errors.New("engine: schedule already exists")

// StartRequest describes a workflow run to start.
type StartRequest struct {
	// WorkflowName is the registered workflow type to run.
	WorkflowName string `json:"workflow_name"`

	// RunID is the caller-assigned run identifier. Uniqueness is best-effort;
	// the engine deduplicates or tolerates collisions per its own policy.
	RunID string `json:"run_id"`

	// Namespace and TaskQueue route the run to the right worker group.
	Namespace string `json:"namespace"`
	TaskQueue string `json:"task_queue"`

	// Input is the ordered argument list passed to the workflow.
	Input []any `json:"input,omitempty"`
}

// Result is the outcome of a completed workflow run.
type Result struct {
	RunID  string `json:"run_id"`
	Output any    `json:"output,omitempty"`
}

// ScheduleSpec describes a named server-side schedule.
type ScheduleSpec struct {
	// ID is the schedule's unique identifier.
	ID string `json:"id"`

	// WorkflowName, Namespace, and TaskQueue describe the run each firing starts.
	WorkflowName string `json:"workflow_name"`
	Namespace    string `json:"namespace"`
	TaskQueue    string `json:"task_queue"`

	// Cron is a 5-field cron expression. Takes precedence over Interval.
	Cron string `json:"cron,omitempty"`

	// Interval fires the schedule at a fixed period when Cron is empty.
	Interval time.Duration `json:"interval,omitempty"`
}

// Client starts workflow runs and manages server-side schedules.
type Client interface {
	// StartWorkflow starts a run and returns its run ID without waiting.
	StartWorkflow(ctx context.Context, req StartRequest) (string, error)

	// ExecuteWorkflow starts a run and blocks until the engine reports its result.
	ExecuteWorkflow(ctx context.Context, req StartRequest) (*Result, error)

	// CreateSchedule creates a named schedule. Returns ErrScheduleExists when
	// the ID is already taken.
	CreateSchedule(ctx context.Context, spec ScheduleSpec) error

	// UpdateSchedule replaces an existing schedule's spec in place.
	UpdateSchedule(ctx context.Context, spec ScheduleSpec) error

	// DeleteSchedule removes a schedule by ID.
	DeleteSchedule(ctx context.Context, id string) error
}

// WorkerOptions describe the worker to materialize for one namespace+queue pair.
type WorkerOptions struct {
	Namespace string
	TaskQueue string

	// Bundles maps each served workflow name to the local directory holding
	// its extracted bundle.
	Bundles map[string]string

	// Concurrency caps, from the daemon configuration.
	MaxConcurrentWorkflowTasks int
	MaxConcurrentActivityTasks int
}

// Worker is a materialized execution worker. Run blocks until the worker
// stops; Shutdown asks it to stop and is safe to call more than once.
type Worker interface {
	Run(ctx context.Context) error
	Shutdown()
}

// WorkerFactory constructs workers bound to the shared engine connection.
// A worker only picks up workflow code at construction time; replacing code
// requires building a fresh worker.
type WorkerFactory interface {
	NewWorker(conn *Connection, opts WorkerOptions) (Worker, error)
}
