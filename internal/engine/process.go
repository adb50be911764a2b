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

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/tombee/helmsman/internal/log"
)

// DefaultEntrypoint is the worker executable expected inside each extracted
// bundle.
const DefaultEntrypoint = "bin/worker"

// ProcessFactory materializes workers as one subprocess per workflow bundle.
// Workflow code is ahead-of-time built into the bundle's entrypoint, so new
// versions are only picked up by starting fresh processes; the pool's
// group-restart path relies on exactly that.
type ProcessFactory struct {
	entrypoint string
	logger     *slog.Logger
}

// NewProcessFactory creates a factory launching the given entrypoint relative
// to each bundle directory. An empty entrypoint uses DefaultEntrypoint.
func NewProcessFactory(entrypoint string, logger *slog.Logger) *ProcessFactory {
	if entrypoint == "" {
		entrypoint = DefaultEntrypoint
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessFactory{
		entrypoint: entrypoint,
		logger:     log.WithComponent(logger, "worker"),
	}
}

// NewWorker validates that every bundle carries the entrypoint and returns a
// worker that runs them all as subprocesses.
func (f *ProcessFactory) NewWorker(conn *Connection, opts WorkerOptions) (Worker, error) {
	if len(opts.Bundles) == 0 {
		return nil, fmt.Errorf("worker group %s:%s has no workflow bundles", opts.Namespace, opts.TaskQueue)
	}
	for name, dir := range opts.Bundles {
		path := filepath.Join(dir, f.entrypoint)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("workflow %s is missing its worker entrypoint: %w", name, err)
		}
	}

	target := ""
	if conn != nil {
		target = conn.Target()
	}
	return &processWorker{
		target:     target,
		entrypoint: f.entrypoint,
		opts:       opts,
		logger:     f.logger,
		stopCh:     make(chan struct{}),
	}, nil
}

type processWorker struct {
	target     string
	entrypoint string
	opts       WorkerOptions
	logger     *slog.Logger

	mu    sync.Mutex
	procs []*os.Process

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Run starts one process per bundle and blocks until all of them exit. A
// process dying outside of shutdown takes the rest of the group down with it
// so the pool sees the group fail as a unit.
func (w *processWorker) Run(ctx context.Context) error {
	type running struct {
		name string
		cmd  *exec.Cmd
	}

	var started []running
	for name, dir := range w.opts.Bundles {
		if w.stopping() {
			break
		}

		cmd := exec.Command(filepath.Join(dir, w.entrypoint))
		cmd.Dir = dir
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(),
			"HELMSMAN_ENGINE_ADDR="+w.target,
			"HELMSMAN_NAMESPACE="+w.opts.Namespace,
			"HELMSMAN_TASK_QUEUE="+w.opts.TaskQueue,
			"HELMSMAN_WORKFLOW="+name,
			fmt.Sprintf("HELMSMAN_MAX_WORKFLOW_TASKS=%d", w.opts.MaxConcurrentWorkflowTasks),
			fmt.Sprintf("HELMSMAN_MAX_ACTIVITY_TASKS=%d", w.opts.MaxConcurrentActivityTasks),
		)

		if err := cmd.Start(); err != nil {
			w.Shutdown()
			for _, r := range started {
				_ = r.cmd.Wait()
			}
			return fmt.Errorf("failed to start worker process for %s: %w", name, err)
		}

		w.logger.Info("worker process started",
			slog.String(log.WorkflowKey, name),
			slog.String("queue", w.opts.TaskQueue),
			slog.Int("pid", cmd.Process.Pid))

		w.mu.Lock()
		w.procs = append(w.procs, cmd.Process)
		w.mu.Unlock()
		started = append(started, running{name: name, cmd: cmd})
	}

	go func() {
		select {
		case <-ctx.Done():
			w.Shutdown()
		case <-w.stopCh:
		}
	}()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for _, r := range started {
		wg.Add(1)
		go func(r running) {
			defer wg.Done()
			err := r.cmd.Wait()
			if err != nil && !w.stopping() {
				errMu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("worker process for %s exited: %w", r.name, err)
				}
				errMu.Unlock()
				w.Shutdown()
			}
		}(r)
	}
	wg.Wait()
	return firstErr
}

// Shutdown asks every process to terminate. Safe to call more than once and
// before Run has started anything.
func (w *processWorker) Shutdown() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		procs := append([]*os.Process(nil), w.procs...)
		w.mu.Unlock()
		for _, p := range procs {
			if err := p.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
				w.logger.Warn("failed to signal worker process",
					slog.Int("pid", p.Pid), log.Error(err))
			}
		}
	})
}

func (w *processWorker) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}
