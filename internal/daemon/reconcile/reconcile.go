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

// Package reconcile applies watcher change sets to the worker pool and the
// trigger registry.
package reconcile

import (
	"context"
	"log/slog"

	"github.com/tombee/helmsman/internal/daemon/pool"
	"github.com/tombee/helmsman/internal/daemon/trigger"
	"github.com/tombee/helmsman/internal/daemon/watcher"
	"github.com/tombee/helmsman/internal/deployment"
	"github.com/tombee/helmsman/internal/log"
)

// Reconciler turns deployment changes into worker and trigger lifecycle
// operations.
type Reconciler struct {
	pool     *pool.Manager
	registry *trigger.Registry
	deps     trigger.Deps
	logger   *slog.Logger
}

// New creates a reconciler.
func New(p *pool.Manager, r *trigger.Registry, deps trigger.Deps, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		pool:     p,
		registry: r,
		deps:     deps,
		logger:   log.WithComponent(logger, "reconcile"),
	}
}

// Apply reconciles one change set. Each change is handled independently; a
// failure on one workflow never blocks the others.
//
// Added workflows get a pool registration, a trigger, and a started worker
// group. Updated workflows restart only their own group so the new bundle is
// picked up; their trigger is kept as is. An update that changed a workflow's
// namespace or queue rehomes it: the old group sheds it and the new group's
// worker is materialized. Removed workflows lose their trigger and leave
// their group, best effort.
func (r *Reconciler) Apply(ctx context.Context, changes watcher.ChangeSet) {
	for _, td := range changes.Added {
		r.add(ctx, td)
	}

	// Restart each affected group once, even when several workflows in it
	// changed in the same cycle.
	restarted := make(map[string]bool)
	for _, td := range changes.Updated {
		def := td.Definition
		oldKey, hadOld := r.pool.GroupKeyFor(def.Name)
		r.pool.Register(td)

		keys := []string{def.GroupKey()}
		if hadOld && oldKey != def.GroupKey() {
			keys = append(keys, oldKey)
		}
		for _, key := range keys {
			if restarted[key] {
				continue
			}
			restarted[key] = true
			if err := r.pool.RestartGroup(ctx, key); err != nil {
				r.logger.Error("failed to restart worker group",
					slog.String(log.GroupKey, key), log.Error(err))
			}
		}
	}

	for _, td := range changes.Removed {
		r.remove(ctx, td.Definition)
	}

	if len(changes.Added) > 0 || len(changes.Updated) > 0 {
		if err := r.pool.StartAll(ctx); err != nil {
			r.logger.Error("failed to start worker groups", log.Error(err))
		}
	}
	for _, td := range changes.Added {
		if err := r.registry.Start(ctx, td.Definition.Name); err != nil {
			r.logger.Error("failed to start trigger",
				slog.String(log.WorkflowKey, td.Definition.Name), log.Error(err))
		}
	}
}

func (r *Reconciler) add(ctx context.Context, td *deployment.TrackedDeployment) {
	def := td.Definition
	r.pool.Register(td)

	tr, err := trigger.New(def, r.deps)
	if err != nil {
		r.logger.Error("failed to build trigger, workflow will only run via its worker",
			slog.String(log.WorkflowKey, def.Name),
			slog.String(log.TriggerKey, string(def.Trigger.Kind)),
			log.Error(err))
		return
	}
	r.registry.Register(tr)
}

func (r *Reconciler) remove(ctx context.Context, def *deployment.WorkflowDefinition) {
	r.registry.Deregister(ctx, def.Name)
	r.pool.Deregister(def)
	r.logger.Info("workflow reconciled away",
		slog.String(log.WorkflowKey, def.Name))
}
