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

// Package watcher syncs the local deployment state against the artifact
// store.
//
// Each sync cycle lists the store, diffs it against the tracked set and
// reports added, updated and removed workflows as a single ChangeSet. A
// failure handling one workflow never aborts the rest of the cycle.
package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/helmsman/internal/bundle"
	"github.com/tombee/helmsman/internal/deployment"
	"github.com/tombee/helmsman/internal/log"
	"github.com/tombee/helmsman/internal/store"
	"github.com/tombee/helmsman/pkg/observability"
)

// ChangeSet is the outcome of one sync cycle's diff. Added and Updated carry
// the freshly synced deployments; Removed carries the previously tracked
// state of workflows that vanished from the store.
type ChangeSet struct {
	Added   []*deployment.TrackedDeployment
	Updated []*deployment.TrackedDeployment
	Removed []*deployment.TrackedDeployment
}

// Empty reports whether the cycle found no changes.
func (c *ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Handler receives the ChangeSet of each non-empty sync cycle. It is called
// synchronously from the sync loop, so the next cycle waits for it.
type Handler func(ctx context.Context, changes ChangeSet)

// Watcher polls the artifact store and maintains the tracked deployment set.
type Watcher struct {
	store    store.Store
	tracker  *deployment.Tracker
	cache    *bundle.Cache
	interval time.Duration
	handler  Handler
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	tracked map[string]*deployment.TrackedDeployment
}

// Options configures a Watcher.
type Options struct {
	Store    store.Store
	Tracker  *deployment.Tracker
	Cache    *bundle.Cache
	Interval time.Duration
	Handler  Handler
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// New creates a Watcher seeded with the tracker's persisted state.
func New(ctx context.Context, opts Options) (*Watcher, error) {
	tracked, err := opts.Tracker.All(ctx)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		store:    opts.Store,
		tracker:  opts.Tracker,
		cache:    opts.Cache,
		interval: opts.Interval,
		handler:  opts.Handler,
		logger:   log.WithComponent(logger, "watcher"),
		metrics:  opts.Metrics,
		tracked:  tracked,
	}, nil
}

// Tracked returns a snapshot of the currently tracked deployments.
func (w *Watcher) Tracked() map[string]*deployment.TrackedDeployment {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[string]*deployment.TrackedDeployment, len(w.tracked))
	for name, td := range w.tracked {
		out[name] = td
	}
	return out
}

// Run syncs once immediately, then on every interval tick until ctx is
// cancelled. If the store can signal changes, a signal triggers an eager
// sync between ticks. The in-flight cycle always completes; cancellation
// only stops future cycles.
func (w *Watcher) Run(ctx context.Context) {
	w.Sync(context.WithoutCancel(ctx))

	var notify <-chan struct{}
	if notifier, ok := w.store.(store.Notifier); ok {
		notify = notifier.Changes()
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-notify:
			if !ok {
				notify = nil
				continue
			}
			w.logger.Debug("store change signal, syncing eagerly")
		}
		w.Sync(context.WithoutCancel(ctx))
	}
}

// Sync runs one sync cycle: list, diff, download, persist, notify.
func (w *Watcher) Sync(ctx context.Context) {
	start := time.Now()

	names, err := w.store.ListNames(ctx)
	if err != nil {
		w.logger.Error("failed to list workflows, skipping cycle", log.Error(err))
		w.metrics.SyncFailure(ctx)
		return
	}

	var changes ChangeSet
	seen := make(map[string]bool, len(names))

	for _, name := range names {
		seen[name] = true
		w.syncOne(ctx, name, &changes)
	}

	// Anything tracked but no longer listed has been removed.
	w.mu.Lock()
	var removedNames []string
	for name, td := range w.tracked {
		if !seen[name] {
			changes.Removed = append(changes.Removed, td)
			removedNames = append(removedNames, name)
		}
	}
	for _, name := range removedNames {
		delete(w.tracked, name)
	}
	w.mu.Unlock()

	for _, td := range changes.Removed {
		name := td.Definition.Name
		if err := w.tracker.Remove(ctx, name); err != nil {
			w.logger.Error("failed to untrack workflow",
				slog.String(log.WorkflowKey, name), log.Error(err))
		}
		if err := w.cache.Remove(name); err != nil {
			w.logger.Warn("failed to clean bundle cache",
				slog.String(log.WorkflowKey, name), log.Error(err))
		}
		w.logger.Info("workflow removed", slog.String(log.WorkflowKey, name))
	}

	w.metrics.SyncCycle(ctx)
	if changes.Empty() {
		return
	}

	w.metrics.DefinitionChanges(ctx, len(changes.Added), len(changes.Updated), len(changes.Removed))
	w.logger.Info("sync cycle found changes",
		log.Int("added", len(changes.Added)),
		log.Int("updated", len(changes.Updated)),
		log.Int("removed", len(changes.Removed)),
		slog.Int64(log.DurationKey, time.Since(start).Milliseconds()))

	if w.handler != nil {
		w.handler(ctx, changes)
	}
}

// syncOne diffs a single workflow against its tracked state. Errors are
// logged and the workflow is skipped for this cycle.
func (w *Watcher) syncOne(ctx context.Context, name string, changes *ChangeSet) {
	logger := log.WithWorkflow(w.logger, name)

	version, err := w.store.LatestVersion(ctx, name)
	if err != nil {
		logger.Error("failed to resolve latest version", log.Error(err))
		return
	}

	w.mu.Lock()
	prev := w.tracked[name]
	w.mu.Unlock()

	if prev != nil && prev.Definition.Version == version {
		return
	}

	raw, err := w.store.Metadata(ctx, name, version)
	if err != nil {
		logger.Error("failed to fetch metadata",
			slog.String(log.VersionKey, version), log.Error(err))
		return
	}
	def, err := deployment.ParseMetadata(raw)
	if err != nil {
		logger.Error("invalid metadata, skipping workflow",
			slog.String(log.VersionKey, version), log.Error(err))
		return
	}

	bundleDir, err := w.cache.Ensure(ctx, w.store, def)
	if err != nil {
		logger.Error("failed to download bundle",
			slog.String(log.VersionKey, version), log.Error(err))
		w.metrics.DownloadFailure(ctx)
		return
	}

	td := &deployment.TrackedDeployment{
		Definition: def,
		BundleDir:  bundleDir,
		SyncedAt:   time.Now().UTC(),
	}
	if err := w.tracker.Upsert(ctx, td); err != nil {
		logger.Error("failed to persist tracked deployment", log.Error(err))
		return
	}

	w.mu.Lock()
	w.tracked[name] = td
	w.mu.Unlock()

	if prev == nil {
		changes.Added = append(changes.Added, td)
		logger.Info("workflow added", slog.String(log.VersionKey, version))
	} else {
		changes.Updated = append(changes.Updated, td)
		logger.Info("workflow updated",
			slog.String(log.VersionKey, version),
			log.String("previous_version", prev.Definition.Version))
		if err := w.cache.Prune(name, version); err != nil {
			logger.Warn("failed to prune old bundle versions", log.Error(err))
		}
	}
}
