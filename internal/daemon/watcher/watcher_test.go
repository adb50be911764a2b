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

package watcher

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/helmsman/internal/bundle"
	"github.com/tombee/helmsman/internal/deployment"
	"github.com/tombee/helmsman/internal/store/memory"
)

type fixture struct {
	store   *memory.Store
	tracker *deployment.Tracker
	cache   *bundle.Cache
	changes []ChangeSet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tracker, err := deployment.OpenTracker(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tracker.Close() })

	cache, err := bundle.NewCache(t.TempDir())
	require.NoError(t, err)

	return &fixture{store: memory.New(), tracker: tracker, cache: cache}
}

func (f *fixture) watcher(t *testing.T) *Watcher {
	t.Helper()
	w, err := New(context.Background(), Options{
		Store:    f.store,
		Tracker:  f.tracker,
		Cache:    f.cache,
		Interval: time.Hour,
		Handler: func(ctx context.Context, cs ChangeSet) {
			f.changes = append(f.changes, cs)
		},
	})
	require.NoError(t, err)
	return w
}

// deploy puts a complete workflow (metadata, bundle, latest pointer) into
// the store.
func (f *fixture) deploy(t *testing.T, name, version, namespace, queue string) {
	t.Helper()
	ctx := context.Background()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zf, err := zw.Create("workflow.js")
	require.NoError(t, err)
	fmt.Fprintf(zf, "// %s %s", name, version)
	require.NoError(t, zw.Close())

	meta, err := json.Marshal(map[string]any{
		"name":      name,
		"version":   version,
		"namespace": namespace,
		"taskQueue": queue,
		"trigger":   map[string]any{"type": "manual"},
	})
	require.NoError(t, err)

	require.NoError(t, f.store.PutBundle(ctx, name, version, &buf))
	require.NoError(t, f.store.PutMetadata(ctx, name, version, meta))
	require.NoError(t, f.store.SetLatest(ctx, name, version))
}

func TestSyncDetectsAdded(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "order-sync", "v1", "commerce", "orders")
	f.deploy(t, "invoice-gen", "v1", "billing", "invoices")

	w := f.watcher(t)
	w.Sync(context.Background())

	require.Len(t, f.changes, 1)
	cs := f.changes[0]
	assert.Len(t, cs.Added, 2)
	assert.Empty(t, cs.Updated)
	assert.Empty(t, cs.Removed)

	tracked := w.Tracked()
	require.Contains(t, tracked, "order-sync")
	assert.Equal(t, "v1", tracked["order-sync"].Definition.Version)
	assert.NotEmpty(t, tracked["order-sync"].BundleDir)
}

func TestSyncDetectsUpdated(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "order-sync", "v1", "commerce", "orders")

	w := f.watcher(t)
	w.Sync(context.Background())
	require.Len(t, f.changes, 1)

	f.deploy(t, "order-sync", "v2", "commerce", "orders")
	w.Sync(context.Background())

	require.Len(t, f.changes, 2)
	cs := f.changes[1]
	require.Len(t, cs.Updated, 1)
	assert.Empty(t, cs.Added)
	assert.Equal(t, "v2", cs.Updated[0].Definition.Version)
}

func TestSyncDetectsRemoved(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "order-sync", "v1", "commerce", "orders")

	w := f.watcher(t)
	w.Sync(context.Background())
	require.Len(t, f.changes, 1)

	require.NoError(t, f.store.Delete(context.Background(), "order-sync"))
	w.Sync(context.Background())

	require.Len(t, f.changes, 2)
	cs := f.changes[1]
	require.Len(t, cs.Removed, 1)
	assert.Equal(t, "order-sync", cs.Removed[0].Definition.Name)
	assert.NotContains(t, w.Tracked(), "order-sync")

	// Persisted state dropped too.
	all, err := f.tracker.All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSyncNoChangesNoNotification(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "order-sync", "v1", "commerce", "orders")

	w := f.watcher(t)
	w.Sync(context.Background())
	w.Sync(context.Background())
	w.Sync(context.Background())

	assert.Len(t, f.changes, 1)
}

func TestSyncIsolatesPerWorkflowFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.deploy(t, "good", "v1", "ns", "q")

	// Broken workflow: latest points at a version with invalid metadata.
	require.NoError(t, f.store.PutMetadata(ctx, "broken", "v1", []byte(`{"name":"broken"}`)))
	require.NoError(t, f.store.SetLatest(ctx, "broken", "v1"))

	w := f.watcher(t)
	w.Sync(ctx)

	require.Len(t, f.changes, 1)
	require.Len(t, f.changes[0].Added, 1)
	assert.Equal(t, "good", f.changes[0].Added[0].Definition.Name)
	assert.NotContains(t, w.Tracked(), "broken")
}

func TestSyncMissingBundleSkipsWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	meta, _ := json.Marshal(map[string]any{
		"name": "no-bundle", "version": "v1",
		"namespace": "ns", "taskQueue": "q",
		"trigger": map[string]any{"type": "manual"},
	})
	require.NoError(t, f.store.PutMetadata(ctx, "no-bundle", "v1", meta))
	require.NoError(t, f.store.SetLatest(ctx, "no-bundle", "v1"))

	w := f.watcher(t)
	w.Sync(ctx)

	assert.Empty(t, f.changes)
	assert.NotContains(t, w.Tracked(), "no-bundle")
}

func TestWatcherSeededFromTracker(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "order-sync", "v1", "commerce", "orders")

	w := f.watcher(t)
	w.Sync(context.Background())
	require.Len(t, f.changes, 1)

	// A fresh watcher over the same tracker sees the workflow as already
	// tracked: no change reported.
	f.changes = nil
	w2 := f.watcher(t)
	w2.Sync(context.Background())
	assert.Empty(t, f.changes)
	assert.Contains(t, w2.Tracked(), "order-sync")
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	w := f.watcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}
