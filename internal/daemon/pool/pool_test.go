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

package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/helmsman/internal/deployment"
	"github.com/tombee/helmsman/internal/engine/enginetest"
)

func tracked(name, namespace, queue, bundleDir string) *deployment.TrackedDeployment {
	return &deployment.TrackedDeployment{
		Definition: &deployment.WorkflowDefinition{
			Name:      name,
			Version:   "v1",
			Namespace: namespace,
			Queue:     queue,
			Trigger:   deployment.TriggerSpec{Kind: deployment.TriggerManual},
		},
		BundleDir: bundleDir,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRegisterGroupsByNamespaceAndQueue(t *testing.T) {
	factory := enginetest.NewFakeWorkerFactory()
	m := NewManager(Options{Factory: factory})

	m.Register(tracked("a", "commerce", "orders", "/b/a"))
	m.Register(tracked("b", "commerce", "orders", "/b/b"))
	m.Register(tracked("c", "billing", "orders", "/b/c"))
	m.Register(tracked("d", "commerce", "refunds", "/b/d"))

	groups := m.Groups()
	require.Len(t, groups, 3)
	assert.ElementsMatch(t, []string{"a", "b"}, groups["commerce:orders"])
	assert.ElementsMatch(t, []string{"c"}, groups["billing:orders"])
	assert.ElementsMatch(t, []string{"d"}, groups["commerce:refunds"])
}

func TestRegisterIsIdempotent(t *testing.T) {
	m := NewManager(Options{Factory: enginetest.NewFakeWorkerFactory()})

	m.Register(tracked("a", "ns", "q", "/v1"))
	m.Register(tracked("a", "ns", "q", "/v2"))

	groups := m.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"a"}, groups["ns:q"])
}

func TestRegisterMovesWorkflowBetweenGroups(t *testing.T) {
	factory := enginetest.NewFakeWorkerFactory()
	m := NewManager(Options{Factory: factory})
	ctx := context.Background()

	m.Register(tracked("a", "ns", "q1", "/b/a"))
	m.Register(tracked("b", "ns", "q1", "/b/b"))
	require.NoError(t, m.StartAll(ctx))

	// The workflow changed queue: it leaves its old group and joins the
	// new one.
	m.Register(tracked("a", "ns", "q2", "/b/a"))

	groups := m.Groups()
	require.Len(t, groups, 2)
	assert.ElementsMatch(t, []string{"b"}, groups["ns:q1"])
	assert.ElementsMatch(t, []string{"a"}, groups["ns:q2"])

	key, ok := m.GroupKeyFor("a")
	require.True(t, ok)
	assert.Equal(t, "ns:q2", key)

	require.NoError(t, m.RestartGroup(ctx, "ns:q1"))
	require.NoError(t, m.StartAll(ctx))

	waitFor(t, func() bool {
		running := 0
		for _, w := range factory.Workers() {
			if w.Running() {
				running++
			}
		}
		return running == 2
	}, "workers never started serving")

	byNamespaceQueue := map[string]map[string]string{}
	for _, w := range factory.Workers() {
		if w.Running() {
			byNamespaceQueue[w.Opts.Namespace+":"+w.Opts.TaskQueue] = w.Opts.Bundles
		}
	}
	require.Len(t, byNamespaceQueue, 2)
	assert.Equal(t, map[string]string{"b": "/b/b"}, byNamespaceQueue["ns:q1"])
	assert.Equal(t, map[string]string{"a": "/b/a"}, byNamespaceQueue["ns:q2"])

	m.StopAll()
}

func TestRegisterMoveTearsDownEmptiedGroup(t *testing.T) {
	factory := enginetest.NewFakeWorkerFactory()
	m := NewManager(Options{Factory: factory})
	ctx := context.Background()

	m.Register(tracked("a", "ns", "q1", "/b/a"))
	require.NoError(t, m.StartAll(ctx))

	workers := factory.Workers()
	require.Len(t, workers, 1)
	waitFor(t, workers[0].Running, "worker never started serving")

	// Moving the sole member empties the old group; its worker goes away.
	m.Register(tracked("a", "ns", "q2", "/b/a"))

	waitFor(t, func() bool { return !workers[0].Running() }, "old worker not stopped")
	groups := m.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"a"}, groups["ns:q2"])

	m.StopAll()
}

func TestStartAllReportsFailedGroups(t *testing.T) {
	factory := enginetest.NewFakeWorkerFactory()
	factory.NewErr = assert.AnError
	m := NewManager(Options{Factory: factory})

	m.Register(tracked("a", "ns", "q", "/b/a"))

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "ns:q")
}

func TestStartAllMaterializesWorkersOnce(t *testing.T) {
	factory := enginetest.NewFakeWorkerFactory()
	m := NewManager(Options{
		Factory:                    factory,
		MaxConcurrentWorkflowTasks: 7,
	})
	ctx := context.Background()

	m.Register(tracked("a", "ns1", "q", "/b/a"))
	m.Register(tracked("b", "ns1", "q", "/b/b"))
	m.Register(tracked("c", "ns2", "q", "/b/c"))

	m.StartAll(ctx)
	require.Len(t, factory.Workers(), 2)

	// Starting again creates nothing new.
	m.StartAll(ctx)
	assert.Len(t, factory.Workers(), 2)

	for _, w := range factory.Workers() {
		waitFor(t, w.Running, "worker never started serving")
		assert.Equal(t, 7, w.Opts.MaxConcurrentWorkflowTasks)
	}

	// The shared-queue worker serves both workflows.
	var found bool
	for _, w := range factory.Workers() {
		if w.Opts.Namespace == "ns1" {
			found = true
			assert.Equal(t, map[string]string{"a": "/b/a", "b": "/b/b"}, w.Opts.Bundles)
		}
	}
	assert.True(t, found)

	m.StopAll()
}

func TestRestartGroupOnlyAffectsThatGroup(t *testing.T) {
	factory := enginetest.NewFakeWorkerFactory()
	m := NewManager(Options{Factory: factory})
	ctx := context.Background()

	m.Register(tracked("a", "ns1", "q", "/b/a/v1"))
	m.Register(tracked("b", "ns2", "q", "/b/b/v1"))
	m.StartAll(ctx)
	require.Len(t, factory.Workers(), 2)
	for _, w := range factory.Workers() {
		waitFor(t, w.Running, "worker never started serving")
	}

	// Simulate an update: new bundle dir, then restart the group.
	m.Register(tracked("a", "ns1", "q", "/b/a/v2"))
	require.NoError(t, m.RestartGroup(ctx, "ns1:q"))

	workers := factory.Workers()
	require.Len(t, workers, 3)

	replacement := workers[2]
	waitFor(t, replacement.Running, "replacement worker never started")
	assert.Equal(t, map[string]string{"a": "/b/a/v2"}, replacement.Opts.Bundles)

	// The untouched group's worker kept serving.
	for _, w := range workers[:2] {
		if w.Opts.Namespace == "ns2" {
			assert.True(t, w.Running())
		} else {
			assert.False(t, w.Running())
		}
	}

	m.StopAll()
}

func TestRestartGroupUnknownIsNoop(t *testing.T) {
	factory := enginetest.NewFakeWorkerFactory()
	m := NewManager(Options{Factory: factory})

	require.NoError(t, m.RestartGroup(context.Background(), "ghost:q"))
	assert.Empty(t, factory.Workers())
}

func TestRestartGroupNotStartedIsNoop(t *testing.T) {
	factory := enginetest.NewFakeWorkerFactory()
	m := NewManager(Options{Factory: factory})

	m.Register(tracked("a", "ns", "q", "/b/a"))
	require.NoError(t, m.RestartGroup(context.Background(), "ns:q"))
	assert.Empty(t, factory.Workers())
}

func TestDeregisterLastWorkflowTearsDownGroup(t *testing.T) {
	factory := enginetest.NewFakeWorkerFactory()
	m := NewManager(Options{Factory: factory})
	ctx := context.Background()

	td := tracked("a", "ns", "q", "/b/a")
	m.Register(td)
	m.StartAll(ctx)

	workers := factory.Workers()
	require.Len(t, workers, 1)
	waitFor(t, workers[0].Running, "worker never started serving")

	m.Deregister(td.Definition)

	waitFor(t, func() bool { return !workers[0].Running() }, "worker not stopped")
	assert.Empty(t, m.Groups())
}

func TestDeregisterKeepsNonEmptyGroupRunning(t *testing.T) {
	factory := enginetest.NewFakeWorkerFactory()
	m := NewManager(Options{Factory: factory})
	ctx := context.Background()

	tdA := tracked("a", "ns", "q", "/b/a")
	m.Register(tdA)
	m.Register(tracked("b", "ns", "q", "/b/b"))
	m.StartAll(ctx)

	workers := factory.Workers()
	require.Len(t, workers, 1)
	waitFor(t, workers[0].Running, "worker never started serving")

	m.Deregister(tdA.Definition)

	assert.True(t, workers[0].Running())
	assert.Equal(t, []string{"b"}, m.Groups()["ns:q"])

	m.StopAll()
}

func TestStopAllStopsEverything(t *testing.T) {
	factory := enginetest.NewFakeWorkerFactory()
	m := NewManager(Options{Factory: factory})
	ctx := context.Background()

	m.Register(tracked("a", "ns1", "q", "/b/a"))
	m.Register(tracked("b", "ns2", "q", "/b/b"))
	m.StartAll(ctx)
	for _, w := range factory.Workers() {
		waitFor(t, w.Running, "worker never started serving")
	}

	m.StopAll()

	for _, w := range factory.Workers() {
		assert.False(t, w.Running())
	}
}
