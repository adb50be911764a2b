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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/helmsman/internal/deployment"
)

// stubTrigger counts lifecycle calls.
type stubTrigger struct {
	name     string
	kind     deployment.TriggerKind
	startErr error

	mu      sync.Mutex
	starts  int
	stops   int
	running bool
}

func (s *stubTrigger) Kind() deployment.TriggerKind { return s.kind }
func (s *stubTrigger) WorkflowName() string         { return s.name }

func (s *stubTrigger) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.starts++
	s.running = true
	return nil
}

func (s *stubTrigger) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.running = false
	return nil
}

func (s *stubTrigger) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *stubTrigger) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}

func TestRegistryRegisterIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	first := &stubTrigger{name: "wf", kind: deployment.TriggerManual}
	second := &stubTrigger{name: "wf", kind: deployment.TriggerSchedule}

	r.Register(first)
	r.Register(second)

	got, ok := r.Get("wf")
	require.True(t, ok)
	assert.Same(t, Trigger(first), got)
	assert.Len(t, r.Statuses(), 1)
}

func TestRegistryStartAllIsolatesFailures(t *testing.T) {
	r := NewRegistry(nil)
	good := &stubTrigger{name: "good", kind: deployment.TriggerManual}
	bad := &stubTrigger{name: "bad", kind: deployment.TriggerWebhook, startErr: assert.AnError}

	r.Register(good)
	r.Register(bad)
	r.StartAll(context.Background())

	starts, _ := good.counts()
	assert.Equal(t, 1, starts)

	statuses := r.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "bad", statuses[0].Workflow)
	assert.False(t, statuses[0].Running)
	assert.Equal(t, "good", statuses[1].Workflow)
	assert.True(t, statuses[1].Running)
}

func TestRegistryStartAllIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	tr := &stubTrigger{name: "wf", kind: deployment.TriggerManual}
	r.Register(tr)

	ctx := context.Background()
	r.StartAll(ctx)
	r.StartAll(ctx)

	starts, _ := tr.counts()
	assert.Equal(t, 1, starts)
}

func TestRegistryStopAllOnlyStopsRunning(t *testing.T) {
	r := NewRegistry(nil)
	running := &stubTrigger{name: "running", kind: deployment.TriggerManual}
	stopped := &stubTrigger{name: "stopped", kind: deployment.TriggerManual, startErr: assert.AnError}

	r.Register(running)
	r.Register(stopped)

	ctx := context.Background()
	r.StartAll(ctx)
	r.StopAll(ctx)

	_, stops := running.counts()
	assert.Equal(t, 1, stops)
	_, stops = stopped.counts()
	assert.Equal(t, 0, stops)

	for _, status := range r.Statuses() {
		assert.False(t, status.Running)
	}
}

func TestRegistryDeregisterStopsRunning(t *testing.T) {
	r := NewRegistry(nil)
	tr := &stubTrigger{name: "wf", kind: deployment.TriggerManual}
	r.Register(tr)

	ctx := context.Background()
	require.NoError(t, r.Start(ctx, "wf"))
	r.Deregister(ctx, "wf")

	_, stops := tr.counts()
	assert.Equal(t, 1, stops)
	_, ok := r.Get("wf")
	assert.False(t, ok)

	// Unknown names are a no-op.
	r.Deregister(ctx, "ghost")
}

func TestRegistryStartUnknownIsNoop(t *testing.T) {
	r := NewRegistry(nil)
	assert.NoError(t, r.Start(context.Background(), "ghost"))
}

func TestRegistryStatusesReflectTriggerState(t *testing.T) {
	r := NewRegistry(nil)
	tr := &stubTrigger{name: "wf", kind: deployment.TriggerManual}
	r.Register(tr)

	// A trigger started outside the registry still reports as running.
	require.NoError(t, tr.Start(context.Background()))

	statuses := r.Statuses()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Running)

	require.NoError(t, tr.Stop(context.Background()))
	assert.False(t, r.Statuses()[0].Running)
}

func TestNewBuildsVariantByKind(t *testing.T) {
	deps := Deps{Gateway: newFakeRegistrar()}

	tests := []struct {
		kind   deployment.TriggerKind
		config map[string]any
	}{
		{deployment.TriggerSchedule, map[string]any{"cron": "0 * * * *"}},
		{deployment.TriggerPolling, map[string]any{"interval": "1m"}},
		{deployment.TriggerWebhook, map[string]any{"path": "/hooks/x"}},
		{deployment.TriggerManual, nil},
	}
	for _, tt := range tests {
		tr, err := New(definitionWith(tt.kind, tt.config), deps)
		require.NoError(t, err, tt.kind)
		assert.Equal(t, tt.kind, tr.Kind())
		assert.Equal(t, "order-sync", tr.WorkflowName())
	}

	_, err := New(definitionWith("cron", nil), deps)
	assert.Error(t, err)
}
