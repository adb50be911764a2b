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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/helmsman/internal/daemon/gateway"
	"github.com/tombee/helmsman/internal/deployment"
	"github.com/tombee/helmsman/internal/engine/enginetest"
	helmsmanerrors "github.com/tombee/helmsman/pkg/errors"
)

// fakeRegistrar records route registrations without a live server.
type fakeRegistrar struct {
	routes map[string]gateway.Route
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{routes: make(map[string]gateway.Route)}
}

func (f *fakeRegistrar) RegisterRoute(r gateway.Route) error {
	key := r.Method + " " + r.Path
	if _, ok := f.routes[key]; ok {
		return &helmsmanerrors.ConflictError{Resource: "webhook route", ID: key}
	}
	f.routes[key] = r
	return nil
}

func (f *fakeRegistrar) DeregisterRoute(method, path string) {
	delete(f.routes, method+" "+path)
}

func webhookDef(config map[string]any) *deployment.WorkflowDefinition {
	return definitionWith(deployment.TriggerWebhook, config)
}

func TestWebhookStartRegistersRoute(t *testing.T) {
	registrar := newFakeRegistrar()
	client := enginetest.NewFakeClient()

	w, err := NewWebhook(webhookDef(map[string]any{
		"path": "/hooks/orders",
	}), Deps{Client: client, Gateway: registrar})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	assert.Contains(t, registrar.routes, "POST /hooks/orders")

	require.NoError(t, w.Stop(ctx))
	assert.Empty(t, registrar.routes)
}

func TestWebhookHandlerStartsRun(t *testing.T) {
	registrar := newFakeRegistrar()
	client := enginetest.NewFakeClient()

	w, err := NewWebhook(webhookDef(map[string]any{
		"method": "put",
		"path":   "/hooks/orders",
	}), Deps{Client: client, Gateway: registrar})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	defer w.Stop(ctx)

	route := registrar.routes["PUT /hooks/orders"]
	dispatch, err := route.Handler(ctx, gateway.Payload{
		Body:      map[string]any{"order": "o-1"},
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, dispatch.RunID)
	assert.Equal(t, "commerce", dispatch.Namespace)
	assert.Equal(t, "orders", dispatch.TaskQueue)

	starts := client.Starts()
	require.Len(t, starts, 1)
	assert.Equal(t, "order-sync", starts[0].WorkflowName)
	require.Len(t, starts[0].Input, 1)

	// Without a mapping, the whole payload is the input.
	payload, ok := starts[0].Input[0].(map[string]any)
	require.True(t, ok)
	body, ok := payload["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "o-1", body["order"])
}

func TestWebhookInputMapping(t *testing.T) {
	registrar := newFakeRegistrar()
	client := enginetest.NewFakeClient()

	w, err := NewWebhook(webhookDef(map[string]any{
		"path":          "/hooks/orders",
		"input_mapping": "{id: .body.order, source: .query.source}",
	}), Deps{Client: client, Gateway: registrar})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	defer w.Stop(ctx)

	route := registrar.routes["POST /hooks/orders"]
	_, err = route.Handler(ctx, gateway.Payload{
		Body:  map[string]any{"order": "o-7"},
		Query: map[string]string{"source": "ci"},
	})
	require.NoError(t, err)

	starts := client.Starts()
	require.Len(t, starts, 1)
	input, ok := starts[0].Input[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "o-7", input["id"])
	assert.Equal(t, "ci", input["source"])
}

func TestWebhookRouteConflictSurfaces(t *testing.T) {
	registrar := newFakeRegistrar()
	client := enginetest.NewFakeClient()
	ctx := context.Background()

	first, err := NewWebhook(webhookDef(map[string]any{"path": "/hooks/x"}),
		Deps{Client: client, Gateway: registrar})
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	defer first.Stop(ctx)

	second, err := NewWebhook(webhookDef(map[string]any{"path": "/hooks/x"}),
		Deps{Client: client, Gateway: registrar})
	require.NoError(t, err)

	err = second.Start(ctx)
	require.Error(t, err)
	assert.True(t, helmsmanerrors.IsConflict(err))
}

func TestWebhookStartFailureSurfaces(t *testing.T) {
	registrar := newFakeRegistrar()
	client := enginetest.NewFakeClient()
	client.StartErr = assert.AnError

	w, err := NewWebhook(webhookDef(map[string]any{"path": "/hooks/x"}),
		Deps{Client: client, Gateway: registrar})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	defer w.Stop(ctx)

	_, err = registrar.routes["POST /hooks/x"].Handler(ctx, gateway.Payload{})
	assert.Error(t, err)
}

func TestWebhookConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
	}{
		{"missing path", map[string]any{}},
		{"relative path", map[string]any{"path": "hooks/x"}},
		{"bad mapping", map[string]any{"path": "/x", "input_mapping": ".body |"}},
		{"incomplete auth", map[string]any{"path": "/x", "auth": map[string]any{"type": "bearer"}}},
		{"unknown auth", map[string]any{"path": "/x", "auth": map[string]any{"type": "hmac"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWebhook(webhookDef(tt.config),
				Deps{Client: enginetest.NewFakeClient(), Gateway: newFakeRegistrar()})
			assert.Error(t, err)
		})
	}
}

func TestWebhookAuthPassedToRoute(t *testing.T) {
	registrar := newFakeRegistrar()
	w, err := NewWebhook(webhookDef(map[string]any{
		"path": "/hooks/auth",
		"auth": map[string]any{"type": "bearer", "token": "s3cret"},
		"rate_limit": map[string]any{
			"requests_per_second": 5,
			"burst":               10,
		},
	}), Deps{Client: enginetest.NewFakeClient(), Gateway: registrar})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	defer w.Stop(ctx)

	route := registrar.routes["POST /hooks/auth"]
	require.NotNil(t, route.Auth)
	assert.Equal(t, gateway.AuthBearer, route.Auth.Type)
	require.NotNil(t, route.RateLimit)
	assert.Equal(t, 5.0, route.RateLimit.RequestsPerSecond)
	assert.Equal(t, 10, route.RateLimit.Burst)
}
