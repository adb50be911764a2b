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

package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/helmsman/internal/config"
	"github.com/tombee/helmsman/internal/daemon/trigger"
	"github.com/tombee/helmsman/internal/deployment"
	"github.com/tombee/helmsman/internal/engine/enginetest"
)

func testDaemon(t *testing.T, apiKey string) (*Daemon, *enginetest.FakeClient) {
	t.Helper()

	cfg := config.Default()
	cfg.Store.Type = "local"
	cfg.Store.LocalDir = t.TempDir()
	cfg.Gateway.APIKey = apiKey
	cfg.Gateway.Port = 0
	cfg.CacheDir = t.TempDir()

	client := enginetest.NewFakeClient()
	d, err := New(cfg, Options{
		Version: "test",
		Client:  client,
		Factory: enginetest.NewFakeWorkerFactory(),
	})
	require.NoError(t, err)
	return d, client
}

// serve dispatches a request through the gateway handler without a listener.
func serveDaemon(d *Daemon, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	d.gateway.ServeHTTP(rec, req)
	return rec
}

func registerManual(t *testing.T, d *Daemon, name string) *trigger.Manual {
	t.Helper()
	def := &deployment.WorkflowDefinition{
		Name:      name,
		Version:   "v1",
		Namespace: "ns",
		Queue:     "q",
		Trigger:   deployment.TriggerSpec{Kind: deployment.TriggerManual},
	}
	m := trigger.NewManual(def, trigger.Deps{Client: d.client})
	d.registry.Register(m)
	return m
}

func TestVersionEndpoint(t *testing.T) {
	d, _ := testDaemon(t, "")

	rec := serveDaemon(d, httptest.NewRequest(http.MethodGet, "/v1/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "test", body["version"])
}

func TestDeploymentsUnavailableBeforeStart(t *testing.T) {
	d, _ := testDaemon(t, "")

	rec := serveDaemon(d, httptest.NewRequest(http.MethodGet, "/v1/deployments", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTriggersEndpoint(t *testing.T) {
	d, _ := testDaemon(t, "")
	m := registerManual(t, d, "order-sync")
	require.NoError(t, m.Start(context.Background()))

	rec := serveDaemon(d, httptest.NewRequest(http.MethodGet, "/v1/triggers", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Triggers []trigger.Status `json:"triggers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Triggers, 1)
	assert.Equal(t, "order-sync", body.Triggers[0].Workflow)
	assert.True(t, body.Triggers[0].Running)
}

func TestRunEndpoint(t *testing.T) {
	d, client := testDaemon(t, "")
	m := registerManual(t, d, "order-sync")
	require.NoError(t, m.Start(context.Background()))

	req := httptest.NewRequest(http.MethodPost, "/v1/workflows/order-sync/run",
		strings.NewReader(`{"input": ["x"]}`))
	rec := serveDaemon(d, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["run_id"])

	starts := client.Starts()
	require.Len(t, starts, 1)
	assert.Equal(t, []any{"x"}, starts[0].Input)
}

func TestRunEndpointEmptyBody(t *testing.T) {
	d, _ := testDaemon(t, "")
	m := registerManual(t, d, "order-sync")
	require.NoError(t, m.Start(context.Background()))

	rec := serveDaemon(d, httptest.NewRequest(http.MethodPost, "/v1/workflows/order-sync/run", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRunEndpointUnknownWorkflow(t *testing.T) {
	d, _ := testDaemon(t, "")

	rec := serveDaemon(d, httptest.NewRequest(http.MethodPost, "/v1/workflows/ghost/run", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunEndpointNotManual(t *testing.T) {
	d, _ := testDaemon(t, "")
	def := &deployment.WorkflowDefinition{
		Name:      "scheduled",
		Namespace: "ns",
		Queue:     "q",
		Trigger: deployment.TriggerSpec{
			Kind:   deployment.TriggerSchedule,
			Config: map[string]any{"cron": "0 * * * *"},
		},
	}
	tr, err := trigger.New(def, trigger.Deps{Client: d.client})
	require.NoError(t, err)
	d.registry.Register(tr)

	rec := serveDaemon(d, httptest.NewRequest(http.MethodPost, "/v1/workflows/scheduled/run", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunEndpointStoppedTrigger(t *testing.T) {
	d, _ := testDaemon(t, "")
	registerManual(t, d, "order-sync")

	rec := serveDaemon(d, httptest.NewRequest(http.MethodPost, "/v1/workflows/order-sync/run", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestManagementAPIKey(t *testing.T) {
	d, _ := testDaemon(t, "s3cret")

	rec := serveDaemon(d, httptest.NewRequest(http.MethodGet, "/v1/version", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/version", nil)
	req.Header.Set("X-API-Key", "s3cret")
	assert.Equal(t, http.StatusOK, serveDaemon(d, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/version", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, serveDaemon(d, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/version", nil)
	req.Header.Set("X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, serveDaemon(d, req).Code)

	// Health stays open; only /v1 is guarded.
	assert.Equal(t, http.StatusOK,
		serveDaemon(d, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
}
