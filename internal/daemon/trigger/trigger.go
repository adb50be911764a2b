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

// Package trigger maintains one live trigger per deployed workflow.
//
// A trigger decides when a workflow runs: on a server-side schedule, when a
// polled endpoint reports something, when a webhook arrives, or only on
// explicit request. The variant set is closed; metadata declaring anything
// else is rejected at parse time.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tombee/helmsman/internal/daemon/gateway"
	"github.com/tombee/helmsman/internal/deployment"
	"github.com/tombee/helmsman/internal/engine"
	"github.com/tombee/helmsman/pkg/observability"
)

// Trigger is a live run-initiation mechanism for one workflow.
type Trigger interface {
	// Kind reports the trigger variant.
	Kind() deployment.TriggerKind

	// WorkflowName reports the workflow this trigger serves.
	WorkflowName() string

	// Start activates the trigger. Starting an already active trigger is
	// a logged no-op.
	Start(ctx context.Context) error

	// Stop deactivates the trigger and releases its resources. Stopping an
	// idle trigger is a no-op.
	Stop(ctx context.Context) error

	// IsRunning reports whether the trigger is active.
	IsRunning() bool
}

// RouteRegistrar is the gateway surface webhook triggers need.
type RouteRegistrar interface {
	RegisterRoute(route gateway.Route) error
	DeregisterRoute(method, path string)
}

// Deps carries the collaborators trigger variants are built with.
type Deps struct {
	Client  engine.Client
	Gateway RouteRegistrar
	HTTP    *http.Client
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// New builds the trigger declared by a workflow definition.
func New(def *deployment.WorkflowDefinition, deps Deps) (Trigger, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	switch def.Trigger.Kind {
	case deployment.TriggerSchedule:
		return NewSchedule(def, deps)
	case deployment.TriggerPolling:
		return NewPolling(def, deps)
	case deployment.TriggerWebhook:
		return NewWebhook(def, deps)
	case deployment.TriggerManual:
		return NewManual(def, deps), nil
	default:
		return nil, fmt.Errorf("unknown trigger kind: %s", def.Trigger.Kind)
	}
}

// decodeConfig maps a trigger's raw config into a variant-specific struct.
func decodeConfig(raw map[string]any, out any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode trigger config: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid trigger config: %w", err)
	}
	return nil
}
