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

package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the daemon's instruments. A nil *Metrics is valid and records
// nothing, so components never need to branch on whether metrics are wired.
type Metrics struct {
	syncCycles          metric.Int64Counter
	syncFailures        metric.Int64Counter
	definitionChanges   metric.Int64Counter
	downloadFailures    metric.Int64Counter
	triggerFires        metric.Int64Counter
	runsStarted         metric.Int64Counter
	webhookRequests     metric.Int64Counter
	webhookAuthFailures metric.Int64Counter
}

// NewMetrics registers the daemon's instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.syncCycles, err = meter.Int64Counter("helmsman_sync_cycles_total",
		metric.WithDescription("Completed store sync cycles")); err != nil {
		return nil, fmt.Errorf("failed to create metric: %w", err)
	}
	if m.syncFailures, err = meter.Int64Counter("helmsman_sync_failures_total",
		metric.WithDescription("Sync cycles that failed before diffing")); err != nil {
		return nil, fmt.Errorf("failed to create metric: %w", err)
	}
	if m.definitionChanges, err = meter.Int64Counter("helmsman_definition_changes_total",
		metric.WithDescription("Workflow definition changes by kind")); err != nil {
		return nil, fmt.Errorf("failed to create metric: %w", err)
	}
	if m.downloadFailures, err = meter.Int64Counter("helmsman_bundle_download_failures_total",
		metric.WithDescription("Bundle downloads that failed or were rejected")); err != nil {
		return nil, fmt.Errorf("failed to create metric: %w", err)
	}
	if m.triggerFires, err = meter.Int64Counter("helmsman_trigger_fires_total",
		metric.WithDescription("Trigger firings by kind")); err != nil {
		return nil, fmt.Errorf("failed to create metric: %w", err)
	}
	if m.runsStarted, err = meter.Int64Counter("helmsman_runs_started_total",
		metric.WithDescription("Workflow runs started")); err != nil {
		return nil, fmt.Errorf("failed to create metric: %w", err)
	}
	if m.webhookRequests, err = meter.Int64Counter("helmsman_webhook_requests_total",
		metric.WithDescription("Webhook requests received")); err != nil {
		return nil, fmt.Errorf("failed to create metric: %w", err)
	}
	if m.webhookAuthFailures, err = meter.Int64Counter("helmsman_webhook_auth_failures_total",
		metric.WithDescription("Webhook requests rejected by route auth")); err != nil {
		return nil, fmt.Errorf("failed to create metric: %w", err)
	}
	return m, nil
}

// SyncCycle records a completed sync cycle.
func (m *Metrics) SyncCycle(ctx context.Context) {
	if m == nil {
		return
	}
	m.syncCycles.Add(ctx, 1)
}

// SyncFailure records a sync cycle that failed before producing a diff.
func (m *Metrics) SyncFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.syncFailures.Add(ctx, 1)
}

// DefinitionChanges records diff results for one cycle.
func (m *Metrics) DefinitionChanges(ctx context.Context, added, updated, removed int) {
	if m == nil {
		return
	}
	m.definitionChanges.Add(ctx, int64(added), metric.WithAttributes(attribute.String("kind", "added")))
	m.definitionChanges.Add(ctx, int64(updated), metric.WithAttributes(attribute.String("kind", "updated")))
	m.definitionChanges.Add(ctx, int64(removed), metric.WithAttributes(attribute.String("kind", "removed")))
}

// DownloadFailure records a failed bundle download.
func (m *Metrics) DownloadFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.downloadFailures.Add(ctx, 1)
}

// TriggerFire records a trigger firing.
func (m *Metrics) TriggerFire(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.triggerFires.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RunStarted records a workflow run start.
func (m *Metrics) RunStarted(ctx context.Context, workflow string) {
	if m == nil {
		return
	}
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", workflow)))
}

// WebhookRequest records a received webhook request.
func (m *Metrics) WebhookRequest(ctx context.Context, path string) {
	if m == nil {
		return
	}
	m.webhookRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

// WebhookAuthFailure records a webhook request rejected by route auth.
func (m *Metrics) WebhookAuthFailure(ctx context.Context, path string) {
	if m == nil {
		return
	}
	m.webhookAuthFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}
