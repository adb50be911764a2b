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

// Package deployment defines the workflow deployment data model.
package deployment

import (
	"encoding/json"
	"fmt"
	"time"

	helmsmanerrors "github.com/tombee/helmsman/pkg/errors"
)

// TriggerKind identifies how a workflow's runs are initiated.
type TriggerKind string

const (
	TriggerSchedule TriggerKind = "schedule"
	TriggerPolling  TriggerKind = "polling"
	TriggerWebhook  TriggerKind = "webhook"
	TriggerManual   TriggerKind = "manual"
)

// Valid reports whether the kind is one of the supported variants.
func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerSchedule, TriggerPolling, TriggerWebhook, TriggerManual:
		return true
	}
	return false
}

// TriggerSpec declares a workflow's trigger: the variant kind plus its
// variant-specific configuration.
type TriggerSpec struct {
	Kind   TriggerKind    `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// WorkflowDefinition is the versioned, named unit of deployable workflow
// logic plus its routing and trigger metadata. Identity is Name.
type WorkflowDefinition struct {
	Name       string      `json:"name"`
	Version    string      `json:"version"`
	Namespace  string      `json:"namespace"`
	Queue      string      `json:"taskQueue"`
	Trigger    TriggerSpec `json:"trigger"`
	Checksum   string      `json:"checksum,omitempty"`
	DeployedAt time.Time   `json:"deployedAt,omitempty"`
	DeployedBy string      `json:"deployedBy,omitempty"`
}

// GroupKey returns the worker group identity for this definition.
func (d *WorkflowDefinition) GroupKey() string {
	return GroupKey(d.Namespace, d.Queue)
}

// GroupKey builds the composite worker group key for a namespace+queue pair.
func GroupKey(namespace, queue string) string {
	return namespace + ":" + queue
}

// ParseMetadata parses and validates a metadata.json document.
func ParseMetadata(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks required fields.
func (d *WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return &helmsmanerrors.ValidationError{Field: "name", Message: "must not be empty"}
	}
	if d.Version == "" {
		return &helmsmanerrors.ValidationError{Field: "version", Message: "must not be empty"}
	}
	if d.Namespace == "" {
		return &helmsmanerrors.ValidationError{Field: "namespace", Message: "must not be empty"}
	}
	if d.Queue == "" {
		return &helmsmanerrors.ValidationError{Field: "taskQueue", Message: "must not be empty"}
	}
	if !d.Trigger.Kind.Valid() {
		return &helmsmanerrors.ValidationError{
			Field:   "trigger.type",
			Message: fmt.Sprintf("unknown trigger kind %q", d.Trigger.Kind),
		}
	}
	return nil
}

// TrackedDeployment pairs a definition with its local bundle location and the
// sync bookkeeping used to detect change. Mutated only by the watcher.
type TrackedDeployment struct {
	Definition *WorkflowDefinition
	BundleDir  string
	SyncedAt   time.Time
}
