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
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/tombee/helmsman/internal/daemon/gateway"
	"github.com/tombee/helmsman/internal/deployment"
	"github.com/tombee/helmsman/internal/engine"
	"github.com/tombee/helmsman/internal/log"
	helmsmanerrors "github.com/tombee/helmsman/pkg/errors"
	"github.com/tombee/helmsman/pkg/observability"
)

type webhookConfig struct {
	// Method defaults to POST.
	Method string `json:"method"`

	// Path is the gateway route, e.g. "/hooks/orders".
	Path string `json:"path"`

	// Auth configures route authentication.
	Auth *webhookAuthConfig `json:"auth"`

	// InputMapping is an optional jq expression turning the normalized
	// payload into the workflow input. Without it the whole payload is
	// passed as the single input argument.
	InputMapping string `json:"input_mapping"`

	// RateLimit caps the route's request rate.
	RateLimit *webhookRateLimit `json:"rate_limit"`
}

type webhookAuthConfig struct {
	Type         string `json:"type"`
	Token        string `json:"token"`
	Secret       string `json:"secret"`
	Header       string `json:"header"`
	Key          string `json:"key"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	PasswordHash string `json:"password_hash"`
}

type webhookRateLimit struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// Webhook fires a workflow when a request arrives on its gateway route.
type Webhook struct {
	def     *deployment.WorkflowDefinition
	client  engine.Client
	gateway RouteRegistrar
	logger  *slog.Logger
	metrics *observability.Metrics

	method  string
	path    string
	auth    *gateway.AuthConfig
	limit   *gateway.RateLimit
	mapping *gojq.Code

	mu         sync.Mutex
	registered bool
}

// NewWebhook parses and validates a webhook trigger's config.
func NewWebhook(def *deployment.WorkflowDefinition, deps Deps) (*Webhook, error) {
	var cfg webhookConfig
	if err := decodeConfig(def.Trigger.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Path == "" || !strings.HasPrefix(cfg.Path, "/") {
		return nil, &helmsmanerrors.ValidationError{
			Field:   "trigger.config.path",
			Message: fmt.Sprintf("invalid webhook path %q", cfg.Path),
		}
	}

	w := &Webhook{
		def:     def,
		client:  deps.Client,
		gateway: deps.Gateway,
		logger:  log.WithWorkflow(deps.Logger, def.Name),
		metrics: deps.Metrics,
		method:  strings.ToUpper(cfg.Method),
		path:    cfg.Path,
	}
	if w.method == "" {
		w.method = http.MethodPost
	}

	if cfg.Auth != nil {
		w.auth = &gateway.AuthConfig{
			Type:         gateway.AuthType(cfg.Auth.Type),
			Token:        cfg.Auth.Token,
			Secret:       cfg.Auth.Secret,
			Header:       cfg.Auth.Header,
			Key:          cfg.Auth.Key,
			Username:     cfg.Auth.Username,
			Password:     cfg.Auth.Password,
			PasswordHash: cfg.Auth.PasswordHash,
		}
		if err := w.auth.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.RateLimit != nil {
		w.limit = &gateway.RateLimit{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}
	}
	if cfg.InputMapping != "" {
		query, err := gojq.Parse(cfg.InputMapping)
		if err != nil {
			return nil, &helmsmanerrors.ValidationError{
				Field:   "trigger.config.input_mapping",
				Message: err.Error(),
			}
		}
		code, err := gojq.Compile(query)
		if err != nil {
			return nil, &helmsmanerrors.ValidationError{
				Field:   "trigger.config.input_mapping",
				Message: err.Error(),
			}
		}
		w.mapping = code
	}
	return w, nil
}

func (w *Webhook) Kind() deployment.TriggerKind { return deployment.TriggerWebhook }
func (w *Webhook) WorkflowName() string         { return w.def.Name }

// Start registers the gateway route. A conflicting route is a hard error:
// two workflows cannot share a method+path. Starting an already running
// trigger is a no-op.
func (w *Webhook) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.registered {
		w.logger.Info("webhook trigger already running")
		return nil
	}

	err := w.gateway.RegisterRoute(gateway.Route{
		Method:    w.method,
		Path:      w.path,
		Auth:      w.auth,
		RateLimit: w.limit,
		Handler:   w.handle,
	})
	if err != nil {
		return err
	}
	w.registered = true
	return nil
}

// Stop removes the gateway route. Stopping an idle trigger is a no-op.
func (w *Webhook) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.registered {
		w.gateway.DeregisterRoute(w.method, w.path)
		w.registered = false
	}
	return nil
}

// IsRunning reports whether the gateway route is registered.
func (w *Webhook) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.registered
}

// handle turns an authenticated payload into a workflow run.
func (w *Webhook) handle(ctx context.Context, payload gateway.Payload) (gateway.Dispatch, error) {
	input, err := w.buildInput(payload)
	if err != nil {
		return gateway.Dispatch{}, err
	}

	runID := NewRunID(w.def.Name)
	_, err = w.client.StartWorkflow(ctx, engine.StartRequest{
		WorkflowName: w.def.Name,
		RunID:        runID,
		Namespace:    w.def.Namespace,
		TaskQueue:    w.def.Queue,
		Input:        input,
	})
	if err != nil {
		return gateway.Dispatch{}, fmt.Errorf("failed to start workflow: %w", err)
	}

	w.metrics.TriggerFire(ctx, string(deployment.TriggerWebhook))
	w.metrics.RunStarted(ctx, w.def.Name)
	w.logger.Info("webhook trigger fired", log.String(log.RunIDKey, runID))
	return gateway.Dispatch{
		RunID:     runID,
		Namespace: w.def.Namespace,
		TaskQueue: w.def.Queue,
	}, nil
}

// buildInput applies the input mapping to the payload, or passes the whole
// payload through when no mapping is configured.
func (w *Webhook) buildInput(payload gateway.Payload) ([]any, error) {
	// Round-trip through JSON so gojq sees plain maps and the workflow
	// input is serializable either way.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	if w.mapping == nil {
		return []any{value}, nil
	}

	iter := w.mapping.Run(value)
	out, ok := iter.Next()
	if !ok {
		return nil, fmt.Errorf("input mapping produced no value")
	}
	if err, isErr := out.(error); isErr {
		return nil, fmt.Errorf("input mapping failed: %w", err)
	}
	return []any{out}, nil
}
