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
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/helmsman/internal/deployment"
	"github.com/tombee/helmsman/internal/engine"
	"github.com/tombee/helmsman/internal/log"
	helmsmanerrors "github.com/tombee/helmsman/pkg/errors"
	"github.com/tombee/helmsman/pkg/observability"
)

type pollingConfig struct {
	// URL is the endpoint probed each cycle. When empty, every cycle fires.
	URL string `json:"url"`

	// Method defaults to GET.
	Method string `json:"method"`

	// Interval between probes, e.g. "30s".
	Interval string `json:"interval"`

	// Condition is an optional boolean expression over the probe response
	// (status, body). When it evaluates false, the cycle does not fire.
	Condition string `json:"condition"`

	// Headers are added to every probe request.
	Headers map[string]string `json:"headers"`
}

// Polling fires a workflow when a periodic probe reports something. The
// probe's response body is passed to the workflow as its input.
type Polling struct {
	def     *deployment.WorkflowDefinition
	client  engine.Client
	http    *http.Client
	logger  *slog.Logger
	metrics *observability.Metrics

	url       string
	method    string
	interval  time.Duration
	headers   map[string]string
	condition *vm.Program

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPolling parses and validates a polling trigger's config.
func NewPolling(def *deployment.WorkflowDefinition, deps Deps) (*Polling, error) {
	var cfg pollingConfig
	if err := decodeConfig(def.Trigger.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Interval == "" {
		return nil, &helmsmanerrors.ValidationError{
			Field:   "trigger.config.interval",
			Message: "polling trigger requires an interval",
		}
	}
	interval, err := time.ParseDuration(cfg.Interval)
	if err != nil || interval <= 0 {
		return nil, &helmsmanerrors.ValidationError{
			Field:   "trigger.config.interval",
			Message: fmt.Sprintf("invalid interval %q", cfg.Interval),
		}
	}

	p := &Polling{
		def:      def,
		client:   deps.Client,
		http:     deps.HTTP,
		logger:   log.WithWorkflow(deps.Logger, def.Name),
		metrics:  deps.Metrics,
		url:      cfg.URL,
		method:   cfg.Method,
		interval: interval,
		headers:  cfg.Headers,
	}
	if p.method == "" {
		p.method = http.MethodGet
	}
	if p.http == nil {
		p.http = http.DefaultClient
	}
	if cfg.Condition != "" {
		program, err := expr.Compile(cfg.Condition, expr.AsBool())
		if err != nil {
			return nil, &helmsmanerrors.ValidationError{
				Field:   "trigger.config.condition",
				Message: err.Error(),
			}
		}
		p.condition = program
	}
	return p, nil
}

func (p *Polling) Kind() deployment.TriggerKind { return deployment.TriggerPolling }
func (p *Polling) WorkflowName() string         { return p.def.Name }

// Start launches the polling loop: one immediate probe, then one per
// interval. Starting an already running trigger is a no-op.
func (p *Polling) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.logger.Info("polling trigger already running")
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	done := make(chan struct{})
	p.done = done

	go func() {
		defer close(done)
		p.loop(loopCtx)
	}()
	p.logger.Info("polling trigger started",
		log.String("url", p.url), log.String("interval", p.interval.String()))
	return nil
}

// Stop ends the polling loop and waits for the in-flight probe to finish.
// Stopping an idle trigger is a no-op.
func (p *Polling) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// IsRunning reports whether the polling loop is active.
func (p *Polling) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Polling) loop(ctx context.Context) {
	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll runs one probe cycle. Probe failures are logged and the cycle is
// skipped; the next tick tries again.
func (p *Polling) poll(ctx context.Context) {
	var input []any

	if p.url != "" {
		body, status, err := p.probe(ctx)
		if err != nil {
			p.logger.Warn("probe failed", log.Error(err))
			return
		}

		value := parseProbeBody(body)
		if !hasContent(value) {
			return
		}
		if p.condition != nil {
			fire, err := p.evaluate(value, status)
			if err != nil {
				p.logger.Warn("condition evaluation failed", log.Error(err))
				return
			}
			if !fire {
				return
			}
		}
		input = []any{value}
	}

	runID := NewRunID(p.def.Name)
	_, err := p.client.StartWorkflow(ctx, engine.StartRequest{
		WorkflowName: p.def.Name,
		RunID:        runID,
		Namespace:    p.def.Namespace,
		TaskQueue:    p.def.Queue,
		Input:        input,
	})
	if err != nil {
		p.logger.Error("failed to start workflow from poll", log.Error(err))
		return
	}

	p.metrics.TriggerFire(ctx, string(deployment.TriggerPolling))
	p.metrics.RunStarted(ctx, p.def.Name)
	p.logger.Info("polling trigger fired", log.String(log.RunIDKey, runID))
}

// probe issues the HTTP request and returns the response body and status.
func (p *Polling) probe(ctx context.Context) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, p.method, p.url, nil)
	if err != nil {
		return nil, 0, err
	}
	for key, value := range p.headers {
		req.Header.Set(key, value)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

// evaluate runs the condition against the probe result.
func (p *Polling) evaluate(body any, status int) (bool, error) {
	out, err := expr.Run(p.condition, map[string]any{
		"body":   body,
		"status": status,
	})
	if err != nil {
		return false, err
	}
	fire, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition returned %T, want bool", out)
	}
	return fire, nil
}

// parseProbeBody decodes the body as JSON when possible, otherwise returns
// the raw string.
func parseProbeBody(body []byte) any {
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return string(body)
	}
	return value
}

// hasContent reports whether a probe result warrants a firing. Empty bodies,
// empty collections, and JSON null do not.
func hasContent(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}
