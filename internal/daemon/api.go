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
	"crypto/subtle"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tombee/helmsman/internal/daemon/httputil"
	"github.com/tombee/helmsman/internal/daemon/trigger"
	internallog "github.com/tombee/helmsman/internal/log"
)

// deploymentSummary is one row of GET /v1/deployments.
type deploymentSummary struct {
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	Namespace  string    `json:"namespace"`
	Queue      string    `json:"taskQueue"`
	Trigger    string    `json:"trigger"`
	DeployedAt time.Time `json:"deployedAt,omitempty"`
	SyncedAt   time.Time `json:"syncedAt"`
}

// runRequest is the optional body of POST /v1/workflows/{name}/run.
type runRequest struct {
	Input []any `json:"input,omitempty"`
	Wait  bool  `json:"wait,omitempty"`
}

// mountManagementAPI wires the /v1 management surface onto the gateway's base
// mux. Must run before the gateway's first acquire.
func (d *Daemon) mountManagementAPI() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/version", d.handleVersion)
	mux.HandleFunc("GET /v1/deployments", d.handleDeployments)
	mux.HandleFunc("GET /v1/triggers", d.handleTriggers)
	mux.HandleFunc("POST /v1/workflows/{name}/run", d.handleRun)
	d.gateway.Handle("/v1/", d.requireAPIKey(mux))
}

// requireAPIKey guards management routes with the configured gateway API key.
// Webhook routes carry their own per-route auth and bypass this entirely.
func (d *Daemon) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := d.cfg.Gateway.APIKey
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		provided := r.Header.Get("X-API-Key")
		if provided == "" {
			if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
				provided = auth[7:]
			}
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (d *Daemon) handleVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":    d.opts.Version,
		"commit":     d.opts.Commit,
		"build_date": d.opts.BuildDate,
	})
}

func (d *Daemon) handleDeployments(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	watch := d.watcher
	d.mu.Unlock()
	if watch == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "daemon is starting")
		return
	}

	tracked := watch.Tracked()
	summaries := make([]deploymentSummary, 0, len(tracked))
	for _, td := range tracked {
		def := td.Definition
		summaries = append(summaries, deploymentSummary{
			Name:       def.Name,
			Version:    def.Version,
			Namespace:  def.Namespace,
			Queue:      def.Queue,
			Trigger:    string(def.Trigger.Kind),
			DeployedAt: def.DeployedAt,
			SyncedAt:   td.SyncedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"deployments": summaries})
}

func (d *Daemon) handleTriggers(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"triggers": d.registry.Statuses()})
}

func (d *Daemon) handleRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	tr, ok := d.registry.Get(name)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "unknown workflow: "+name)
		return
	}
	manual, ok := tr.(*trigger.Manual)
	if !ok {
		httputil.WriteError(w, http.StatusConflict,
			"workflow "+name+" has a "+string(tr.Kind())+" trigger, not manual")
		return
	}

	var req runRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Wait {
		result, err := manual.ExecuteAndWait(r.Context(), req.Input)
		if err != nil {
			d.writeRunError(w, name, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, result)
		return
	}

	runID, err := manual.Execute(r.Context(), req.Input)
	if err != nil {
		d.writeRunError(w, name, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (d *Daemon) writeRunError(w http.ResponseWriter, name string, err error) {
	if errors.Is(err, trigger.ErrNotRunning) {
		httputil.WriteError(w, http.StatusConflict, err.Error())
		return
	}
	d.logger.Error("manual run failed",
		internallog.String(internallog.WorkflowKey, name), internallog.Error(err))
	httputil.WriteError(w, http.StatusInternalServerError, "failed to start workflow")
}
