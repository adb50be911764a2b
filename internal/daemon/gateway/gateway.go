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

// Package gateway runs the daemon's shared HTTP server.
//
// The server is reference counted: it starts when the first holder acquires
// it (the daemon itself, or the first webhook route) and stops when the last
// one releases. Webhook routes are registered dynamically; static endpoints
// such as /health, /metrics and the management API are mounted on the base
// mux before the first acquire.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/helmsman/internal/daemon/httputil"
	"github.com/tombee/helmsman/internal/log"
	helmsmanerrors "github.com/tombee/helmsman/pkg/errors"
	"github.com/tombee/helmsman/pkg/observability"
)

// sensitiveHeaders never appear in webhook payloads.
var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"x-api-key":     true,
}

// Payload is the normalized webhook request passed to route handlers.
type Payload struct {
	// Body is the parsed JSON body, or the raw string when not JSON.
	Body any `json:"body"`

	// Query holds the query parameters, first value per key.
	Query map[string]string `json:"query"`

	// Headers holds the request headers, first value per key, with
	// credential-bearing headers removed.
	Headers map[string]string `json:"headers"`

	// Timestamp is the receive time in UTC.
	Timestamp time.Time `json:"timestamp"`
}

// Dispatch identifies the workflow run a webhook handler started.
type Dispatch struct {
	RunID     string
	Namespace string
	TaskQueue string
}

// Handler processes an authenticated webhook payload and returns the dispatch
// it produced.
type Handler func(ctx context.Context, payload Payload) (Dispatch, error)

type dispatchResponse struct {
	Success    bool   `json:"success"`
	WorkflowID string `json:"workflowId,omitempty"`
	Namespace  string `json:"namespace,omitempty"`
	TaskQueue  string `json:"taskQueue,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RateLimit caps a route's request rate with a token bucket.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// Route is a dynamically registered webhook endpoint.
type Route struct {
	Method    string
	Path      string
	Auth      *AuthConfig
	RateLimit *RateLimit
	Handler   Handler
}

type routeKey struct {
	method string
	path   string
}

type boundRoute struct {
	route   Route
	limiter *rate.Limiter
}

// Options configures a Gateway.
type Options struct {
	Host    string
	Port    int
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Gateway is the refcounted shared HTTP server.
type Gateway struct {
	addr    string
	logger  *slog.Logger
	metrics *observability.Metrics
	base    *http.ServeMux

	mu     sync.Mutex
	refs   int
	server *http.Server
	routes map[routeKey]*boundRoute
}

// New creates a stopped gateway listening on host:port once acquired.
func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		addr:    net.JoinHostPort(opts.Host, fmt.Sprintf("%d", opts.Port)),
		logger:  log.WithComponent(logger, "gateway"),
		metrics: opts.Metrics,
		base:    http.NewServeMux(),
		routes:  make(map[routeKey]*boundRoute),
	}
	g.base.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})
	return g
}

// Handle mounts a static handler on the base mux. Must be called before the
// first Acquire.
func (g *Gateway) Handle(pattern string, handler http.Handler) {
	g.base.Handle(pattern, handler)
}

// Acquire takes a reference, starting the server on the first one.
func (g *Gateway) Acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.refs++
	if g.refs > 1 {
		return nil
	}

	listener, err := net.Listen("tcp", g.addr)
	if err != nil {
		g.refs--
		return fmt.Errorf("failed to listen on %s: %w", g.addr, err)
	}

	g.server = &http.Server{
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func(srv *http.Server) {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server stopped", log.Error(err))
		}
	}(g.server)

	g.logger.Info("gateway started", log.String("addr", g.addr))
	return nil
}

// Release drops a reference, stopping the server when none remain.
func (g *Gateway) Release() {
	g.mu.Lock()
	if g.refs == 0 {
		g.mu.Unlock()
		return
	}
	g.refs--
	if g.refs > 0 || g.server == nil {
		g.mu.Unlock()
		return
	}
	server := g.server
	g.server = nil
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		g.logger.Warn("gateway shutdown incomplete", log.Error(err))
	}
	g.logger.Info("gateway stopped")
}

// RegisterRoute adds a webhook route and takes a server reference. A route
// with the same method and path already registered is a conflict.
func (g *Gateway) RegisterRoute(r Route) error {
	key := routeKey{method: strings.ToUpper(r.Method), path: r.Path}

	g.mu.Lock()
	if existing, ok := g.routes[key]; ok {
		g.mu.Unlock()
		return &helmsmanerrors.ConflictError{
			Resource: "webhook route",
			ID:       key.method + " " + key.path,
			Holder:   existing.route.Path,
		}
	}

	bound := &boundRoute{route: r}
	if r.RateLimit != nil && r.RateLimit.RequestsPerSecond > 0 {
		burst := r.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		bound.limiter = rate.NewLimiter(rate.Limit(r.RateLimit.RequestsPerSecond), burst)
	}
	g.routes[key] = bound
	g.mu.Unlock()

	if err := g.Acquire(); err != nil {
		g.mu.Lock()
		delete(g.routes, key)
		g.mu.Unlock()
		return err
	}

	g.logger.Info("webhook route registered",
		log.String("method", key.method), log.String("path", key.path))
	return nil
}

// DeregisterRoute removes a webhook route and releases its server reference.
// Removing an unknown route is a no-op.
func (g *Gateway) DeregisterRoute(method, path string) {
	key := routeKey{method: strings.ToUpper(method), path: path}

	g.mu.Lock()
	_, ok := g.routes[key]
	if ok {
		delete(g.routes, key)
	}
	g.mu.Unlock()

	if ok {
		g.Release()
		g.logger.Info("webhook route deregistered",
			log.String("method", key.method), log.String("path", key.path))
	}
}

// ServeHTTP dispatches to a dynamic webhook route if one matches, otherwise
// to the base mux.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	bound, ok := g.routes[routeKey{method: r.Method, path: r.URL.Path}]
	g.mu.Unlock()

	if !ok {
		g.base.ServeHTTP(w, r)
		return
	}
	g.serveWebhook(w, r, bound)
}

func (g *Gateway) serveWebhook(w http.ResponseWriter, r *http.Request, bound *boundRoute) {
	ctx := r.Context()
	g.metrics.WebhookRequest(ctx, r.URL.Path)

	if bound.limiter != nil && !bound.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if bound.route.Auth != nil {
		if err := bound.route.Auth.Authenticate(r); err != nil {
			g.metrics.WebhookAuthFailure(ctx, r.URL.Path)
			g.logger.Warn("webhook auth failed",
				log.String("path", r.URL.Path), log.Error(err))
			httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	payload, err := buildPayload(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	dispatch, err := bound.route.Handler(ctx, payload)
	if err != nil {
		g.logger.Error("webhook handler failed",
			log.String("path", r.URL.Path), log.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, dispatchResponse{
			Error: "failed to start workflow",
		})
		return
	}

	httputil.WriteJSON(w, http.StatusOK, dispatchResponse{
		Success:    true,
		WorkflowID: dispatch.RunID,
		Namespace:  dispatch.Namespace,
		TaskQueue:  dispatch.TaskQueue,
	})
}
