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

// Package observability provides the daemon's metrics provider.
//
// Metrics are exported in Prometheus format on the gateway's /metrics
// endpoint via an OpenTelemetry meter provider backed by a Prometheus
// exporter.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Provider owns the meter provider and the Prometheus registry backing it.
type Provider struct {
	registry *prometheus.Registry
	meter    *sdkmetric.MeterProvider
	metrics  *Metrics
}

// NewProvider builds a metrics provider with its own Prometheus registry.
func NewProvider() (*Provider, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	metrics, err := NewMetrics(meterProvider.Meter("helmsman"))
	if err != nil {
		return nil, err
	}

	return &Provider{
		registry: registry,
		meter:    meterProvider,
		metrics:  metrics,
	}, nil
}

// Metrics returns the daemon's instrument set.
func (p *Provider) Metrics() *Metrics {
	return p.metrics
}

// Meter returns a named meter for ad-hoc instruments.
func (p *Provider) Meter(name string) metric.Meter {
	return p.meter.Meter(name)
}

// Handler returns the /metrics HTTP handler.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.meter.Shutdown(ctx)
}
