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

/*
Package tracing provides distributed tracing and observability for flow execution.

This package implements OpenTelemetry-based tracing for flow runs, step
execution, and HTTP/webhook requests. It also provides Prometheus metrics
collection and correlation ID propagation for distributed debugging.

# Overview

The tracing package supports:

  - Distributed tracing via OpenTelemetry
  - Prometheus metrics export
  - Correlation ID propagation across services
  - Run and step span creation
  - Trigger and await metrics

# Quick Start

Create an OTel provider:

	cfg := tracing.Config{
	    Enabled:        true,
	    ServiceName:    "flowkit",
	    ServiceVersion: "1.0.0",
	    Sampling: tracing.SamplingConfig{
	        Enabled: true,
	        Rate:    0.1, // 10% sampling
	    },
	}

	provider, err := tracing.NewOTelProviderWithConfig(cfg)

Get a tracer and create spans:

	tracer := provider.Tracer("run")

	ctx, span := tracer.Start(ctx, "execute-step",
	    observability.WithAttributes(map[string]any{
	        "step.id": stepID,
	    }),
	)
	defer span.End()

# Correlation IDs

Correlation IDs link requests across service boundaries:

	// In HTTP middleware
	correlationID := tracing.FromContext(ctx)

	// Add to outbound requests
	req.Header.Set("X-Correlation-ID", string(correlationID))

	// Middleware extracts and injects
	handler = tracing.CorrelationMiddleware(handler)

# Metrics Collection

Prometheus metrics are collected:

	// Get metrics collector
	collector := provider.MetricsCollector()

	// Record events
	collector.RecordRunStart(ctx, runID, flowID)
	collector.RecordRunComplete(ctx, runID, flowID, "completed", "api", duration)

Metrics exposed at /metrics:

  - flowkit_runs_total{flow,status,trigger}
  - flowkit_run_duration_seconds{flow,status,trigger}
  - flowkit_steps_total{flow,step,status}
  - flowkit_triggers_fired_total{flow,kind,status}
  - flowkit_awaits_resolved_total{flow,kind,outcome}

# Configuration

Configuration is a tracing.Config value built in Go; the daemon's YAML
config file has no observability section:

	cfg := tracing.Config{
	    Enabled:     true,
	    ServiceName: "flowkit",
	    Sampling: tracing.SamplingConfig{
	        Enabled:            true,
	        Rate:               0.1,
	        AlwaysSampleErrors: true,
	    },
	    Exporters: []tracing.ExporterConfig{
	        {Type: "otlp", Endpoint: "localhost:4317"},
	    },
	}

# Key Components

  - OTelProvider: OpenTelemetry SDK wrapper
  - MetricsCollector: Prometheus metrics recording
  - CorrelationID: Request correlation across services
  - Sampler: Configurable trace sampling
  - Exporter: Trace export to backends (OTLP, console)

# Subpackages

  - export: OTLP/console span exporters
*/
package tracing
