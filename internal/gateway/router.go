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

package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowkit/flowkit/internal/await"
	"github.com/flowkit/flowkit/internal/names"
	"github.com/flowkit/flowkit/internal/projection"
	"github.com/flowkit/flowkit/internal/storage"
	"github.com/flowkit/flowkit/internal/trigger"
	"github.com/flowkit/flowkit/pkg/flow"
)

// Engine is the subset of *engine.Engine the gateway needs: the Flow
// Engine Facade (for the WS protocol's indirect start/cancel reach, if an
// admin client ever drives one) plus the read models behind history
// replay and flow-stats broadcast. Declared here rather than imported
// directly so the gateway never needs to import internal/engine itself.
type Engine interface {
	flow.FlowController
	RunHistory(ctx context.Context, runID string) ([]*storage.EventRecord, error)
	ListFlowNames() []string
	GetRun(ctx context.Context, flowName, runID string) (*projection.RunRecord, error)
	GetFlowStats(ctx context.Context, flowName string) (*projection.FlowStats, error)
	ListFlowStats(ctx context.Context) ([]*projection.FlowStats, error)
}

// Config configures the Gateway.
type Config struct {
	Names     names.Names
	RateLimit RateLimitConfig
}

// Gateway is the webhook HTTP + WebSocket client protocol boundary
// (spec.md §6, §9): a thin decode layer over the Trigger Subsystem, Await
// Subsystem, and the engine's TopicBus/read models. It holds no durable
// state of its own.
type Gateway struct {
	cfg     Config
	trig    *trigger.Subsystem
	await   *await.Subsystem
	bus     storage.TopicBus
	engine  Engine
	hub     *hub
	limiter *rateLimiterSet
	logger  *slog.Logger
}

// New assembles a Gateway over an already-constructed engine's
// subsystems.
func New(cfg Config, trig *trigger.Subsystem, awaitS *await.Subsystem, bus storage.TopicBus, eng Engine, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RateLimit == (RateLimitConfig{}) {
		cfg.RateLimit = DefaultRateLimitConfig()
	}
	return &Gateway{
		cfg:     cfg,
		trig:    trig,
		await:   awaitS,
		bus:     bus,
		engine:  eng,
		hub:     newHub(),
		limiter: newRateLimiterSet(cfg.RateLimit),
		logger:  logger,
	}
}

// SubscriberCounter exposes the WebSocket hub's live counts so
// internal/tracing's MetricsCollector can wire flowkit_ws_subscribers and
// flowkit_subscribed_runs without the gateway depending on tracing.
func (g *Gateway) SubscriberCounter() interface {
	TotalSubscriberCount() int
	SubscriberMapKeyCount() int
} {
	return g.hub
}

// Mux builds the HTTP handler tree: webhook endpoints, the WebSocket
// upgrade endpoint, and a Prometheus /metrics handler. The caller (the
// serve command) wraps this in its own TLS/listener setup.
func (g *Gateway) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/trigger/", rateLimitMiddleware(g.limiter, g.handleTriggerWebhook))
	mux.HandleFunc("/webhook/await/", rateLimitMiddleware(g.limiter, g.handleAwaitWebhook))
	mux.HandleFunc("/ws", g.handleWebSocket)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
