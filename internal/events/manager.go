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

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/flowkit/flowkit/internal/names"
	"github.com/flowkit/flowkit/internal/storage"
)

// Projector receives every durably-appended event, in publish order, for
// derived index maintenance (internal/projection is the only production
// implementation). Projector errors are caught and logged by the Manager;
// they never block the event path (spec.md §7).
type Projector interface {
	Handle(ctx context.Context, rec *storage.EventRecord) error
}

// Manager is the Event Manager: the only ingress path for events (spec.md
// §4.2). Every Publish call appends durably to the Store, fans out to
// registered projectors synchronously and in order, then publishes to the
// TopicBus for live subscribers.
type Manager struct {
	store  storage.Store
	bus    storage.TopicBus
	names  names.Names
	logger *slog.Logger

	mu         sync.RWMutex
	projectors []Projector
}

// New creates an Event Manager over the given Store and TopicBus.
func New(store storage.Store, bus storage.TopicBus, n names.Names, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, bus: bus, names: n, logger: logger}
}

// AddProjector registers a projector to receive every published event.
// Projectors are invoked in registration order.
func (m *Manager) AddProjector(p Projector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projectors = append(m.projectors, p)
}

// Publish appends in to the run's event stream, durably, then invokes
// projectors and publishes to the TopicBus. It assigns ID/Ts via the Store.
// Publishing is ordered per RunID: callers must not call Publish for the
// same RunID concurrently from multiple goroutines if strict ordering
// matters, since ordering is provided by serializing through the Store's
// per-subject append lock plus this method's own per-call sequencing.
func (m *Manager) Publish(ctx context.Context, in storage.EventInput) (*storage.EventRecord, error) {
	subject := m.names.FlowRunStream(in.RunID)
	rec, err := m.store.Stream().Append(ctx, subject, in)
	if err != nil {
		// Durable append failing is the one failure mode Publish itself
		// must surface; everything after this point is best-effort.
		return nil, err
	}

	m.runProjectors(ctx, rec)

	if m.bus != nil {
		if err := m.bus.Publish(ctx, m.names.FlowEventsTopic(in.RunID), rec); err != nil {
			m.logger.Warn("topic publish failed", "subject", subject, "error", err)
		}
		if Terminal(rec.Type) {
			if err := m.bus.Publish(ctx, m.names.FlowStatsTopic(), rec); err != nil {
				m.logger.Warn("flow stats publish failed", "error", err)
			}
		}
	}
	return rec, nil
}

// PublishTrigger appends a trigger-stream event (trigger.registered,
// trigger.fired, subscription.added, ...) and broadcasts it on the trigger
// events topic. Unlike Publish it does not touch the per-run stream.
func (m *Manager) PublishTrigger(ctx context.Context, triggerName string, in storage.EventInput) (*storage.EventRecord, error) {
	subject := m.names.TriggerEventStream(triggerName)
	rec, err := m.store.Stream().Append(ctx, subject, in)
	if err != nil {
		return nil, err
	}

	m.runProjectors(ctx, rec)

	if m.bus != nil {
		if err := m.bus.Publish(ctx, m.names.TriggerEventsTopic(triggerName), rec); err != nil {
			m.logger.Warn("trigger topic publish failed", "error", err)
		}
		if rec.Type == TypeTriggerFired || rec.Type == TypeSubscriptionAdded || rec.Type == TypeTriggerRetired {
			if err := m.bus.Publish(ctx, m.names.TriggerStatsTopic(), rec); err != nil {
				m.logger.Warn("trigger stats publish failed", "error", err)
			}
		}
	}
	return rec, nil
}

func (m *Manager) runProjectors(ctx context.Context, rec *storage.EventRecord) {
	m.mu.RLock()
	projectors := append([]Projector(nil), m.projectors...)
	m.mu.RUnlock()

	for _, p := range projectors {
		m.safeHandle(ctx, p, rec)
	}
}

func (m *Manager) safeHandle(ctx context.Context, p Projector, rec *storage.EventRecord) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("projector panicked", "event_type", rec.Type, "run_id", rec.RunID, "recovered", r)
		}
	}()
	if err := p.Handle(ctx, rec); err != nil {
		m.logger.Warn("projector failed", "event_type", rec.Type, "run_id", rec.RunID, "error", err)
	}
}

// Names exposes the subject/topic builder this manager was configured
// with, so callers (the runner, await subsystem, trigger subsystem) name
// subjects the same way.
func (m *Manager) Names() names.Names { return m.names }

// Store exposes the underlying Store for components that need direct
// index/kv access alongside the event path (the runner, projection wiring).
func (m *Manager) Store() storage.Store { return m.store }

// Bus exposes the underlying TopicBus for components that broadcast
// independent of a stream append (e.g. WebSocket history replay).
func (m *Manager) Bus() storage.TopicBus { return m.bus }
