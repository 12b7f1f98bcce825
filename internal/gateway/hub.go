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

// Package gateway implements the boundary spec.md §6 and §9 describe as
// external collaborators: the webhook HTTP endpoints and the WebSocket
// client protocol. It decodes wire traffic into trigger emissions, await
// resolutions, and TopicBus subscriptions, and holds none of the engine's
// own state.
package gateway

import (
	"sync"

	"github.com/flowkit/flowkit/internal/storage"
)

// hub tracks live WebSocket subscriptions per runId, and the aggregate
// flow-stats subscriber set, so a Publish on the engine's TopicBus can be
// fanned out to exactly the sockets that asked for it. It implements
// tracing.SubscriberCounter so the gateway's subscriber counts surface as
// flowkit_ws_subscribers / flowkit_subscribed_runs.
type hub struct {
	mu     sync.RWMutex
	byRun  map[string]map[*client]struct{}
	stats  map[*client]struct{}
}

func newHub() *hub {
	return &hub{
		byRun: make(map[string]map[*client]struct{}),
		stats: make(map[*client]struct{}),
	}
}

func (h *hub) subscribeRun(runID string, c *client) storage.Subscription {
	h.mu.Lock()
	set, ok := h.byRun[runID]
	if !ok {
		set = make(map[*client]struct{})
		h.byRun[runID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	return unsubFunc(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.byRun[runID], c)
		if len(h.byRun[runID]) == 0 {
			delete(h.byRun, runID)
		}
	})
}

func (h *hub) subscribeStats(c *client) storage.Subscription {
	h.mu.Lock()
	h.stats[c] = struct{}{}
	h.mu.Unlock()
	return unsubFunc(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.stats, c)
	})
}

func (h *hub) dropClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for runID, set := range h.byRun {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byRun, runID)
		}
	}
	delete(h.stats, c)
}

// TotalSubscriberCount implements tracing.SubscriberCounter.
func (h *hub) TotalSubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*client]struct{})
	for _, set := range h.byRun {
		for c := range set {
			seen[c] = struct{}{}
		}
	}
	for c := range h.stats {
		seen[c] = struct{}{}
	}
	return len(seen)
}

// SubscriberMapKeyCount implements tracing.SubscriberCounter: the number of
// distinct runIds currently subscribed to.
func (h *hub) SubscriberMapKeyCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byRun)
}

type unsubFunc func()

func (f unsubFunc) Unsubscribe() { f() }
