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

package memory

import (
	"context"
	"sync"

	"github.com/flowkit/flowkit/internal/storage"
)

// TopicBus is the in-memory, single-process TopicBus implementation.
// Publish delivers synchronously to every current subscriber, in
// subscription order, exactly as spec.md §5 requires.
type TopicBus struct {
	mu     sync.RWMutex
	topics map[string][]*subEntry
	seq    int
}

type subEntry struct {
	id      int
	handler func(event any)
}

// NewTopicBus creates a new in-memory TopicBus.
func NewTopicBus() *TopicBus {
	return &TopicBus{topics: make(map[string][]*subEntry)}
}

var _ storage.TopicBus = (*TopicBus)(nil)

// Publish delivers event to every subscriber currently on topic. With no
// subscribers the event is discarded (spec.md §8 boundary behavior).
func (b *TopicBus) Publish(ctx context.Context, topic string, event any) error {
	b.mu.RLock()
	subs := append([]*subEntry(nil), b.topics[topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(event)
	}
	return nil
}

// Subscribe registers handler for topic and returns a handle to remove it.
func (b *TopicBus) Subscribe(topic string, handler func(event any)) (storage.Subscription, error) {
	b.mu.Lock()
	b.seq++
	id := b.seq
	entry := &subEntry{id: id, handler: handler}
	b.topics[topic] = append(b.topics[topic], entry)
	b.mu.Unlock()

	return &topicSubscription{bus: b, topic: topic, id: id}, nil
}

type topicSubscription struct {
	bus   *TopicBus
	topic string
	id    int
	once  sync.Once
}

func (s *topicSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		subs := s.bus.topics[s.topic]
		for i, e := range subs {
			if e.id == s.id {
				s.bus.topics[s.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	})
}
