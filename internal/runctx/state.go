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

// Package runctx builds the scoped KV capability spec.md §4.6 hands to
// step handlers as RunContext.State, and the one shared key-normalization
// path every cleanup strategy uses to find a run's keys (spec.md §9 open
// question: "state cleanup ... must be normalized before deletion").
package runctx

import (
	"context"
	"fmt"

	"github.com/flowkit/flowkit/internal/storage"
	"github.com/flowkit/flowkit/pkg/flow"
)

// ScopePolicy controls when a state key is prefixed with the run's
// namespace.
type ScopePolicy string

const (
	ScopeAlways ScopePolicy = "always"
	ScopeFlow   ScopePolicy = "flow"
	ScopeNever  ScopePolicy = "never"
)

// CleanupStrategy controls when a run's scoped keys are removed.
type CleanupStrategy string

const (
	CleanupNever      CleanupStrategy = "never"
	CleanupTTL        CleanupStrategy = "ttl"
	CleanupOnComplete CleanupStrategy = "on-complete"
	CleanupImmediate  CleanupStrategy = "immediate"
)

// Config is store.state's config surface (spec.md §6).
type Config struct {
	Namespace string // the configured KV namespace prefix, e.g. "flowkit"
	Scope     ScopePolicy
	Cleanup   CleanupStrategy
	TTLMs     int64
}

// namespacePrefix returns the single key-building function every scoped
// key and every cleanup pattern derives from, so a prefix can never be
// applied twice or missed once (spec.md §9 decision 2).
func (c Config) namespacePrefix(runID string) string {
	switch c.Scope {
	case ScopeAlways:
		return fmt.Sprintf("%s:flow:%s:", c.Namespace, runID)
	case ScopeFlow:
		if runID != "" {
			return fmt.Sprintf("%s:flow:%s:", c.Namespace, runID)
		}
		return ""
	default: // ScopeNever
		return ""
	}
}

// ScopedStore is the flow.StateStore a running step handler sees through
// RunContext.State.
type ScopedStore struct {
	kv   storage.KVStore
	cfg  Config
	runID string
}

var _ flow.StateStore = (*ScopedStore)(nil)

// New builds a ScopedStore for one run.
func New(kv storage.KVStore, cfg Config, runID string) *ScopedStore {
	return &ScopedStore{kv: kv, cfg: cfg, runID: runID}
}

func (s *ScopedStore) key(k string) string {
	return s.cfg.namespacePrefix(s.runID) + k
}

func (s *ScopedStore) Get(ctx context.Context, key string) (any, bool, error) {
	return s.kv.Get(ctx, s.key(key))
}

func (s *ScopedStore) Set(ctx context.Context, key string, value any, ttlSec int64) error {
	if ttlSec == 0 && s.cfg.Cleanup == CleanupTTL && s.cfg.TTLMs > 0 {
		ttlSec = s.cfg.TTLMs / 1000
	}
	if err := s.kv.Set(ctx, s.key(key), value, ttlSec); err != nil {
		return err
	}
	if s.cfg.Cleanup == CleanupImmediate {
		// Immediate cleanup means state never outlives the call that set
		// it: callers observe it within the same step invocation only.
		// We still persist it (so Get within the same handler sees it)
		// and rely on the runner invoking CleanupRun once the handler has
		// succeeded and step.completed is appended.
		return nil
	}
	return nil
}

func (s *ScopedStore) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, s.key(key))
}

// CleanupRun deletes every key under runID's namespace. The runner calls
// it for the immediate strategy, after each successful step handler.
// Nothing calls it for on-complete: under that strategy a run's keys are
// not deleted when the flow completes or fails.
func CleanupRun(ctx context.Context, kv storage.KVStore, cfg Config, runID string) error {
	prefix := cfg.namespacePrefix(runID)
	if prefix == "" {
		return nil
	}
	return kv.Clear(ctx, prefix+"*")
}
