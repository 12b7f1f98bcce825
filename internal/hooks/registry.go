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

// Package hooks implements the Hook Registry (spec.md §4.3): a lookup-only
// table of optional per-step await lifecycle callbacks.
package hooks

import (
	"context"
	"log/slog"
	"sync"
)

// AwaitEvent carries the context a hook callback needs.
type AwaitEvent struct {
	RunID    string
	FlowName string
	StepName string
	Position string
	Payload  any
}

// Hooks is the optional set of callbacks a flow may register for one step.
type Hooks struct {
	OnAwaitRegister func(ctx context.Context, ev AwaitEvent)
	OnAwaitResolve  func(ctx context.Context, ev AwaitEvent)
	OnAwaitTimeout  func(ctx context.Context, ev AwaitEvent)
}

type key struct {
	flowName string
	stepName string
}

// Registry maps (flowName, stepName) to its optional Hooks. It holds
// function values only; lifetime is the process (spec.md §3 "Ownership").
type Registry struct {
	mu     sync.RWMutex
	byStep map[key]Hooks
	logger *slog.Logger
}

// New creates an empty Hook Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{byStep: make(map[key]Hooks), logger: logger}
}

// Register attaches Hooks to one step, overwriting any prior registration.
func (r *Registry) Register(flowName, stepName string, h Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byStep[key{flowName, stepName}] = h
}

func (r *Registry) lookup(flowName, stepName string) (Hooks, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byStep[key{flowName, stepName}]
	return h, ok
}

// FireAwaitRegister invokes the step's OnAwaitRegister hook, if any. A
// panicking or absent hook never propagates into the await/runner call
// path (spec.md §4.3/§4.9 "Hook lifecycle callbacks").
func (r *Registry) FireAwaitRegister(ctx context.Context, ev AwaitEvent) {
	r.fire(ctx, ev, func(h Hooks) func(context.Context, AwaitEvent) { return h.OnAwaitRegister })
}

// FireAwaitResolve invokes the step's OnAwaitResolve hook, if any.
func (r *Registry) FireAwaitResolve(ctx context.Context, ev AwaitEvent) {
	r.fire(ctx, ev, func(h Hooks) func(context.Context, AwaitEvent) { return h.OnAwaitResolve })
}

// FireAwaitTimeout invokes the step's OnAwaitTimeout hook, if any.
func (r *Registry) FireAwaitTimeout(ctx context.Context, ev AwaitEvent) {
	r.fire(ctx, ev, func(h Hooks) func(context.Context, AwaitEvent) { return h.OnAwaitTimeout })
}

func (r *Registry) fire(ctx context.Context, ev AwaitEvent, pick func(Hooks) func(context.Context, AwaitEvent)) {
	h, ok := r.lookup(ev.FlowName, ev.StepName)
	if !ok {
		return
	}
	cb := pick(h)
	if cb == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("hook callback panicked",
				"flow", ev.FlowName, "step", ev.StepName, "position", ev.Position, "recovered", rec)
		}
	}()
	cb(ctx, ev)
}
