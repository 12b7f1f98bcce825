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

// Package lifecycle orders daemon component startup and shutdown the way
// the teacher's daemon.Shutdown sequences its own subsystems: stop
// accepting new work first, drain what's in flight, then tear the rest
// down in reverse registration order, logging (not failing) on any one
// component's shutdown error.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Component is one registrable unit of daemon lifecycle: the gateway's
// HTTP server, the scheduler loop, the engine's queue workers, a storage
// backend's Close. Stop must be safe to call even if Start was never
// called or already returned.
type Component struct {
	Name string
	Stop func(ctx context.Context) error
}

// Group is an ordered set of components, shut down in reverse
// registration order (last started, first stopped), matching the
// teacher's explicit "stop the outer server before the inner runner"
// shutdown sequence.
type Group struct {
	mu         sync.Mutex
	components []Component
	logger     *slog.Logger
}

// NewGroup creates an empty Group.
func NewGroup(logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	return &Group{logger: logger}
}

// Register adds a component. Call in dependency order: components that
// depend on an earlier one should be registered after it, so they stop
// first during Shutdown.
func (g *Group) Register(name string, stop func(ctx context.Context) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.components = append(g.components, Component{Name: name, Stop: stop})
}

// Shutdown stops every registered component in reverse order, giving
// each up to perComponentTimeout. It logs but does not abort on
// individual component errors, matching the teacher's "log and keep
// going" shutdown style.
func (g *Group) Shutdown(ctx context.Context, perComponentTimeout time.Duration) {
	g.mu.Lock()
	components := make([]Component, len(g.components))
	copy(components, g.components)
	g.mu.Unlock()

	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		stopCtx, cancel := context.WithTimeout(ctx, perComponentTimeout)
		if err := c.Stop(stopCtx); err != nil {
			g.logger.Error("component shutdown error", "component", c.Name, "error", err)
		} else {
			g.logger.Info("component stopped", "component", c.Name)
		}
		cancel()
	}
}

// RunUntilSignal blocks until SIGINT/SIGTERM or ctx is cancelled, then
// runs Shutdown with the given per-component timeout. start is called
// once before the wait begins; a start error aborts immediately without
// waiting for a signal.
func RunUntilSignal(ctx context.Context, logger *slog.Logger, group *Group, shutdownTimeout time.Duration, start func(ctx context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	group.Shutdown(shutdownCtx, shutdownTimeout)
	return nil
}
