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

// Package engine implements the Flow Engine Facade (spec.md §4.8): the
// user-visible operations built on top of every other subsystem.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowkit/flowkit/internal/await"
	"github.com/flowkit/flowkit/internal/events"
	"github.com/flowkit/flowkit/internal/hooks"
	"github.com/flowkit/flowkit/internal/names"
	"github.com/flowkit/flowkit/internal/projection"
	"github.com/flowkit/flowkit/internal/runctx"
	"github.com/flowkit/flowkit/internal/runner"
	"github.com/flowkit/flowkit/internal/storage"
	"github.com/flowkit/flowkit/internal/trigger"
	flowerrors "github.com/flowkit/flowkit/pkg/errors"
	"github.com/flowkit/flowkit/pkg/flow"
)

// Config bundles the Flow Engine Facade's own tunables; storage/queue/bus
// selection happens one layer up (internal/config + cmd/flowkitd) and is
// handed in already constructed.
type Config struct {
	Names       names.Names
	ResumeQueue string
	State       runctx.Config
	Stall       projection.StallDetectorConfig
}

// Engine is the Flow Engine Facade: startFlow, cancelFlow, restartFlow,
// emit, isRunning, getRunningFlows, and read models, built on top of the
// storage backends, Event Manager, Hook Registry, Await Subsystem, Trigger
// Subsystem, Runner, and Projection Wiring.
type Engine struct {
	cfg    Config
	store  storage.Store
	bus    storage.TopicBus
	mgr    *events.Manager
	hooks  *hooks.Registry
	await  *await.Subsystem
	trig   *trigger.Subsystem
	runner *runner.Runner
	wiring *projection.Wiring
	stall  *StallRunner
	logger *slog.Logger

	mu    sync.RWMutex
	flows map[string]*flow.Flow
}

var _ flow.FlowController = (*Engine)(nil)
var _ trigger.FlowStarter = (*Engine)(nil)

// New assembles every subsystem into one Engine. queue/store/bus are the
// already-selected backend implementations (memory/file/relational); the
// caller (internal/config + cmd/flowkitd) decides which.
func New(cfg Config, queue storage.Queue, store storage.Store, bus storage.TopicBus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ResumeQueue == "" {
		cfg.ResumeQueue = cfg.Names.Prefix + ":await:resume"
	}

	mgr := events.New(store, bus, cfg.Names, logger)
	hookReg := hooks.New(logger)
	awaitS := await.New(mgr, queue, hookReg, cfg.Names, cfg.ResumeQueue, logger)
	trig := trigger.New(mgr, cfg.Names, logger)
	r := runner.New(queue, mgr, awaitS, cfg.Names, cfg.State, logger)

	e := &Engine{
		cfg:    cfg,
		store:  store,
		bus:    bus,
		mgr:    mgr,
		hooks:  hookReg,
		await:  awaitS,
		trig:   trig,
		runner: r,
		logger: logger,
		flows:  make(map[string]*flow.Flow),
	}

	wiring := projection.New(store, cfg.Names, r, r, awaitS, mgr, logger)
	mgr.AddProjector(wiring)
	e.wiring = wiring

	r.SetFlowController(e)
	r.SetStarter(e)
	trig.SetFlowStarter(e)

	e.stall = NewStallRunner(cfg.Stall, mgr, cfg.Names, e.flowNames, logger)

	return e
}

// Hooks exposes the Hook Registry for callers registering onAwait* hooks
// at flow-load time.
func (e *Engine) Hooks() *hooks.Registry { return e.hooks }

// Trigger exposes the Trigger Subsystem for the gateway and CLI.
func (e *Engine) Trigger() *trigger.Subsystem { return e.trig }

// Await exposes the Await Subsystem for the webhook gateway's resolution
// endpoint.
func (e *Engine) Await() *await.Subsystem { return e.await }

// Start begins background processing: the runner's queue workers and the
// stall detector.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.await.Start(ctx); err != nil {
		return err
	}
	if err := e.runner.StartAllQueues(ctx); err != nil {
		return err
	}
	go e.stall.Run(ctx)
	return nil
}

// RegisterFlow validates and registers a flow definition, starting its
// queue workers.
func (e *Engine) RegisterFlow(ctx context.Context, f *flow.Flow) error {
	if err := flow.Validate(f); err != nil {
		return err
	}
	e.mu.Lock()
	e.flows[f.Name] = f
	e.mu.Unlock()
	return e.runner.RegisterFlow(ctx, f)
}

func (e *Engine) flowNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.flows))
	for name := range e.flows {
		out = append(out, name)
	}
	return out
}

func (e *Engine) lookupFlow(flowName string) (*flow.Flow, error) {
	e.mu.RLock()
	f, ok := e.flows[flowName]
	e.mu.RUnlock()
	if !ok {
		return nil, &flowerrors.NotFoundError{Resource: "flow", ID: flowName}
	}
	return f, nil
}

// StartFlow implements flow.FlowController and trigger.FlowStarter:
// enqueues the entry step and publishes flow.start (spec.md §4.8).
func (e *Engine) StartFlow(ctx context.Context, flowName string, input any) (string, error) {
	f, err := e.lookupFlow(flowName)
	if err != nil {
		return "", err
	}
	runID := uuid.NewString()
	if _, err := e.mgr.Publish(ctx, storage.EventInput{
		Type: events.TypeFlowStart, RunID: runID, FlowName: flowName,
		Data: map[string]any{"input": input},
	}); err != nil {
		return "", err
	}
	if err := e.runner.EnqueueEntry(ctx, f, runID, input); err != nil {
		return "", err
	}
	return runID, nil
}

// CancelFlow implements flow.FlowController: publishes flow.cancel with
// the run's previous status. Idempotent — canceling an already-terminal
// run is a no-op (the projection wiring drops it).
func (e *Engine) CancelFlow(ctx context.Context, flowName, runID string) error {
	rec, err := e.getRunRecord(ctx, flowName, runID)
	if err != nil {
		return err
	}
	_, err = e.mgr.Publish(ctx, storage.EventInput{
		Type: events.TypeFlowCancel, RunID: runID, FlowName: flowName,
		Data: map[string]any{"previousStatus": rec.Status},
	})
	return err
}

// RestartFlow recovers the original input from the run's flow.start event,
// cancels the run if still active, and starts a fresh run of the same
// flow. Returns the old and new run ids.
func (e *Engine) RestartFlow(ctx context.Context, flowName, runID string) (oldRunID, newRunID string, err error) {
	recs, err := e.store.Stream().Read(ctx, e.cfg.Names.FlowRunStream(runID), storage.ReadOptions{Types: []string{events.TypeFlowStart}, Limit: 1})
	if err != nil {
		return "", "", err
	}
	if len(recs) == 0 {
		return "", "", &flowerrors.NotFoundError{Resource: "run", ID: runID}
	}
	input := recs[0].Data["input"]

	rec, err := e.getRunRecord(ctx, flowName, runID)
	if err != nil {
		return "", "", err
	}
	if rec.Status == "running" || rec.Status == "awaiting" {
		if err := e.CancelFlow(ctx, flowName, runID); err != nil {
			return "", "", err
		}
	}

	newID, err := e.StartFlow(ctx, flowName, input)
	if err != nil {
		return "", "", err
	}
	return runID, newID, nil
}

// Emit implements flow.FlowController: publishes an "emit" event that the
// projection wiring turns into dependent-step enqueues (or buffers, for a
// step with awaitAfter).
func (e *Engine) Emit(ctx context.Context, runID, flowName, stepName, eventName string, payload any) error {
	_, err := e.mgr.Publish(ctx, storage.EventInput{
		Type: events.TypeEmit, RunID: runID, FlowName: flowName, StepName: stepName,
		Data: map[string]any{"eventName": eventName, "payload": payload},
	})
	return err
}

// IsRunning implements flow.FlowController.
func (e *Engine) IsRunning(ctx context.Context, flowName string, runID string) (bool, error) {
	if runID != "" {
		rec, err := e.getRunRecord(ctx, flowName, runID)
		if err != nil {
			return false, nil
		}
		return rec.Status == "running" || rec.Status == "awaiting", nil
	}
	rows, err := e.store.Index().Read(ctx, e.cfg.Names.FlowRunsIndex(flowName), storage.IndexReadOptions{
		Filter: map[string]any{"status": []any{"running", "awaiting"}},
	})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// GetRunningFlows implements flow.FlowController.
func (e *Engine) GetRunningFlows(ctx context.Context, flowName string) ([]flow.RunSummary, error) {
	rows, err := e.store.Index().Read(ctx, e.cfg.Names.FlowRunsIndex(flowName), storage.IndexReadOptions{
		Filter: map[string]any{"status": []any{"running", "awaiting"}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]flow.RunSummary, 0, len(rows))
	for _, row := range rows {
		r := projection.RunRecordFromIndex(row)
		out = append(out, flow.RunSummary{RunID: r.RunID, FlowName: r.FlowName, Status: r.Status})
	}
	return out, nil
}

// GetRun is the read model behind the gateway's run lookups.
func (e *Engine) GetRun(ctx context.Context, flowName, runID string) (*projection.RunRecord, error) {
	return e.getRunRecord(ctx, flowName, runID)
}

func (e *Engine) getRunRecord(ctx context.Context, flowName, runID string) (*projection.RunRecord, error) {
	ixrec, err := e.store.Index().Get(ctx, e.cfg.Names.FlowRunsIndex(flowName), runID)
	if err != nil {
		return nil, err
	}
	return projection.RunRecordFromIndex(ixrec), nil
}

// GetFlowStats is the read model behind the gateway's flow.stats.update
// frames on the flow:stats topic.
func (e *Engine) GetFlowStats(ctx context.Context, flowName string) (*projection.FlowStats, error) {
	ixrec, err := e.store.Index().Get(ctx, e.cfg.Names.FlowsIndex(), flowName)
	if err != nil {
		return nil, err
	}
	return projection.FlowStatsFromIndex(ixrec), nil
}

// ListFlowStats returns the aggregate stats row for every registered flow,
// the read model behind the gateway's flow:stats.initial replay and the
// CLI's flows-list command.
func (e *Engine) ListFlowStats(ctx context.Context) ([]*projection.FlowStats, error) {
	rows, err := e.store.Index().Read(ctx, e.cfg.Names.FlowsIndex(), storage.IndexReadOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]*projection.FlowStats, 0, len(rows))
	for _, row := range rows {
		out = append(out, projection.FlowStatsFromIndex(row))
	}
	return out, nil
}

// ListFlowNames returns the names of every flow registered with this
// engine, for CLI and gateway listing.
func (e *Engine) ListFlowNames() []string { return e.flowNames() }

// RunHistory returns the full event stream for one run, the read model
// behind the WebSocket gateway's "history" reply to a subscribe frame.
func (e *Engine) RunHistory(ctx context.Context, runID string) ([]*storage.EventRecord, error) {
	return e.store.Stream().Read(ctx, e.cfg.Names.FlowRunStream(runID), storage.ReadOptions{})
}

// StallRunner wraps the projection stall detector's lifecycle so Engine.Start
// can launch it without exposing the projection package's internals.
type StallRunner struct {
	detector *projection.StallDetector
}

// NewStallRunner builds a StallRunner around a fresh stall detector.
func NewStallRunner(cfg projection.StallDetectorConfig, mgr *events.Manager, n names.Names, flowNames func() []string, logger *slog.Logger) *StallRunner {
	return &StallRunner{detector: projection.NewStallDetector(cfg, mgr, n, flowNames, logger)}
}

// Run blocks until ctx is canceled.
func (s *StallRunner) Run(ctx context.Context) { s.detector.Run(ctx) }

// WaitForTerminal blocks until the run reaches a terminal status or the
// timeout elapses; used by integration tests.
func (e *Engine) WaitForTerminal(ctx context.Context, flowName, runID string, timeout time.Duration) (*projection.RunRecord, error) {
	deadline := time.Now().Add(timeout)
	for {
		rec, err := e.getRunRecord(ctx, flowName, runID)
		if err == nil {
			switch rec.Status {
			case "completed", "failed", "canceled", "stalled":
				return rec, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("run %s did not reach a terminal state within %s", runID, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
