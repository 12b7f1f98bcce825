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

package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowkit/flowkit/internal/await"
	"github.com/flowkit/flowkit/internal/events"
	"github.com/flowkit/flowkit/internal/names"
	"github.com/flowkit/flowkit/internal/storage"
	flowerrors "github.com/flowkit/flowkit/pkg/errors"
)

const maxCASRetries = 5

// bufferKey identifies one step's held emits, awaiting its awaitAfter to
// resolve. Keyed without attempt, mirroring the await subsystem's own
// pendingKey (spec.md §4.4 never distinguishes attempt for awaits either).
type bufferKey struct {
	runID    string
	stepName string
}

type bufferedEmit struct {
	flowName  string
	eventName string
	payload   any
}

// Wiring is the Projection Wiring: a Projector that maintains the run
// index and flow aggregate index, and turns "emit" events into dependent
// job enqueues.
type Wiring struct {
	store    storage.Store
	mgr      *events.Manager
	names    names.Names
	logger   *slog.Logger
	registry FlowRegistry
	enqueuer DependentEnqueuer
	resolver *await.Subsystem

	mu      sync.Mutex
	pending map[bufferKey][]bufferedEmit
}

var _ events.Projector = (*Wiring)(nil)

// New creates the Projection Wiring. resolver is used to forward "emit"
// events into TryResolveEvent for event-flavor awaits (spec.md §4.4: "the
// event wiring matches incoming emit events on the same run"). mgr is used
// to publish the flow.completed event once every step in the flow has
// completed and no step is awaiting — Manager.Publish is safe to call
// reentrantly from within a projector's Handle (its per-event projector
// list is copied and released before Handle runs).
func New(store storage.Store, n names.Names, registry FlowRegistry, enqueuer DependentEnqueuer, resolver *await.Subsystem, mgr *events.Manager, logger *slog.Logger) *Wiring {
	if logger == nil {
		logger = slog.Default()
	}
	return &Wiring{
		store:    store,
		mgr:      mgr,
		names:    n,
		registry: registry,
		enqueuer: enqueuer,
		resolver: resolver,
		logger:   logger,
		pending:  make(map[bufferKey][]bufferedEmit),
	}
}

func (w *Wiring) index() storage.IndexStore { return w.store.Index() }

// Handle implements events.Projector.
func (w *Wiring) Handle(ctx context.Context, rec *storage.EventRecord) error {
	switch rec.Type {
	case events.TypeFlowStart:
		return w.onFlowStart(ctx, rec)
	case events.TypeStepStarted:
		return w.touchRun(ctx, rec.FlowName, rec.RunID)
	case events.TypeStepCompleted:
		return w.onStepCompleted(ctx, rec)
	case events.TypeStepFailed:
		return w.onStepFailed(ctx, rec)
	case events.TypeAwaitRegistered:
		return w.onAwaitRegistered(ctx, rec)
	case events.TypeAwaitResolved:
		return w.onAwaitResolved(ctx, rec)
	case events.TypeFlowCompleted:
		return w.onFlowTerminal(ctx, rec, "completed", "success")
	case events.TypeFlowFailed:
		return w.onFlowTerminal(ctx, rec, "failed", "failure")
	case events.TypeFlowStalled:
		return w.onFlowTerminal(ctx, rec, "stalled", "failure")
	case events.TypeFlowCancel:
		return w.onFlowCancel(ctx, rec)
	case events.TypeEmit:
		return w.onEmit(ctx, rec)
	default:
		return nil
	}
}

func (w *Wiring) runsKey(flowName string) string { return w.names.FlowRunsIndex(flowName) }

func (w *Wiring) onFlowStart(ctx context.Context, rec *storage.EventRecord) error {
	now := rec.Ts
	if err := w.index().Add(ctx, w.runsKey(rec.FlowName), rec.RunID, float64(now), map[string]any{
		"flowName":       rec.FlowName,
		"status":         "running",
		"startedAt":      now,
		"lastActivityAt": now,
		"completedSteps": int64(0),
		"emittedEvents":  map[string]any{},
		"awaitingSteps":  map[string]any{},
	}); err != nil {
		return err
	}

	if err := w.ensureFlowRow(ctx, rec.FlowName); err != nil {
		return err
	}
	if _, err := w.index().Increment(ctx, w.names.FlowsIndex(), rec.FlowName, "stats.total", 1); err != nil {
		return err
	}
	if _, err := w.index().Increment(ctx, w.names.FlowsIndex(), rec.FlowName, "stats.running", 1); err != nil {
		return err
	}
	return w.index().UpdateWithRetry(ctx, w.names.FlowsIndex(), rec.FlowName, map[string]any{"lastRunAt": now}, maxCASRetries)
}

func (w *Wiring) ensureFlowRow(ctx context.Context, flowName string) error {
	if _, err := w.index().Get(ctx, w.names.FlowsIndex(), flowName); err != nil {
		return w.index().Add(ctx, w.names.FlowsIndex(), flowName, 0, map[string]any{
			"flowName": flowName,
			"stats":    map[string]any{"total": 0, "success": 0, "failure": 0, "running": 0, "awaiting": 0, "cancel": 0},
		})
	}
	return nil
}

func (w *Wiring) touchRun(ctx context.Context, flowName, runID string) error {
	if terminal, err := w.runIsTerminal(ctx, flowName, runID); err != nil || terminal {
		return err
	}
	return w.index().UpdateWithRetry(ctx, w.runsKey(flowName), runID, map[string]any{
		"lastActivityAt": storage.NowMs(),
	}, maxCASRetries)
}

func (w *Wiring) runIsTerminal(ctx context.Context, flowName, runID string) (bool, error) {
	ixrec, err := w.index().Get(ctx, w.runsKey(flowName), runID)
	if err != nil {
		return false, err
	}
	switch fmt.Sprint(ixrec.Metadata["status"]) {
	case "completed", "failed", "canceled", "stalled":
		return true, nil
	default:
		return false, nil
	}
}

func (w *Wiring) onStepCompleted(ctx context.Context, rec *storage.EventRecord) error {
	if terminal, err := w.runIsTerminal(ctx, rec.FlowName, rec.RunID); err != nil || terminal {
		return err
	}
	completed, err := w.index().Increment(ctx, w.runsKey(rec.FlowName), rec.RunID, "completedSteps", 1)
	if err != nil {
		return err
	}
	if err := w.index().UpdateWithRetry(ctx, w.runsKey(rec.FlowName), rec.RunID, map[string]any{
		"lastActivityAt": rec.Ts,
	}, maxCASRetries); err != nil {
		return err
	}
	return w.maybeCompleteRun(ctx, rec.FlowName, rec.RunID, int(completed))
}

// maybeCompleteRun publishes flow.completed once every step of the flow
// has completed and no step is currently awaiting (spec.md §8 scenario
// S1's expected stream ends step.completed(next), flow.completed). A run
// with steps still buffered behind an awaitAfter is not yet complete: its
// subscribers haven't been enqueued, so their step.completed hasn't fired
// either, and completedSteps can't yet have reached the flow's step count.
func (w *Wiring) maybeCompleteRun(ctx context.Context, flowName, runID string, completedSteps int) error {
	f := w.registry.Lookup(flowName)
	if f == nil || completedSteps < len(f.Steps) {
		return nil
	}
	ixrec, err := w.index().Get(ctx, w.runsKey(flowName), runID)
	if err != nil {
		return err
	}
	if hasPendingAwait(ixrec.Metadata["awaitingSteps"]) {
		return nil
	}
	if w.mgr == nil {
		return nil
	}
	_, err = w.mgr.Publish(ctx, storage.EventInput{Type: events.TypeFlowCompleted, RunID: runID, FlowName: flowName})
	return err
}

// onStepFailed applies the run/flow-terminal transition only when the
// step.failed event is terminal for the run — i.e. the runner has
// exhausted the step's attempt budget (data.terminal == true). A
// non-terminal step.failed (one immediately followed by step.retry) is
// recorded in the stream only; the run stays running.
func (w *Wiring) onStepFailed(ctx context.Context, rec *storage.EventRecord) error {
	terminal, _ := rec.Data["terminal"].(bool)
	if !terminal {
		return nil
	}
	return w.onFlowTerminal(ctx, rec, "failed", "failure")
}

func (w *Wiring) onFlowTerminal(ctx context.Context, rec *storage.EventRecord, status, statsBucket string) error {
	if already, err := w.runIsTerminal(ctx, rec.FlowName, rec.RunID); err != nil || already {
		return err
	}

	prevStatus, err := w.currentStatus(ctx, rec.FlowName, rec.RunID)
	if err != nil {
		return err
	}

	if err := w.index().UpdateWithRetry(ctx, w.runsKey(rec.FlowName), rec.RunID, map[string]any{
		"status":      status,
		"completedAt": rec.Ts,
	}, maxCASRetries); err != nil {
		return err
	}

	if _, err := w.index().Increment(ctx, w.names.FlowsIndex(), rec.FlowName, "stats."+statsBucket, 1); err != nil {
		return err
	}
	if err := w.decrementBucketFor(ctx, rec.FlowName, prevStatus); err != nil {
		return err
	}

	w.discardBuffered(rec.RunID)
	return nil
}

func (w *Wiring) onFlowCancel(ctx context.Context, rec *storage.EventRecord) error {
	if already, err := w.runIsTerminal(ctx, rec.FlowName, rec.RunID); err != nil || already {
		return err
	}
	previousStatus := fmt.Sprint(rec.Data["previousStatus"])

	if err := w.index().UpdateWithRetry(ctx, w.runsKey(rec.FlowName), rec.RunID, map[string]any{
		"status":      "canceled",
		"completedAt": rec.Ts,
	}, maxCASRetries); err != nil {
		return err
	}

	if _, err := w.index().Increment(ctx, w.names.FlowsIndex(), rec.FlowName, "stats.cancel", 1); err != nil {
		return err
	}
	if err := w.decrementBucketFor(ctx, rec.FlowName, previousStatus); err != nil {
		return err
	}

	w.discardBuffered(rec.RunID)
	return nil
}

func (w *Wiring) currentStatus(ctx context.Context, flowName, runID string) (string, error) {
	ixrec, err := w.index().Get(ctx, w.runsKey(flowName), runID)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(ixrec.Metadata["status"]), nil
}

func (w *Wiring) decrementBucketFor(ctx context.Context, flowName, status string) error {
	bucket, ok := map[string]string{"running": "running", "awaiting": "awaiting"}[status]
	if !ok {
		return nil
	}
	_, err := w.index().Increment(ctx, w.names.FlowsIndex(), flowName, "stats."+bucket, -1)
	return err
}

func (w *Wiring) discardBuffered(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k := range w.pending {
		if k.runID == runID {
			delete(w.pending, k)
		}
	}
}

func (w *Wiring) onAwaitRegistered(ctx context.Context, rec *storage.EventRecord) error {
	if terminal, err := w.runIsTerminal(ctx, rec.FlowName, rec.RunID); err != nil || terminal {
		return err
	}
	position := fmt.Sprint(rec.Data["position"])
	key := rec.StepName + ":await-" + position

	prevStatus, err := w.currentStatus(ctx, rec.FlowName, rec.RunID)
	if err != nil {
		return err
	}

	if err := w.index().UpdateWithRetry(ctx, w.runsKey(rec.FlowName), rec.RunID, map[string]any{
		"status":         "awaiting",
		"lastActivityAt": rec.Ts,
		"awaitingSteps":  map[string]any{key: rec.Data},
	}, maxCASRetries); err != nil {
		return err
	}

	if prevStatus == "awaiting" {
		return nil
	}
	if _, err := w.index().Increment(ctx, w.names.FlowsIndex(), rec.FlowName, "stats.awaiting", 1); err != nil {
		return err
	}
	_, err = w.index().Increment(ctx, w.names.FlowsIndex(), rec.FlowName, "stats.running", -1)
	return err
}

func (w *Wiring) onAwaitResolved(ctx context.Context, rec *storage.EventRecord) error {
	if terminal, err := w.runIsTerminal(ctx, rec.FlowName, rec.RunID); err != nil || terminal {
		return err
	}
	position := fmt.Sprint(rec.Data["position"])
	key := rec.StepName + ":await-" + position

	ixrec, err := w.index().Get(ctx, w.runsKey(rec.FlowName), rec.RunID)
	if err != nil {
		return err
	}
	awaiting, _ := ixrec.Metadata["awaitingSteps"].(map[string]any)
	stillAwaiting := false
	for k, v := range awaiting {
		if k == key {
			continue
		}
		if v != nil {
			stillAwaiting = true
			break
		}
	}

	partial := map[string]any{
		"lastActivityAt": rec.Ts,
		"awaitingSteps":  map[string]any{key: nil},
	}
	if !stillAwaiting {
		partial["status"] = "running"
	}
	if err := w.index().UpdateWithRetry(ctx, w.runsKey(rec.FlowName), rec.RunID, partial, maxCASRetries); err != nil {
		return err
	}

	if !stillAwaiting {
		if _, err := w.index().Increment(ctx, w.names.FlowsIndex(), rec.FlowName, "stats.running", 1); err != nil {
			return err
		}
		if _, err := w.index().Increment(ctx, w.names.FlowsIndex(), rec.FlowName, "stats.awaiting", -1); err != nil {
			return err
		}
	}

	if position == "after" {
		w.flushBuffered(ctx, rec.RunID, rec.StepName)
	}
	return nil
}

// onEmit records the emitted event count and either enqueues subscribing
// steps immediately, or — when the emitting step declares awaitAfter —
// holds them until the matching await.resolved arrives (spec.md §4.7
// "Emit buffering for awaitAfter").
func (w *Wiring) onEmit(ctx context.Context, rec *storage.EventRecord) error {
	eventName, _ := rec.Data["eventName"].(string)
	payload := rec.Data["payload"]

	if terminal, err := w.runIsTerminal(ctx, rec.FlowName, rec.RunID); err != nil || terminal {
		return err
	}
	if _, err := w.index().Increment(ctx, w.runsKey(rec.FlowName), rec.RunID, "emittedEvents."+eventName, 1); err != nil {
		return err
	}

	if w.resolver != nil {
		if p, ok := payload.(map[string]any); ok {
			if err := w.resolver.TryResolveEvent(ctx, rec.RunID, eventName, p); err != nil {
				w.logger.Warn("event-await resolution failed", "run_id", rec.RunID, "event", eventName, "error", err)
			}
		}
	}

	f := w.registry.Lookup(rec.FlowName)
	if f == nil {
		w.logger.Warn("emit for unknown flow dropped", "flow", rec.FlowName, "event", eventName)
		return nil
	}
	emittingStep := f.StepByName(rec.StepName)
	if emittingStep != nil && emittingStep.AwaitAfter != nil {
		w.bufferEmit(rec.RunID, rec.StepName, rec.FlowName, eventName, payload)
		return nil
	}
	return w.flushEmit(ctx, rec.FlowName, rec.RunID, eventName, payload)
}

func (w *Wiring) bufferEmit(runID, stepName, flowName, eventName string, payload any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := bufferKey{runID: runID, stepName: stepName}
	w.pending[k] = append(w.pending[k], bufferedEmit{flowName: flowName, eventName: eventName, payload: payload})
}

func (w *Wiring) flushBuffered(ctx context.Context, runID, stepName string) {
	w.mu.Lock()
	k := bufferKey{runID: runID, stepName: stepName}
	held := w.pending[k]
	delete(w.pending, k)
	w.mu.Unlock()

	for _, be := range held {
		if err := w.flushEmit(ctx, be.flowName, runID, be.eventName, be.payload); err != nil {
			w.logger.Warn("flushing buffered emit failed", "run_id", runID, "step", stepName, "event", be.eventName, "error", err)
		}
	}
}

func (w *Wiring) flushEmit(ctx context.Context, flowName, runID, eventName string, payload any) error {
	f := w.registry.Lookup(flowName)
	if f == nil {
		return &flowerrors.NotFoundError{Resource: "flow", ID: flowName}
	}
	if w.enqueuer == nil {
		return nil
	}
	for _, step := range f.Steps {
		for _, sub := range step.Subscribes {
			if sub == eventName {
				if err := w.enqueuer.EnqueueDependent(ctx, flowName, runID, step.Name, payload); err != nil {
					w.logger.Warn("enqueueing dependent step failed", "flow", flowName, "run_id", runID, "step", step.Name, "error", err)
				}
				break
			}
		}
	}
	return nil
}
