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

package await

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/flowkit/flowkit/internal/events"
	"github.com/flowkit/flowkit/internal/hooks"
	"github.com/flowkit/flowkit/internal/names"
	"github.com/flowkit/flowkit/internal/storage"
	flowerrors "github.com/flowkit/flowkit/pkg/errors"
	"github.com/flowkit/flowkit/pkg/flow"
)

const (
	jobAwaitTimer   = "await.timer"
	jobAwaitTimeout = "await.timeout"
)

// Subsystem implements the Await Subsystem (spec.md §4.4): registration,
// resolution, and timeout handling across all four await flavors.
type Subsystem struct {
	mgr     *events.Manager
	queue   storage.Queue
	hookReg *hooks.Registry
	names   names.Names
	logger  *slog.Logger

	resumeQueue string
	enqueuer    ResumeEnqueuer

	mu      sync.Mutex
	pending map[pendingKey]*pendingAwait
}

// New creates an Await Subsystem. resumeQueue is the Queue name used for
// its own internal timer/timeout resume jobs; enqueuer resumes the user
// step job once an awaitBefore resolves.
func New(mgr *events.Manager, queue storage.Queue, hookReg *hooks.Registry, n names.Names, resumeQueue string, logger *slog.Logger) *Subsystem {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subsystem{
		mgr:         mgr,
		queue:       queue,
		hookReg:     hookReg,
		names:       n,
		resumeQueue: resumeQueue,
		logger:      logger,
		pending:     make(map[pendingKey]*pendingAwait),
	}
}

// SetEnqueuer wires the runner-side resume callback. Called once during
// engine construction to break the await<->runner import cycle.
func (s *Subsystem) SetEnqueuer(e ResumeEnqueuer) { s.enqueuer = e }

// Start registers the subsystem's internal queue workers and begins
// processing its resume queue.
func (s *Subsystem) Start(ctx context.Context) error {
	if err := s.queue.RegisterWorker(s.resumeQueue, jobAwaitTimer, s.handleTimerJob, storage.WorkerOptions{Concurrency: 4, Autorun: true}); err != nil {
		return err
	}
	if err := s.queue.RegisterWorker(s.resumeQueue, jobAwaitTimeout, s.handleTimeoutJob, storage.WorkerOptions{Concurrency: 4, Autorun: true}); err != nil {
		return err
	}
	return s.queue.StartProcessingQueue(ctx, s.resumeQueue)
}

// WebhookURL returns the path a webhook-flavor await should be resolved
// at, matching spec.md §6's boundary contract.
func WebhookURL(flowName, runID, stepName, token string) string {
	return fmt.Sprintf("/webhook/await/%s/%s/%s?t=%s", flowName, runID, stepName, token)
}

// Register persists a pending await for (runID, stepName, position) and
// schedules whatever background resume the await flavor needs.
func (s *Subsystem) Register(ctx context.Context, runID, flowName, stepName string, cfg *flow.AwaitConfig, position flow.AwaitPosition) (*pendingAwait, error) {
	if cfg == nil {
		return nil, &flowerrors.ValidationError{Field: "awaitConfig", Message: "await registration requires a config"}
	}
	k := pendingKey{runID, stepName, string(position)}
	now := storage.NowMs()
	pa := &pendingAwait{flowName: flowName, kind: cfg.Kind, config: cfg, registeredAt: now}

	data := map[string]any{
		"position":  string(position),
		"awaitType": string(cfg.Kind),
	}

	switch cfg.Kind {
	case flow.AwaitTime:
		pa.resolveAt = now + cfg.DelayMs
		data["resolveAt"] = pa.resolveAt
		if _, err := s.queue.Schedule(ctx, s.resumeQueue, storage.JobInput{
			Name: jobAwaitTimer,
			Data: map[string]any{"runId": runID, "flowName": flowName, "stepName": stepName, "position": string(position), "delayMs": cfg.DelayMs},
			Opts: storage.JobOptions{JobID: fmt.Sprintf("await-timer:%s:%s:%s", runID, stepName, position), DelayMs: cfg.DelayMs},
		}, storage.ScheduleOptions{DelayMs: cfg.DelayMs}); err != nil {
			return nil, err
		}
	case flow.AwaitWebhook:
		pa.webhookToken = uuid.NewString()
		data["webhookPath"] = WebhookURL(flowName, runID, stepName, pa.webhookToken)
	case flow.AwaitEvent:
		data["eventName"] = cfg.EventName
	case flow.AwaitSchedule:
		next, err := NextCronFire(cfg.Cron, now)
		if err != nil {
			return nil, &flowerrors.ConfigError{Key: "awaitConfig.cron", Reason: err.Error(), Cause: err}
		}
		pa.resolveAt = next
		data["resolveAt"] = next
		if err := s.writeSchedulerJobRow(ctx, runID, flowName, stepName, position, cfg, next); err != nil {
			return nil, err
		}
	default:
		return nil, &flowerrors.ValidationError{Field: "awaitConfig.kind", Message: fmt.Sprintf("unknown await kind %q", cfg.Kind)}
	}

	if cfg.TimeoutMs > 0 {
		if _, err := s.queue.Schedule(ctx, s.resumeQueue, storage.JobInput{
			Name: jobAwaitTimeout,
			Data: map[string]any{"runId": runID, "flowName": flowName, "stepName": stepName, "position": string(position)},
			Opts: storage.JobOptions{JobID: fmt.Sprintf("await-timeout:%s:%s:%s", runID, stepName, position), DelayMs: cfg.TimeoutMs},
		}, storage.ScheduleOptions{DelayMs: cfg.TimeoutMs}); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.pending[k] = pa
	s.mu.Unlock()

	if _, err := s.mgr.Publish(ctx, storage.EventInput{
		Type: events.TypeAwaitRegistered, RunID: runID, FlowName: flowName, StepName: stepName, Data: data,
	}); err != nil {
		return nil, err
	}
	s.hookReg.FireAwaitRegister(ctx, hooks.AwaitEvent{RunID: runID, FlowName: flowName, StepName: stepName, Position: string(position)})
	return pa, nil
}

func (s *Subsystem) writeSchedulerJobRow(ctx context.Context, runID, flowName, stepName string, position flow.AwaitPosition, cfg *flow.AwaitConfig, nextFireAt int64) error {
	id := fmt.Sprintf("await:%s:%s:%s", runID, stepName, position)
	return s.mgr.Store().Index().Add(ctx, s.names.SchedulerJobsIndex(), id, float64(nextFireAt), map[string]any{
		"kind":        "await",
		"runId":       runID,
		"flowName":    flowName,
		"stepName":    stepName,
		"position":    string(position),
		"cron":        cfg.Cron,
		"once":        cfg.Once,
		"nextFireAt":  nextFireAt,
	})
}

// Resolve resolves a pending await for (runID, stepName, position). It is
// the common path for event- and manually-triggered resolution. Returns
// false if no such await is pending (already resolved or never existed) —
// a no-op, matching spec.md's "second resolve is a no-op by CAS".
func (s *Subsystem) Resolve(ctx context.Context, runID, flowName, stepName string, position flow.AwaitPosition, triggerData any) (bool, error) {
	k := pendingKey{runID, stepName, string(position)}
	s.mu.Lock()
	_, ok := s.pending[k]
	if ok {
		delete(s.pending, k)
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, s.finishResolution(ctx, runID, flowName, stepName, position, triggerData)
}

// ResolveWebhook resolves whichever pending webhook await on (runID,
// stepName) carries the matching token, at either position.
func (s *Subsystem) ResolveWebhook(ctx context.Context, flowName, runID, stepName, token string, payload any) (bool, error) {
	var pos flow.AwaitPosition
	var found bool

	s.mu.Lock()
	for _, p := range []flow.AwaitPosition{flow.AwaitBefore, flow.AwaitAfter} {
		k := pendingKey{runID, stepName, string(p)}
		pa, ok := s.pending[k]
		if ok && pa.kind == flow.AwaitWebhook {
			if pa.webhookToken != token {
				s.mu.Unlock()
				return false, &flowerrors.ValidationError{Field: "token", Message: "webhook token mismatch"}
			}
			delete(s.pending, k)
			pos = p
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return false, &flowerrors.NotFoundError{Resource: "await", ID: runID + "/" + stepName}
	}
	return true, s.finishResolution(ctx, runID, flowName, stepName, pos, payload)
}

// TryResolveEvent resolves every pending event-flavor await on runID whose
// configured event name matches eventName and whose filter (if any)
// matches payload. Called by the projection wiring on every "emit" event.
func (s *Subsystem) TryResolveEvent(ctx context.Context, runID, eventName string, payload map[string]any) error {
	type match struct {
		stepName string
		pos      flow.AwaitPosition
		flowName string
	}
	var matches []match

	s.mu.Lock()
	for k, pa := range s.pending {
		if k.runID != runID || pa.kind != flow.AwaitEvent {
			continue
		}
		if pa.config.EventName != eventName {
			continue
		}
		if !matchesFilter(pa.config.Filter, payload) {
			continue
		}
		matches = append(matches, match{stepName: k.stepName, pos: flow.AwaitPosition(k.position), flowName: pa.flowName})
		delete(s.pending, k)
	}
	s.mu.Unlock()

	for _, m := range matches {
		if err := s.finishResolution(ctx, runID, m.flowName, m.stepName, m.pos, payload); err != nil {
			return err
		}
	}
	return nil
}

func matchesFilter(filter map[string]any, payload map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	for k, want := range filter {
		got, ok := payload[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// finishResolution publishes await.resolved, fires the resolve hook, and
// (for awaitBefore) re-enqueues the step job. It assumes the caller has
// already removed the pending entry.
func (s *Subsystem) finishResolution(ctx context.Context, runID, flowName, stepName string, position flow.AwaitPosition, triggerData any) error {
	if _, err := s.mgr.Publish(ctx, storage.EventInput{
		Type: events.TypeAwaitResolved, RunID: runID, FlowName: flowName, StepName: stepName,
		Data: map[string]any{"position": string(position), "triggerData": triggerData},
	}); err != nil {
		return err
	}
	s.hookReg.FireAwaitResolve(ctx, hooks.AwaitEvent{
		RunID: runID, FlowName: flowName, StepName: stepName, Position: string(position), Payload: triggerData,
	})

	if position == flow.AwaitBefore && s.enqueuer != nil {
		return s.enqueuer.EnqueueStepJob(ctx, runID, flowName, stepName, map[string]any{
			"flowId": runID, "flowName": flowName, "awaitResolved": true, "awaitData": triggerData,
		})
	}
	return nil
}

func (s *Subsystem) handleTimerJob(ctx context.Context, job *storage.Job) error {
	runID, _ := job.Data["runId"].(string)
	flowName, _ := job.Data["flowName"].(string)
	stepName, _ := job.Data["stepName"].(string)
	position := flow.AwaitPosition(fmt.Sprint(job.Data["position"]))
	delayMs := job.Data["delayMs"]

	_, err := s.Resolve(ctx, runID, flowName, stepName, position, map[string]any{"delayMs": delayMs})
	return err
}

func (s *Subsystem) handleTimeoutJob(ctx context.Context, job *storage.Job) error {
	runID, _ := job.Data["runId"].(string)
	flowName, _ := job.Data["flowName"].(string)
	stepName, _ := job.Data["stepName"].(string)
	position := flow.AwaitPosition(fmt.Sprint(job.Data["position"]))
	k := pendingKey{runID, stepName, string(position)}

	s.mu.Lock()
	pa, ok := s.pending[k]
	if ok {
		delete(s.pending, k)
	}
	s.mu.Unlock()
	if !ok {
		// Already resolved before the timeout fired: no-op.
		return nil
	}

	if _, err := s.mgr.Publish(ctx, storage.EventInput{
		Type: events.TypeAwaitTimeout, RunID: runID, FlowName: flowName, StepName: stepName,
		Data: map[string]any{"position": string(position)},
	}); err != nil {
		return err
	}
	s.hookReg.FireAwaitTimeout(ctx, hooks.AwaitEvent{RunID: runID, FlowName: flowName, StepName: stepName, Position: string(position)})

	if pa.config.OnTimeout == flow.TimeoutActionContinue {
		return s.finishResolution(ctx, runID, flowName, stepName, position, pa.config.TimeoutFallback)
	}

	// Default action: fail. For awaitBefore the step never started, so the
	// failure is the step's; for awaitAfter the step already completed, so
	// the failure belongs to the run as a whole.
	if position == flow.AwaitBefore {
		_, err := s.mgr.Publish(ctx, storage.EventInput{
			Type: events.TypeStepFailed, RunID: runID, FlowName: flowName, StepName: stepName,
			Data: map[string]any{"reason": "timeout", "position": string(position), "terminal": true},
		})
		return err
	}
	_, err := s.mgr.Publish(ctx, storage.EventInput{
		Type: events.TypeFlowFailed, RunID: runID, FlowName: flowName,
		Data: map[string]any{"reason": "await_timeout", "stepName": stepName},
	})
	return err
}

// FireScheduled resolves a schedule-flavor await that internal/scheduler
// has determined is due, and re-registers the next occurrence unless the
// await was declared "once".
func (s *Subsystem) FireScheduled(ctx context.Context, runID, flowName, stepName string, position flow.AwaitPosition) error {
	k := pendingKey{runID, stepName, string(position)}
	s.mu.Lock()
	pa, ok := s.pending[k]
	if ok {
		delete(s.pending, k)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := s.finishResolution(ctx, runID, flowName, stepName, position, map[string]any{}); err != nil {
		return err
	}
	if pa.config.Once {
		_, _ = s.mgr.Store().Index().Delete(ctx, s.names.SchedulerJobsIndex(), fmt.Sprintf("await:%s:%s:%s", runID, stepName, position))
		return nil
	}

	next, err := NextCronFire(pa.config.Cron, storage.NowMs())
	if err != nil {
		return err
	}
	pa.resolveAt = next
	s.mu.Lock()
	s.pending[k] = pa
	s.mu.Unlock()
	return s.writeSchedulerJobRow(ctx, runID, flowName, stepName, position, pa.config, next)
}
