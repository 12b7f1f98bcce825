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

// Package runner implements the Flow/Step Runner (spec.md §4.3): the job
// processor that turns dequeued jobs into executed step handlers, awaits,
// and emitted events.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowkit/flowkit/internal/await"
	"github.com/flowkit/flowkit/internal/events"
	"github.com/flowkit/flowkit/internal/log"
	"github.com/flowkit/flowkit/internal/names"
	"github.com/flowkit/flowkit/internal/runctx"
	"github.com/flowkit/flowkit/internal/storage"
	"github.com/flowkit/flowkit/internal/tracing"
	flowerrors "github.com/flowkit/flowkit/pkg/errors"
	"github.com/flowkit/flowkit/pkg/flow"
	"github.com/flowkit/flowkit/pkg/observability"
)

const defaultQueueName = "flowkit:steps"

// FlowStarter is the narrow callback the runner uses to start a
// schedule-driven flow (job.Data.__scheduledFlowStart, spec.md §4.3 step 1).
type FlowStarter interface {
	StartFlow(ctx context.Context, flowName string, input any) (runID string, err error)
}

// Runner is the Flow/Step Runner.
type Runner struct {
	queue   storage.Queue
	mgr     *events.Manager
	awaitS  *await.Subsystem
	names   names.Names
	logger  *slog.Logger
	stateCfg runctx.Config

	flowController flow.FlowController
	starter        FlowStarter

	tracer  observability.Tracer
	metrics *tracing.MetricsCollector

	mu    sync.RWMutex
	flows map[string]*flow.Flow

	pendingMu sync.Mutex
	pending   map[string]map[string]any // runID|stepName -> original job data
}

// New creates a Runner. flowController and starter are supplied after
// construction via SetFlowController/SetStarter to break the
// runner<->engine import cycle.
func New(queue storage.Queue, mgr *events.Manager, awaitS *await.Subsystem, n names.Names, stateCfg runctx.Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		queue:    queue,
		mgr:      mgr,
		awaitS:   awaitS,
		names:    n,
		stateCfg: stateCfg,
		logger:   logger,
		flows:    make(map[string]*flow.Flow),
		pending:  make(map[string]map[string]any),
	}
	awaitS.SetEnqueuer(r)
	return r
}

// SetFlowController wires the capability set RunContext.Flow exposes.
func (r *Runner) SetFlowController(fc flow.FlowController) { r.flowController = fc }

// SetStarter wires the schedule-driven flow start callback.
func (r *Runner) SetStarter(s FlowStarter) { r.starter = s }

// SetObservability wires an optional tracer and metrics collector around
// step execution. Both are nil-safe: a runner with neither set behaves
// exactly as before.
func (r *Runner) SetObservability(tracer observability.Tracer, metrics *tracing.MetricsCollector) {
	r.tracer = tracer
	r.metrics = metrics
}

// RegisterFlow adds a flow to the runner's registry and registers one
// queue worker per step, grouped by the step's configured queue (default:
// the flow's own name).
func (r *Runner) RegisterFlow(ctx context.Context, f *flow.Flow) error {
	r.mu.Lock()
	r.flows[f.Name] = f
	r.mu.Unlock()

	queuesToStart := map[string]bool{}
	for _, step := range f.Steps {
		queueName := step.Queue
		if queueName == "" {
			queueName = f.Name
		}
		opts := storage.WorkerOptions{Concurrency: step.Worker.Concurrency, Autorun: step.Worker.Autorun}
		if opts.Concurrency <= 0 {
			opts.Concurrency = 1
		}
		if err := r.queue.RegisterWorker(queueName, step.Name, r.handleJob, opts); err != nil {
			return flowerrors.Wrapf(err, "registering worker for %s/%s", f.Name, step.Name)
		}
		if step.Worker.Autorun {
			queuesToStart[queueName] = true
		}
	}
	for q := range queuesToStart {
		if err := r.queue.StartProcessingQueue(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// StartAllQueues begins processing every queue a registered flow uses,
// regardless of per-step autorun (used by the "serve" entrypoint once
// every flow is loaded).
func (r *Runner) StartAllQueues(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	started := map[string]bool{}
	for _, f := range r.flows {
		for _, step := range f.Steps {
			queueName := step.Queue
			if queueName == "" {
				queueName = f.Name
			}
			if started[queueName] {
				continue
			}
			started[queueName] = true
			if err := r.queue.StartProcessingQueue(ctx, queueName); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) lookupFlow(name string) *flow.Flow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flows[name]
}

// Lookup satisfies projection.FlowRegistry, so the projection wiring reads
// flow definitions from the same registry the runner itself enqueues
// against, rather than keeping a second copy in sync.
func (r *Runner) Lookup(flowName string) *flow.Flow { return r.lookupFlow(flowName) }

func (r *Runner) queueNameFor(f *flow.Flow, step *flow.Step) string {
	if step.Queue != "" {
		return step.Queue
	}
	return f.Name
}

// EnqueueStepJob implements await.ResumeEnqueuer: it re-enqueues the
// idempotent step job after an awaitBefore resolves, restoring the
// original job data captured when the await was registered and merging in
// the resolution fields (awaitResolved, awaitData).
func (r *Runner) EnqueueStepJob(ctx context.Context, runID, flowName, stepName string, data map[string]any) error {
	f := r.lookupFlow(flowName)
	if f == nil {
		return &flowerrors.NotFoundError{Resource: "flow", ID: flowName}
	}
	step := f.StepByName(stepName)
	if step == nil {
		return &flowerrors.NotFoundError{Resource: "step", ID: flowName + "/" + stepName}
	}

	merged := map[string]any{"flowId": runID, "flowName": flowName}
	r.pendingMu.Lock()
	if orig, ok := r.pending[pendingDataKey(runID, stepName)]; ok {
		for k, v := range orig {
			merged[k] = v
		}
		delete(r.pending, pendingDataKey(runID, stepName))
	}
	r.pendingMu.Unlock()
	for k, v := range data {
		merged[k] = v
	}

	queueName := r.queueNameFor(f, step)
	_, err := r.queue.Enqueue(ctx, queueName, storage.JobInput{
		Name: step.Name,
		Data: merged,
		Opts: jobOptsFromDefaults(step.Job, fmt.Sprintf("%s__%s", runID, step.Name)),
	})
	return err
}

func pendingDataKey(runID, stepName string) string { return runID + "\x00" + stepName }

func jobOptsFromDefaults(defaults flow.JobDefaults, jobID string) storage.JobOptions {
	opts := storage.JobOptions{
		Attempts:  defaults.Attempts,
		Priority:  defaults.Priority,
		TimeoutMs: defaults.TimeoutMs,
		JobID:     jobID,
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if defaults.Backoff != nil {
		opts.Backoff = &storage.Backoff{Type: storage.BackoffType(defaults.Backoff.Type), DelayMs: defaults.Backoff.DelayMs}
	}
	return opts
}

// EnqueueEntry enqueues the entry step's job for a freshly created run.
// Called by the Flow Engine Facade's StartFlow.
func (r *Runner) EnqueueEntry(ctx context.Context, f *flow.Flow, runID string, input any) error {
	entry := f.EntryStep()
	if entry == nil {
		return &flowerrors.NotFoundError{Resource: "entry step", ID: f.Name}
	}
	queueName := r.queueNameFor(f, entry)
	_, err := r.queue.Enqueue(ctx, queueName, storage.JobInput{
		Name: entry.Name,
		Data: map[string]any{"flowId": runID, "flowName": f.Name, "input": input},
		Opts: jobOptsFromDefaults(entry.Job, fmt.Sprintf("%s__%s", runID, entry.Name)),
	})
	return err
}

// EnqueueDependent enqueues a dependent step's job in reaction to an
// "emit" event. Called by the projection wiring (spec.md §4.7's emit
// row), not directly by the runner's own job handling.
func (r *Runner) EnqueueDependent(ctx context.Context, flowName, runID, stepName string, payload any) error {
	f := r.lookupFlow(flowName)
	if f == nil {
		return &flowerrors.NotFoundError{Resource: "flow", ID: flowName}
	}
	step := f.StepByName(stepName)
	if step == nil {
		return &flowerrors.NotFoundError{Resource: "step", ID: flowName + "/" + stepName}
	}
	queueName := r.queueNameFor(f, step)
	_, err := r.queue.Enqueue(ctx, queueName, storage.JobInput{
		Name: step.Name,
		Data: map[string]any{"flowId": runID, "flowName": flowName, "input": payload},
		Opts: jobOptsFromDefaults(step.Job, fmt.Sprintf("%s__%s", runID, step.Name)),
	})
	return err
}

func (r *Runner) handleJob(ctx context.Context, job *storage.Job) error {
	if _, scheduled := job.Data["__scheduledFlowStart"]; scheduled {
		if r.starter == nil {
			return nil
		}
		_, err := r.starter.StartFlow(ctx, job.Data["flowName"].(string), job.Data["input"])
		return err
	}

	runID, _ := job.Data["flowId"].(string)
	if runID == "" {
		runID = uuid.NewString()
	}
	flowName, _ := job.Data["flowName"].(string)

	f := r.lookupFlow(flowName)
	if f == nil {
		r.logger.Warn("step job for unknown flow dropped", "flow", flowName, "step", job.Name)
		return nil
	}
	step := f.StepByName(job.Name)
	if step == nil {
		r.logger.Warn("step job for unknown step dropped", "flow", flowName, "step", job.Name)
		return nil
	}

	attempt := job.AttemptsMade + 1
	stepID := fmt.Sprintf("%s__%s__attempt-%d", runID, step.Name, attempt)

	awaitResolved, _ := job.Data["awaitResolved"].(bool)
	if step.AwaitBefore != nil && !awaitResolved {
		r.pendingMu.Lock()
		r.pending[pendingDataKey(runID, step.Name)] = cloneData(job.Data)
		r.pendingMu.Unlock()

		if _, err := r.awaitS.Register(ctx, runID, flowName, step.Name, step.AwaitBefore, flow.AwaitBefore); err != nil {
			return err
		}
		return nil
	}

	logger := log.WithStepContext(log.WithRunContext(r.logger, runID, flowName), step.Name, stepID, attempt)

	rc := &flow.RunContext{
		Logger:   logger,
		State:    runctx.New(r.mgr.Store().KV(), r.stateCfg, runID),
		Flow:     r.flowController,
		JobID:    job.ID,
		Queue:    job.QueueName,
		RunID:    runID,
		FlowName: flowName,
		StepName: step.Name,
		StepID:   stepID,
		Attempt:  attempt,
	}
	if awaitResolved {
		rc.Trigger = job.Data["awaitData"]
		rc.AwaitConfig = step.AwaitBefore
	}

	if _, err := r.mgr.Publish(ctx, storage.EventInput{
		Type: events.TypeStepStarted, RunID: runID, FlowName: flowName, StepName: step.Name, StepID: stepID, Attempt: attempt,
	}); err != nil {
		return err
	}

	var input any
	if v, ok := job.Data["input"]; ok {
		input = v
	} else {
		input = job.Data
	}

	spanCtx := ctx
	var span observability.SpanHandle
	if r.tracer != nil {
		spanCtx, span = r.tracer.Start(ctx, "flowkit.step."+step.Name, observability.WithAttributes(map[string]any{
			"flow.name": flowName, "run.id": runID, "step.name": step.Name, "step.attempt": attempt,
		}))
	}
	start := time.Now()
	handlerErr := r.invokeHandler(spanCtx, step, input, rc)
	duration := time.Since(start)

	if span != nil {
		if handlerErr != nil {
			span.SetStatus(observability.StatusCodeError, handlerErr.Error())
			span.RecordError(handlerErr)
		} else {
			span.SetStatus(observability.StatusCodeOK, "")
		}
		span.End()
	}
	if r.metrics != nil {
		status := "completed"
		if handlerErr != nil {
			status = "failed"
		}
		r.metrics.RecordStepComplete(ctx, flowName, step.Name, status, duration)
	}

	if handlerErr != nil {
		maxAttempts := job.Opts.Attempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		terminal := attempt >= maxAttempts
		if _, err := r.mgr.Publish(ctx, storage.EventInput{
			Type: events.TypeStepFailed, RunID: runID, FlowName: flowName, StepName: step.Name, StepID: stepID, Attempt: attempt,
			Data: map[string]any{"error": handlerErr.Error(), "terminal": terminal},
		}); err != nil {
			r.logger.Error("failed to publish step.failed", "error", err)
		}
		if attempt < maxAttempts {
			if _, err := r.mgr.Publish(ctx, storage.EventInput{
				Type: events.TypeStepRetry, RunID: runID, FlowName: flowName, StepName: step.Name, StepID: stepID, Attempt: attempt,
				Data: map[string]any{"nextAttempt": attempt + 1},
			}); err != nil {
				r.logger.Error("failed to publish step.retry", "error", err)
			}
		}
		return handlerErr
	}

	if _, err := r.mgr.Publish(ctx, storage.EventInput{
		Type: events.TypeStepCompleted, RunID: runID, FlowName: flowName, StepName: step.Name, StepID: stepID, Attempt: attempt,
	}); err != nil {
		return err
	}

	if r.stateCfg.Cleanup == "immediate" {
		if err := runCleanupImmediate(ctx, r.mgr.Store().KV(), r.stateCfg, runID); err != nil {
			r.logger.Warn("immediate state cleanup failed", "run_id", runID, "error", err)
		}
	}

	if step.AwaitAfter != nil {
		if _, err := r.awaitS.Register(ctx, runID, flowName, step.Name, step.AwaitAfter, flow.AwaitAfter); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) invokeHandler(ctx context.Context, step *flow.Step, input any, rc *flow.RunContext) (err error) {
	if step.Handler == nil {
		return &flowerrors.ValidationError{Field: "handler", Message: fmt.Sprintf("step %s has no bound handler", step.Name)}
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("step %s panicked: %v", step.Name, p)
		}
	}()
	return step.Handler(ctx, input, rc)
}

func cloneData(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func runCleanupImmediate(ctx context.Context, kv storage.KVStore, cfg runctx.Config, runID string) error {
	return runctx.CleanupRun(ctx, kv, cfg, runID)
}
