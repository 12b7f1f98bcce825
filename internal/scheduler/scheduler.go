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

// Package scheduler drives the schedule-flavor Await and schedule-type
// Trigger firing loop. It re-derives due jobs from the scheduler:jobs
// index (spec.md's Open Question decision 3) on each tick rather than
// keeping its own in-memory schedule, so the index stays the single
// source of truth across process restarts.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowkit/flowkit/internal/await"
	"github.com/flowkit/flowkit/internal/names"
	"github.com/flowkit/flowkit/internal/storage"
	"github.com/flowkit/flowkit/internal/trigger"
	"github.com/flowkit/flowkit/pkg/flow"
)

const defaultTick = time.Second

// Scheduler polls the scheduler:jobs index and fires due schedule-flavor
// awaits and schedule-type triggers.
type Scheduler struct {
	store   storage.Store
	awaitS  *await.Subsystem
	trig    *trigger.Subsystem
	names   names.Names
	logger  *slog.Logger
	tick    time.Duration

	stop chan struct{}
	done chan struct{}
}

// New creates a Scheduler. tick defaults to one second if zero.
func New(store storage.Store, awaitS *await.Subsystem, trig *trigger.Subsystem, n names.Names, tick time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if tick <= 0 {
		tick = defaultTick
	}
	return &Scheduler{
		store:  store,
		awaitS: awaitS,
		trig:   trig,
		names:  n,
		logger: logger,
		tick:   tick,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the polling loop in a background goroutine until Stop is
// called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop signals the loop to exit and waits for it to return.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce scans every row in the scheduler:jobs index and fires the ones
// whose nextFireAt has passed. It is exported indirectly through Start's
// loop but kept unexported so tests can drive a single tick deterministically.
func (s *Scheduler) runOnce(ctx context.Context) {
	rows, err := s.store.Index().Read(ctx, s.names.SchedulerJobsIndex(), storage.IndexReadOptions{})
	if err != nil {
		s.logger.Error("scheduler: failed to read jobs index", "error", err)
		return
	}
	now := storage.NowMs()
	for _, row := range rows {
		nextFireAt := int64(asFloat(row.Metadata["nextFireAt"]))
		if nextFireAt > now {
			continue
		}
		kind, _ := row.Metadata["kind"].(string)
		switch kind {
		case "await":
			s.fireAwaitJob(ctx, row)
		case "trigger":
			s.fireTriggerJob(ctx, row)
		default:
			s.logger.Warn("scheduler: unknown job kind", "id", row.ID, "kind", kind)
		}
	}
}

func (s *Scheduler) fireAwaitJob(ctx context.Context, row *storage.IndexRecord) {
	runID, _ := row.Metadata["runId"].(string)
	flowName, _ := row.Metadata["flowName"].(string)
	stepName, _ := row.Metadata["stepName"].(string)
	position, _ := row.Metadata["position"].(string)
	if err := s.awaitS.FireScheduled(ctx, runID, flowName, stepName, flow.AwaitPosition(position)); err != nil {
		s.logger.Error("scheduler: await fire failed", "run_id", runID, "step", stepName, "error", err)
	}
}

func (s *Scheduler) fireTriggerJob(ctx context.Context, row *storage.IndexRecord) {
	triggerName, _ := row.Metadata["name"].(string)
	if _, err := s.trig.EmitTrigger(ctx, triggerName, map[string]any{}); err != nil {
		s.logger.Error("scheduler: trigger fire failed", "trigger", triggerName, "error", err)
		return
	}
	cronExpr, _ := row.Metadata["cron"].(string)
	next, err := await.NextCronFire(cronExpr, storage.NowMs())
	if err != nil {
		s.logger.Error("scheduler: failed to compute next fire", "trigger", triggerName, "error", err)
		return
	}
	if err := s.store.Index().UpdateWithRetry(ctx, s.names.SchedulerJobsIndex(), row.ID, map[string]any{
		"nextFireAt": next,
	}, 5); err != nil {
		s.logger.Error("scheduler: failed to reschedule trigger", "trigger", triggerName, "error", err)
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}
