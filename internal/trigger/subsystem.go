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

package trigger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowkit/flowkit/internal/await"
	"github.com/flowkit/flowkit/internal/events"
	"github.com/flowkit/flowkit/internal/names"
	"github.com/flowkit/flowkit/internal/storage"
	flowerrors "github.com/flowkit/flowkit/pkg/errors"
)

const maxCASRetries = 5

// Subsystem implements trigger registration, subscription, emission, and
// retirement (spec.md §4.5).
type Subsystem struct {
	mgr    *events.Manager
	names  names.Names
	logger *slog.Logger

	starter FlowStarter
}

// New creates a Trigger Subsystem.
func New(mgr *events.Manager, n names.Names, logger *slog.Logger) *Subsystem {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subsystem{mgr: mgr, names: n, logger: logger}
}

// SetFlowStarter wires the engine-side flow starter. Called once during
// engine construction to break the trigger<->engine import cycle.
func (s *Subsystem) SetFlowStarter(f FlowStarter) { s.starter = f }

func (s *Subsystem) index() storage.IndexStore { return s.mgr.Store().Index() }

// RegisterTrigger upserts a trigger's config. Re-registering an existing
// trigger updates its config in place and appends trigger.updated instead
// of trigger.registered.
func (s *Subsystem) RegisterTrigger(ctx context.Context, cfg Config) (*Record, error) {
	if cfg.Name == "" {
		return nil, &flowerrors.ValidationError{Field: "name", Message: "trigger name must not be empty"}
	}
	now := storage.NowMs()
	key := s.names.TriggersIndex()

	existing, err := s.index().Get(ctx, key, cfg.Name)
	isUpdate := err == nil && existing != nil

	metadata := map[string]any{
		"type":           string(cfg.Type),
		"scope":          string(cfg.Scope),
		"status":         string(StatusActive),
		"lastActivityAt": now,
		"cron":           cfg.Cron,
		"path":           cfg.Path,
		"method":         cfg.Method,
	}

	if isUpdate {
		if err := s.index().UpdateWithRetry(ctx, key, cfg.Name, metadata, maxCASRetries); err != nil {
			return nil, err
		}
		if _, err := s.mgr.PublishTrigger(ctx, cfg.Name, storage.EventInput{
			Type: events.TypeTriggerUpdated, Data: map[string]any{"name": cfg.Name, "type": string(cfg.Type)},
		}); err != nil {
			return nil, err
		}
	} else {
		metadata["registeredAt"] = now
		metadata["subscriptions"] = map[string]any{}
		metadata["stats"] = map[string]any{"totalFires": 0, "lastFiredAt": 0, "totalFlowsStarted": 0, "activeSubscribers": 0}
		if err := s.index().Add(ctx, key, cfg.Name, 0, metadata); err != nil {
			return nil, err
		}
		if _, err := s.mgr.PublishTrigger(ctx, cfg.Name, storage.EventInput{
			Type: events.TypeTriggerRegistered, Data: map[string]any{"name": cfg.Name, "type": string(cfg.Type)},
		}); err != nil {
			return nil, err
		}
	}

	if cfg.Type == TypeSchedule {
		if err := s.writeSchedulerJobRow(ctx, cfg.Name, cfg.Cron, now); err != nil {
			return nil, err
		}
	}

	return s.GetTrigger(ctx, cfg.Name)
}

// writeSchedulerJobRow (re)computes a schedule-type trigger's next cron
// fire and upserts its row in the scheduler:jobs index, the persistence
// surface internal/scheduler polls (spec.md's Open Question decision 3).
func (s *Subsystem) writeSchedulerJobRow(ctx context.Context, triggerName, cronExpr string, nowMs int64) error {
	next, err := await.NextCronFire(cronExpr, nowMs)
	if err != nil {
		return err
	}
	id := fmt.Sprintf("trigger:%s", triggerName)
	row := map[string]any{
		"kind":       "trigger",
		"name":       triggerName,
		"cron":       cronExpr,
		"nextFireAt": next,
	}
	if _, getErr := s.mgr.Store().Index().Get(ctx, s.names.SchedulerJobsIndex(), id); getErr == nil {
		return s.mgr.Store().Index().UpdateWithRetry(ctx, s.names.SchedulerJobsIndex(), id, row, maxCASRetries)
	}
	return s.mgr.Store().Index().Add(ctx, s.names.SchedulerJobsIndex(), id, float64(next), row)
}

// SubscribeTrigger adds flowName as a subscriber of trigger, in the given
// mode. Idempotent: re-subscribing the same flow in the same mode is a
// no-op that still reports success.
func (s *Subsystem) SubscribeTrigger(ctx context.Context, triggerName, flowName string, mode SubscriptionMode) error {
	key := s.names.TriggersIndex()
	rec, err := s.GetTrigger(ctx, triggerName)
	if err != nil {
		return err
	}
	if rec.Status == StatusRetired {
		return &flowerrors.ValidationError{Field: "trigger", Message: fmt.Sprintf("trigger %q is retired and rejects new subscriptions", triggerName)}
	}
	if _, already := rec.Subscriptions[flowName]; already {
		return nil
	}

	now := storage.NowMs()
	if err := s.index().UpdateWithRetry(ctx, key, triggerName, map[string]any{
		"subscriptions": map[string]any{
			flowName: map[string]any{"flowName": flowName, "mode": string(mode), "subscribedAt": now},
		},
	}, maxCASRetries); err != nil {
		return err
	}
	if _, err := s.index().Increment(ctx, key, triggerName, "stats.activeSubscribers", 1); err != nil {
		return err
	}
	_, err = s.mgr.PublishTrigger(ctx, triggerName, storage.EventInput{
		Type: events.TypeSubscriptionAdded,
		Data: map[string]any{"flowName": flowName, "mode": string(mode)},
	})
	return err
}

// EmitTrigger fires a trigger: bumps stats, appends trigger.fired, and
// starts every auto-subscribed flow. Per-flow start failures are logged
// and do not abort siblings (spec.md §4.5).
func (s *Subsystem) EmitTrigger(ctx context.Context, triggerName string, data map[string]any) (*FireResult, error) {
	key := s.names.TriggersIndex()
	rec, err := s.GetTrigger(ctx, triggerName)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusRetired {
		return nil, &flowerrors.ValidationError{Field: "trigger", Message: fmt.Sprintf("trigger %q is retired and rejects emissions", triggerName)}
	}

	if _, err := s.index().Increment(ctx, key, triggerName, "stats.totalFires", 1); err != nil {
		return nil, err
	}
	now := storage.NowMs()
	if err := s.index().UpdateWithRetry(ctx, key, triggerName, map[string]any{
		"stats": map[string]any{"lastFiredAt": now}, "lastActivityAt": now,
	}, maxCASRetries); err != nil {
		return nil, err
	}

	if _, err := s.mgr.PublishTrigger(ctx, triggerName, storage.EventInput{
		Type: events.TypeTriggerFired,
		Data: map[string]any{"name": triggerName, "hasData": data != nil},
	}); err != nil {
		return nil, err
	}

	result := &FireResult{StartedRunIDs: map[string]string{}, Errors: map[string]error{}}
	for flowName, sub := range rec.Subscriptions {
		result.SubscribedFlows = append(result.SubscribedFlows, flowName)
		if sub.Mode != string(ModeAuto) {
			continue
		}
		if s.starter == nil {
			continue
		}
		runID, err := s.starter.StartFlow(ctx, flowName, data)
		if err != nil {
			s.logger.Warn("trigger-started flow failed", "trigger", triggerName, "flow", flowName, "error", err)
			result.Errors[flowName] = err
			continue
		}
		result.StartedRunIDs[flowName] = runID
		if _, err := s.index().Increment(ctx, key, triggerName, "stats.totalFlowsStarted", 1); err != nil {
			s.logger.Warn("failed to increment totalFlowsStarted", "trigger", triggerName, "error", err)
		}
	}
	return result, nil
}

// RetireTrigger marks a trigger retired: it keeps serving reads but
// rejects new subscriptions and emissions.
func (s *Subsystem) RetireTrigger(ctx context.Context, triggerName string) error {
	key := s.names.TriggersIndex()
	rec, err := s.GetTrigger(ctx, triggerName)
	if err != nil {
		return err
	}
	if err := s.index().UpdateWithRetry(ctx, key, triggerName, map[string]any{
		"status": string(StatusRetired),
	}, maxCASRetries); err != nil {
		return err
	}
	if rec.Type == TypeSchedule {
		_, _ = s.mgr.Store().Index().Delete(ctx, s.names.SchedulerJobsIndex(), fmt.Sprintf("trigger:%s", triggerName))
	}
	_, err = s.mgr.PublishTrigger(ctx, triggerName, storage.EventInput{
		Type: events.TypeTriggerRetired,
		Data: map[string]any{"finalStats": rec.Stats},
	})
	return err
}

// GetTrigger reads one trigger's current record.
func (s *Subsystem) GetTrigger(ctx context.Context, triggerName string) (*Record, error) {
	ixrec, err := s.index().Get(ctx, s.names.TriggersIndex(), triggerName)
	if err != nil {
		return nil, err
	}
	return recordFromMetadata(triggerName, ixrec.Metadata), nil
}

// ListTriggers returns every registered trigger.
func (s *Subsystem) ListTriggers(ctx context.Context) ([]*Record, error) {
	rows, err := s.index().Read(ctx, s.names.TriggersIndex(), storage.IndexReadOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, recordFromMetadata(row.ID, row.Metadata))
	}
	return out, nil
}
