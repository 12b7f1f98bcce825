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

package flow

import (
	"context"
	"log/slog"
)

// StepHandler is the user function executed for one step attempt. input is
// the raw payload for entry steps, or the subscribed event's payload for
// dependent steps.
type StepHandler func(ctx context.Context, input any, rc *RunContext) error

// RunSummary is a read-model projection of one run, used by FlowController
// listing operations.
type RunSummary struct {
	RunID    string
	FlowName string
	Status   string
}

// StateStore is the scoped key-value capability exposed to handlers through
// RunContext.State. Implementations apply the configured auto-scope policy
// (always/flow/never) before touching the underlying Store.
type StateStore interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any, ttlSec int64) error
	Delete(ctx context.Context, key string) error
}

// FlowController is the subset of the Flow Engine Facade a running step
// handler may call through RunContext.Flow.
type FlowController interface {
	Emit(ctx context.Context, runID, flowName, stepName, eventName string, payload any) error
	StartFlow(ctx context.Context, flowName string, input any) (runID string, err error)
	CancelFlow(ctx context.Context, flowName, runID string) error
	IsRunning(ctx context.Context, flowName string, runID string) (bool, error)
	GetRunningFlows(ctx context.Context, flowName string) ([]RunSummary, error)
}

// RunContext is the capability set passed to a step handler. It is a plain
// struct with bound fields and methods, not a closure over call-site
// variables, so that runId/flowName/stepName propagate by value.
type RunContext struct {
	Logger *slog.Logger
	State  StateStore
	Flow   FlowController

	JobID    string
	Queue    string
	RunID    string
	FlowName string
	StepName string
	StepID   string
	Attempt  int

	// Trigger carries the resolved await-before payload, if any.
	Trigger any

	// AwaitConfig is the await configuration active for this invocation,
	// if the step has one (before or after, whichever applies to the
	// current phase).
	AwaitConfig *AwaitConfig
}

// Emit publishes an emit event with the context's runId/flowName/stepName
// auto-injected.
func (rc *RunContext) Emit(ctx context.Context, eventName string, payload any) error {
	return rc.Flow.Emit(ctx, rc.RunID, rc.FlowName, rc.StepName, eventName, payload)
}

// Log emits a structured log line tagged with the run context's fields.
func (rc *RunContext) Log(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	if rc.Logger == nil {
		return
	}
	rc.Logger.LogAttrs(ctx, level, msg, attrs...)
}
