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

// Package projection implements the Projection Wiring (spec.md §4.7): the
// sole writer of the run index and the flow aggregate index, and the
// dispatcher that turns "emit" events into dependent-step job enqueues.
package projection

import (
	"context"

	"github.com/flowkit/flowkit/pkg/flow"
)

// DependentEnqueuer is the narrow subset of the runner the wiring calls to
// start a dependent step job reacting to an emit. A separate interface
// from await.ResumeEnqueuer so the wiring never needs the runner's full
// surface.
type DependentEnqueuer interface {
	EnqueueDependent(ctx context.Context, flowName, runID, stepName string, payload any) error
}

// RunRecord is a read-model snapshot of one run, converted out of the run
// index's opaque metadata map for callers (the Flow Engine Facade, the
// gateway).
type RunRecord struct {
	RunID          string
	FlowName       string
	Status         string
	StartedAt      int64
	CompletedAt    int64
	CompletedSteps int64
	LastActivityAt int64
	EmittedEvents  map[string]int64
	AwaitingSteps  map[string]any
	Version        int64
}

// FlowStats is a read-model snapshot of one flow's aggregate counters.
type FlowStats struct {
	FlowName          string
	Total             int64
	Success           int64
	Failure           int64
	Running           int64
	Awaiting          int64
	Cancel            int64
	LastRunAt         int64
}

// FlowRegistry resolves a flow by name for subscription/await lookups.
// Satisfied by the runner's own registry through a thin adapter so the
// wiring never imports the runner package.
type FlowRegistry interface {
	Lookup(flowName string) *flow.Flow
}

// MapFlowRegistry is the simplest FlowRegistry: a fixed map handed to the
// wiring once at engine construction time.
type MapFlowRegistry map[string]*flow.Flow

func (m MapFlowRegistry) Lookup(flowName string) *flow.Flow { return m[flowName] }
