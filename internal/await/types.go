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

// Package await implements the four await flavors (time, event, webhook,
// schedule), their common registration/resolution path, and timeout
// handling (spec.md §4.4).
package await

import (
	"context"

	"github.com/flowkit/flowkit/pkg/flow"
)

// pendingKey identifies one outstanding await: a run cannot have two
// awaits active for the same (stepName, position) simultaneously.
type pendingKey struct {
	runID    string
	stepName string
	position string
}

// pendingAwait is the ephemeral, in-process record of one registered await.
// Per spec.md §3 await records are ephemeral; this process holds the only
// copy that matters for exactly-once resolution. The run index's
// awaitingSteps map (maintained by the projection wiring reacting to
// await.registered/await.resolved) is the durable read model for display,
// not the resolution authority.
type pendingAwait struct {
	flowName     string
	kind         flow.AwaitKind
	config       *flow.AwaitConfig
	registeredAt int64
	resolveAt    int64
	webhookToken string
}

// ResumeEnqueuer is the subset of the runner the Await Subsystem calls to
// resume execution. It is a narrow interface so the await package never
// imports the runner package.
type ResumeEnqueuer interface {
	// EnqueueStepJob re-enqueues the idempotent step job after an
	// awaitBefore resolves, with data carrying awaitResolved/awaitData.
	EnqueueStepJob(ctx context.Context, runID, flowName, stepName string, data map[string]any) error
}
