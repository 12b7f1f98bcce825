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

// Package events implements the Event Manager: the only ingress path for
// every observable state change in the engine (spec.md §4.2).
package events

// Event type constants. These are the vocabulary the projection wiring
// (internal/projection) switches on.
const (
	TypeFlowStart     = "flow.start"
	TypeFlowCompleted = "flow.completed"
	TypeFlowFailed    = "flow.failed"
	TypeFlowCancel    = "flow.cancel"
	TypeFlowStalled   = "flow.stalled"

	TypeStepStarted   = "step.started"
	TypeStepCompleted = "step.completed"
	TypeStepFailed    = "step.failed"
	TypeStepRetry     = "step.retry"

	TypeAwaitRegistered = "await.registered"
	TypeAwaitResolved   = "await.resolved"
	TypeAwaitTimeout    = "await.timeout"

	TypeEmit = "emit"
	TypeLog  = "log"

	TypeTriggerRegistered  = "trigger.registered"
	TypeTriggerUpdated     = "trigger.updated"
	TypeTriggerFired       = "trigger.fired"
	TypeTriggerRetired     = "trigger.retired"
	TypeSubscriptionAdded  = "subscription.added"
)

// Terminal reports whether a flow event type marks a run as terminal
// (spec.md §3: status is terminal iff completedAt is set).
func Terminal(eventType string) bool {
	switch eventType {
	case TypeFlowCompleted, TypeFlowFailed, TypeFlowCancel, TypeFlowStalled:
		return true
	default:
		return false
	}
}
