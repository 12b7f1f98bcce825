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

// Package trigger implements the Trigger Subsystem (spec.md §4.5):
// registration, flow subscription, emission, and statistics for named
// external signal sources that start flows.
package trigger

import "context"

// Type identifies what kind of external signal a trigger represents.
type Type string

const (
	TypeEvent    Type = "event"
	TypeWebhook  Type = "webhook"
	TypeSchedule Type = "schedule"
	TypeManual   Type = "manual"
)

// Scope controls whether a trigger fire starts a new run or feeds an
// existing one.
type Scope string

const (
	ScopeFlow Scope = "flow"
	ScopeRun  Scope = "run"
)

// Status is a trigger's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusRetired  Status = "retired"
)

// SubscriptionMode controls whether a subscribed flow auto-starts on
// emission or must be started manually after observing trigger.fired.
type SubscriptionMode string

const (
	ModeAuto   SubscriptionMode = "auto"
	ModeManual SubscriptionMode = "manual"
)

// Config declares a new trigger at registration time.
type Config struct {
	Name   string
	Type   Type
	Scope  Scope
	Cron   string // schedule-type only
	Path   string // webhook-type only
	Method string // webhook-type only
}

// Subscription is one flow's subscription to a trigger.
type Subscription struct {
	FlowName     string `json:"flowName"`
	Mode         string `json:"mode"`
	SubscribedAt int64  `json:"subscribedAt"`
}

// Stats are the trigger's running counters (spec.md §3).
type Stats struct {
	TotalFires         int64 `json:"totalFires"`
	LastFiredAt        int64 `json:"lastFiredAt"`
	TotalFlowsStarted  int64 `json:"totalFlowsStarted"`
	ActiveSubscribers  int64 `json:"activeSubscribers"`
}

// Record is the read model for one trigger, assembled from its index
// metadata.
type Record struct {
	Name          string                  `json:"name"`
	Type          Type                    `json:"type"`
	Scope         Scope                   `json:"scope"`
	Status        Status                  `json:"status"`
	RegisteredAt  int64                   `json:"registeredAt"`
	LastActivityAt int64                  `json:"lastActivityAt"`
	Cron          string                  `json:"cron,omitempty"`
	Path          string                  `json:"path,omitempty"`
	Method        string                  `json:"method,omitempty"`
	Stats         Stats                   `json:"stats"`
	Subscriptions map[string]Subscription `json:"subscriptions"`
}

// FlowStarter is the subset of the Flow Engine Facade EmitTrigger calls to
// start subscribed flows. A narrow interface avoids an import cycle with
// internal/engine.
type FlowStarter interface {
	StartFlow(ctx context.Context, flowName string, input any) (runID string, err error)
}

// FireResult summarizes one EmitTrigger call for the HTTP boundary
// (spec.md §6's 200 {success, subscribedFlows[]} response).
type FireResult struct {
	SubscribedFlows []string
	StartedRunIDs   map[string]string
	Errors          map[string]error
}
