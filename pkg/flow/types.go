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

// Package flow declares the flow/step data model: the DAG of steps a Flow
// is composed of, await configuration, and job default options.
package flow

// BackoffType selects how retry delay grows between attempts.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff configures retry delay between step attempts.
type Backoff struct {
	Type    BackoffType `yaml:"type" json:"type"`
	DelayMs int64       `yaml:"delayMs" json:"delayMs"`
}

// JobDefaults carries the default job options a step's executions use.
type JobDefaults struct {
	Attempts  int      `yaml:"attempts" json:"attempts"`
	Backoff   *Backoff `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	Priority  int      `yaml:"priority,omitempty" json:"priority,omitempty"`
	TimeoutMs int64    `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
}

// WorkerOptions configures how a step's queue worker consumes jobs.
type WorkerOptions struct {
	Concurrency int  `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	Autorun     bool `yaml:"autorun,omitempty" json:"autorun,omitempty"`
}

// AwaitKind identifies which await flavor a step's await config carries.
type AwaitKind string

const (
	AwaitTime     AwaitKind = "time"
	AwaitEvent    AwaitKind = "event"
	AwaitWebhook  AwaitKind = "webhook"
	AwaitSchedule AwaitKind = "schedule"
)

// AwaitPosition marks where in a step's execution an await applies.
type AwaitPosition string

const (
	AwaitBefore AwaitPosition = "before"
	AwaitAfter  AwaitPosition = "after"
)

// TimeoutAction decides what happens when an await's timeout elapses.
type TimeoutAction string

const (
	TimeoutActionFail     TimeoutAction = "fail"
	TimeoutActionContinue TimeoutAction = "continue"
)

// AwaitConfig is the tagged union of await flavors a step may declare for
// awaitBefore/awaitAfter. Exactly one of the flavor-specific fields is
// meaningful for the given Kind.
type AwaitConfig struct {
	Kind AwaitKind `yaml:"-" json:"kind"`

	// time
	DelayMs int64 `yaml:"delayMs,omitempty" json:"delayMs,omitempty"`

	// event
	EventName string         `yaml:"event,omitempty" json:"event,omitempty"`
	Filter    map[string]any `yaml:"filter,omitempty" json:"filter,omitempty"`

	// webhook
	Path   string `yaml:"path,omitempty" json:"path,omitempty"`
	Method string `yaml:"method,omitempty" json:"method,omitempty"`

	// schedule
	Cron string `yaml:"cron,omitempty" json:"cron,omitempty"`
	Once bool   `yaml:"once,omitempty" json:"once,omitempty"`

	// common
	TimeoutMs       int64          `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
	OnTimeout       TimeoutAction  `yaml:"onTimeout,omitempty" json:"onTimeout,omitempty"`
	TimeoutFallback map[string]any `yaml:"timeoutFallback,omitempty" json:"timeoutFallback,omitempty"`
}

// Step is a named function within a Flow, identified by (FlowName, Name).
type Step struct {
	Name  string `yaml:"name" json:"name"`
	Level int    `yaml:"-" json:"level"`

	Subscribes []string `yaml:"subscribes,omitempty" json:"subscribes,omitempty"`
	Emits      []string `yaml:"emits,omitempty" json:"emits,omitempty"`

	AwaitBefore *AwaitConfig `yaml:"awaitBefore,omitempty" json:"awaitBefore,omitempty"`
	AwaitAfter  *AwaitConfig `yaml:"awaitAfter,omitempty" json:"awaitAfter,omitempty"`

	Queue   string         `yaml:"queue,omitempty" json:"queue,omitempty"`
	Worker  WorkerOptions  `yaml:"worker,omitempty" json:"worker,omitempty"`
	Job     JobDefaults    `yaml:"job,omitempty" json:"job,omitempty"`

	// Handler is the user function executed for this step. It is not
	// part of the YAML definition; it is bound at registration time via
	// Flow.BindHandler.
	Handler StepHandler `yaml:"-" json:"-"`
}

// Flow is a named DAG of steps with exactly one entry step.
type Flow struct {
	Name  string  `yaml:"name" json:"name"`
	Entry string  `yaml:"entry" json:"entry"`
	Steps []*Step `yaml:"steps" json:"steps"`
}

// StepByName returns the step with the given name, or nil.
func (f *Flow) StepByName(name string) *Step {
	for _, s := range f.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// EntryStep returns the flow's entry step.
func (f *Flow) EntryStep() *Step {
	return f.StepByName(f.Entry)
}

// BindHandler attaches a user handler function to a named step. Returns
// false if no such step exists.
func (f *Flow) BindHandler(stepName string, h StepHandler) bool {
	s := f.StepByName(stepName)
	if s == nil {
		return false
	}
	s.Handler = h
	return true
}
