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

// Package names centralizes the subject/topic/index naming scheme spec.md
// §4.1 defines, all under one configurable prefix P, so every subsystem
// builds the same string for the same concept.
package names

import "fmt"

// Names builds every stream/index/topic subject under one prefix.
type Names struct {
	Prefix string
}

// New returns a Names builder for the given prefix. An empty prefix
// defaults to "flowkit".
func New(prefix string) Names {
	if prefix == "" {
		prefix = "flowkit"
	}
	return Names{Prefix: prefix}
}

// FlowRunStream is the per-run event stream subject.
func (n Names) FlowRunStream(runID string) string {
	return fmt.Sprintf("%s:flow:run:%s", n.Prefix, runID)
}

// TriggerEventStream is the per-trigger event stream subject.
func (n Names) TriggerEventStream(triggerName string) string {
	return fmt.Sprintf("%s:trigger:event:%s", n.Prefix, triggerName)
}

// FlowRunsIndex is the index key for one flow's runs.
func (n Names) FlowRunsIndex(flowName string) string {
	return fmt.Sprintf("%s:flow:runs:%s", n.Prefix, flowName)
}

// FlowsIndex is the index key for the flow aggregate stats.
func (n Names) FlowsIndex() string {
	return fmt.Sprintf("%s:flows", n.Prefix)
}

// TriggersIndex is the index key for trigger records.
func (n Names) TriggersIndex() string {
	return fmt.Sprintf("%s:triggers", n.Prefix)
}

// SchedulerJobsIndex is the standalone persistence surface for cron-based
// flow starts (spec.md §9 open question 3).
func (n Names) SchedulerJobsIndex() string {
	return fmt.Sprintf("%s:scheduler:jobs", n.Prefix)
}

// FlowEventsTopic is the live per-run event broadcast topic.
func (n Names) FlowEventsTopic(runID string) string {
	return fmt.Sprintf("%s:stream:flow:events:%s", n.Prefix, runID)
}

// FlowStatsTopic is the live aggregate flow-stats broadcast topic.
func (n Names) FlowStatsTopic() string {
	return fmt.Sprintf("%s:stream:flow:stats", n.Prefix)
}

// TriggerEventsTopic is the live per-trigger event broadcast topic.
func (n Names) TriggerEventsTopic(triggerName string) string {
	return fmt.Sprintf("%s:stream:trigger:events:%s", n.Prefix, triggerName)
}

// TriggerStatsTopic is the live aggregate trigger-stats broadcast topic.
func (n Names) TriggerStatsTopic() string {
	return fmt.Sprintf("%s:stream:trigger:stats", n.Prefix)
}
