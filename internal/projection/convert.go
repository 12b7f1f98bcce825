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

package projection

import "github.com/flowkit/flowkit/internal/storage"

// RunRecordFromIndex converts one run index row into the read model the
// Flow Engine Facade hands to callers.
func RunRecordFromIndex(rec *storage.IndexRecord) *RunRecord {
	out := &RunRecord{
		RunID:          rec.ID,
		FlowName:       asString(rec.Metadata["flowName"]),
		Status:         asString(rec.Metadata["status"]),
		StartedAt:      asInt64(rec.Metadata["startedAt"]),
		CompletedAt:    asInt64(rec.Metadata["completedAt"]),
		CompletedSteps: asInt64(rec.Metadata["completedSteps"]),
		LastActivityAt: asInt64(rec.Metadata["lastActivityAt"]),
		Version:        rec.Version,
		EmittedEvents:  map[string]int64{},
		AwaitingSteps:  map[string]any{},
	}
	if ee, ok := rec.Metadata["emittedEvents"].(map[string]any); ok {
		for k, v := range ee {
			out.EmittedEvents[k] = asInt64(v)
		}
	}
	if as, ok := rec.Metadata["awaitingSteps"].(map[string]any); ok {
		for k, v := range as {
			if v != nil {
				out.AwaitingSteps[k] = v
			}
		}
	}
	return out
}

// FlowStatsFromIndex converts one flow aggregate index row into a read
// model.
func FlowStatsFromIndex(rec *storage.IndexRecord) *FlowStats {
	stats, _ := rec.Metadata["stats"].(map[string]any)
	get := func(k string) int64 {
		if stats == nil {
			return 0
		}
		return asInt64(stats[k])
	}
	return &FlowStats{
		FlowName:  rec.ID,
		Total:     get("total"),
		Success:   get("success"),
		Failure:   get("failure"),
		Running:   get("running"),
		Awaiting:  get("awaiting"),
		Cancel:    get("cancel"),
		LastRunAt: asInt64(rec.Metadata["lastRunAt"]),
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
