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

func recordFromMetadata(name string, m map[string]any) *Record {
	rec := &Record{
		Name:           name,
		Type:           Type(asString(m["type"])),
		Scope:          Scope(asString(m["scope"])),
		Status:         Status(asString(m["status"])),
		RegisteredAt:   asInt64(m["registeredAt"]),
		LastActivityAt: asInt64(m["lastActivityAt"]),
		Cron:           asString(m["cron"]),
		Path:           asString(m["path"]),
		Method:         asString(m["method"]),
		Subscriptions:  map[string]Subscription{},
	}

	if stats, ok := m["stats"].(map[string]any); ok {
		rec.Stats = Stats{
			TotalFires:        asInt64(stats["totalFires"]),
			LastFiredAt:       asInt64(stats["lastFiredAt"]),
			TotalFlowsStarted: asInt64(stats["totalFlowsStarted"]),
			ActiveSubscribers: asInt64(stats["activeSubscribers"]),
		}
	}

	if subs, ok := m["subscriptions"].(map[string]any); ok {
		for flowName, raw := range subs {
			if sm, ok := raw.(map[string]any); ok {
				rec.Subscriptions[flowName] = Subscription{
					FlowName:     asString(sm["flowName"]),
					Mode:         asString(sm["mode"]),
					SubscribedAt: asInt64(sm["subscribedAt"]),
				}
			}
		}
	}
	return rec
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
