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

package log

import (
	"log/slog"
	"strings"
)

// WithRunContext attaches run/flow identity fields to a derived logger, so
// every line the runner and projection wiring emit for one run correlates
// under the same run_id/flow pair.
func WithRunContext(logger *slog.Logger, runID, flowName string) *slog.Logger {
	return logger.With(RunIDKey, runID, FlowKey, flowName)
}

// WithStepContext extends a run-scoped logger with step identity, used by
// the job processor and RunContext.Logger.
func WithStepContext(logger *slog.Logger, stepName, stepID string, attempt int) *slog.Logger {
	return logger.With("step", stepName, StepIDKey, stepID, "attempt", attempt)
}

// WithTrigger attaches a trigger name field, used by the trigger
// subsystem and gateway.
func WithTrigger(logger *slog.Logger, triggerName string) *slog.Logger {
	return logger.With(TriggerKey, triggerName)
}

// secretFieldSuffixes names field fragments that mark a value as sensitive.
var secretFieldSuffixes = []string{"secret", "token", "signature", "credential", "password", "apikey"}

// SanitizeSecret fully redacts a field value if its key looks like it
// carries a webhook signing secret or connector credential, so it can
// never reach a log line. Non-matching keys pass their value through
// unchanged.
func SanitizeSecret(key string, value string) string {
	lower := strings.ToLower(key)
	for _, suffix := range secretFieldSuffixes {
		if strings.Contains(lower, suffix) {
			return "[REDACTED]"
		}
	}
	return value
}
