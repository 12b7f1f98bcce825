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

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowkit/flowkit/internal/events"
	"github.com/flowkit/flowkit/internal/names"
	"github.com/flowkit/flowkit/internal/storage"
)

// StallDetectorConfig configures the periodic scan for inactive runs
// (spec.md §4.7: "a stall detector... periodically scans active runs").
type StallDetectorConfig struct {
	Interval  time.Duration
	Threshold time.Duration
}

// StallDetector periodically emits flow.stalled for runs whose
// lastActivityAt is older than Threshold and that have no pending await.
type StallDetector struct {
	cfg    StallDetectorConfig
	mgr    *events.Manager
	names  names.Names
	logger *slog.Logger

	flowNames func() []string
}

// NewStallDetector creates a stall detector. flowNames supplies the set of
// registered flow names to scan each tick (the wiring has no flow registry
// of its own beyond FlowRegistry.Lookup, so the engine passes an accessor
// over its own registered-flow list).
func NewStallDetector(cfg StallDetectorConfig, mgr *events.Manager, n names.Names, flowNames func() []string, logger *slog.Logger) *StallDetector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5 * time.Minute
	}
	return &StallDetector{cfg: cfg, mgr: mgr, names: n, flowNames: flowNames, logger: logger}
}

// Run blocks, ticking at cfg.Interval until ctx is canceled.
func (d *StallDetector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scanOnce(ctx)
		}
	}
}

func (d *StallDetector) scanOnce(ctx context.Context) {
	cutoff := storage.NowMs() - d.cfg.Threshold.Milliseconds()
	for _, flowName := range d.flowNames() {
		rows, err := d.mgr.Store().Index().Read(ctx, d.names.FlowRunsIndex(flowName), storage.IndexReadOptions{
			Filter: map[string]any{"status": []any{"running", "awaiting"}},
		})
		if err != nil {
			d.logger.Warn("stall scan failed to read run index", "flow", flowName, "error", err)
			continue
		}
		for _, row := range rows {
			lastActivity := asInt64(row.Metadata["lastActivityAt"])
			if lastActivity > cutoff {
				continue
			}
			if hasPendingAwait(row.Metadata["awaitingSteps"]) {
				continue
			}
			if _, err := d.mgr.Publish(ctx, storage.EventInput{
				Type: events.TypeFlowStalled, RunID: row.ID, FlowName: flowName,
				Data: map[string]any{"reason": fmt.Sprintf("no activity for %s", d.cfg.Threshold)},
			}); err != nil {
				d.logger.Warn("failed to publish flow.stalled", "flow", flowName, "run_id", row.ID, "error", err)
			}
		}
	}
}

func hasPendingAwait(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	for _, entry := range m {
		if entry != nil {
			return true
		}
	}
	return false
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
