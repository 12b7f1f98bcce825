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

package projection_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkit/flowkit/internal/await"
	"github.com/flowkit/flowkit/internal/events"
	"github.com/flowkit/flowkit/internal/hooks"
	"github.com/flowkit/flowkit/internal/names"
	"github.com/flowkit/flowkit/internal/projection"
	"github.com/flowkit/flowkit/internal/runctx"
	"github.com/flowkit/flowkit/internal/runner"
	"github.com/flowkit/flowkit/internal/storage"
	memstorage "github.com/flowkit/flowkit/internal/storage/memory"
	"github.com/flowkit/flowkit/pkg/flow"
)

// stubController is the minimal flow.FlowController a step handler's
// ctx.Emit needs: it republishes as an "emit" event through the same
// Event Manager the rest of the harness observes.
type stubController struct {
	mgr *events.Manager
}

func (c *stubController) Emit(ctx context.Context, runID, flowName, stepName, eventName string, payload any) error {
	_, err := c.mgr.Publish(ctx, storage.EventInput{
		Type: events.TypeEmit, RunID: runID, FlowName: flowName, StepName: stepName,
		Data: map[string]any{"eventName": eventName, "payload": payload},
	})
	return err
}
func (c *stubController) StartFlow(ctx context.Context, flowName string, input any) (string, error) {
	return "", nil
}
func (c *stubController) CancelFlow(ctx context.Context, flowName, runID string) error { return nil }
func (c *stubController) IsRunning(ctx context.Context, flowName string, runID string) (bool, error) {
	return false, nil
}
func (c *stubController) GetRunningFlows(ctx context.Context, flowName string) ([]flow.RunSummary, error) {
	return nil, nil
}

func TestWiring_TwoStepFlowCompletes(t *testing.T) {
	store := memstorage.NewStore()
	bus := memstorage.NewTopicBus()
	n := names.New("flowkittest")
	mgr := events.New(store, bus, n, nil)

	queue := memstorage.NewQueue()
	hookReg := hooks.New(nil)
	awaitS := await.New(mgr, queue, hookReg, n, "flowkittest:await:resume", nil)
	require.NoError(t, awaitS.Start(context.Background()))

	r := runner.New(queue, mgr, awaitS, n, runctx.Config{Namespace: "flowkittest", Scope: runctx.ScopeFlow, Cleanup: runctx.CleanupNever}, nil)
	r.SetFlowController(&stubController{mgr: mgr})

	f := &flow.Flow{
		Name:  "sample",
		Entry: "start",
		Steps: []*flow.Step{
			{Name: "start", Emits: []string{"started.done"}, Job: flow.JobDefaults{Attempts: 1}, Worker: flow.WorkerOptions{Concurrency: 1, Autorun: true}},
			{Name: "next", Subscribes: []string{"started.done"}, Job: flow.JobDefaults{Attempts: 1}, Worker: flow.WorkerOptions{Concurrency: 1, Autorun: true}},
		},
	}

	var mu sync.Mutex
	nextDone := make(chan struct{})
	f.BindHandler("start", func(ctx context.Context, input any, rc *flow.RunContext) error {
		return rc.Emit(ctx, "started.done", input)
	})
	f.BindHandler("next", func(ctx context.Context, input any, rc *flow.RunContext) error {
		mu.Lock()
		defer mu.Unlock()
		close(nextDone)
		return nil
	})

	registry := projection.MapFlowRegistry{"sample": f}
	wiring := projection.New(store, n, registry, r, awaitS, mgr, nil)
	mgr.AddProjector(wiring)

	ctx := context.Background()
	require.NoError(t, r.RegisterFlow(ctx, f))

	runID := "R1"
	_, err := mgr.Publish(ctx, storage.EventInput{Type: events.TypeFlowStart, RunID: runID, FlowName: "sample", Data: map[string]any{"input": map[string]any{"x": 1}}})
	require.NoError(t, err)
	require.NoError(t, r.EnqueueEntry(ctx, f, runID, map[string]any{"x": 1}))

	select {
	case <-nextDone:
	case <-time.After(2 * time.Second):
		t.Fatal("dependent step never ran")
	}
	time.Sleep(20 * time.Millisecond)

	rows, err := store.Index().Read(ctx, n.FlowRunsIndex("sample"), storage.IndexReadOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	run := projection.RunRecordFromIndex(rows[0])
	assert.EqualValues(t, 1, run.EmittedEvents["started.done"])

	flowRow, err := store.Index().Get(ctx, n.FlowsIndex(), "sample")
	require.NoError(t, err)
	stats := projection.FlowStatsFromIndex(flowRow)
	assert.EqualValues(t, 1, stats.Total)
}

func TestWiring_AwaitAfterBuffersEmitsUntilResolved(t *testing.T) {
	store := memstorage.NewStore()
	bus := memstorage.NewTopicBus()
	n := names.New("flowkittest2")
	mgr := events.New(store, bus, n, nil)

	queue := memstorage.NewQueue()
	hookReg := hooks.New(nil)
	awaitS := await.New(mgr, queue, hookReg, n, "flowkittest2:await:resume", nil)
	require.NoError(t, awaitS.Start(context.Background()))

	r := runner.New(queue, mgr, awaitS, n, runctx.Config{Namespace: "flowkittest2", Scope: runctx.ScopeFlow, Cleanup: runctx.CleanupNever}, nil)
	r.SetFlowController(&stubController{mgr: mgr})

	f := &flow.Flow{
		Name:  "gated",
		Entry: "start",
		Steps: []*flow.Step{
			{
				Name: "start", Emits: []string{"started.done"},
				Job: flow.JobDefaults{Attempts: 1}, Worker: flow.WorkerOptions{Concurrency: 1, Autorun: true},
				AwaitAfter: &flow.AwaitConfig{Kind: flow.AwaitEvent, EventName: "release.gate"},
			},
			{Name: "next", Subscribes: []string{"started.done"}, Job: flow.JobDefaults{Attempts: 1}, Worker: flow.WorkerOptions{Concurrency: 1, Autorun: true}},
		},
	}
	f.BindHandler("start", func(ctx context.Context, input any, rc *flow.RunContext) error {
		return rc.Emit(ctx, "started.done", input)
	})
	nextDone := make(chan struct{})
	f.BindHandler("next", func(ctx context.Context, input any, rc *flow.RunContext) error {
		close(nextDone)
		return nil
	})

	registry := projection.MapFlowRegistry{"gated": f}
	wiring := projection.New(store, n, registry, r, awaitS, mgr, nil)
	mgr.AddProjector(wiring)

	ctx := context.Background()
	require.NoError(t, r.RegisterFlow(ctx, f))

	runID := "R2"
	_, err := mgr.Publish(ctx, storage.EventInput{Type: events.TypeFlowStart, RunID: runID, FlowName: "gated"})
	require.NoError(t, err)
	require.NoError(t, r.EnqueueEntry(ctx, f, runID, map[string]any{}))

	select {
	case <-nextDone:
		t.Fatal("dependent step ran before the gating await resolved")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, awaitS.TryResolveEvent(ctx, runID, "release.gate", map[string]any{}))

	select {
	case <-nextDone:
	case <-time.After(2 * time.Second):
		t.Fatal("dependent step never ran after the gating await resolved")
	}
}
