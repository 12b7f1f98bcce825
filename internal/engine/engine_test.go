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

package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkit/flowkit/internal/engine"
	"github.com/flowkit/flowkit/internal/names"
	"github.com/flowkit/flowkit/internal/runctx"
	memstorage "github.com/flowkit/flowkit/internal/storage/memory"
	"github.com/flowkit/flowkit/pkg/flow"
)

func newTestEngine(t *testing.T, prefix string) *engine.Engine {
	t.Helper()
	store := memstorage.NewStore()
	queue := memstorage.NewQueue()
	bus := memstorage.NewTopicBus()
	cfg := engine.Config{
		Names: names.New(prefix),
		State: runctx.Config{Namespace: prefix, Scope: runctx.ScopeFlow, Cleanup: runctx.CleanupNever},
	}
	e := engine.New(cfg, queue, store, bus, nil)
	require.NoError(t, e.Start(context.Background()))
	return e
}

// twoStepFlow mirrors spec.md §8 scenario S1: an entry step that emits one
// event and a dependent step that subscribes to it.
func twoStepFlow(name string, next func(ctx context.Context, input any, rc *flow.RunContext) error) *flow.Flow {
	f := &flow.Flow{
		Name:  name,
		Entry: "start",
		Steps: []*flow.Step{
			{Name: "start", Emits: []string{"started.done"}, Job: flow.JobDefaults{Attempts: 1}, Worker: flow.WorkerOptions{Concurrency: 1, Autorun: true}},
			{Name: "next", Subscribes: []string{"started.done"}, Job: flow.JobDefaults{Attempts: 1}, Worker: flow.WorkerOptions{Concurrency: 1, Autorun: true}},
		},
	}
	f.BindHandler("start", func(ctx context.Context, input any, rc *flow.RunContext) error {
		return rc.Emit(ctx, "started.done", input)
	})
	f.BindHandler("next", next)
	return f
}

func TestEngine_StartFlowRunsToCompletion(t *testing.T) {
	e := newTestEngine(t, "enginetest1")
	ctx := context.Background()

	done := make(chan struct{})
	f := twoStepFlow("sample", func(ctx context.Context, input any, rc *flow.RunContext) error {
		close(done)
		return nil
	})
	require.NoError(t, e.RegisterFlow(ctx, f))

	runID, err := e.StartFlow(ctx, "sample", map[string]any{"x": 1})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dependent step never ran")
	}

	rec, err := e.WaitForTerminal(ctx, "sample", runID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)
	assert.EqualValues(t, 2, rec.CompletedSteps)

	stats, err := e.GetFlowStats(ctx, "sample")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Total)
	assert.EqualValues(t, 1, stats.Success)
	assert.EqualValues(t, 0, stats.Running)
}

func TestEngine_CancelFlowMarksRunCanceled(t *testing.T) {
	e := newTestEngine(t, "enginetest2")
	ctx := context.Background()

	gate := make(chan struct{})
	released := make(chan struct{})
	f := &flow.Flow{
		Name:  "blocker",
		Entry: "start",
		Steps: []*flow.Step{
			{Name: "start", Job: flow.JobDefaults{Attempts: 1}, Worker: flow.WorkerOptions{Concurrency: 1, Autorun: true}},
		},
	}
	f.BindHandler("start", func(ctx context.Context, input any, rc *flow.RunContext) error {
		close(gate)
		<-released
		return nil
	})
	require.NoError(t, e.RegisterFlow(ctx, f))

	runID, err := e.StartFlow(ctx, "blocker", nil)
	require.NoError(t, err)

	select {
	case <-gate:
	case <-time.After(2 * time.Second):
		t.Fatal("step never started")
	}

	require.NoError(t, e.CancelFlow(ctx, "blocker", runID))
	close(released)

	rec, err := e.GetRun(ctx, "blocker", runID)
	require.NoError(t, err)
	assert.Equal(t, "canceled", rec.Status)

	// Canceling again is a no-op: the status stays canceled.
	require.NoError(t, e.CancelFlow(ctx, "blocker", runID))
	rec2, err := e.GetRun(ctx, "blocker", runID)
	require.NoError(t, err)
	assert.Equal(t, "canceled", rec2.Status)
}

func TestEngine_RestartFlowStartsFreshRunWithSameInput(t *testing.T) {
	e := newTestEngine(t, "enginetest3")
	ctx := context.Background()

	var seenInputs []any
	done := make(chan struct{}, 2)
	f := &flow.Flow{
		Name:  "restartable",
		Entry: "start",
		Steps: []*flow.Step{
			{Name: "start", Job: flow.JobDefaults{Attempts: 1}, Worker: flow.WorkerOptions{Concurrency: 1, Autorun: true}},
		},
	}
	f.BindHandler("start", func(ctx context.Context, input any, rc *flow.RunContext) error {
		seenInputs = append(seenInputs, input)
		done <- struct{}{}
		return nil
	})
	require.NoError(t, e.RegisterFlow(ctx, f))

	oldRunID, err := e.StartFlow(ctx, "restartable", map[string]any{"seed": "abc"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("original run never executed")
	}
	_, err = e.WaitForTerminal(ctx, "restartable", oldRunID, 2*time.Second)
	require.NoError(t, err)

	gotOld, newRunID, err := e.RestartFlow(ctx, "restartable", oldRunID)
	require.NoError(t, err)
	assert.Equal(t, oldRunID, gotOld)
	assert.NotEqual(t, oldRunID, newRunID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("restarted run never executed")
	}
	require.Len(t, seenInputs, 2)
	assert.Equal(t, map[string]any{"seed": "abc"}, seenInputs[1])
}
