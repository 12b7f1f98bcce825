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

package runner

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
	"github.com/flowkit/flowkit/internal/runctx"
	"github.com/flowkit/flowkit/internal/storage"
	memstorage "github.com/flowkit/flowkit/internal/storage/memory"
	"github.com/flowkit/flowkit/pkg/flow"
)

type recorder struct {
	mu   sync.Mutex
	seen []*storage.EventRecord
}

func (r *recorder) Handle(_ context.Context, rec *storage.EventRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, rec)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.seen))
	for _, rec := range r.seen {
		out = append(out, rec.Type)
	}
	return out
}

func newTestRunner(t *testing.T) (*Runner, *recorder) {
	t.Helper()
	store := memstorage.NewStore()
	bus := memstorage.NewTopicBus()
	n := names.New("flowkittest")
	mgr := events.New(store, bus, n, nil)
	rec := &recorder{}
	mgr.AddProjector(rec)

	hookReg := hooks.New(nil)
	queue := memstorage.NewQueue()
	awaitS := await.New(mgr, queue, hookReg, n, "flowkittest:await:resume", nil)
	require.NoError(t, awaitS.Start(context.Background()))

	r := New(queue, mgr, awaitS, n, runctx.Config{Namespace: "flowkittest", Scope: runctx.ScopeFlow, Cleanup: runctx.CleanupNever}, nil)
	return r, rec
}

func simpleFlow(handler flow.StepHandler) *flow.Flow {
	f := &flow.Flow{
		Name:  "greet",
		Entry: "say_hello",
		Steps: []*flow.Step{
			{Name: "say_hello", Job: flow.JobDefaults{Attempts: 1}, Worker: flow.WorkerOptions{Concurrency: 1, Autorun: true}},
		},
	}
	f.BindHandler("say_hello", handler)
	return f
}

func TestRunner_EntryStepCompletes(t *testing.T) {
	r, rec := newTestRunner(t)
	ctx := context.Background()

	var gotInput any
	done := make(chan struct{})
	f := simpleFlow(func(_ context.Context, input any, rc *flow.RunContext) error {
		gotInput = input
		close(done)
		return nil
	})
	require.NoError(t, r.RegisterFlow(ctx, f))

	runID := "run-1"
	require.NoError(t, r.EnqueueEntry(ctx, f, runID, map[string]any{"name": "Ada"}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("step handler never ran")
	}

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, map[string]any{"name": "Ada"}, gotInput)
	assert.Contains(t, rec.types(), events.TypeStepStarted)
	assert.Contains(t, rec.types(), events.TypeStepCompleted)
}

func TestRunner_AwaitBeforePreservesOriginalInput(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()

	var gotInput any
	done := make(chan struct{})
	f := &flow.Flow{
		Name:  "delayed_greet",
		Entry: "say_hello",
		Steps: []*flow.Step{
			{
				Name:        "say_hello",
				Job:         flow.JobDefaults{Attempts: 1},
				Worker:      flow.WorkerOptions{Concurrency: 1, Autorun: true},
				AwaitBefore: &flow.AwaitConfig{Kind: flow.AwaitEvent, EventName: "greet.go"},
			},
		},
	}
	f.BindHandler("say_hello", func(_ context.Context, input any, rc *flow.RunContext) error {
		gotInput = input
		close(done)
		return nil
	})
	require.NoError(t, r.RegisterFlow(ctx, f))

	runID := "run-2"
	require.NoError(t, r.EnqueueEntry(ctx, f, runID, map[string]any{"name": "Grace"}))

	// Give the queue a moment to hand the job to the runner and register
	// the await, before the triggering event arrives.
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, r.awaitS.TryResolveEvent(ctx, runID, "greet.go", map[string]any{"ok": true}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("step handler never resumed after await resolved")
	}

	assert.Equal(t, map[string]any{"name": "Grace"}, gotInput)
}
