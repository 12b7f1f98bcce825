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

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkit/flowkit/internal/await"
	"github.com/flowkit/flowkit/internal/events"
	"github.com/flowkit/flowkit/internal/hooks"
	"github.com/flowkit/flowkit/internal/names"
	"github.com/flowkit/flowkit/internal/storage"
	memstorage "github.com/flowkit/flowkit/internal/storage/memory"
	"github.com/flowkit/flowkit/internal/trigger"
)

func newTestScheduler(t *testing.T) (*Scheduler, storage.Store, *trigger.Subsystem) {
	t.Helper()
	n := names.New("schedtest")
	store := memstorage.NewStore()
	queue := memstorage.NewQueue()
	bus := memstorage.NewTopicBus()
	mgr := events.New(store, bus, n, nil)
	hookReg := hooks.New(nil)
	awaitS := await.New(mgr, queue, hookReg, n, "schedtest:await", nil)
	trig := trigger.New(mgr, n, nil)
	s := New(store, awaitS, trig, n, time.Hour, nil)
	return s, store, trig
}

func TestRunOnceFiresDueTrigger(t *testing.T) {
	s, store, trig := newTestScheduler(t)
	ctx := context.Background()

	_, err := trig.RegisterTrigger(ctx, trigger.Config{
		Name: "daily-report", Type: trigger.TypeSchedule, Cron: "0 0 * * *",
	})
	require.NoError(t, err)

	row, err := store.Index().Get(ctx, names.New("schedtest").SchedulerJobsIndex(), "trigger:daily-report")
	require.NoError(t, err)
	require.NoError(t, store.Index().UpdateWithRetry(ctx, names.New("schedtest").SchedulerJobsIndex(), "trigger:daily-report", map[string]any{
		"nextFireAt": storage.NowMs() - 1000,
	}, 5))
	_ = row

	s.runOnce(ctx)

	rec, err := trig.GetTrigger(ctx, "daily-report")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Stats.TotalFires)

	updated, err := store.Index().Get(ctx, names.New("schedtest").SchedulerJobsIndex(), "trigger:daily-report")
	require.NoError(t, err)
	assert.Greater(t, asFloat(updated.Metadata["nextFireAt"]), float64(storage.NowMs()))
}

func TestRunOnceSkipsNotYetDueJobs(t *testing.T) {
	s, _, trig := newTestScheduler(t)
	ctx := context.Background()

	_, err := trig.RegisterTrigger(ctx, trigger.Config{
		Name: "weekly-digest", Type: trigger.TypeSchedule, Cron: "0 0 * * 0",
	})
	require.NoError(t, err)

	s.runOnce(ctx)

	rec, err := trig.GetTrigger(ctx, "weekly-digest")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.Stats.TotalFires)
}
