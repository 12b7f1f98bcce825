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

// Package conformance is a black-box test suite run against every
// Queue/Store/TopicBus backend (memory, file, relational) so the three
// implementations are held to one behavioral contract instead of each
// backend's tests drifting independently.
package conformance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flowerrors "github.com/flowkit/flowkit/pkg/errors"

	"github.com/flowkit/flowkit/internal/storage"
)

// Queue exercises the storage.Queue contract: enqueue, processing,
// retries, and job lookup.
func Queue(t *testing.T, newQueue func() storage.Queue) {
	t.Run("EnqueueAndProcess", func(t *testing.T) {
		q := newQueue()
		defer q.Close()

		var mu sync.Mutex
		var processed []string
		done := make(chan struct{})

		require.NoError(t, q.RegisterWorker("qname", "job", func(ctx context.Context, job *storage.Job) error {
			mu.Lock()
			processed = append(processed, job.ID)
			mu.Unlock()
			close(done)
			return nil
		}, storage.WorkerOptions{Concurrency: 1, Autorun: true}))

		id, err := q.Enqueue(context.Background(), "qname", storage.JobInput{Name: "job", Data: map[string]any{"x": 1}})
		require.NoError(t, err)
		require.NoError(t, q.StartProcessingQueue(context.Background(), "qname"))

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("job was never processed")
		}

		mu.Lock()
		defer mu.Unlock()
		assert.Contains(t, processed, id)
	})

	t.Run("RetriesOnError", func(t *testing.T) {
		q := newQueue()
		defer q.Close()

		var mu sync.Mutex
		attempts := 0
		done := make(chan struct{})

		require.NoError(t, q.RegisterWorker("retryq", "job", func(ctx context.Context, job *storage.Job) error {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 2 {
				return assert.AnError
			}
			close(done)
			return nil
		}, storage.WorkerOptions{Concurrency: 1, Autorun: true}))

		_, err := q.Enqueue(context.Background(), "retryq", storage.JobInput{
			Name: "job",
			Opts: storage.JobOptions{Attempts: 3, Backoff: &storage.Backoff{Type: storage.BackoffFixed, DelayMs: 1}},
		})
		require.NoError(t, err)
		require.NoError(t, q.StartProcessingQueue(context.Background(), "retryq"))

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("job never succeeded after retry")
		}

		mu.Lock()
		defer mu.Unlock()
		assert.GreaterOrEqual(t, attempts, 2)
	})

	t.Run("GetJobNotFound", func(t *testing.T) {
		q := newQueue()
		defer q.Close()

		_, err := q.GetJob(context.Background(), "qname", "does-not-exist")
		require.Error(t, err)
		var nf *flowerrors.NotFoundError
		assert.ErrorAs(t, err, &nf)
	})
}

// Store exercises the storage.Store contract: Stream, Index, and KV.
func Store(t *testing.T, newStore func() storage.Store) {
	t.Run("StreamAppendAndRead", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		ctx := context.Background()

		first, err := s.Stream().Append(ctx, "subj-1", storage.EventInput{Type: "flow.start", RunID: "r1"})
		require.NoError(t, err)
		second, err := s.Stream().Append(ctx, "subj-1", storage.EventInput{Type: "flow.complete", RunID: "r1"})
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)
		assert.Less(t, first.ID, second.ID)

		recs, err := s.Stream().Read(ctx, "subj-1", storage.ReadOptions{})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "flow.start", recs[0].Type)
		assert.Equal(t, "flow.complete", recs[1].Type)
	})

	t.Run("StreamReadFiltersByType", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		ctx := context.Background()

		_, err := s.Stream().Append(ctx, "subj-2", storage.EventInput{Type: "flow.start", RunID: "r1"})
		require.NoError(t, err)
		_, err = s.Stream().Append(ctx, "subj-2", storage.EventInput{Type: "step.enqueued", RunID: "r1"})
		require.NoError(t, err)

		recs, err := s.Stream().Read(ctx, "subj-2", storage.ReadOptions{Types: []string{"flow.start"}})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "flow.start", recs[0].Type)
	})

	t.Run("IndexAddGetUpdate", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		ctx := context.Background()

		require.NoError(t, s.Index().Add(ctx, "idx", "row-1", 1, map[string]any{"status": "running"}))
		rec, err := s.Index().Get(ctx, "idx", "row-1")
		require.NoError(t, err)
		assert.Equal(t, "running", rec.Metadata["status"])

		ok, err := s.Index().Update(ctx, "idx", "row-1", map[string]any{"status": "completed"})
		require.NoError(t, err)
		assert.True(t, ok)

		rec, err = s.Index().Get(ctx, "idx", "row-1")
		require.NoError(t, err)
		assert.Equal(t, "completed", rec.Metadata["status"])
	})

	t.Run("IndexUpdateWithRetryAdvancesVersion", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		ctx := context.Background()

		require.NoError(t, s.Index().Add(ctx, "idx-cas", "row-1", 0, map[string]any{"n": 0.0}))
		before, err := s.Index().Get(ctx, "idx-cas", "row-1")
		require.NoError(t, err)

		require.NoError(t, s.Index().UpdateWithRetry(ctx, "idx-cas", "row-1", map[string]any{"n": 1.0}, 5))
		after, err := s.Index().Get(ctx, "idx-cas", "row-1")
		require.NoError(t, err)
		assert.Greater(t, after.Version, before.Version)
		assert.Equal(t, 1.0, after.Metadata["n"])
	})

	t.Run("IndexIncrement", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		ctx := context.Background()

		require.NoError(t, s.Index().Add(ctx, "idx-inc", "row-1", 0, map[string]any{"count": 0.0}))
		v, err := s.Index().Increment(ctx, "idx-inc", "row-1", "count", 1)
		require.NoError(t, err)
		assert.Equal(t, 1.0, v)
		v, err = s.Index().Increment(ctx, "idx-inc", "row-1", "count", 2)
		require.NoError(t, err)
		assert.Equal(t, 3.0, v)
	})

	t.Run("IndexGetNotFound", func(t *testing.T) {
		s := newStore()
		defer s.Close()

		_, err := s.Index().Get(context.Background(), "idx", "missing")
		require.Error(t, err)
		var nf *flowerrors.NotFoundError
		assert.ErrorAs(t, err, &nf)
	})

	t.Run("IndexReadOrdersByScore", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		ctx := context.Background()

		require.NoError(t, s.Index().Add(ctx, "idx-sorted", "b", 2, nil))
		require.NoError(t, s.Index().Add(ctx, "idx-sorted", "a", 1, nil))
		require.NoError(t, s.Index().Add(ctx, "idx-sorted", "c", 3, nil))

		recs, err := s.Index().Read(ctx, "idx-sorted", storage.IndexReadOptions{})
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, []string{"a", "b", "c"}, []string{recs[0].ID, recs[1].ID, recs[2].ID})
	})

	t.Run("KVSetGetDelete", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		ctx := context.Background()

		require.NoError(t, s.KV().Set(ctx, "key-1", "value-1", 0))
		v, ok, err := s.KV().Get(ctx, "key-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "value-1", v)

		require.NoError(t, s.KV().Delete(ctx, "key-1"))
		_, ok, err = s.KV().Get(ctx, "key-1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("KVIncrement", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		ctx := context.Background()

		v, err := s.KV().Increment(ctx, "counter-1", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)
		v, err = s.KV().Increment(ctx, "counter-1", 4)
		require.NoError(t, err)
		assert.Equal(t, int64(5), v)
	})

	t.Run("KVExpiresByTTL", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		ctx := context.Background()

		require.NoError(t, s.KV().Set(ctx, "ttl-key", "v", 1))
		time.Sleep(1100 * time.Millisecond)

		_, ok, err := s.KV().Get(ctx, "ttl-key")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

// TopicBus exercises the storage.TopicBus contract: publish/subscribe and
// unsubscribe. Only the memory backend's tests run it: the file and
// relational backends have no TopicBus of their own and pair with the
// in-process memory bus.
func TopicBus(t *testing.T, newBus func() storage.TopicBus) {
	t.Run("PublishDeliversToSubscriber", func(t *testing.T) {
		bus := newBus()
		received := make(chan any, 1)

		sub, err := bus.Subscribe("topic-1", func(event any) {
			received <- event
		})
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, bus.Publish(context.Background(), "topic-1", "hello"))

		select {
		case got := <-received:
			assert.Equal(t, "hello", got)
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the published event")
		}
	})

	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		bus := newBus()
		received := make(chan any, 1)

		sub, err := bus.Subscribe("topic-2", func(event any) {
			received <- event
		})
		require.NoError(t, err)
		sub.Unsubscribe()

		require.NoError(t, bus.Publish(context.Background(), "topic-2", "should not arrive"))

		select {
		case <-received:
			t.Fatal("unsubscribed handler still received an event")
		case <-time.After(200 * time.Millisecond):
		}
	})
}
