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

package file_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkit/flowkit/internal/storage"
	"github.com/flowkit/flowkit/internal/storage/conformance"
	"github.com/flowkit/flowkit/internal/storage/file"
)

func TestFileQueueConformance(t *testing.T) {
	conformance.Queue(t, func() storage.Queue {
		q, err := file.OpenQueue(t.TempDir())
		require.NoError(t, err)
		return q
	})
}

func TestFileStoreConformance(t *testing.T) {
	conformance.Store(t, func() storage.Store {
		s, err := file.Open(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

// TestFileStoreRestartUnderscoreNames exercises replay() across a close
// and reopen for a subject and index key that contain a literal
// underscore, the exact shape a realistic flow/trigger name like
// "process_order" takes. Before escapeName/unescapeName were made a true
// inverse pair, the underscore was silently corrupted into a path
// separator on reopen and the restored record landed under a different,
// unreachable key.
func TestFileStoreRestartUnderscoreNames(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	const subject = "P:flow:run:process_order__run-1"
	const indexKey = "P:flow:runs:send_email"

	s1, err := file.Open(dir)
	require.NoError(t, err)

	rec, err := s1.Stream().Append(ctx, subject, storage.EventInput{Type: "flow.start", RunID: "run-1"})
	require.NoError(t, err)
	require.NoError(t, s1.Index().Add(ctx, indexKey, "run-1", 1, map[string]any{"status": "running"}))

	s2, err := file.Open(dir)
	require.NoError(t, err)

	events, err := s2.Stream().Read(ctx, subject, storage.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, rec.ID, events[0].ID)
	assert.Equal(t, "flow.start", events[0].Type)

	idx, err := s2.Index().Get(ctx, indexKey, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "running", idx.Metadata["status"])
}

// TestFileQueueRestartUnderscoreNames is the queue-side counterpart: a
// queue name with a literal underscore must resolve to the same job table
// after a close-then-reopen round trip.
func TestFileQueueRestartUnderscoreNames(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	const queueName = "send_email"

	q1, err := file.OpenQueue(dir)
	require.NoError(t, err)
	jobID, err := q1.Enqueue(ctx, queueName, storage.JobInput{Name: "deliver", Data: map[string]any{"to": "a@example.com"}})
	require.NoError(t, err)

	q2, err := file.OpenQueue(dir)
	require.NoError(t, err)
	job, err := q2.GetJob(ctx, queueName, jobID)
	require.NoError(t, err)
	assert.Equal(t, "deliver", job.Name)
}
