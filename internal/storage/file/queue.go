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

package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/flowkit/flowkit/internal/storage"
	"github.com/flowkit/flowkit/internal/storage/memory"
)

// Queue embeds an in-memory Queue and snapshots each named queue's full job
// table to disk on every job state transition, replaying it back into a
// fresh in-memory Queue on OpenQueue. Processing loops and worker
// registration are not persisted: a restarted process must call
// RegisterWorker/StartProcessingQueue again, same as the in-memory backend.
type Queue struct {
	*memory.Queue
	dir string

	mu   sync.Mutex
	seen map[string]bool
}

var _ storage.Queue = (*Queue)(nil)

// OpenQueue creates (or reopens) a filesystem-backed Queue rooted at dir.
func OpenQueue(dir string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Join(dir, "jobs"), 0o755); err != nil {
		return nil, fmt.Errorf("file queue: creating jobs dir: %w", err)
	}

	mem := memory.NewQueue()
	q := &Queue{Queue: mem, dir: dir, seen: make(map[string]bool)}

	if err := q.replay(); err != nil {
		return nil, err
	}

	mem.OnJobEvent(func(ev storage.JobEvent) {
		q.mu.Lock()
		q.seen[ev.QueueName] = true
		q.mu.Unlock()
		_ = q.snapshot(ev.QueueName)
	})
	return q, nil
}

func (q *Queue) jobsPath(queueName string) string {
	return filepath.Join(q.dir, "jobs", escapeName(queueName)+".json")
}

// snapshot rewrites the full job table for one queue. Called synchronously
// from the OnJobEvent callback, so it always reflects the latest state by
// the time Enqueue/the processing loop returns control to the caller.
func (q *Queue) snapshot(queueName string) error {
	jobs, err := q.Queue.GetJobs(context.Background(), queueName, storage.JobFilter{})
	if err != nil {
		return err
	}
	out := make(map[string]*storage.Job, len(jobs))
	for _, j := range jobs {
		out[j.ID] = j
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(q.jobsPath(queueName), data, 0o644)
}

// replay loads every on-disk queue snapshot back into the embedded
// in-memory queue. Jobs that were active when the process stopped come
// back as waiting: nothing was running them, so they're eligible for a
// worker to pick back up once registered.
func (q *Queue) replay() error {
	files, err := filepath.Glob(filepath.Join(q.dir, "jobs", "*.json"))
	if err != nil {
		return err
	}
	for _, path := range files {
		queueName := unescapeName(strings.TrimSuffix(filepath.Base(path), ".json"))
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var jobs map[string]*storage.Job
		if err := json.Unmarshal(data, &jobs); err != nil {
			return fmt.Errorf("file queue: replaying queue %s: %w", queueName, err)
		}
		for _, job := range jobs {
			q.Queue.RestoreJob(queueName, job)
		}
	}
	return nil
}
