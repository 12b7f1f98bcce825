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

// Package memory implements the Queue, Store, and TopicBus interfaces
// entirely in process memory. It is the backend every other backend's
// "memory semantics" are measured against: the filesystem backend embeds
// one of these and writes through to disk.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	flowerrors "github.com/flowkit/flowkit/pkg/errors"

	"github.com/flowkit/flowkit/internal/storage"
)

type workerEntry struct {
	jobName string
	handler storage.JobHandler
	opts    storage.WorkerOptions
}

type queueState struct {
	mu      sync.Mutex
	jobs    map[string]*storage.Job
	waiting []string
	workers []*workerEntry
	sem     chan struct{}

	processing bool
	signal     chan struct{}
}

// Queue is the in-memory Queue implementation.
type Queue struct {
	mu       sync.Mutex
	queues   map[string]*queueState
	handlers []func(storage.JobEvent)
	handlersMu sync.RWMutex

	closed bool
	stopCh chan struct{}
	ticker *time.Ticker
}

// NewQueue creates a new in-memory queue backend. It starts a background
// ticker that promotes delayed jobs to waiting once their ProcessAt arrives.
func NewQueue() *Queue {
	q := &Queue{
		queues: make(map[string]*queueState),
		stopCh: make(chan struct{}),
		ticker: time.NewTicker(20 * time.Millisecond),
	}
	go q.delayLoop()
	return q
}

var _ storage.Queue = (*Queue)(nil)

func (q *Queue) queueFor(name string) *queueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	qs, ok := q.queues[name]
	if !ok {
		qs = &queueState{
			jobs:   make(map[string]*storage.Job),
			signal: make(chan struct{}, 1),
			sem:    make(chan struct{}, 1),
		}
		q.queues[name] = qs
	}
	return qs
}

func (q *Queue) emit(kind storage.JobEventKind, queueName string, job *storage.Job) {
	q.handlersMu.RLock()
	defer q.handlersMu.RUnlock()
	for _, h := range q.handlers {
		h(storage.JobEvent{Kind: kind, QueueName: queueName, Job: job})
	}
}

// OnJobEvent registers a callback for every job state transition across all
// queues managed by this backend.
func (q *Queue) OnJobEvent(handler func(storage.JobEvent)) storage.Subscription {
	q.handlersMu.Lock()
	idx := len(q.handlers)
	q.handlers = append(q.handlers, handler)
	q.handlersMu.Unlock()
	return &funcSubscription{unsub: func() {
		q.handlersMu.Lock()
		defer q.handlersMu.Unlock()
		if idx < len(q.handlers) {
			q.handlers[idx] = func(storage.JobEvent) {}
		}
	}}
}

type funcSubscription struct {
	once  sync.Once
	unsub func()
}

func (s *funcSubscription) Unsubscribe() { s.once.Do(s.unsub) }

// Enqueue implements storage.Queue.
func (q *Queue) Enqueue(ctx context.Context, queueName string, in storage.JobInput) (string, error) {
	qs := q.queueFor(queueName)
	qs.mu.Lock()

	jobID := in.Opts.JobID
	if jobID != "" {
		if existing, ok := qs.jobs[jobID]; ok &&
			(existing.State == storage.JobWaiting || existing.State == storage.JobActive || existing.State == storage.JobRetry || existing.State == storage.JobDelayed) {
			qs.mu.Unlock()
			return existing.ID, nil
		}
	} else {
		jobID = storage.NextJobID()
	}

	now := storage.NowMs()
	job := &storage.Job{
		ID:        jobID,
		QueueName: queueName,
		Name:      in.Name,
		Data:      storage.CloneMetadata(in.Data),
		Opts:      in.Opts,
		CreatedAt: now,
		ProcessAt: now + in.Opts.DelayMs,
	}
	if job.Opts.Attempts <= 0 {
		job.Opts.Attempts = 1
	}

	if in.Opts.DelayMs > 0 {
		job.State = storage.JobDelayed
	} else {
		job.State = storage.JobWaiting
		insertByPriority(qs, jobID)
	}
	qs.jobs[jobID] = job
	qs.mu.Unlock()

	if job.State == storage.JobDelayed {
		q.emit(storage.JobEventDelayed, queueName, job)
	} else {
		q.emit(storage.JobEventWaiting, queueName, job)
		q.wake(qs)
	}
	return jobID, nil
}

func insertByPriority(qs *queueState, jobID string) {
	job := qs.jobs[jobID]
	idx := sort.Search(len(qs.waiting), func(i int) bool {
		return qs.jobs[qs.waiting[i]].Opts.Priority < job.Opts.Priority
	})
	qs.waiting = append(qs.waiting, "")
	copy(qs.waiting[idx+1:], qs.waiting[idx:])
	qs.waiting[idx] = jobID
}

func (q *Queue) wake(qs *queueState) {
	select {
	case qs.signal <- struct{}{}:
	default:
	}
}

// Schedule implements storage.Queue. It applies opts.DelayMs (when
// positive) and enqueues the job, returning the job id; opts.Cron is not
// read. Recurring schedules are rows in the scheduler:jobs index that
// internal/scheduler polls.
func (q *Queue) Schedule(ctx context.Context, queueName string, job storage.JobInput, opts storage.ScheduleOptions) (string, error) {
	if opts.DelayMs > 0 {
		job.Opts.DelayMs = opts.DelayMs
	}
	return q.Enqueue(ctx, queueName, job)
}

// GetJob implements storage.Queue.
func (q *Queue) GetJob(ctx context.Context, queueName, jobID string) (*storage.Job, error) {
	qs := q.queueFor(queueName)
	qs.mu.Lock()
	defer qs.mu.Unlock()
	job, ok := qs.jobs[jobID]
	if !ok {
		return nil, &flowerrors.NotFoundError{Resource: "job", ID: jobID}
	}
	cp := *job
	return &cp, nil
}

// GetJobs implements storage.Queue.
func (q *Queue) GetJobs(ctx context.Context, queueName string, filter storage.JobFilter) ([]*storage.Job, error) {
	qs := q.queueFor(queueName)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	wantStates := map[storage.JobState]bool{}
	for _, s := range filter.States {
		wantStates[s] = true
	}

	var out []*storage.Job
	for _, job := range qs.jobs {
		if len(wantStates) > 0 && !wantStates[job.State] {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*storage.Job{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetJobCounts implements storage.Queue.
func (q *Queue) GetJobCounts(ctx context.Context, queueName string) (storage.JobCounts, error) {
	qs := q.queueFor(queueName)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	counts := storage.JobCounts{}
	for _, job := range qs.jobs {
		counts[job.State]++
	}
	return counts, nil
}

// RegisterWorker implements storage.Queue.
func (q *Queue) RegisterWorker(queueName, jobName string, handler storage.JobHandler, opts storage.WorkerOptions) error {
	qs := q.queueFor(queueName)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	qs.workers = append(qs.workers, &workerEntry{jobName: jobName, handler: handler, opts: opts})

	maxConcurrency := 0
	for _, w := range qs.workers {
		if w.opts.Concurrency > maxConcurrency {
			maxConcurrency = w.opts.Concurrency
		}
	}
	qs.sem = make(chan struct{}, maxConcurrency)
	return nil
}

// StartProcessingQueue implements storage.Queue: begins consuming waiting
// jobs. Before this call jobs accumulate in the waiting list.
func (q *Queue) StartProcessingQueue(ctx context.Context, queueName string) error {
	qs := q.queueFor(queueName)
	qs.mu.Lock()
	if qs.processing {
		qs.mu.Unlock()
		return nil
	}
	qs.processing = true
	qs.mu.Unlock()

	go q.processLoop(ctx, queueName, qs)
	return nil
}

func (q *Queue) processLoop(ctx context.Context, queueName string, qs *queueState) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-qs.signal:
		}

		for {
			qs.mu.Lock()
			if len(qs.waiting) == 0 {
				qs.mu.Unlock()
				break
			}
			jobID := qs.waiting[0]
			job := qs.jobs[jobID]
			var worker *workerEntry
			for _, w := range qs.workers {
				if w.jobName == job.Name {
					worker = w
					break
				}
			}
			if worker == nil {
				qs.mu.Unlock()
				break
			}
			qs.waiting = qs.waiting[1:]
			job.State = storage.JobActive
			qs.mu.Unlock()

			select {
			case qs.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}

			q.emit(storage.JobEventActive, queueName, job)
			go q.runJob(ctx, queueName, qs, job, worker)
		}
	}
}

func (q *Queue) runJob(ctx context.Context, queueName string, qs *queueState, job *storage.Job, worker *workerEntry) {
	defer func() { <-qs.sem }()

	runCtx := ctx
	var cancel context.CancelFunc
	if job.Opts.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(job.Opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	err := worker.handler(runCtx, job)

	qs.mu.Lock()
	if err == nil {
		job.State = storage.JobCompleted
		qs.mu.Unlock()
		q.emit(storage.JobEventCompleted, queueName, job)
		return
	}

	job.LastError = err.Error()
	job.AttemptsMade++

	if job.AttemptsMade < job.Opts.Attempts {
		delay := retryDelay(job)
		job.ProcessAt = storage.NowMs() + delay
		job.State = storage.JobDelayed
		qs.mu.Unlock()
		q.emit(storage.JobEventDelayed, queueName, job)
		return
	}

	job.State = storage.JobFailed
	qs.mu.Unlock()
	q.emit(storage.JobEventFailed, queueName, job)
}

func retryDelay(job *storage.Job) int64 {
	if job.Opts.Backoff == nil {
		return 0
	}
	delay := job.Opts.Backoff.DelayMs
	if job.Opts.Backoff.Type == storage.BackoffExponential {
		for i := 0; i < job.AttemptsMade; i++ {
			delay *= 2
		}
	}
	return delay
}

func (q *Queue) delayLoop() {
	for {
		select {
		case <-q.stopCh:
			q.ticker.Stop()
			return
		case <-q.ticker.C:
			q.promoteDelayed()
		}
	}
}

func (q *Queue) promoteDelayed() {
	now := storage.NowMs()

	q.mu.Lock()
	queues := make([]*queueState, 0, len(q.queues))
	names := make([]string, 0, len(q.queues))
	for name, qs := range q.queues {
		queues = append(queues, qs)
		names = append(names, name)
	}
	q.mu.Unlock()

	for i, qs := range queues {
		qs.mu.Lock()
		var promoted []*storage.Job
		for _, job := range qs.jobs {
			if job.State == storage.JobDelayed && job.ProcessAt <= now {
				job.State = storage.JobWaiting
				insertByPriority(qs, job.ID)
				promoted = append(promoted, job)
			}
		}
		qs.mu.Unlock()
		for _, job := range promoted {
			q.emit(storage.JobEventWaiting, names[i], job)
			q.wake(qs)
		}
	}
}

// RestoreJob inserts a previously persisted job as-is into the named
// queue, re-joining the waiting list by priority if appropriate. A job
// restored mid-flight (active) is demoted to waiting since no worker is
// actually running it yet. Used by the filesystem backend to rehydrate
// queue state on startup; not part of storage.Queue.
func (q *Queue) RestoreJob(queueName string, job *storage.Job) {
	qs := q.queueFor(queueName)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	cp := *job
	if cp.State == storage.JobActive {
		cp.State = storage.JobWaiting
	}
	qs.jobs[cp.ID] = &cp
	if cp.State == storage.JobWaiting {
		insertByPriority(qs, cp.ID)
	}
}

// Close implements storage.Queue.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	close(q.stopCh)
	return nil
}
