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

package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
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

// Queue is the relational Queue implementation. Job rows persist across
// restarts (unlike the in-memory backend's processing goroutines, which
// must be re-registered); a ticker promotes delayed jobs and polls for
// waiting work the way the teacher's worker pool polls its backing store.
type Queue struct {
	db     *sql.DB
	prefix string

	mu       sync.Mutex
	workers  map[string][]*workerEntry // queueName -> workers
	sems     map[string]chan struct{}
	handlers []func(storage.JobEvent)

	closed bool
	stopCh chan struct{}
	ticker *time.Ticker
}

var _ storage.Queue = (*Queue)(nil)

// NewQueue wraps an already-open, already-migrated database connection and
// starts the background poll/promote loop.
func NewQueue(db *sql.DB, prefix string) *Queue {
	q := &Queue{
		db:      db,
		prefix:  prefix,
		workers: make(map[string][]*workerEntry),
		sems:    make(map[string]chan struct{}),
		stopCh:  make(chan struct{}),
		ticker:  time.NewTicker(20 * time.Millisecond),
	}
	go q.pollLoop()
	return q
}

func (q *Queue) table() string { return q.prefix + "_jobs" }

func (q *Queue) emit(kind storage.JobEventKind, queueName string, job *storage.Job) {
	q.mu.Lock()
	handlers := append([]func(storage.JobEvent){}, q.handlers...)
	q.mu.Unlock()
	for _, h := range handlers {
		h(storage.JobEvent{Kind: kind, QueueName: queueName, Job: job})
	}
}

func (q *Queue) OnJobEvent(handler func(storage.JobEvent)) storage.Subscription {
	q.mu.Lock()
	idx := len(q.handlers)
	q.handlers = append(q.handlers, handler)
	q.mu.Unlock()
	return &funcSubscription{unsub: func() {
		q.mu.Lock()
		defer q.mu.Unlock()
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

func (q *Queue) Enqueue(ctx context.Context, queueName string, in storage.JobInput) (string, error) {
	jobID := in.Opts.JobID
	if jobID != "" {
		existing, err := q.GetJob(ctx, queueName, jobID)
		if err == nil && (existing.State == storage.JobWaiting || existing.State == storage.JobActive ||
			existing.State == storage.JobRetry || existing.State == storage.JobDelayed) {
			return existing.ID, nil
		}
	} else {
		jobID = storage.NextJobID()
	}

	attempts := in.Opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	now := storage.NowMs()
	processAt := now + in.Opts.DelayMs
	state := storage.JobWaiting
	if in.Opts.DelayMs > 0 {
		state = storage.JobDelayed
	}

	data, err := json.Marshal(storage.CloneMetadata(in.Data))
	if err != nil {
		return "", err
	}

	var backoffType string
	var backoffDelay int64
	if in.Opts.Backoff != nil {
		backoffType = string(in.Opts.Backoff.Type)
		backoffDelay = in.Opts.Backoff.DelayMs
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, queue_name, name, data, attempts, attempts_made, priority,
		backoff_type, backoff_delay_ms, timeout_ms, state, created_at, process_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?)`, q.table())
	_, err = q.db.ExecContext(ctx, query, jobID, queueName, in.Name, string(data), attempts, in.Opts.Priority,
		nullString(backoffType), backoffDelay, in.Opts.TimeoutMs, state, now, processAt)
	if err != nil {
		return "", fmt.Errorf("relational: enqueue %s/%s: %w", queueName, jobID, err)
	}

	job, err := q.GetJob(ctx, queueName, jobID)
	if err != nil {
		return jobID, nil
	}
	if state == storage.JobDelayed {
		q.emit(storage.JobEventDelayed, queueName, job)
	} else {
		q.emit(storage.JobEventWaiting, queueName, job)
	}
	return jobID, nil
}

func (q *Queue) Schedule(ctx context.Context, queueName string, job storage.JobInput, opts storage.ScheduleOptions) (string, error) {
	if opts.DelayMs > 0 {
		job.Opts.DelayMs = opts.DelayMs
	}
	return q.Enqueue(ctx, queueName, job)
}

func (q *Queue) scanJob(scan func(dest ...any) error) (*storage.Job, error) {
	var job storage.Job
	var data, backoffType, lastError sql.NullString
	var backoffDelay int64
	if err := scan(&job.ID, &job.QueueName, &job.Name, &data, &job.Opts.Attempts, &job.AttemptsMade,
		&job.Opts.Priority, &backoffType, &backoffDelay, &job.Opts.TimeoutMs, &job.State, &lastError,
		&job.CreatedAt, &job.ProcessAt); err != nil {
		return nil, err
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &job.Data); err != nil {
			return nil, err
		}
	}
	if lastError.Valid {
		job.LastError = lastError.String
	}
	if backoffType.Valid {
		job.Opts.Backoff = &storage.Backoff{Type: storage.BackoffType(backoffType.String), DelayMs: backoffDelay}
	}
	return &job, nil
}

const jobColumns = `id, queue_name, name, data, attempts, attempts_made, priority, backoff_type, backoff_delay_ms, timeout_ms, state, last_error, created_at, process_at`

func (q *Queue) GetJob(ctx context.Context, queueName, jobID string) (*storage.Job, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE queue_name = ? AND id = ?", jobColumns, q.table())
	job, err := q.scanJob(q.db.QueryRowContext(ctx, query, queueName, jobID).Scan)
	if err == sql.ErrNoRows {
		return nil, &flowerrors.NotFoundError{Resource: "job", ID: jobID}
	}
	return job, err
}

func (q *Queue) GetJobs(ctx context.Context, queueName string, filter storage.JobFilter) ([]*storage.Job, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE queue_name = ?", jobColumns, q.table())
	args := []any{queueName}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += " AND state IN (" + joinPlaceholders(placeholders) + ")"
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Job
	for rows.Next() {
		job, err := q.scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func joinPlaceholders(p []string) string {
	s := ""
	for i, v := range p {
		if i > 0 {
			s += ","
		}
		s += v
	}
	return s
}

func (q *Queue) GetJobCounts(ctx context.Context, queueName string) (storage.JobCounts, error) {
	query := fmt.Sprintf("SELECT state, COUNT(*) FROM %s WHERE queue_name = ? GROUP BY state", q.table())
	rows, err := q.db.QueryContext(ctx, query, queueName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := storage.JobCounts{}
	for rows.Next() {
		var state storage.JobState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func (q *Queue) RegisterWorker(queueName, jobName string, handler storage.JobHandler, opts storage.WorkerOptions) error {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.workers[queueName] = append(q.workers[queueName], &workerEntry{jobName: jobName, handler: handler, opts: opts})

	maxConcurrency := 0
	for _, w := range q.workers[queueName] {
		if w.opts.Concurrency > maxConcurrency {
			maxConcurrency = w.opts.Concurrency
		}
	}
	q.sems[queueName] = make(chan struct{}, maxConcurrency)
	return nil
}

// processing tracks which queues StartProcessingQueue was called for; the
// poll loop only claims work for queues explicitly started, matching the
// in-memory backend's "jobs accumulate before StartProcessingQueue"
// contract.
type processingSet struct {
	mu sync.Mutex
	m  map[string]bool
}

func (p *processingSet) enable(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]bool)
	}
	p.m[name] = true
}

func (p *processingSet) enabled(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.m[name]
}

var queueProcessing = map[*Queue]*processingSet{}
var queueProcessingMu sync.Mutex

func (q *Queue) processingSetFor() *processingSet {
	queueProcessingMu.Lock()
	defer queueProcessingMu.Unlock()
	ps, ok := queueProcessing[q]
	if !ok {
		ps = &processingSet{}
		queueProcessing[q] = ps
	}
	return ps
}

func (q *Queue) StartProcessingQueue(ctx context.Context, queueName string) error {
	q.processingSetFor().enable(queueName)
	return nil
}

// pollLoop promotes delayed jobs whose process_at has arrived and, each
// tick, claims waiting jobs for every started queue until that queue's
// concurrency slots are full, running each on its own goroutine. SQLite's single-writer-connection means claims never race.
func (q *Queue) pollLoop() {
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			q.ticker.Stop()
			return
		case <-q.ticker.C:
			q.promoteDelayed(ctx)
			q.claimAndRun(ctx)
		}
	}
}

func (q *Queue) promoteDelayed(ctx context.Context) {
	now := storage.NowMs()
	query := fmt.Sprintf(`SELECT id, queue_name FROM %s WHERE state = ? AND process_at <= ?`, q.table())
	rows, err := q.db.QueryContext(ctx, query, storage.JobDelayed, now)
	if err != nil {
		return
	}
	type ref struct{ id, queueName string }
	var due []ref
	for rows.Next() {
		var r ref
		if rows.Scan(&r.id, &r.queueName) == nil {
			due = append(due, r)
		}
	}
	rows.Close()

	for _, r := range due {
		update := fmt.Sprintf("UPDATE %s SET state = ? WHERE id = ? AND state = ?", q.table())
		if _, err := q.db.ExecContext(ctx, update, storage.JobWaiting, r.id, storage.JobDelayed); err != nil {
			continue
		}
		job, err := q.GetJob(ctx, r.queueName, r.id)
		if err == nil {
			q.emit(storage.JobEventWaiting, r.queueName, job)
		}
	}
}

func (q *Queue) claimAndRun(ctx context.Context) {
	q.mu.Lock()
	queueNames := make([]string, 0, len(q.workers))
	for name := range q.workers {
		queueNames = append(queueNames, name)
	}
	q.mu.Unlock()

	for _, queueName := range queueNames {
		if !q.processingSetFor().enabled(queueName) {
			continue
		}
		q.mu.Lock()
		sem := q.sems[queueName]
		workers := q.workers[queueName]
		q.mu.Unlock()

		for {
			select {
			case sem <- struct{}{}:
			default:
				goto nextQueue
			}

			job := q.claimOne(ctx, queueName, workers)
			if job == nil {
				<-sem
				goto nextQueue
			}
			go q.runJob(ctx, queueName, job, workers)
		}
	nextQueue:
	}
}

func (q *Queue) claimOne(ctx context.Context, queueName string, workers []*workerEntry) *storage.Job {
	names := make([]string, len(workers))
	for i, w := range workers {
		names[i] = w.jobName
	}
	placeholders := make([]string, len(names))
	args := []any{queueName, storage.JobWaiting}
	for i, n := range names {
		placeholders[i] = "?"
		args = append(args, n)
	}
	query := fmt.Sprintf(`SELECT id FROM %s WHERE queue_name = ? AND state = ? AND name IN (%s)
		ORDER BY priority DESC, created_at ASC LIMIT 1`, q.table(), joinPlaceholders(placeholders))

	var id string
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return nil
	}

	update := fmt.Sprintf("UPDATE %s SET state = ? WHERE id = ? AND state = ?", q.table())
	res, err := q.db.ExecContext(ctx, update, storage.JobActive, id, storage.JobWaiting)
	if err != nil {
		return nil
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	job, err := q.GetJob(ctx, queueName, id)
	if err != nil {
		return nil
	}
	q.emit(storage.JobEventActive, queueName, job)
	return job
}

func (q *Queue) runJob(ctx context.Context, queueName string, job *storage.Job, workers []*workerEntry) {
	q.mu.Lock()
	sem := q.sems[queueName]
	q.mu.Unlock()
	defer func() { <-sem }()

	var worker *workerEntry
	for _, w := range workers {
		if w.jobName == job.Name {
			worker = w
			break
		}
	}
	if worker == nil {
		return
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if job.Opts.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(job.Opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	err := worker.handler(runCtx, job)
	now := storage.NowMs()

	if err == nil {
		update := fmt.Sprintf("UPDATE %s SET state = ? WHERE id = ?", q.table())
		q.db.ExecContext(ctx, update, storage.JobCompleted, job.ID)
		job.State = storage.JobCompleted
		q.emit(storage.JobEventCompleted, queueName, job)
		return
	}

	job.AttemptsMade++
	job.LastError = err.Error()

	if job.AttemptsMade < job.Opts.Attempts {
		delay := retryDelay(job)
		job.ProcessAt = now + delay
		job.State = storage.JobDelayed
		update := fmt.Sprintf("UPDATE %s SET state = ?, attempts_made = ?, last_error = ?, process_at = ? WHERE id = ?", q.table())
		q.db.ExecContext(ctx, update, job.State, job.AttemptsMade, job.LastError, job.ProcessAt, job.ID)
		q.emit(storage.JobEventDelayed, queueName, job)
		return
	}

	job.State = storage.JobFailed
	update := fmt.Sprintf("UPDATE %s SET state = ?, attempts_made = ?, last_error = ? WHERE id = ?", q.table())
	q.db.ExecContext(ctx, update, job.State, job.AttemptsMade, job.LastError, job.ID)
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

func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	close(q.stopCh)
	queueProcessingMu.Lock()
	delete(queueProcessing, q)
	queueProcessingMu.Unlock()
	return nil
}
