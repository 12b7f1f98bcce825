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

// Package storage declares the Queue, Store, and TopicBus interfaces shared
// by the in-memory, filesystem, and relational backends, plus the record
// types that flow across them.
package storage

import (
	"context"
	"time"
)

// JobState is the lifecycle state of one queued job.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobDelayed   JobState = "delayed"
	JobRetry     JobState = "retry"
)

// BackoffType selects how retry delay grows between attempts.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff configures retry delay between job attempts.
type Backoff struct {
	Type    BackoffType
	DelayMs int64
}

// JobOptions mirrors spec.md's enqueue opts.
type JobOptions struct {
	Attempts  int
	Backoff   *Backoff
	Priority  int
	TimeoutMs int64
	DelayMs   int64
	JobID     string
}

// JobInput is what callers hand to Enqueue/Schedule.
type JobInput struct {
	Name string
	Data map[string]any
	Opts JobOptions
}

// Job is the durable record of one queued job.
type Job struct {
	ID           string
	QueueName    string
	Name         string
	Data         map[string]any
	Opts         JobOptions
	State        JobState
	AttemptsMade int
	CreatedAt    int64 // ms epoch
	ProcessAt    int64 // ms epoch; when the job becomes eligible to run
	LastError    string
}

// JobFilter selects jobs for GetJobs.
type JobFilter struct {
	States []JobState
	Limit  int
	Offset int
}

// JobCounts tallies jobs per state in one queue.
type JobCounts map[JobState]int

// JobHandler processes one job. Returning an error triggers the queue's
// retry policy (spec.md §4.1).
type JobHandler func(ctx context.Context, job *Job) error

// WorkerOptions configures a registered (jobName, handler) pair.
type WorkerOptions struct {
	Concurrency int
	Autorun     bool
}

// ScheduleOptions configures Queue.Schedule. The backends' Schedule applies
// DelayMs only; Cron is carried but not acted on.
type ScheduleOptions struct {
	DelayMs int64
	Cron    string
}

// JobEventKind names one queue observability event (spec.md §4.1).
type JobEventKind string

const (
	JobEventWaiting   JobEventKind = "waiting"
	JobEventActive    JobEventKind = "active"
	JobEventCompleted JobEventKind = "completed"
	JobEventFailed    JobEventKind = "failed"
	JobEventDelayed   JobEventKind = "delayed"
)

// JobEvent is published on every job state transition.
type JobEvent struct {
	Kind      JobEventKind
	QueueName string
	Job       *Job
}

// Subscription is returned by TopicBus.Subscribe and Queue job-event
// subscriptions; Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Queue is a durable job queue with retries and delayed/scheduled jobs.
type Queue interface {
	Enqueue(ctx context.Context, queueName string, job JobInput) (jobID string, err error)
	Schedule(ctx context.Context, queueName string, job JobInput, opts ScheduleOptions) (scheduleID string, err error)
	GetJob(ctx context.Context, queueName, jobID string) (*Job, error)
	GetJobs(ctx context.Context, queueName string, filter JobFilter) ([]*Job, error)
	GetJobCounts(ctx context.Context, queueName string) (JobCounts, error)
	RegisterWorker(queueName, jobName string, handler JobHandler, opts WorkerOptions) error
	StartProcessingQueue(ctx context.Context, queueName string) error
	OnJobEvent(handler func(JobEvent)) Subscription
	Close() error
}

// EventRecord is one immutable append-only stream entry (spec.md §3).
type EventRecord struct {
	ID       string // lexicographically sortable, strictly increasing within a subject
	Ts       int64  // ms epoch
	Type     string
	RunID    string
	FlowName string
	StepName string
	StepID   string
	Attempt  int
	Data     map[string]any
}

// EventInput is an event record before ID/Ts assignment.
type EventInput struct {
	Type     string
	RunID    string
	FlowName string
	StepName string
	StepID   string
	Attempt  int
	Data     map[string]any
}

// ReadOptions filters and orders a stream read.
type ReadOptions struct {
	From  string
	To    string
	Types []string
	Desc  bool
	Limit int
	After string
}

// StreamStore is the append-only event stream half of Store.
type StreamStore interface {
	Append(ctx context.Context, subject string, in EventInput) (*EventRecord, error)
	Read(ctx context.Context, subject string, opts ReadOptions) ([]*EventRecord, error)
	Delete(ctx context.Context, subject string) (bool, error)
}

// IndexRecord is one sorted-index entry: (id, score, metadata) with an
// optimistic-concurrency version.
type IndexRecord struct {
	ID       string
	Score    float64
	Metadata map[string]any
	Version  int64
}

// IndexReadOptions paginates and filters an index read.
type IndexReadOptions struct {
	Offset int
	Limit  int
	Filter map[string]any
}

// IndexStore is the sorted index half of Store, keyed by (key, id) with a
// numeric score and arbitrary metadata, using optimistic CAS on Version.
type IndexStore interface {
	Add(ctx context.Context, key, id string, score float64, metadata map[string]any) error
	Update(ctx context.Context, key, id string, metadataPartial map[string]any) (bool, error)
	UpdateWithRetry(ctx context.Context, key, id string, metadataPartial map[string]any, maxRetries int) error
	Increment(ctx context.Context, key, id, fieldPath string, by float64) (float64, error)
	Get(ctx context.Context, key, id string) (*IndexRecord, error)
	Read(ctx context.Context, key string, opts IndexReadOptions) ([]*IndexRecord, error)
	Delete(ctx context.Context, key, id string) (bool, error)
}

// KVStore is the key-value half of Store, with lazy TTL expiry.
type KVStore interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any, ttlSec int64) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context, pattern string) error
	Increment(ctx context.Context, key string, by int64) (int64, error)
}

// Store composes the stream, index, and kv storage surfaces.
type Store interface {
	Stream() StreamStore
	Index() IndexStore
	KV() KVStore
	Close() error
}

// TopicBus is ephemeral publish/subscribe; it holds no history.
type TopicBus interface {
	Publish(ctx context.Context, topic string, event any) error
	Subscribe(topic string, handler func(event any)) (Subscription, error)
}

// NowMs returns the current time in milliseconds since epoch. Backends use
// this single choke point so tests can reason about ordering.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
