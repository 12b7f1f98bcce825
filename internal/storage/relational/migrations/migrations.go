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

// Package migrations holds the versioned, ordered schema for the relational
// storage backend. Each Migration's SQL is applied exactly once, tracked in
// the {P}_schema_version table, the way the teacher's sqlite backend tracks
// its own (unversioned, single-shot) migration list — this repo adds
// versioning since spec.md §6 requires {P}_schema_version bookkeeping that
// survives repeated `migrate` CLI invocations and daemon restarts.
package migrations

import "strings"

// Migration is one forward-only schema step.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// For returns the ordered migration list for the given subject/index/topic
// prefix P, with every "{P}" placeholder in the schema substituted.
func For(prefix string) []Migration {
	raw := []Migration{
		{1, "schema_version", schemaVersionTable},
		{2, "flow_events", flowEventsTable},
		{3, "trigger_events", triggerEventsTable},
		{4, "flow_runs_index", flowRunsIndexTable},
		{5, "flows_index", flowsIndexTable},
		{6, "triggers_index", triggersIndexTable},
		{7, "scheduler_jobs_index", schedulerJobsIndexTable},
		{8, "kv", kvTable},
		{9, "jobs", jobsTable},
	}
	out := make([]Migration, len(raw))
	for i, m := range raw {
		m.SQL = substitutePrefix(m.SQL, prefix)
		out[i] = m
	}
	return out
}

func substitutePrefix(sql, prefix string) string {
	return strings.ReplaceAll(sql, "%s", prefix)
}

const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS %s_schema_version (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at INTEGER NOT NULL
)`

const flowEventsTable = `
CREATE TABLE IF NOT EXISTS %s_flow_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL,
	id TEXT NOT NULL,
	ts INTEGER NOT NULL,
	type TEXT NOT NULL,
	run_id TEXT NOT NULL,
	flow_name TEXT NOT NULL,
	step_name TEXT,
	step_id TEXT,
	attempt INTEGER NOT NULL DEFAULT 0,
	data TEXT
);
CREATE INDEX IF NOT EXISTS idx_%s_flow_events_key_ts ON %s_flow_events(key, ts DESC);
CREATE INDEX IF NOT EXISTS idx_%s_flow_events_key_type_ts ON %s_flow_events(key, type, ts DESC)`

const triggerEventsTable = `
CREATE TABLE IF NOT EXISTS %s_trigger_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL,
	id TEXT NOT NULL,
	ts INTEGER NOT NULL,
	type TEXT NOT NULL,
	run_id TEXT,
	flow_name TEXT,
	step_name TEXT,
	step_id TEXT,
	attempt INTEGER NOT NULL DEFAULT 0,
	data TEXT
);
CREATE INDEX IF NOT EXISTS idx_%s_trigger_events_key_ts ON %s_trigger_events(key, ts DESC);
CREATE INDEX IF NOT EXISTS idx_%s_trigger_events_key_type_ts ON %s_trigger_events(key, type, ts DESC)`

// Index tables share one flat+JSON hybrid shape: a natural id, a score
// (spec.md's index.add score), a hot-path status column pulled out of
// metadata for the partial index, a version column for optimistic CAS, and
// a metadata JSON column for everything else (spec.md §4.1.a).
const flowRunsIndexTable = `
CREATE TABLE IF NOT EXISTS %s_flow_runs (
	flow_key TEXT NOT NULL,
	id TEXT NOT NULL,
	score REAL NOT NULL DEFAULT 0,
	status TEXT,
	version INTEGER NOT NULL DEFAULT 1,
	metadata TEXT,
	updated_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (flow_key, id)
);
CREATE INDEX IF NOT EXISTS idx_%s_flow_runs_active ON %s_flow_runs(flow_key, status) WHERE status IN ('running', 'awaiting')`

const flowsIndexTable = `
CREATE TABLE IF NOT EXISTS %s_flows (
	id TEXT PRIMARY KEY,
	score REAL NOT NULL DEFAULT 0,
	status TEXT,
	version INTEGER NOT NULL DEFAULT 1,
	metadata TEXT,
	updated_at INTEGER NOT NULL DEFAULT 0
)`

const triggersIndexTable = `
CREATE TABLE IF NOT EXISTS %s_triggers (
	id TEXT PRIMARY KEY,
	score REAL NOT NULL DEFAULT 0,
	status TEXT,
	version INTEGER NOT NULL DEFAULT 1,
	metadata TEXT,
	updated_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_%s_triggers_active ON %s_triggers(status) WHERE status IN ('active', 'running')`

const schedulerJobsIndexTable = `
CREATE TABLE IF NOT EXISTS %s_scheduler_jobs (
	id TEXT PRIMARY KEY,
	score REAL NOT NULL DEFAULT 0,
	status TEXT,
	version INTEGER NOT NULL DEFAULT 1,
	metadata TEXT,
	updated_at INTEGER NOT NULL DEFAULT 0
)`

const kvTable = `
CREATE TABLE IF NOT EXISTS %s_kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	expires_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_%s_kv_expires ON %s_kv(expires_at) WHERE expires_at IS NOT NULL`

const jobsTable = `
CREATE TABLE IF NOT EXISTS %s_jobs (
	id TEXT PRIMARY KEY,
	queue_name TEXT NOT NULL,
	name TEXT NOT NULL,
	data TEXT,
	attempts INTEGER NOT NULL DEFAULT 1,
	attempts_made INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0,
	backoff_type TEXT,
	backoff_delay_ms INTEGER NOT NULL DEFAULT 0,
	timeout_ms INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	last_error TEXT,
	created_at INTEGER NOT NULL,
	process_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%s_jobs_queue_state ON %s_jobs(queue_name, state, priority DESC, created_at ASC)`
