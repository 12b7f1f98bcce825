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
	"strings"
	"sync"
	"time"

	flowerrors "github.com/flowkit/flowkit/pkg/errors"

	"github.com/flowkit/flowkit/internal/names"
	"github.com/flowkit/flowkit/internal/storage"
)

// --- stream ---

type streamStore struct {
	db    *sql.DB
	names names.Names

	mu     sync.Mutex
	idgens map[string]*storage.StreamIDGen
}

// table routes a subject to its stream family table. spec.md §4.1.a asks
// for one table per stream family; this naming scheme only ever produces
// two families (per-run flow events and per-trigger events), so routing is
// a simple substring check rather than a registered family list.
func (s *streamStore) table(subject string) string {
	if strings.Contains(subject, ":trigger:event:") {
		return s.names.Prefix + "_trigger_events"
	}
	return s.names.Prefix + "_flow_events"
}

func (s *streamStore) idgenFor(subject string) *storage.StreamIDGen {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idgens == nil {
		s.idgens = make(map[string]*storage.StreamIDGen)
	}
	g, ok := s.idgens[subject]
	if !ok {
		g = &storage.StreamIDGen{}
		s.idgens[subject] = g
	}
	return g
}

func (s *streamStore) Append(ctx context.Context, subject string, in storage.EventInput) (*storage.EventRecord, error) {
	table := s.table(subject)
	now := storage.NowMs()
	id := s.idgenFor(subject).Next(now)

	data, err := json.Marshal(storage.CloneMetadata(in.Data))
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`INSERT INTO %s (key, id, ts, type, run_id, flow_name, step_name, step_id, attempt, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table)
	if _, err := s.db.ExecContext(ctx, query, subject, id, now, in.Type, in.RunID, in.FlowName, in.StepName, in.StepID, in.Attempt, string(data)); err != nil {
		return nil, fmt.Errorf("relational: appending to %s: %w", subject, err)
	}

	return &storage.EventRecord{
		ID:       id,
		Ts:       now,
		Type:     in.Type,
		RunID:    in.RunID,
		FlowName: in.FlowName,
		StepName: in.StepName,
		StepID:   in.StepID,
		Attempt:  in.Attempt,
		Data:     storage.CloneMetadata(in.Data),
	}, nil
}

func (s *streamStore) Read(ctx context.Context, subject string, opts storage.ReadOptions) ([]*storage.EventRecord, error) {
	table := s.table(subject)
	query := fmt.Sprintf(`SELECT id, ts, type, run_id, flow_name, step_name, step_id, attempt, data FROM %s WHERE key = ?`, table)
	args := []any{subject}

	if opts.From != "" {
		query += " AND id >= ?"
		args = append(args, opts.From)
	}
	if opts.To != "" {
		query += " AND id <= ?"
		args = append(args, opts.To)
	}
	if opts.After != "" {
		query += " AND id > ?"
		args = append(args, opts.After)
	}
	if len(opts.Types) > 0 {
		placeholders := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += " AND type IN (" + strings.Join(placeholders, ",") + ")"
	}

	order := "ASC"
	if opts.Desc {
		order = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY ts %s, id %s", order, order)

	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("relational: reading %s: %w", subject, err)
	}
	defer rows.Close()

	var out []*storage.EventRecord
	for rows.Next() {
		var rec storage.EventRecord
		var runID, flowName, stepName, stepID, data sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Ts, &rec.Type, &runID, &flowName, &stepName, &stepID, &rec.Attempt, &data); err != nil {
			return nil, err
		}
		rec.RunID = runID.String
		rec.FlowName = flowName.String
		rec.StepName = stepName.String
		rec.StepID = stepID.String
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &rec.Data); err != nil {
				return nil, err
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *streamStore) Delete(ctx context.Context, subject string) (bool, error) {
	table := s.table(subject)
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ?", table), subject)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

var _ storage.StreamStore = (*streamStore)(nil)

// --- index ---

type indexStore struct {
	db     *sql.DB
	prefix string
}

// resolve maps an index key to its backing table. flows/triggers/scheduler
// jobs each have exactly one key value system-wide, so they get a bare id
// PK; flow_runs is parameterized per flow name, so it carries a flow_key
// column alongside id.
func (ix *indexStore) resolve(key string) (table, flowKey string, keyed bool) {
	n := names.New(ix.prefix)
	switch key {
	case n.FlowsIndex():
		return ix.prefix + "_flows", "", false
	case n.TriggersIndex():
		return ix.prefix + "_triggers", "", false
	case n.SchedulerJobsIndex():
		return ix.prefix + "_scheduler_jobs", "", false
	default:
		return ix.prefix + "_flow_runs", key, true
	}
}

func whereClause(keyed bool, flowKey string) (string, []any) {
	if keyed {
		return "flow_key = ? AND id = ?", []any{flowKey}
	}
	return "id = ?", nil
}

// execer is satisfied by both *sql.DB and *sql.Tx, so insertRow can be
// called either as a standalone statement (Update's missing-row path)
// or inside a transaction (Increment's select-then-write).
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (ix *indexStore) insertRow(ctx context.Context, table, flowKey string, keyed bool, id string, score float64, status string, metadataJSON []byte, now int64) error {
	return ix.insertRowWith(ctx, ix.db, table, flowKey, keyed, id, score, status, metadataJSON, now)
}

func (ix *indexStore) insertRowWith(ctx context.Context, x execer, table, flowKey string, keyed bool, id string, score float64, status string, metadataJSON []byte, now int64) error {
	if keyed {
		q := fmt.Sprintf(`INSERT INTO %s (flow_key, id, score, status, version, metadata, updated_at) VALUES (?, ?, ?, ?, 1, ?, ?)`, table)
		_, err := x.ExecContext(ctx, q, flowKey, id, score, nullString(status), string(metadataJSON), now)
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, score, status, version, metadata, updated_at) VALUES (?, ?, ?, 1, ?, ?)`, table)
	_, err := x.ExecContext(ctx, q, id, score, nullString(status), string(metadataJSON), now)
	return err
}

func (ix *indexStore) Add(ctx context.Context, key, id string, score float64, metadata map[string]any) error {
	table, flowKey, keyed := ix.resolve(key)
	status, _ := metadata["status"].(string)
	data, err := json.Marshal(storage.CloneMetadata(metadata))
	if err != nil {
		return err
	}
	now := storage.NowMs()

	var query string
	var args []any
	if keyed {
		query = fmt.Sprintf(`INSERT INTO %s (flow_key, id, score, status, version, metadata, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (flow_key, id) DO UPDATE SET
				score = excluded.score, status = excluded.status,
				version = version + 1, metadata = excluded.metadata, updated_at = excluded.updated_at`, table)
		args = []any{flowKey, id, score, nullString(status), string(data), now}
	} else {
		query = fmt.Sprintf(`INSERT INTO %s (id, score, status, version, metadata, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				score = excluded.score, status = excluded.status,
				version = version + 1, metadata = excluded.metadata, updated_at = excluded.updated_at`, table)
		args = []any{id, score, nullString(status), string(data), now}
	}
	if _, err := ix.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("relational: index.add %s/%s: %w", key, id, err)
	}
	return nil
}

func (ix *indexStore) Update(ctx context.Context, key, id string, metadataPartial map[string]any) (bool, error) {
	table, flowKey, keyed := ix.resolve(key)
	partialJSON, err := json.Marshal(metadataPartial)
	if err != nil {
		return false, err
	}
	now := storage.NowMs()
	where, whereArgs := whereClause(keyed, flowKey)
	whereArgs = append(whereArgs, id)

	var version int
	selectQuery := fmt.Sprintf("SELECT version FROM %s WHERE %s", table, where)
	err = ix.db.QueryRowContext(ctx, selectQuery, whereArgs...).Scan(&version)
	if err == sql.ErrNoRows {
		status, _ := metadataPartial["status"].(string)
		if err := ix.insertRow(ctx, table, flowKey, keyed, id, 0, status, partialJSON, now); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	updateQuery := fmt.Sprintf(`UPDATE %s SET metadata = json_patch(COALESCE(metadata, '{}'), ?),
		status = COALESCE(json_extract(?, '$.status'), status),
		version = version + 1, updated_at = ? WHERE %s AND version = ?`, table, where)
	updateArgs := append([]any{string(partialJSON), string(partialJSON), now}, whereArgs...)
	updateArgs = append(updateArgs, version)
	res, err := ix.db.ExecContext(ctx, updateQuery, updateArgs...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (ix *indexStore) UpdateWithRetry(ctx context.Context, key, id string, metadataPartial map[string]any, maxRetries int) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		ok, err := ix.Update(ctx, key, id, metadataPartial)
		if err != nil {
			lastErr = err
		} else if ok {
			return nil
		}
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond / 100)
	}
	if lastErr == nil {
		lastErr = &flowerrors.ConflictError{Resource: "index", Key: key + ":" + id}
	}
	return lastErr
}

func (ix *indexStore) Increment(ctx context.Context, key, id, fieldPath string, by float64) (float64, error) {
	table, flowKey, keyed := ix.resolve(key)
	where, whereArgs := whereClause(keyed, flowKey)
	whereArgs = append(whereArgs, id)
	now := storage.NowMs()
	jsonPath := "$." + fieldPath

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	selectQuery := fmt.Sprintf("SELECT COALESCE(json_extract(metadata, ?), 0), version FROM %s WHERE %s", table, where)
	var cur float64
	var version int
	err = tx.QueryRowContext(ctx, selectQuery, append([]any{jsonPath}, whereArgs...)...).Scan(&cur, &version)
	next := cur + by

	if err == sql.ErrNoRows {
		metadata := map[string]any{}
		setPath(metadata, fieldPath, next)
		data, mErr := json.Marshal(metadata)
		if mErr != nil {
			return 0, mErr
		}
		if err := ix.insertRowWith(ctx, tx, table, flowKey, keyed, id, 0, "", data, now); err != nil {
			return 0, err
		}
		return next, tx.Commit()
	}
	if err != nil {
		return 0, err
	}

	updateQuery := fmt.Sprintf(`UPDATE %s SET metadata = json_set(COALESCE(metadata, '{}'), ?, ?),
		version = version + 1, updated_at = ? WHERE %s`, table, where)
	updateArgs := append([]any{jsonPath, next, now}, whereArgs...)
	if _, err := tx.ExecContext(ctx, updateQuery, updateArgs...); err != nil {
		return 0, err
	}
	return next, tx.Commit()
}

func (ix *indexStore) Get(ctx context.Context, key, id string) (*storage.IndexRecord, error) {
	table, flowKey, keyed := ix.resolve(key)
	where, whereArgs := whereClause(keyed, flowKey)
	whereArgs = append(whereArgs, id)

	query := fmt.Sprintf("SELECT id, score, version, metadata FROM %s WHERE %s", table, where)
	var rec storage.IndexRecord
	var metaJSON sql.NullString
	err := ix.db.QueryRowContext(ctx, query, whereArgs...).Scan(&rec.ID, &rec.Score, &rec.Version, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, &flowerrors.NotFoundError{Resource: "index", ID: key + ":" + id}
	}
	if err != nil {
		return nil, err
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &rec.Metadata); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

func (ix *indexStore) Read(ctx context.Context, key string, opts storage.IndexReadOptions) ([]*storage.IndexRecord, error) {
	table, flowKey, keyed := ix.resolve(key)
	query := fmt.Sprintf("SELECT id, score, version, metadata FROM %s", table)
	var args []any
	if keyed {
		query += " WHERE flow_key = ?"
		args = append(args, flowKey)
	}
	query += " ORDER BY score ASC, id ASC"

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.IndexRecord
	for rows.Next() {
		var rec storage.IndexRecord
		var metaJSON sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Score, &rec.Version, &metaJSON); err != nil {
			return nil, err
		}
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &rec.Metadata); err != nil {
				return nil, err
			}
		}
		if !matchesFilter(&rec, opts.Filter) {
			continue
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*storage.IndexRecord{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (ix *indexStore) Delete(ctx context.Context, key, id string) (bool, error) {
	table, flowKey, keyed := ix.resolve(key)
	where, whereArgs := whereClause(keyed, flowKey)
	whereArgs = append(whereArgs, id)
	res, err := ix.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", table, where), whereArgs...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

var _ storage.IndexStore = (*indexStore)(nil)

func matchesFilter(rec *storage.IndexRecord, filter map[string]any) bool {
	for field, want := range filter {
		got := getPath(rec.Metadata, field)
		if !matchesValue(got, want) {
			return false
		}
	}
	return true
}

func matchesValue(got, want any) bool {
	if arr, ok := want.([]any); ok {
		for _, w := range arr {
			if fmt.Sprint(got) == fmt.Sprint(w) {
				return true
			}
		}
		return false
	}
	return fmt.Sprint(got) == fmt.Sprint(want)
}

func getPath(m map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = asMap[p]
	}
	return cur
}

func setPath(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := m
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- kv ---

type kvStore struct {
	db     *sql.DB
	prefix string
}

func (kv *kvStore) table() string { return kv.prefix + "_kv" }

func (kv *kvStore) Get(ctx context.Context, key string) (any, bool, error) {
	var valueJSON string
	var expiresAt sql.NullInt64
	query := fmt.Sprintf("SELECT value, expires_at FROM %s WHERE key = ?", kv.table())
	err := kv.db.QueryRowContext(ctx, query, key).Scan(&valueJSON, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if expiresAt.Valid && expiresAt.Int64 > 0 && expiresAt.Int64 <= storage.NowMs() {
		_, _ = kv.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ?", kv.table()), key)
		return nil, false, nil
	}
	var value any
	if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (kv *kvStore) Set(ctx context.Context, key string, value any, ttlSec int64) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var expiresAt any
	if ttlSec > 0 {
		expiresAt = storage.NowMs() + ttlSec*1000
	}
	query := fmt.Sprintf(`INSERT INTO %s (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`, kv.table())
	_, err = kv.db.ExecContext(ctx, query, key, string(data), expiresAt)
	return err
}

func (kv *kvStore) Delete(ctx context.Context, key string) error {
	_, err := kv.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ?", kv.table()), key)
	return err
}

func (kv *kvStore) Clear(ctx context.Context, pattern string) error {
	if pattern == "" || pattern == "*" {
		_, err := kv.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", kv.table()))
		return err
	}
	prefix, isPrefix := strings.CutSuffix(pattern, "*")
	if isPrefix {
		escaped := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_").Replace(prefix)
		query := fmt.Sprintf("DELETE FROM %s WHERE key LIKE ? ESCAPE '\\'", kv.table())
		_, err := kv.db.ExecContext(ctx, query, escaped+"%")
		return err
	}
	_, err := kv.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ?", kv.table()), pattern)
	return err
}

func (kv *kvStore) Increment(ctx context.Context, key string, by int64) (int64, error) {
	tx, err := kv.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var valueJSON string
	var expiresAt sql.NullInt64
	err = tx.QueryRowContext(ctx, fmt.Sprintf("SELECT value, expires_at FROM %s WHERE key = ?", kv.table()), key).Scan(&valueJSON, &expiresAt)
	var cur int64
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return 0, err
	case expiresAt.Valid && expiresAt.Int64 > 0 && expiresAt.Int64 <= storage.NowMs():
	default:
		_ = json.Unmarshal([]byte(valueJSON), &cur)
	}

	next := cur + by
	data, err := json.Marshal(next)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`INSERT INTO %s (key, value, expires_at) VALUES (?, ?, NULL)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = NULL`, kv.table())
	if _, err := tx.ExecContext(ctx, query, key, string(data)); err != nil {
		return 0, err
	}
	return next, tx.Commit()
}

var _ storage.KVStore = (*kvStore)(nil)
