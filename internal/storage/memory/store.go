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

package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	flowerrors "github.com/flowkit/flowkit/pkg/errors"

	"github.com/flowkit/flowkit/internal/storage"
)

// Store is the in-memory Store implementation: streams, a sorted index, and
// a key-value store, all guarded by one mutex per sub-store.
type Store struct {
	streams *streamStore
	index   *indexStore
	kv      *kvStore
}

// NewStore creates a new in-memory Store.
func NewStore() *Store {
	return &Store{
		streams: &streamStore{subjects: make(map[string]*subjectLog)},
		index:   &indexStore{keys: make(map[string]map[string]*storage.IndexRecord)},
		kv:      &kvStore{entries: make(map[string]*kvEntry)},
	}
}

var _ storage.Store = (*Store)(nil)

func (s *Store) Stream() storage.StreamStore { return s.streams }
func (s *Store) Index() storage.IndexStore   { return s.index }
func (s *Store) KV() storage.KVStore         { return s.kv }
func (s *Store) Close() error                { return nil }

// --- stream ---

type subjectLog struct {
	mu      sync.Mutex
	records []*storage.EventRecord
	idgen   storage.StreamIDGen
}

type streamStore struct {
	mu       sync.Mutex
	subjects map[string]*subjectLog
}

func (s *streamStore) subjectFor(subject string) *subjectLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.subjects[subject]
	if !ok {
		sl = &subjectLog{}
		s.subjects[subject] = sl
	}
	return sl
}

func (s *streamStore) Append(ctx context.Context, subject string, in storage.EventInput) (*storage.EventRecord, error) {
	sl := s.subjectFor(subject)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := storage.NowMs()
	rec := &storage.EventRecord{
		ID:       sl.idgen.Next(now),
		Ts:       now,
		Type:     in.Type,
		RunID:    in.RunID,
		FlowName: in.FlowName,
		StepName: in.StepName,
		StepID:   in.StepID,
		Attempt:  in.Attempt,
		Data:     storage.CloneMetadata(in.Data),
	}
	sl.records = append(sl.records, rec)
	cp := *rec
	return &cp, nil
}

func (s *streamStore) Read(ctx context.Context, subject string, opts storage.ReadOptions) ([]*storage.EventRecord, error) {
	sl := s.subjectFor(subject)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	var typeSet map[string]bool
	if len(opts.Types) > 0 {
		typeSet = make(map[string]bool, len(opts.Types))
		for _, t := range opts.Types {
			typeSet[t] = true
		}
	}

	out := make([]*storage.EventRecord, 0, len(sl.records))
	for _, rec := range sl.records {
		if opts.From != "" && rec.ID < opts.From {
			continue
		}
		if opts.To != "" && rec.ID > opts.To {
			continue
		}
		if opts.After != "" && rec.ID <= opts.After {
			continue
		}
		if typeSet != nil && !typeSet[rec.Type] {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}

	if opts.Desc {
		sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *streamStore) Delete(ctx context.Context, subject string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.subjects[subject]
	delete(s.subjects, subject)
	return existed, nil
}

var _ storage.StreamStore = (*streamStore)(nil)

// RestoreStreamRecord inserts a previously persisted event record as-is,
// preserving its ID and seeding the subject's ID generator so subsequently
// appended events still sort after it. Used by the filesystem backend to
// rehydrate a stream from its on-disk log; not part of storage.StreamStore.
func (s *Store) RestoreStreamRecord(subject string, rec *storage.EventRecord) {
	sl := s.streams.subjectFor(subject)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	cp := *rec
	sl.records = append(sl.records, &cp)
	sl.idgen.Seed(rec.ID)
}

// RestoreIndexRecord inserts a previously persisted index record as-is,
// preserving its score, metadata and version. Used by the filesystem
// backend to rehydrate an index bucket from its on-disk snapshot; not part
// of storage.IndexStore.
func (s *Store) RestoreIndexRecord(key, id string, rec *storage.IndexRecord) {
	s.index.mu.Lock()
	defer s.index.mu.Unlock()
	b := s.index.bucket(key)
	b[id] = cloneRecord(rec)
}

// --- index ---

type indexStore struct {
	mu   sync.Mutex
	keys map[string]map[string]*storage.IndexRecord
}

func (ix *indexStore) bucket(key string) map[string]*storage.IndexRecord {
	b, ok := ix.keys[key]
	if !ok {
		b = make(map[string]*storage.IndexRecord)
		ix.keys[key] = b
	}
	return b
}

func (ix *indexStore) Add(ctx context.Context, key, id string, score float64, metadata map[string]any) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	b := ix.bucket(key)
	b[id] = &storage.IndexRecord{ID: id, Score: score, Metadata: storage.CloneMetadata(metadata), Version: 1}
	return nil
}

func (ix *indexStore) Update(ctx context.Context, key, id string, metadataPartial map[string]any) (bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	b := ix.bucket(key)
	rec, ok := b[id]
	if !ok {
		rec = &storage.IndexRecord{ID: id, Metadata: map[string]any{}}
		b[id] = rec
	}
	rec.Metadata = storage.DeepMerge(rec.Metadata, metadataPartial)
	rec.Version++
	return true, nil
}

func (ix *indexStore) UpdateWithRetry(ctx context.Context, key, id string, metadataPartial map[string]any, maxRetries int) error {
	// The in-memory backend's Update never loses a CAS race (one mutex
	// guards the whole bucket), so a single call always succeeds. The
	// retry loop exists to give every backend the identical call shape.
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
	ix.mu.Lock()
	defer ix.mu.Unlock()
	b := ix.bucket(key)
	rec, ok := b[id]
	if !ok {
		rec = &storage.IndexRecord{ID: id, Metadata: map[string]any{}}
		b[id] = rec
	}
	cur := getPath(rec.Metadata, fieldPath)
	next := toFloat(cur) + by
	setPath(rec.Metadata, fieldPath, next)
	rec.Version++
	return next, nil
}

func (ix *indexStore) Get(ctx context.Context, key, id string) (*storage.IndexRecord, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	rec, ok := ix.keys[key][id]
	if !ok {
		return nil, &flowerrors.NotFoundError{Resource: "index", ID: key + ":" + id}
	}
	return cloneRecord(rec), nil
}

func (ix *indexStore) Read(ctx context.Context, key string, opts storage.IndexReadOptions) ([]*storage.IndexRecord, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	b := ix.keys[key]
	out := make([]*storage.IndexRecord, 0, len(b))
	for _, rec := range b {
		if !matchesFilter(rec, opts.Filter) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].ID < out[j].ID
	})

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
	ix.mu.Lock()
	defer ix.mu.Unlock()
	b, ok := ix.keys[key]
	if !ok {
		return false, nil
	}
	_, existed := b[id]
	delete(b, id)
	return existed, nil
}

var _ storage.IndexStore = (*indexStore)(nil)

func cloneRecord(rec *storage.IndexRecord) *storage.IndexRecord {
	return &storage.IndexRecord{
		ID:       rec.ID,
		Score:    rec.Score,
		Metadata: storage.CloneMetadata(rec.Metadata),
		Version:  rec.Version,
	}
}

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

// getPath resolves a dotted field path ("stats.totalFires") against a
// nested map.
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

// setPath writes a value at a dotted field path, creating intermediate maps
// as needed.
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

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

// --- kv ---

type kvEntry struct {
	value     any
	expiresAt int64 // ms epoch; 0 means no expiry
}

type kvStore struct {
	mu      sync.Mutex
	entries map[string]*kvEntry
}

func (kv *kvStore) Get(ctx context.Context, key string) (any, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.entries[key]
	if !ok {
		return nil, false, nil
	}
	if e.expiresAt > 0 && e.expiresAt <= storage.NowMs() {
		delete(kv.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (kv *kvStore) Set(ctx context.Context, key string, value any, ttlSec int64) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	var expiresAt int64
	if ttlSec > 0 {
		expiresAt = storage.NowMs() + ttlSec*1000
	}
	kv.entries[key] = &kvEntry{value: value, expiresAt: expiresAt}
	return nil
}

func (kv *kvStore) Delete(ctx context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.entries, key)
	return nil
}

func (kv *kvStore) Clear(ctx context.Context, pattern string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if pattern == "" || pattern == "*" {
		kv.entries = make(map[string]*kvEntry)
		return nil
	}
	prefix, isPrefix := strings.CutSuffix(pattern, "*")
	for k := range kv.entries {
		if isPrefix {
			if strings.HasPrefix(k, prefix) {
				delete(kv.entries, k)
			}
		} else if k == pattern {
			delete(kv.entries, k)
		}
	}
	return nil
}

func (kv *kvStore) Increment(ctx context.Context, key string, by int64) (int64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.entries[key]
	if !ok || (e.expiresAt > 0 && e.expiresAt <= storage.NowMs()) {
		e = &kvEntry{value: int64(0)}
		kv.entries[key] = e
	}
	cur, _ := e.value.(int64)
	cur += by
	e.value = cur
	return cur, nil
}

var _ storage.KVStore = (*kvStore)(nil)

// KVEntrySnapshot is a point-in-time copy of one KV entry, including its
// absolute expiry so a caller can persist and later replay it faithfully.
type KVEntrySnapshot struct {
	Value     any
	ExpiresAt int64 // ms epoch; 0 means no expiry
}

// KVSnapshot returns every live (non-expired) KV entry. Used by the
// filesystem backend to write a full snapshot after every mutation; not
// part of storage.KVStore since TTL bookkeeping isn't part of that
// interface's contract.
func (s *Store) KVSnapshot() map[string]KVEntrySnapshot {
	s.kv.mu.Lock()
	defer s.kv.mu.Unlock()
	now := storage.NowMs()
	out := make(map[string]KVEntrySnapshot, len(s.kv.entries))
	for k, e := range s.kv.entries {
		if e.expiresAt > 0 && e.expiresAt <= now {
			continue
		}
		out[k] = KVEntrySnapshot{Value: e.value, ExpiresAt: e.expiresAt}
	}
	return out
}
