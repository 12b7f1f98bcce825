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

// Package file implements the filesystem-backed Queue and Store: an
// embedded in-memory backend with write-through persistence, per spec.md
// §9's "memory semantics + write-through" resolution of the source's
// file-backed inheritance pattern. TopicBus has no filesystem variant —
// spec.md §9 resolves file-backed TopicBus.Subscribe as in-memory-only, so
// callers construct internal/storage/memory.TopicBus directly alongside
// this package's Queue/Store.
package file

import (
	"bufio"
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

// Store wraps an in-memory Store and writes every mutation through to
// disk: JSON-lines append files per stream subject, JSON snapshot files
// per index key, and one JSON snapshot file for the whole KV store.
type Store struct {
	mem *memory.Store
	dir string

	streams *fileStreamStore
	index   *fileIndexStore
	kv      *fileKVStore
}

var _ storage.Store = (*Store)(nil)

// Open creates (or reopens) a filesystem-backed Store rooted at dir,
// replaying any on-disk state into a fresh in-memory Store first.
func Open(dir string) (*Store, error) {
	for _, sub := range []string{"streams", "index", "kv"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("file store: creating %s dir: %w", sub, err)
		}
	}

	mem := memory.NewStore()
	s := &Store{mem: mem, dir: dir}
	s.streams = &fileStreamStore{dir: filepath.Join(dir, "streams"), inner: mem.Stream()}
	s.index = &fileIndexStore{dir: filepath.Join(dir, "index"), inner: mem.Index()}
	s.kv = &fileKVStore{path: filepath.Join(dir, "kv", "kv.json"), inner: mem.KV(), mem: mem}

	if err := s.replay(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Stream() storage.StreamStore { return s.streams }
func (s *Store) Index() storage.IndexStore   { return s.index }
func (s *Store) KV() storage.KVStore         { return s.kv }
func (s *Store) Close() error                { return nil }

// replay loads every on-disk stream/index/kv file back into the embedded
// in-memory store, so a restarted process sees prior state.
func (s *Store) replay() error {
	ctx := context.Background()

	streamFiles, err := filepath.Glob(filepath.Join(s.streams.dir, "*.jsonl"))
	if err != nil {
		return err
	}
	for _, path := range streamFiles {
		subject := unescapeName(strings.TrimSuffix(filepath.Base(path), ".jsonl"))
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			var rec storage.EventRecord
			if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
				f.Close()
				return fmt.Errorf("file store: replaying stream %s: %w", subject, err)
			}
			s.mem.RestoreStreamRecord(subject, &rec)
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return err
		}
	}

	indexFiles, err := filepath.Glob(filepath.Join(s.index.dir, "*.json"))
	if err != nil {
		return err
	}
	for _, path := range indexFiles {
		key := unescapeName(strings.TrimSuffix(filepath.Base(path), ".json"))
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var rows map[string]*storage.IndexRecord
		if err := json.Unmarshal(data, &rows); err != nil {
			return fmt.Errorf("file store: replaying index %s: %w", key, err)
		}
		for id, rec := range rows {
			s.mem.RestoreIndexRecord(key, id, rec)
		}
	}

	if data, err := os.ReadFile(s.kv.path); err == nil {
		var entries map[string]kvSnapshotEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("file store: replaying kv: %w", err)
		}
		for key, e := range entries {
			ttl := int64(0)
			if e.ExpiresAt > 0 {
				ttl = (e.ExpiresAt - storage.NowMs()) / 1000
				if ttl <= 0 {
					continue // expired or under a second left; drop on replay
				}
			}
			_ = s.mem.KV().Set(ctx, key, e.Value, ttl)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	return nil
}

type kvSnapshotEntry struct {
	Value     any   `json:"value"`
	ExpiresAt int64 `json:"expiresAt"`
}

// --- stream ---

type fileStreamStore struct {
	mu    sync.Mutex
	dir   string
	inner storage.StreamStore
}

func (f *fileStreamStore) Append(ctx context.Context, subject string, in storage.EventInput) (*storage.EventRecord, error) {
	rec, err := f.inner.Append(ctx, subject, in)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	path := filepath.Join(f.dir, escapeName(subject)+".jsonl")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("file store: opening stream file %s: %w", path, err)
	}
	defer file.Close()
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("file store: appending to stream file %s: %w", path, err)
	}
	return rec, nil
}

func (f *fileStreamStore) Read(ctx context.Context, subject string, opts storage.ReadOptions) ([]*storage.EventRecord, error) {
	return f.inner.Read(ctx, subject, opts)
}

func (f *fileStreamStore) Delete(ctx context.Context, subject string) (bool, error) {
	existed, err := f.inner.Delete(ctx, subject)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	path := filepath.Join(f.dir, escapeName(subject)+".jsonl")
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return existed, rmErr
	}
	return existed, nil
}

var _ storage.StreamStore = (*fileStreamStore)(nil)

// --- index ---

type fileIndexStore struct {
	mu    sync.Mutex
	dir   string
	inner storage.IndexStore
}

func (f *fileIndexStore) snapshot(ctx context.Context, key string) error {
	// Limit is left at zero: IndexStore.Read only truncates when Limit > 0,
	// so this reads the whole bucket for the key.
	rows, err := f.inner.Read(ctx, key, storage.IndexReadOptions{})
	if err != nil {
		return err
	}
	out := make(map[string]*storage.IndexRecord, len(rows))
	for _, r := range rows {
		out[r.ID] = r
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(f.dir, escapeName(key)+".json")
	return os.WriteFile(path, data, 0o644)
}

func (f *fileIndexStore) Add(ctx context.Context, key, id string, score float64, metadata map[string]any) error {
	if err := f.inner.Add(ctx, key, id, score, metadata); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot(ctx, key)
}

func (f *fileIndexStore) Update(ctx context.Context, key, id string, metadataPartial map[string]any) (bool, error) {
	ok, err := f.inner.Update(ctx, key, id, metadataPartial)
	if err != nil || !ok {
		return ok, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return ok, f.snapshot(ctx, key)
}

func (f *fileIndexStore) UpdateWithRetry(ctx context.Context, key, id string, metadataPartial map[string]any, maxRetries int) error {
	if err := f.inner.UpdateWithRetry(ctx, key, id, metadataPartial, maxRetries); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot(ctx, key)
}

func (f *fileIndexStore) Increment(ctx context.Context, key, id, fieldPath string, by float64) (float64, error) {
	v, err := f.inner.Increment(ctx, key, id, fieldPath, by)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return v, f.snapshot(ctx, key)
}

func (f *fileIndexStore) Get(ctx context.Context, key, id string) (*storage.IndexRecord, error) {
	return f.inner.Get(ctx, key, id)
}

func (f *fileIndexStore) Read(ctx context.Context, key string, opts storage.IndexReadOptions) ([]*storage.IndexRecord, error) {
	return f.inner.Read(ctx, key, opts)
}

func (f *fileIndexStore) Delete(ctx context.Context, key, id string) (bool, error) {
	existed, err := f.inner.Delete(ctx, key, id)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return existed, f.snapshot(ctx, key)
}

var _ storage.IndexStore = (*fileIndexStore)(nil)

// --- kv ---

type fileKVStore struct {
	mu    sync.Mutex
	path  string
	inner storage.KVStore
	mem   *memory.Store
}

func (f *fileKVStore) snapshot() error {
	live := f.mem.KVSnapshot()
	out := make(map[string]kvSnapshotEntry, len(live))
	for key, e := range live {
		out[key] = kvSnapshotEntry{Value: e.Value, ExpiresAt: e.ExpiresAt}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0o644)
}

func (f *fileKVStore) Get(ctx context.Context, key string) (any, bool, error) {
	return f.inner.Get(ctx, key)
}

func (f *fileKVStore) Set(ctx context.Context, key string, value any, ttlSec int64) error {
	if err := f.inner.Set(ctx, key, value, ttlSec); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot()
}

func (f *fileKVStore) Delete(ctx context.Context, key string) error {
	if err := f.inner.Delete(ctx, key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot()
}

func (f *fileKVStore) Clear(ctx context.Context, pattern string) error {
	if err := f.inner.Clear(ctx, pattern); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot()
}

func (f *fileKVStore) Increment(ctx context.Context, key string, by int64) (int64, error) {
	v, err := f.inner.Increment(ctx, key, by)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return v, f.snapshot()
}

var _ storage.KVStore = (*fileKVStore)(nil)

// escapeName maps a subject/key string to a safe filename component. It is
// percent-encoding restricted to the four bytes that are unsafe in a
// filename or ambiguous with the encoding itself ('%' must be escaped
// first, or its own encoded form would be mistaken for a literal escape
// on decode); every other byte, including a literal underscore, passes
// through unchanged, so escapeName/unescapeName is a true inverse pair.
func escapeName(s string) string {
	r := strings.NewReplacer("%", "%25", "/", "%2F", "\\", "%5C", ":", "%3A")
	return r.Replace(s)
}

func unescapeName(s string) string {
	r := strings.NewReplacer("%2F", "/", "%5C", "\\", "%3A", ":", "%25", "%")
	return r.Replace(s)
}
