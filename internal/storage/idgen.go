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

package storage

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// StreamIDGen produces lexicographically sortable, strictly increasing
// event IDs for one stream subject: a zero-padded millisecond timestamp
// followed by a per-millisecond sequence counter, matching the shape
// relational auto-increment columns and in-memory counters both respect.
type StreamIDGen struct {
	mu       sync.Mutex
	lastMs   int64
	sequence int64
}

// Seed advances the generator's internal state so that the next call to
// Next produces an ID strictly greater than id, if id parses as one this
// generator could have produced. Used when rehydrating a stream from a
// persisted log so replayed IDs are never reissued.
func (g *StreamIDGen) Seed(id string) {
	var ms, seq int64
	if _, err := fmt.Sscanf(id, "%020d-%08d", &ms, &seq); err != nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if ms > g.lastMs || (ms == g.lastMs && seq > g.sequence) {
		g.lastMs = ms
		g.sequence = seq
	}
}

// Next returns the next ID for the given current time in ms, guaranteeing
// strictly increasing output even when called faster than 1/ms.
func (g *StreamIDGen) Next(nowMs int64) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if nowMs <= g.lastMs {
		g.sequence++
	} else {
		g.lastMs = nowMs
		g.sequence = 0
	}
	return fmt.Sprintf("%020d-%08d", g.lastMs, g.sequence)
}

// globalJobCounter produces unique default job/schedule identifiers when
// callers don't supply their own jobId.
var globalJobCounter int64

// NextJobID returns a process-unique job identifier.
func NextJobID() string {
	n := atomic.AddInt64(&globalJobCounter, 1)
	return fmt.Sprintf("job-%d-%d", NowMs(), n)
}
