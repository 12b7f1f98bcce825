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

package relational_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowkit/flowkit/internal/storage"
	"github.com/flowkit/flowkit/internal/storage/conformance"
	"github.com/flowkit/flowkit/internal/storage/relational"
)

func openTestDB(t *testing.T) *relational.Config {
	t.Helper()
	return &relational.Config{Path: filepath.Join(t.TempDir(), "flowkit.db")}
}

func TestRelationalQueueConformance(t *testing.T) {
	conformance.Queue(t, func() storage.Queue {
		db, err := relational.Open(*openTestDB(t))
		require.NoError(t, err)
		return relational.NewQueue(db, "flowkit")
	})
}

func TestRelationalStoreConformance(t *testing.T) {
	conformance.Store(t, func() storage.Store {
		db, err := relational.Open(*openTestDB(t))
		require.NoError(t, err)
		return relational.NewStore(db, "flowkit")
	})
}
