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

package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGroupShutdownReverseOrder(t *testing.T) {
	g := NewGroup(nil)
	var order []string

	g.Register("storage", func(ctx context.Context) error {
		order = append(order, "storage")
		return nil
	})
	g.Register("scheduler", func(ctx context.Context) error {
		order = append(order, "scheduler")
		return nil
	})
	g.Register("gateway", func(ctx context.Context) error {
		order = append(order, "gateway")
		return nil
	})

	g.Shutdown(context.Background(), time.Second)

	assert.Equal(t, []string{"gateway", "scheduler", "storage"}, order)
}

func TestGroupShutdownContinuesAfterError(t *testing.T) {
	g := NewGroup(nil)
	var stopped []string

	g.Register("first", func(ctx context.Context) error {
		return errors.New("boom")
	})
	g.Register("second", func(ctx context.Context) error {
		stopped = append(stopped, "second")
		return nil
	})

	g.Shutdown(context.Background(), time.Second)

	assert.Equal(t, []string{"second"}, stopped)
}
