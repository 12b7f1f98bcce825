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

package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkit/flowkit/pkg/flow"
)

type fakeRegistrar struct {
	registered map[string]*flow.Flow
}

func (f *fakeRegistrar) RegisterFlow(ctx context.Context, fl *flow.Flow) error {
	f.registered[fl.Name] = fl
	return nil
}

const sampleFlowYAML = `
name: onboarding
entry: welcome
steps:
  - name: welcome
    emits: [welcome.sent]
    worker:
      concurrency: 1
      autorun: true
`

func TestLoadAllRegistersEveryDefinition(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "onboarding.yaml"), []byte(sampleFlowYAML), 0o644))

	bound := 0
	l := New(dir, func(f *flow.Flow) { bound++ }, nil)
	reg := &fakeRegistrar{registered: make(map[string]*flow.Flow)}

	require.NoError(t, l.LoadAll(context.Background(), reg))

	assert.Len(t, reg.registered, 1)
	assert.Contains(t, reg.registered, "onboarding")
	assert.Equal(t, 1, bound)
}

func TestStartReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "onboarding.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleFlowYAML), 0o644))

	reg := &fakeRegistrar{registered: make(map[string]*flow.Flow)}
	l := New(dir, nil, nil)
	l.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Start(ctx, reg))
	defer l.Stop()

	require.Eventually(t, func() bool {
		return len(reg.registered) == 1
	}, time.Second, 10*time.Millisecond)

	updated := sampleFlowYAML + "  - name: extra\n    subscribes: [welcome.sent]\n    worker:\n      concurrency: 1\n      autorun: true\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		f, ok := reg.registered["onboarding"]
		return ok && f.StepByName("extra") != nil
	}, 2*time.Second, 20*time.Millisecond)
}
