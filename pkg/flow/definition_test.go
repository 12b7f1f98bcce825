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

package flow_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkit/flowkit/pkg/flow"
)

const sampleYAML = `
name: sample
entry: start
steps:
  - name: start
    emits: [started.done]
  - name: next
    subscribes: [started.done]
    awaitAfter:
      delayMs: 1000
      timeoutMs: 5000
`

func TestParseDefinition(t *testing.T) {
	f, err := flow.ParseDefinition([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "sample", f.Name)
	assert.Equal(t, "start", f.Entry)
	require.Len(t, f.Steps, 2)

	next := f.StepByName("next")
	require.NotNil(t, next)
	require.NotNil(t, next.AwaitAfter)
	assert.Equal(t, flow.AwaitTime, next.AwaitAfter.Kind)
	assert.EqualValues(t, 1000, next.AwaitAfter.DelayMs)
	assert.Equal(t, flow.TimeoutActionFail, next.AwaitAfter.OnTimeout)
}

func TestParseDefinition_InvalidAwaitFlavor(t *testing.T) {
	const bad = `
name: sample
entry: start
steps:
  - name: start
    awaitBefore:
      timeoutMs: 1000
`
	_, err := flow.ParseDefinition([]byte(bad))
	require.Error(t, err)
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample.yaml"), []byte(sampleYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	flows, err := flow.LoadDirectory(dir)
	require.NoError(t, err)
	require.Contains(t, flows, "sample")
	assert.Equal(t, "start", flows["sample"].Entry)
}

func TestLoadDirectory_DuplicateName(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(sampleYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(sampleYAML), 0o644))

	_, err := flow.LoadDirectory(dir)
	require.Error(t, err)
}
