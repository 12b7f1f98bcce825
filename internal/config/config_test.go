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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flowerrors "github.com/flowkit/flowkit/pkg/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, AdapterMemory, cfg.Queue.Adapter)
	assert.Equal(t, AdapterMemory, cfg.Store.Adapter)
	assert.Equal(t, "flow", cfg.Store.State.AutoScope)
	assert.Equal(t, "on-complete", cfg.Store.State.Cleanup)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dir: ./custom-flows
store:
  adapter: relational
  prefix: myapp
queue:
  adapter: relational
connections:
  postgres:
    path: /tmp/flowkit.db
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "./custom-flows", cfg.Dir)
	assert.Equal(t, AdapterRelational, cfg.Store.Adapter)
	assert.Equal(t, "myapp", cfg.Store.Prefix)
	assert.Equal(t, "/tmp/flowkit.db", cfg.Connections.Relational.Path)
}

func TestLoadFromEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dir: ./flows-from-file\n"), 0o644))

	t.Setenv("FLOWKIT_DIR", "./flows-from-env")
	t.Setenv("FLOWKIT_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "./flows-from-env", cfg.Dir)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateRejectsUnknownAdapter(t *testing.T) {
	cfg := Default()
	cfg.Queue.Adapter = "bogus"

	err := cfg.Validate()
	require.Error(t, err)
	var cfgErr *flowerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "queue.adapter", cfgErr.Key)
}

func TestValidateRequiresStreamAdapterMatchStore(t *testing.T) {
	cfg := Default()
	cfg.Store.Adapter = AdapterFile
	cfg.Connections.File.Dir = "/tmp/flowkit"

	err := cfg.Validate()
	require.Error(t, err)
	var cfgErr *flowerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "stream.adapter", cfgErr.Key)
}

func TestValidateRequiresFileDir(t *testing.T) {
	cfg := Default()
	cfg.Store.Adapter = AdapterFile
	cfg.Stream.Adapter = AdapterFile

	err := cfg.Validate()
	require.Error(t, err)
	var cfgErr *flowerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "connections.file.dir", cfgErr.Key)
}

func TestValidateRejectsRedis(t *testing.T) {
	cfg := Default()
	cfg.Store.Adapter = "redis"
	cfg.Stream.Adapter = "redis"

	err := cfg.Validate()
	require.Error(t, err)
}
