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

// Package config loads the daemon's configuration the way the teacher's
// internal/config package does: typed structs with YAML tags, defaults
// applied first, then an explicit config file, then FLOWKIT_* environment
// variable overrides on top of both. It covers spec.md §6's enumerated surface: the
// flow definition directory, the Queue/Store/Stream adapter selection,
// and the relational/file connection settings each adapter needs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	flowerrors "github.com/flowkit/flowkit/pkg/errors"
)

// Adapter names a Queue/Store/Stream backend implementation.
type Adapter string

const (
	AdapterMemory     Adapter = "memory"
	AdapterFile       Adapter = "file"
	AdapterRelational Adapter = "relational"
)

// Config is the complete daemon configuration.
type Config struct {
	// Dir is the flow definition directory, hot-reloaded by internal/loader.
	Dir string `yaml:"dir"`

	Queue       QueueConfig       `yaml:"queue"`
	Store       StoreConfig       `yaml:"store"`
	Stream      StreamConfig      `yaml:"stream"`
	Connections ConnectionsConfig `yaml:"connections"`

	Log LogConfig `yaml:"log"`
}

// LogConfig mirrors internal/log.Config's YAML-facing surface.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"add_source"`
}

// QueueConfig configures the job Queue adapter (spec.md §4.2).
type QueueConfig struct {
	Adapter           Adapter           `yaml:"adapter"`
	Prefix            string            `yaml:"prefix"`
	Worker            WorkerConfig      `yaml:"worker"`
	DefaultJobOptions DefaultJobOptions `yaml:"defaultJobOptions"`
}

// WorkerConfig configures default queue worker concurrency.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// DefaultJobOptions configures the default retry/backoff policy applied
// to jobs that don't specify their own (spec.md §4.2).
type DefaultJobOptions struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	BackoffType  string        `yaml:"backoffType"`
	BackoffDelay time.Duration `yaml:"backoffDelay"`
}

// StoreConfig configures the durable Store adapter (spec.md §4.1).
type StoreConfig struct {
	Adapter     Adapter       `yaml:"adapter"`
	Prefix      string        `yaml:"prefix"`
	State       StateConfig   `yaml:"state"`
	EventTTL    time.Duration `yaml:"eventTTL"`
	MetadataTTL time.Duration `yaml:"metadataTTL"`
}

// StateConfig configures the run-scoped KV state store (internal/runctx).
type StateConfig struct {
	AutoScope string `yaml:"autoScope"` // always | flow | never
	Cleanup   string `yaml:"cleanup"`   // never | ttl | on-complete | immediate
}

// StreamConfig configures the append-only event Stream adapter. In this
// engine Stream and Store share a backend (spec.md §4.1), so this exists
// to make the config surface match spec.md §6's documented keys even
// though adapter/prefix here must agree with store.adapter/prefix.
type StreamConfig struct {
	Adapter Adapter `yaml:"adapter"`
	Prefix  string  `yaml:"prefix"`
}

// ConnectionsConfig holds backend-specific connection settings. Only
// file and relational are wired to a concrete adapter; redis is
// accepted for config-shape completeness but produces a ConfigError if
// selected (see DESIGN.md for why no Redis adapter exists).
type ConnectionsConfig struct {
	File       FileConnection       `yaml:"file"`
	Relational RelationalConnection `yaml:"postgres"`
	Redis      RedisConnection      `yaml:"redis"`
}

// FileConnection configures the file-backed adapter's base directory.
type FileConnection struct {
	Dir string `yaml:"dir"`
}

// RelationalConnection configures the SQLite-backed relational adapter.
// The YAML key is "postgres" to match spec.md §6's documented connection
// surface; this codebase's relational backend is SQLite, not Postgres
// (see DESIGN.md).
type RelationalConnection struct {
	Path string `yaml:"path"`
	WAL  bool   `yaml:"wal"`
}

// RedisConnection is accepted for shape-compatibility with spec.md §6
// but intentionally left unimplemented.
type RedisConnection struct {
	Addr string `yaml:"addr"`
}

// Default returns a Config with sensible defaults: an in-memory engine
// reading flow definitions from ./flows.
func Default() *Config {
	return &Config{
		Dir: "./flows",
		Queue: QueueConfig{
			Adapter: AdapterMemory,
			Prefix:  "flowkit",
			Worker:  WorkerConfig{Concurrency: 4},
			DefaultJobOptions: DefaultJobOptions{
				MaxAttempts:  3,
				BackoffType:  "exponential",
				BackoffDelay: time.Second,
			},
		},
		Store: StoreConfig{
			Adapter: AdapterMemory,
			Prefix:  "flowkit",
			State: StateConfig{
				AutoScope: "flow",
				Cleanup:   "on-complete",
			},
		},
		Stream: StreamConfig{
			Adapter: AdapterMemory,
			Prefix:  "flowkit",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load applies defaults, an optional YAML file, then environment
// overrides, and validates the result. An unreadable or unparsable file
// (including a malformed duration) or an invalid adapter name or enum
// value produces a *flowerrors.ConfigError and the
// caller should refuse to start, per spec.md §7.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &flowerrors.ConfigError{Key: "config_file", Reason: "failed to read", Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &flowerrors.ConfigError{Key: "config_file", Reason: "failed to parse YAML", Cause: err}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("FLOWKIT_DIR"); v != "" {
		c.Dir = v
	}
	if v := os.Getenv("FLOWKIT_QUEUE_ADAPTER"); v != "" {
		c.Queue.Adapter = Adapter(v)
	}
	if v := os.Getenv("FLOWKIT_QUEUE_PREFIX"); v != "" {
		c.Queue.Prefix = v
	}
	if v := os.Getenv("FLOWKIT_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("FLOWKIT_STORE_ADAPTER"); v != "" {
		c.Store.Adapter = Adapter(v)
	}
	if v := os.Getenv("FLOWKIT_STORE_PREFIX"); v != "" {
		c.Store.Prefix = v
	}
	if v := os.Getenv("FLOWKIT_STREAM_ADAPTER"); v != "" {
		c.Stream.Adapter = Adapter(v)
	}
	if v := os.Getenv("FLOWKIT_STREAM_PREFIX"); v != "" {
		c.Stream.Prefix = v
	}
	if v := os.Getenv("FLOWKIT_FILE_DIR"); v != "" {
		c.Connections.File.Dir = v
	}
	if v := os.Getenv("FLOWKIT_DB_PATH"); v != "" {
		c.Connections.Relational.Path = v
	}
	if v := os.Getenv("FLOWKIT_DB_WAL"); v != "" {
		c.Connections.Relational.WAL = v == "1" || strings.EqualFold(v, "true")
	}

	// FLOWKIT_DEBUG/FLOWKIT_LOG_LEVEL take precedence over LOG_LEVEL,
	// mirroring internal/log.FromEnv's own precedence.
	if os.Getenv("FLOWKIT_DEBUG") == "1" || strings.EqualFold(os.Getenv("FLOWKIT_DEBUG"), "true") {
		c.Log.Level = "debug"
		c.Log.Source = true
	} else if v := os.Getenv("FLOWKIT_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	} else if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_SOURCE"); v != "" {
		c.Log.Source = v == "1" || strings.EqualFold(v, "true")
	}
}

var validAdapters = map[Adapter]bool{
	AdapterMemory:     true,
	AdapterFile:       true,
	AdapterRelational: true,
}

var validScopes = map[string]bool{"always": true, "flow": true, "never": true}
var validCleanups = map[string]bool{"never": true, "ttl": true, "on-complete": true, "immediate": true}

// Validate checks adapter names, state policy enums, and cross-field
// requirements (a file/relational adapter needs its connection block
// filled in). It never checks reachability of the backend itself — that
// surfaces as a RetryableError/ConfigError from the adapter's own Open.
func (c *Config) Validate() error {
	if !validAdapters[c.Queue.Adapter] {
		return &flowerrors.ConfigError{Key: "queue.adapter", Reason: fmt.Sprintf("unknown adapter %q", c.Queue.Adapter)}
	}
	if !validAdapters[c.Store.Adapter] {
		return &flowerrors.ConfigError{Key: "store.adapter", Reason: fmt.Sprintf("unknown adapter %q", c.Store.Adapter)}
	}
	if !validAdapters[c.Stream.Adapter] {
		return &flowerrors.ConfigError{Key: "stream.adapter", Reason: fmt.Sprintf("unknown adapter %q", c.Stream.Adapter)}
	}
	if c.Store.Adapter != c.Stream.Adapter {
		return &flowerrors.ConfigError{Key: "stream.adapter", Reason: "stream and store share one backend and must use the same adapter"}
	}
	if c.Store.State.AutoScope != "" && !validScopes[c.Store.State.AutoScope] {
		return &flowerrors.ConfigError{Key: "store.state.autoScope", Reason: fmt.Sprintf("must be one of [always, flow, never], got %q", c.Store.State.AutoScope)}
	}
	if c.Store.State.Cleanup != "" && !validCleanups[c.Store.State.Cleanup] {
		return &flowerrors.ConfigError{Key: "store.state.cleanup", Reason: fmt.Sprintf("must be one of [never, ttl, on-complete, immediate], got %q", c.Store.State.Cleanup)}
	}

	if c.Queue.Adapter == AdapterFile || c.Store.Adapter == AdapterFile {
		if c.Connections.File.Dir == "" {
			return &flowerrors.ConfigError{Key: "connections.file.dir", Reason: "required when queue or store adapter is \"file\""}
		}
	}
	if c.Queue.Adapter == AdapterRelational || c.Store.Adapter == AdapterRelational {
		if c.Connections.Relational.Path == "" {
			return &flowerrors.ConfigError{Key: "connections.postgres.path", Reason: "required when queue or store adapter is \"relational\""}
		}
	}
	if c.Queue.Adapter == "redis" || c.Store.Adapter == "redis" {
		return &flowerrors.ConfigError{Key: "queue.adapter", Reason: "redis adapter is not implemented"}
	}

	validBackoff := map[string]bool{"fixed": true, "exponential": true}
	if c.Queue.DefaultJobOptions.BackoffType != "" && !validBackoff[c.Queue.DefaultJobOptions.BackoffType] {
		return &flowerrors.ConfigError{Key: "queue.defaultJobOptions.backoffType", Reason: fmt.Sprintf("must be one of [fixed, exponential], got %q", c.Queue.DefaultJobOptions.BackoffType)}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "trace": true}
	if !validLevels[c.Log.Level] {
		return &flowerrors.ConfigError{Key: "log.level", Reason: fmt.Sprintf("must be one of [trace, debug, info, warn, error], got %q", c.Log.Level)}
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		return &flowerrors.ConfigError{Key: "log.format", Reason: fmt.Sprintf("must be one of [json, text], got %q", c.Log.Format)}
	}

	return nil
}
