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

package main

import (
	"fmt"
	"log/slog"

	"github.com/flowkit/flowkit/internal/config"
	"github.com/flowkit/flowkit/internal/engine"
	flowlog "github.com/flowkit/flowkit/internal/log"
	"github.com/flowkit/flowkit/internal/names"
	"github.com/flowkit/flowkit/internal/projection"
	"github.com/flowkit/flowkit/internal/runctx"
	"github.com/flowkit/flowkit/internal/storage"
	"github.com/flowkit/flowkit/internal/storage/file"
	"github.com/flowkit/flowkit/internal/storage/memory"
	"github.com/flowkit/flowkit/internal/storage/relational"
)

// app bundles the engine with the backend handles it owns, so the caller
// can Close them on shutdown without the engine itself needing to know
// which adapter it's running on.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  storage.Store
	bus    storage.TopicBus
	engine *engine.Engine
	closer func() error
}

// buildApp loads configuration, opens the configured storage adapter, and
// assembles the Flow Engine Facade over it. Every flowkitd subcommand that
// touches engine state (serve, flows list, triggers ...) goes through this
// one path so they all observe the same backend the same way.
func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logCfg := &flowlog.Config{Level: cfg.Log.Level, Format: flowlog.Format(cfg.Log.Format), AddSource: cfg.Log.Source}
	logger := flowlog.New(logCfg)
	slog.SetDefault(logger)

	queue, store, bus, closer, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}

	n := names.New(cfg.Store.Prefix)
	eng := engine.New(engine.Config{
		Names: n,
		State: runctx.Config{
			Namespace: cfg.Store.Prefix,
			Scope:     runctx.ScopePolicy(cfg.Store.State.AutoScope),
			Cleanup:   runctx.CleanupStrategy(cfg.Store.State.Cleanup),
		},
		Stall: projection.StallDetectorConfig{},
	}, queue, store, bus, logger)

	return &app{cfg: cfg, logger: logger, store: store, bus: bus, engine: eng, closer: closer}, nil
}

// openBackend opens the Queue/Store/TopicBus triple for the configured
// adapter. The relational backend has no TopicBus of its own (SQLite has
// no pub/sub primitive), so a relational deployment pairs the durable
// SQLite store with an in-process memory bus: live subscribers still see
// events as they're published in this process, they just don't fan out
// across separate processes sharing the same database file.
func openBackend(cfg *config.Config) (storage.Queue, storage.Store, storage.TopicBus, func() error, error) {
	switch cfg.Store.Adapter {
	case config.AdapterMemory:
		return memory.NewQueue(), memory.NewStore(), memory.NewTopicBus(), func() error { return nil }, nil

	case config.AdapterFile:
		q, err := file.OpenQueue(cfg.Connections.File.Dir)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("open file queue: %w", err)
		}
		s, err := file.Open(cfg.Connections.File.Dir)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("open file store: %w", err)
		}
		return q, s, memory.NewTopicBus(), func() error { return nil }, nil

	case config.AdapterRelational:
		db, err := relational.Open(relational.Config{Path: cfg.Connections.Relational.Path, WAL: cfg.Connections.Relational.WAL, Prefix: cfg.Store.Prefix})
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("open relational db: %w", err)
		}
		q := relational.NewQueue(db, cfg.Queue.Prefix)
		s := relational.NewStore(db, cfg.Store.Prefix)
		return q, s, memory.NewTopicBus(), db.Close, nil

	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown store adapter %q", cfg.Store.Adapter)
	}
}
