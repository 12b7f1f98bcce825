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

// Package loader hot-reloads the flow definition directory (the "dir"
// config key) the way the teacher's internal/controller/filewatcher
// package watches its workflow directories: an fsnotify.Watcher debounced
// onto a single reparse-and-reregister pass, so an edited YAML file picks
// up without a daemon restart.
package loader

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/flowkit/flowkit/pkg/flow"
)

// Registrar is the subset of the Flow Engine Facade the loader drives:
// (re-)registering a parsed, handler-bound flow definition.
type Registrar interface {
	RegisterFlow(ctx context.Context, f *flow.Flow) error
}

// Loader watches a directory of flow YAML files and keeps an engine's
// registered flows in sync with it.
type Loader struct {
	dir      string
	binder   func(*flow.Flow)
	logger   *slog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Loader over dir. binder is called on every parsed Flow
// before registration so the caller can attach step handlers (handlers
// are Go functions, not part of the YAML, so they must be rebound on
// every reload); binder may be nil if flows carry no handlers (tests).
func New(dir string, binder func(*flow.Flow), logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{dir: dir, binder: binder, logger: logger, debounce: 250 * time.Millisecond}
}

// LoadAll parses every flow definition in the directory and registers
// each with reg. Used for the initial load in Start and for every reload.
func (l *Loader) LoadAll(ctx context.Context, reg Registrar) error {
	flows, err := flow.LoadDirectory(l.dir)
	if err != nil {
		return err
	}
	for _, f := range flows {
		if l.binder != nil {
			l.binder(f)
		}
		if err := reg.RegisterFlow(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// Start loads every flow once, then begins watching the directory for
// .yaml/.yml changes, debouncing bursts of filesystem events (editors
// routinely fire several writes per save) into a single reload pass.
func (l *Loader) Start(ctx context.Context, reg Registrar) error {
	if err := l.LoadAll(ctx, reg); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return err
	}
	l.watcher = w
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})

	go l.watchLoop(ctx, reg)
	return nil
}

// Stop ends the watch loop and releases the fsnotify watcher.
func (l *Loader) Stop() error {
	if l.watcher == nil {
		return nil
	}
	close(l.stopCh)
	<-l.doneCh
	return l.watcher.Close()
}

func (l *Loader) watchLoop(ctx context.Context, reg Registrar) {
	defer close(l.doneCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !isFlowFile(event.Name) {
				continue
			}
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(l.debounce)
			} else {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(l.debounce)
			}
			debounceCh = debounceTimer.C
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("loader: fsnotify error", "error", err)
		case <-debounceCh:
			debounceCh = nil
			if err := l.LoadAll(ctx, reg); err != nil {
				l.logger.Error("loader: reload failed", "dir", l.dir, "error", err)
			} else {
				l.logger.Info("loader: flow definitions reloaded", "dir", l.dir)
			}
		}
	}
}

func isFlowFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
