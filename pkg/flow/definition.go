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

package flow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	flowerrors "github.com/flowkit/flowkit/pkg/errors"
	"gopkg.in/yaml.v3"
)

// rawAwaitConfig mirrors AwaitConfig's YAML shape but lets us detect which
// flavor-specific key was set so Kind can be derived instead of declared
// redundantly in the file.
type rawAwaitConfig struct {
	DelayMs int64 `yaml:"delayMs,omitempty"`

	Event  string         `yaml:"event,omitempty"`
	Filter map[string]any `yaml:"filter,omitempty"`

	Webhook *struct {
		Path   string `yaml:"path"`
		Method string `yaml:"method"`
	} `yaml:"webhook,omitempty"`

	Schedule string `yaml:"schedule,omitempty"`
	Once     bool   `yaml:"once,omitempty"`

	TimeoutMs       int64          `yaml:"timeoutMs,omitempty"`
	OnTimeout       string         `yaml:"onTimeout,omitempty"`
	TimeoutFallback map[string]any `yaml:"timeoutFallback,omitempty"`
}

func (r *rawAwaitConfig) toAwaitConfig() (*AwaitConfig, error) {
	cfg := &AwaitConfig{
		TimeoutMs:       r.TimeoutMs,
		OnTimeout:       TimeoutAction(r.OnTimeout),
		TimeoutFallback: r.TimeoutFallback,
	}
	if cfg.OnTimeout == "" {
		cfg.OnTimeout = TimeoutActionFail
	}

	switch {
	case r.DelayMs > 0:
		cfg.Kind = AwaitTime
		cfg.DelayMs = r.DelayMs
	case r.Event != "":
		cfg.Kind = AwaitEvent
		cfg.EventName = r.Event
		cfg.Filter = r.Filter
	case r.Webhook != nil:
		cfg.Kind = AwaitWebhook
		cfg.Path = r.Webhook.Path
		cfg.Method = r.Webhook.Method
		if cfg.Method == "" {
			cfg.Method = "POST"
		}
	case r.Schedule != "":
		cfg.Kind = AwaitSchedule
		cfg.Cron = r.Schedule
		cfg.Once = r.Once
	default:
		return nil, fmt.Errorf("await config has no recognizable flavor (delayMs/event/webhook/schedule)")
	}
	return cfg, nil
}

// rawStep is the YAML shape of a step, prior to await-config normalization.
type rawStep struct {
	Name        string          `yaml:"name"`
	Subscribes  []string        `yaml:"subscribes,omitempty"`
	Emits       []string        `yaml:"emits,omitempty"`
	AwaitBefore *rawAwaitConfig `yaml:"awaitBefore,omitempty"`
	AwaitAfter  *rawAwaitConfig `yaml:"awaitAfter,omitempty"`
	Queue       string          `yaml:"queue,omitempty"`
	Worker      WorkerOptions   `yaml:"worker,omitempty"`
	Job         JobDefaults     `yaml:"job,omitempty"`
}

// rawFlow is the top-level YAML document shape for one flow definition file.
type rawFlow struct {
	Name  string    `yaml:"name"`
	Entry string    `yaml:"entry"`
	Steps []rawStep `yaml:"steps"`
}

// ParseDefinition parses one flow definition YAML document.
func ParseDefinition(data []byte) (*Flow, error) {
	var raw rawFlow
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, flowerrors.Wrap(err, "parsing flow definition")
	}

	f := &Flow{Name: raw.Name, Entry: raw.Entry}
	for _, rs := range raw.Steps {
		step := &Step{
			Name:       rs.Name,
			Subscribes: rs.Subscribes,
			Emits:      rs.Emits,
			Queue:      rs.Queue,
			Worker:     rs.Worker,
			Job:        rs.Job,
		}
		if rs.AwaitBefore != nil {
			ac, err := rs.AwaitBefore.toAwaitConfig()
			if err != nil {
				return nil, &flowerrors.ValidationError{
					Field:   fmt.Sprintf("steps[%s].awaitBefore", rs.Name),
					Message: err.Error(),
				}
			}
			step.AwaitBefore = ac
		}
		if rs.AwaitAfter != nil {
			ac, err := rs.AwaitAfter.toAwaitConfig()
			if err != nil {
				return nil, &flowerrors.ValidationError{
					Field:   fmt.Sprintf("steps[%s].awaitAfter", rs.Name),
					Message: err.Error(),
				}
			}
			step.AwaitAfter = ac
		}
		if step.Job.Attempts == 0 {
			step.Job.Attempts = 1
		}
		f.Steps = append(f.Steps, step)
	}

	if err := Validate(f); err != nil {
		return nil, err
	}
	return f, nil
}

// LoadDirectory parses every *.yaml/*.yml file directly under dir into
// Flow definitions, keyed by flow name. It does not recurse into
// subdirectories beyond dir itself.
func LoadDirectory(dir string) (map[string]*Flow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, flowerrors.Wrapf(err, "reading flow directory %s", dir)
	}

	flows := make(map[string]*Flow)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, flowerrors.Wrapf(err, "reading flow file %s", path)
		}
		f, err := ParseDefinition(data)
		if err != nil {
			return nil, flowerrors.Wrapf(err, "parsing flow file %s", path)
		}
		if _, exists := flows[f.Name]; exists {
			return nil, &flowerrors.ValidationError{
				Field:   "name",
				Message: fmt.Sprintf("duplicate flow name %q (file %s)", f.Name, path),
			}
		}
		flows[f.Name] = f
	}
	return flows, nil
}
