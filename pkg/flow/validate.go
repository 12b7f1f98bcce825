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

	flowerrors "github.com/flowkit/flowkit/pkg/errors"
)

// Validate checks a flow's declared invariants: exactly one entry step with
// no subscriptions, every dependent step's subscriptions are produced by
// some step's emits in the same flow, and the step graph has no cycles.
// On success it assigns each step's Level (longest path from entry; entry
// is level 0).
func Validate(f *Flow) error {
	if f.Name == "" {
		return &flowerrors.ValidationError{Field: "name", Message: "flow name must not be empty"}
	}
	if f.Entry == "" {
		return &flowerrors.ValidationError{Field: "entry", Message: fmt.Sprintf("flow %q: entry step name must not be empty", f.Name)}
	}

	entry := f.StepByName(f.Entry)
	if entry == nil {
		return &flowerrors.ValidationError{
			Field:   "entry",
			Message: fmt.Sprintf("flow %q: entry step %q is not declared among its steps", f.Name, f.Entry),
		}
	}
	if len(entry.Subscribes) != 0 {
		return &flowerrors.ValidationError{
			Field:   "entry.subscribes",
			Message: fmt.Sprintf("flow %q: entry step %q must not subscribe to any event", f.Name, f.Entry),
		}
	}

	produced := map[string]bool{}
	for _, s := range f.Steps {
		for _, e := range s.Emits {
			produced[e] = true
		}
	}
	for _, s := range f.Steps {
		if s.Name == f.Entry {
			continue
		}
		for _, sub := range s.Subscribes {
			if !produced[sub] {
				return &flowerrors.ValidationError{
					Field: "subscribes",
					Message: fmt.Sprintf(
						"flow %q: step %q subscribes to %q, which no step in this flow emits",
						f.Name, s.Name, sub),
					Suggestion: "add an emits entry on the producing step, or remove the subscription",
				}
			}
		}
	}

	return assignLevels(f)
}

// assignLevels computes each step's level as the longest path from entry,
// following subscribes->emits edges. Entry is level 0. A cycle among
// dependent steps is reported as a validation error since level is
// undefined for it.
func assignLevels(f *Flow) error {
	emittedBy := map[string][]*Step{} // event name -> steps that emit it
	for _, s := range f.Steps {
		for _, e := range s.Emits {
			emittedBy[e] = append(emittedBy[e], s)
		}
	}

	levels := map[string]int{}
	const unset = -1
	for _, s := range f.Steps {
		levels[s.Name] = unset
	}
	levels[f.Entry] = 0

	visiting := map[string]bool{}

	var resolve func(name string) (int, error)
	resolve = func(name string) (int, error) {
		if lvl := levels[name]; lvl != unset {
			return lvl, nil
		}
		if visiting[name] {
			return 0, &flowerrors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("flow %q: cycle detected involving step %q", f.Name, name),
			}
		}
		visiting[name] = true
		defer delete(visiting, name)

		step := f.StepByName(name)
		best := 0
		for _, sub := range step.Subscribes {
			for _, producer := range emittedBy[sub] {
				lvl, err := resolve(producer.Name)
				if err != nil {
					return 0, err
				}
				if lvl+1 > best {
					best = lvl + 1
				}
			}
		}
		levels[name] = best
		return best, nil
	}

	for _, s := range f.Steps {
		lvl, err := resolve(s.Name)
		if err != nil {
			return err
		}
		s.Level = lvl
	}
	return nil
}
