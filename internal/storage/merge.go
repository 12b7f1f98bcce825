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

package storage

// DeepMerge recursively merges src into a copy of dst: nested maps merge
// key-by-key, arrays and scalars in src replace the corresponding dst value.
// dst and src are never mutated; the result is a new map.
func DeepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		valueMap, valueIsMap := v.(map[string]any)
		if valueIsMap {
			existingMap, _ := out[k].(map[string]any)
			out[k] = DeepMerge(existingMap, valueMap)
		} else {
			out[k] = v
		}
	}
	return out
}

// CloneMetadata returns a copy of a metadata map and of every map nested in
// it, so stored records are never aliased with a caller's mutable map.
func CloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return DeepMerge(nil, m)
}
