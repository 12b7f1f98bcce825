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

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	flowerrors "github.com/flowkit/flowkit/pkg/errors"
)

func decodeJSONBody(r *http.Request) (map[string]any, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleTriggerWebhook implements "POST /webhook/trigger/{triggerName}"
// (spec.md §6): validates the trigger exists and is webhook-typed, then
// calls EmitTrigger.
func (g *Gateway) handleTriggerWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/webhook/trigger/")
	if name == "" {
		http.Error(w, "missing trigger name", http.StatusNotFound)
		return
	}

	rec, err := g.trig.GetTrigger(r.Context(), name)
	if err != nil {
		var nf *flowerrors.NotFoundError
		if errors.As(err, &nf) {
			http.Error(w, "unknown trigger", http.StatusNotFound)
			return
		}
		g.logger.Error("trigger lookup failed", "trigger", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rec.Type != "webhook" {
		http.Error(w, "trigger is not webhook-typed", http.StatusNotFound)
		return
	}

	body, err := decodeJSONBody(r)
	if err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	result, err := g.trig.EmitTrigger(r.Context(), name, body)
	if err != nil {
		g.logger.Error("trigger emit failed", "trigger", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"subscribedFlows": result.SubscribedFlows,
	})
}

// handleAwaitWebhook implements "POST|GET /webhook/await/{flowName}/{runId}/{stepName}"
// (spec.md §6): resolves the matching pending await.
func (g *Gateway) handleAwaitWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/webhook/await/")
	parts := strings.SplitN(path, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		http.Error(w, "malformed await path", http.StatusNotFound)
		return
	}
	flowName, runID, stepName := parts[0], parts[1], parts[2]
	token := r.URL.Query().Get("t")

	var payload map[string]any
	if r.Method == http.MethodPost {
		var err error
		payload, err = decodeJSONBody(r)
		if err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	} else {
		payload = map[string]any{}
		for k, v := range r.URL.Query() {
			if k == "t" {
				continue
			}
			if len(v) == 1 {
				payload[k] = v[0]
			} else {
				payload[k] = v
			}
		}
	}

	resolved, err := g.await.ResolveWebhook(r.Context(), flowName, runID, stepName, token, payload)
	if err != nil {
		var ve *flowerrors.ValidationError
		if errors.As(err, &ve) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		var nf *flowerrors.NotFoundError
		if errors.As(err, &nf) {
			writeJSON(w, http.StatusGone, map[string]any{"resolved": false, "reason": "already resolved or expired"})
			return
		}
		g.logger.Error("await resolve failed", "flow", flowName, "run_id", runID, "step", stepName, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !resolved {
		writeJSON(w, http.StatusGone, map[string]any{"resolved": false, "reason": "already resolved or expired"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": true})
}
