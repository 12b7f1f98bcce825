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
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures the per-remote-address token bucket the
// webhook boundary applies before an incoming trigger or await resolution
// ever reaches the Trigger/Await subsystems.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per remote address.
	RequestsPerSecond float64
	// Burst is the bucket size.
	Burst int
	// Enabled turns limiting on. DefaultRateLimitConfig enables it, and
	// gateway.New substitutes that default for a zero-value config.
	Enabled bool
}

// DefaultRateLimitConfig matches the teacher's integration connectors'
// conservative default of a sustained 10 req/s with a burst of 10.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 10, Burst: 10, Enabled: true}
}

type rateLimiterSet struct {
	cfg   RateLimitConfig
	mu    sync.Mutex
	byKey map[string]*rate.Limiter
}

func newRateLimiterSet(cfg RateLimitConfig) *rateLimiterSet {
	return &rateLimiterSet{cfg: cfg, byKey: make(map[string]*rate.Limiter)}
}

func (s *rateLimiterSet) allow(key string) bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	l, ok := s.byKey[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.Burst)
		s.byKey[key] = l
	}
	s.mu.Unlock()
	return l.Allow()
}

func remoteKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimitMiddleware wraps an http.Handler with the per-remote-address
// limiter; a limited request gets 429 without ever reaching the handler.
func rateLimitMiddleware(limiter *rateLimiterSet, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.allow(remoteKey(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
