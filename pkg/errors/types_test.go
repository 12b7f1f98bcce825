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

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	flowerrors "github.com/flowkit/flowkit/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *flowerrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &flowerrors.ValidationError{
				Field:      "steps[1].subscribes",
				Message:    "event not emitted by any step",
				Suggestion: "add the event to some step's emits list",
			},
			wantMsg: "validation failed on steps[1].subscribes: event not emitted by any step",
		},
		{
			name: "without field",
			err: &flowerrors.ValidationError{
				Message:    "invalid format",
				Suggestion: "check the input format",
			},
			wantMsg: "validation failed: invalid format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *flowerrors.NotFoundError
		wantMsg string
	}{
		{
			name: "flow not found",
			err: &flowerrors.NotFoundError{
				Resource: "flow",
				ID:       "onboarding",
			},
			wantMsg: "flow not found: onboarding",
		},
		{
			name: "run not found",
			err: &flowerrors.NotFoundError{
				Resource: "run",
				ID:       "r-abc123",
			},
			wantMsg: "run not found: r-abc123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("NotFoundError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConflictError_Error(t *testing.T) {
	err := &flowerrors.ConflictError{
		Resource:        "index",
		Key:             "flows:sample",
		ExpectedVersion: 3,
		ActualVersion:   4,
	}
	got := err.Error()
	for _, want := range []string{"index", "flows:sample", "v3", "v4"} {
		if !strings.Contains(got, want) {
			t.Errorf("ConflictError.Error() = %q, want to contain %q", got, want)
		}
	}
}

func TestRetryableError_Error(t *testing.T) {
	cause := errors.New("connection reset")
	err := &flowerrors.RetryableError{
		Operation: "index.update",
		Attempts:  3,
		Cause:     cause,
	}
	got := err.Error()
	for _, want := range []string{"index.update", "3 attempt", "connection reset"} {
		if !strings.Contains(got, want) {
			t.Errorf("RetryableError.Error() = %q, want to contain %q", got, want)
		}
	}
	if err.Unwrap() != cause {
		t.Errorf("RetryableError.Unwrap() = %v, want %v", err.Unwrap(), cause)
	}
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *flowerrors.ConfigError
		wantMsg string
	}{
		{
			name: "with key",
			err: &flowerrors.ConfigError{
				Key:    "queue.adapter",
				Reason: "unknown adapter \"kafka\"",
			},
			wantMsg: "config error at queue.adapter: unknown adapter \"kafka\"",
		},
		{
			name: "without key",
			err: &flowerrors.ConfigError{
				Reason: "file not found",
			},
			wantMsg: "config error: file not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ConfigError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("file read error")
	err := &flowerrors.ConfigError{
		Key:    "store.adapter",
		Reason: "failed to load",
		Cause:  cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("ConfigError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestTimeoutError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *flowerrors.TimeoutError
		want []string
	}{
		{
			name: "step timeout",
			err: &flowerrors.TimeoutError{
				Operation: "step execution",
				Duration:  30 * time.Second,
			},
			want: []string{"step execution", "30s"},
		},
		{
			name: "await timeout",
			err: &flowerrors.TimeoutError{
				Operation: "await resolution",
				Duration:  2 * time.Minute,
			},
			want: []string{"await resolution", "2m0s"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("TimeoutError.Error() = %q, want to contain %q", got, want)
				}
			}
		})
	}
}

func TestTimeoutError_Unwrap(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	err := &flowerrors.TimeoutError{
		Operation: "test",
		Duration:  5 * time.Second,
		Cause:     cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("TimeoutError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestErrorWrapping(t *testing.T) {
	t.Run("ValidationError can be wrapped", func(t *testing.T) {
		original := &flowerrors.ValidationError{
			Field:   "entry",
			Message: "missing entry step",
		}
		wrapped := fmt.Errorf("flow definition: %w", original)

		var target *flowerrors.ValidationError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ValidationError in wrapped error")
		}
		if target.Field != "entry" {
			t.Errorf("unwrapped error Field = %q, want %q", target.Field, "entry")
		}
	})

	t.Run("NotFoundError can be wrapped", func(t *testing.T) {
		original := &flowerrors.NotFoundError{
			Resource: "flow",
			ID:       "test",
		}
		wrapped := fmt.Errorf("loading flow: %w", original)

		var target *flowerrors.NotFoundError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find NotFoundError in wrapped error")
		}
		if target.Resource != "flow" {
			t.Errorf("unwrapped error Resource = %q, want %q", target.Resource, "flow")
		}
	})

	t.Run("RetryableError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("network timeout")
		retryErr := &flowerrors.RetryableError{
			Operation: "stream.append",
			Attempts:  1,
			Cause:     rootCause,
		}
		wrapped := fmt.Errorf("appending event: %w", retryErr)

		var target *flowerrors.RetryableError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find RetryableError in wrapped error")
		}
		if target.Unwrap() != rootCause {
			t.Error("RetryableError.Unwrap() should return root cause")
		}
	})

	t.Run("ConfigError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("file not found")
		configErr := &flowerrors.ConfigError{
			Key:    "queue.adapter",
			Reason: "missing required field",
			Cause:  rootCause,
		}
		wrapped := fmt.Errorf("loading config: %w", configErr)

		var target *flowerrors.ConfigError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ConfigError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("ConfigError.Unwrap() should return root cause")
		}
	})

	t.Run("TimeoutError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("context deadline exceeded")
		timeoutErr := &flowerrors.TimeoutError{
			Operation: "test",
			Duration:  5 * time.Second,
			Cause:     rootCause,
		}
		wrapped := fmt.Errorf("operation timeout: %w", timeoutErr)

		var target *flowerrors.TimeoutError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find TimeoutError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("TimeoutError.Unwrap() should return root cause")
		}
	})
}

func TestErrorsIs(t *testing.T) {
	t.Run("errors.Is works with wrapped ValidationError", func(t *testing.T) {
		original := &flowerrors.ValidationError{Field: "test"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})

	t.Run("errors.Is works with wrapped NotFoundError", func(t *testing.T) {
		original := &flowerrors.NotFoundError{Resource: "test", ID: "123"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})
}
