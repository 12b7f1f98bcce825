package tracing

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
)

func TestNewMetricsCollector(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	if mc == nil {
		t.Fatal("Expected non-nil MetricsCollector")
	}

	if mc.meter == nil {
		t.Error("Expected meter to be set")
	}

	if mc.activeRuns == nil {
		t.Error("Expected activeRuns map to be initialized")
	}
}

func TestMetricsCollector_RecordRunStart(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	ctx := context.Background()
	mc.RecordRunStart(ctx, "run-123", "test-flow")

	mc.activeRunsMu.RLock()
	_, exists := mc.activeRuns["run-123"]
	mc.activeRunsMu.RUnlock()

	if !exists {
		t.Error("Expected run to be tracked as active")
	}
}

func TestMetricsCollector_RecordRunComplete(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	ctx := context.Background()
	runID := "run-456"

	mc.RecordRunStart(ctx, runID, "test-flow")

	mc.activeRunsMu.RLock()
	_, exists := mc.activeRuns[runID]
	mc.activeRunsMu.RUnlock()
	if !exists {
		t.Fatal("Expected run to be tracked")
	}

	mc.RecordRunComplete(ctx, runID, "test-flow", "completed", "api", 5*time.Second)

	mc.activeRunsMu.RLock()
	_, stillExists := mc.activeRuns[runID]
	mc.activeRunsMu.RUnlock()
	if stillExists {
		t.Error("Expected run to be removed from active runs after completion")
	}
}

func TestMetricsCollector_RecordStepComplete(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	ctx := context.Background()

	// Should not panic with valid inputs
	mc.RecordStepComplete(ctx, "flow-1", "step-1", "success", 100*time.Millisecond)
	mc.RecordStepComplete(ctx, "flow-1", "step-2", "failed", 50*time.Millisecond)
	mc.RecordStepComplete(ctx, "flow-1", "step-3", "skipped", 0)
}

func TestMetricsCollector_RecordEvent(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	ctx := context.Background()

	// Should not panic with valid inputs
	mc.RecordEvent(ctx, "flow-1", "step.completed")
	mc.RecordEvent(ctx, "flow-1", "run.started")
}

func TestMetricsCollector_RecordTriggerFired(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	ctx := context.Background()

	mc.RecordTriggerFired(ctx, "flow-1", "webhook", "accepted")
	mc.RecordTriggerFired(ctx, "flow-1", "schedule", "fired")
}

func TestMetricsCollector_RecordAwaitResolved(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	ctx := context.Background()

	mc.RecordAwaitResolved(ctx, "flow-1", "event", "satisfied", 3*time.Second)
	mc.RecordAwaitResolved(ctx, "flow-1", "timer", "timed_out", 30*time.Second)
}

func TestMetricsCollector_QueueDepth(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	mc.queueDepthMu.RLock()
	initial := mc.queueDepth
	mc.queueDepthMu.RUnlock()
	if initial != 0 {
		t.Errorf("Expected initial queue depth 0, got %d", initial)
	}

	mc.IncrementQueueDepth()
	mc.IncrementQueueDepth()

	mc.queueDepthMu.RLock()
	afterIncrement := mc.queueDepth
	mc.queueDepthMu.RUnlock()
	if afterIncrement != 2 {
		t.Errorf("Expected queue depth 2 after increments, got %d", afterIncrement)
	}

	mc.DecrementQueueDepth()

	mc.queueDepthMu.RLock()
	afterDecrement := mc.queueDepth
	mc.queueDepthMu.RUnlock()
	if afterDecrement != 1 {
		t.Errorf("Expected queue depth 1 after decrement, got %d", afterDecrement)
	}
}

func TestMetricsCollector_QueueDepthNeverNegative(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	mc.DecrementQueueDepth()

	mc.queueDepthMu.RLock()
	depth := mc.queueDepth
	mc.queueDepthMu.RUnlock()
	if depth != 0 {
		t.Errorf("Expected queue depth to stay at 0, got %d", depth)
	}
}

func TestMetricsCollector_PendingAwaits(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	mc.IncrementPendingAwaits()
	mc.IncrementPendingAwaits()
	mc.DecrementPendingAwaits()

	mc.pendingAwaitsMu.RLock()
	pending := mc.pendingAwaits
	mc.pendingAwaitsMu.RUnlock()
	if pending != 1 {
		t.Errorf("Expected pending awaits 1, got %d", pending)
	}

	mc.DecrementPendingAwaits()
	mc.DecrementPendingAwaits()

	mc.pendingAwaitsMu.RLock()
	pending = mc.pendingAwaits
	mc.pendingAwaitsMu.RUnlock()
	if pending != 0 {
		t.Errorf("Expected pending awaits to stay at 0, got %d", pending)
	}
}

func TestMetricsCollector_ConcurrentAccess(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(4)

		go func(id int) {
			defer wg.Done()
			mc.IncrementQueueDepth()
		}(i)

		go func(id int) {
			defer wg.Done()
			mc.DecrementQueueDepth()
		}(i)

		go func(id int) {
			defer wg.Done()
			runID := "run-" + string(rune(id+'0'))
			mc.RecordRunStart(ctx, runID, "flow")
			mc.RecordRunComplete(ctx, runID, "flow", "completed", "test", time.Millisecond)
		}(i)

		go func(id int) {
			defer wg.Done()
			mc.RecordStepComplete(ctx, "flow", "step", "success", time.Millisecond)
		}(i)
	}

	wg.Wait()

	// Should complete without panics or races
}
