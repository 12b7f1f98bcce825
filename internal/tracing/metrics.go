package tracing

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SubscriberCounter provides WebSocket/webhook subscriber count metrics.
type SubscriberCounter interface {
	TotalSubscriberCount() int
	SubscriberMapKeyCount() int
}

// RunCounter provides run count metrics.
type RunCounter interface {
	RunCount() int
}

// MetricsCollector collects Prometheus-compatible metrics for flow execution.
type MetricsCollector struct {
	meter metric.Meter

	// Counters
	runsTotal     metric.Int64Counter
	stepsTotal    metric.Int64Counter
	eventsTotal   metric.Int64Counter
	triggersTotal metric.Int64Counter
	awaitsTotal   metric.Int64Counter

	// Histograms
	runDuration   metric.Float64Histogram
	stepDuration  metric.Float64Histogram
	awaitDuration metric.Float64Histogram

	// Gauges (using observable gauges)
	activeRuns   map[string]bool // Track active run IDs
	activeRunsMu sync.RWMutex
	queueDepth   int64 // Track pending jobs in queue
	queueDepthMu sync.RWMutex
	pendingAwaits   int64
	pendingAwaitsMu sync.RWMutex

	// Memory metrics sources
	subscriberCounter SubscriberCounter
	runCounter        RunCounter
	subscriberMu      sync.RWMutex
	runCounterMu      sync.RWMutex
}

// NewMetricsCollector creates a new metrics collector using the given meter provider.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("flowkit")

	mc := &MetricsCollector{
		meter:      meter,
		activeRuns: make(map[string]bool),
	}

	var err error

	// Initialize counters
	mc.runsTotal, err = meter.Int64Counter(
		"flowkit_runs_total",
		metric.WithDescription("Total number of flow runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	mc.stepsTotal, err = meter.Int64Counter(
		"flowkit_steps_total",
		metric.WithDescription("Total number of steps executed"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	mc.eventsTotal, err = meter.Int64Counter(
		"flowkit_events_total",
		metric.WithDescription("Total number of events appended"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	mc.triggersTotal, err = meter.Int64Counter(
		"flowkit_triggers_fired_total",
		metric.WithDescription("Total number of trigger firings"),
		metric.WithUnit("{firing}"),
	)
	if err != nil {
		return nil, err
	}

	mc.awaitsTotal, err = meter.Int64Counter(
		"flowkit_awaits_resolved_total",
		metric.WithDescription("Total number of awaits resolved"),
		metric.WithUnit("{await}"),
	)
	if err != nil {
		return nil, err
	}

	// Initialize histograms
	mc.runDuration, err = meter.Float64Histogram(
		"flowkit_run_duration_seconds",
		metric.WithDescription("Flow run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.stepDuration, err = meter.Float64Histogram(
		"flowkit_step_duration_seconds",
		metric.WithDescription("Step execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.awaitDuration, err = meter.Float64Histogram(
		"flowkit_await_wait_seconds",
		metric.WithDescription("Time spent blocked on an await before resolution"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	// Initialize observable gauges
	_, err = meter.Int64ObservableGauge(
		"flowkit_active_runs",
		metric.WithDescription("Number of currently active flow runs"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.activeRunsMu.RLock()
			count := len(mc.activeRuns)
			mc.activeRunsMu.RUnlock()
			observer.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"flowkit_queue_depth",
		metric.WithDescription("Number of pending jobs in the step queue"),
		metric.WithUnit("{job}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.queueDepthMu.RLock()
			depth := mc.queueDepth
			mc.queueDepthMu.RUnlock()
			observer.Observe(depth)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"flowkit_awaits_pending",
		metric.WithDescription("Number of runs currently blocked on an await"),
		metric.WithUnit("{await}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.pendingAwaitsMu.RLock()
			pending := mc.pendingAwaits
			mc.pendingAwaitsMu.RUnlock()
			observer.Observe(pending)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	// Memory metrics
	_, err = meter.Int64ObservableGauge(
		"flowkit_ws_subscribers",
		metric.WithDescription("Number of active WebSocket subscribers across all runs"),
		metric.WithUnit("{subscriber}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.subscriberMu.RLock()
			counter := mc.subscriberCounter
			mc.subscriberMu.RUnlock()
			if counter != nil {
				observer.Observe(int64(counter.TotalSubscriberCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"flowkit_subscribed_runs",
		metric.WithDescription("Number of runIDs with at least one subscriber"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.subscriberMu.RLock()
			counter := mc.subscriberCounter
			mc.subscriberMu.RUnlock()
			if counter != nil {
				observer.Observe(int64(counter.SubscriberMapKeyCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"flowkit_goroutines",
		metric.WithDescription("Number of active goroutines"),
		metric.WithUnit("{goroutine}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(runtime.NumGoroutine()))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"flowkit_runs_in_memory",
		metric.WithDescription("Number of runs held in the in-memory cache"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.runCounterMu.RLock()
			counter := mc.runCounter
			mc.runCounterMu.RUnlock()
			if counter != nil {
				observer.Observe(int64(counter.RunCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"flowkit_heap_bytes",
		metric.WithDescription("Current heap allocation in bytes"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			observer.Observe(int64(m.HeapAlloc))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordRunStart records the start of a flow run.
func (mc *MetricsCollector) RecordRunStart(ctx context.Context, runID, flowID string) {
	mc.activeRunsMu.Lock()
	mc.activeRuns[runID] = true
	mc.activeRunsMu.Unlock()
}

// RecordRunComplete records the completion of a flow run.
func (mc *MetricsCollector) RecordRunComplete(ctx context.Context, runID, flowID, status, trigger string, duration time.Duration) {
	mc.activeRunsMu.Lock()
	delete(mc.activeRuns, runID)
	mc.activeRunsMu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("flow", flowID),
		attribute.String("status", status),
		attribute.String("trigger", trigger),
	}

	mc.runsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordStepComplete records the completion of a step.
func (mc *MetricsCollector) RecordStepComplete(ctx context.Context, flowID, stepName, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("flow", flowID),
		attribute.String("step", stepName),
		attribute.String("status", status),
	}

	mc.stepsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordEvent records an event appended to a run's stream.
func (mc *MetricsCollector) RecordEvent(ctx context.Context, flowID, eventType string) {
	mc.eventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flow", flowID),
		attribute.String("type", eventType),
	))
}

// RecordTriggerFired records a trigger firing a run.
func (mc *MetricsCollector) RecordTriggerFired(ctx context.Context, flowID, triggerKind, status string) {
	mc.triggersTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flow", flowID),
		attribute.String("kind", triggerKind),
		attribute.String("status", status),
	))
}

// RecordAwaitResolved records an await being resolved, satisfied or timed out.
func (mc *MetricsCollector) RecordAwaitResolved(ctx context.Context, flowID, awaitKind, outcome string, waited time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("flow", flowID),
		attribute.String("kind", awaitKind),
		attribute.String("outcome", outcome),
	}
	mc.awaitsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.awaitDuration.Record(ctx, waited.Seconds(), metric.WithAttributes(attrs...))
}

// IncrementQueueDepth increments the pending job queue depth.
func (mc *MetricsCollector) IncrementQueueDepth() {
	mc.queueDepthMu.Lock()
	mc.queueDepth++
	mc.queueDepthMu.Unlock()
}

// DecrementQueueDepth decrements the pending job queue depth.
func (mc *MetricsCollector) DecrementQueueDepth() {
	mc.queueDepthMu.Lock()
	if mc.queueDepth > 0 {
		mc.queueDepth--
	}
	mc.queueDepthMu.Unlock()
}

// IncrementPendingAwaits increments the count of runs blocked on an await.
func (mc *MetricsCollector) IncrementPendingAwaits() {
	mc.pendingAwaitsMu.Lock()
	mc.pendingAwaits++
	mc.pendingAwaitsMu.Unlock()
}

// DecrementPendingAwaits decrements the count of runs blocked on an await.
func (mc *MetricsCollector) DecrementPendingAwaits() {
	mc.pendingAwaitsMu.Lock()
	if mc.pendingAwaits > 0 {
		mc.pendingAwaits--
	}
	mc.pendingAwaitsMu.Unlock()
}

// SetSubscriberCounter sets the subscriber counter for memory metrics.
func (mc *MetricsCollector) SetSubscriberCounter(counter SubscriberCounter) {
	mc.subscriberMu.Lock()
	mc.subscriberCounter = counter
	mc.subscriberMu.Unlock()
}

// SetRunCounter sets the run counter for memory metrics.
func (mc *MetricsCollector) SetRunCounter(counter RunCounter) {
	mc.runCounterMu.Lock()
	mc.runCounter = counter
	mc.runCounterMu.Unlock()
}
