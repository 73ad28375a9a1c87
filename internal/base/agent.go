// Package base provides the common observability plumbing for the agent:
// atomic statistics with health evaluation, OTEL instrumentation, goroutine
// lifecycle management, and the bounded in-process event channel.
package base

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yairfalse/memtrace/pkg/domain"
)

// BaseAgent tracks statistics and health for the leak-detection agent.
// Embed it to get the event/error counters and Health() for free.
type BaseAgent struct {
	name      string
	startTime time.Time

	// Statistics (atomic for thread safety)
	eventsPublished atomic.Int64
	eventsDropped   atomic.Int64
	errorCount      atomic.Int64

	lastEventTime atomic.Value // time.Time
	lastError     atomic.Value // error

	// Health tracking
	isHealthy          atomic.Bool
	healthCheckTimeout time.Duration
	errorRateThreshold float64

	// OTEL instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	eventsPublishedCounter metric.Int64Counter
	eventsDroppedCounter   metric.Int64Counter
	errorCounter           metric.Int64Counter
	scanDuration           metric.Float64Histogram
	healthStatus           metric.Int64Gauge

	logger *zap.Logger
}

// BaseAgentConfig holds configuration for BaseAgent
type BaseAgentConfig struct {
	Name               string
	HealthCheckTimeout time.Duration
	ErrorRateThreshold float64 // default 0.1 (10%)
	Logger             *zap.Logger
}

// NewBaseAgent creates a base agent with the given configuration
func NewBaseAgent(config BaseAgentConfig) *BaseAgent {
	if config.ErrorRateThreshold == 0 {
		config.ErrorRateThreshold = 0.1
	}
	if config.HealthCheckTimeout == 0 {
		config.HealthCheckTimeout = 5 * time.Minute
	}

	ba := &BaseAgent{
		name:               config.Name,
		startTime:          time.Now(),
		healthCheckTimeout: config.HealthCheckTimeout,
		errorRateThreshold: config.ErrorRateThreshold,
		tracer:             otel.Tracer(config.Name),
		meter:              otel.Meter(config.Name),
		logger:             config.Logger,
	}
	ba.isHealthy.Store(true)
	ba.lastEventTime.Store(time.Now())

	ba.initializeMetrics()

	return ba
}

// initializeMetrics registers the standard OTEL instruments. Metric
// creation failure is non-fatal; the corresponding instrument stays nil.
func (ba *BaseAgent) initializeMetrics() {
	var err error

	ba.eventsPublishedCounter, err = ba.meter.Int64Counter(
		fmt.Sprintf("%s_events_published_total", ba.name),
		metric.WithDescription("Total allocation events published"),
		metric.WithUnit("1"),
	)
	if err != nil {
		ba.debugMetricFailure("events published counter", err)
		ba.eventsPublishedCounter = nil
	}

	ba.eventsDroppedCounter, err = ba.meter.Int64Counter(
		fmt.Sprintf("%s_events_dropped_total", ba.name),
		metric.WithDescription("Total allocation events dropped"),
		metric.WithUnit("1"),
	)
	if err != nil {
		ba.debugMetricFailure("events dropped counter", err)
		ba.eventsDroppedCounter = nil
	}

	ba.errorCounter, err = ba.meter.Int64Counter(
		fmt.Sprintf("%s_errors_total", ba.name),
		metric.WithDescription("Total errors encountered"),
		metric.WithUnit("1"),
	)
	if err != nil {
		ba.debugMetricFailure("error counter", err)
		ba.errorCounter = nil
	}

	ba.scanDuration, err = ba.meter.Float64Histogram(
		fmt.Sprintf("%s_scan_duration_seconds", ba.name),
		metric.WithDescription("Leak scan duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0),
	)
	if err != nil {
		ba.debugMetricFailure("scan duration histogram", err)
		ba.scanDuration = nil
	}

	ba.healthStatus, err = ba.meter.Int64Gauge(
		fmt.Sprintf("%s_health_status", ba.name),
		metric.WithDescription("Health status (0=unhealthy, 1=degraded, 2=healthy)"),
		metric.WithUnit("1"),
	)
	if err != nil {
		ba.debugMetricFailure("health status gauge", err)
		ba.healthStatus = nil
	}
}

func (ba *BaseAgent) debugMetricFailure(what string, err error) {
	if ba.logger != nil {
		ba.logger.Debug("Failed to create metric",
			zap.String("agent", ba.name),
			zap.String("metric", what),
			zap.Error(err))
	}
}

// RecordEvent should be called when an event is successfully published
func (ba *BaseAgent) RecordEvent() {
	ba.eventsPublished.Add(1)
	ba.lastEventTime.Store(time.Now())

	if ba.eventsPublishedCounter != nil {
		ba.eventsPublishedCounter.Add(context.Background(), 1)
	}
}

// RecordDrop should be called when an event is dropped
func (ba *BaseAgent) RecordDrop() {
	ba.eventsDropped.Add(1)

	if ba.eventsDroppedCounter != nil {
		ba.eventsDroppedCounter.Add(context.Background(), 1)
	}
}

// RecordDropWithReason records a dropped event with a reason attribute
func (ba *BaseAgent) RecordDropWithReason(ctx context.Context, reason string) {
	ba.eventsDropped.Add(1)

	if ba.eventsDroppedCounter != nil {
		ba.eventsDroppedCounter.Add(ctx, 1,
			metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordError should be called when an error occurs
func (ba *BaseAgent) RecordError(err error) {
	ba.errorCount.Add(1)
	if err != nil {
		ba.lastError.Store(err)
	}

	if ba.errorCounter != nil {
		attrs := []attribute.KeyValue{}
		if err != nil {
			attrs = append(attrs, attribute.String("error_type", fmt.Sprintf("%T", err)))
		}
		ba.errorCounter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	}
}

// RecordScanDuration records the time one leak scan took
func (ba *BaseAgent) RecordScanDuration(ctx context.Context, duration time.Duration) {
	if ba.scanDuration != nil {
		ba.scanDuration.Record(ctx, duration.Seconds())
	}
}

// SetHealthy sets the agent health status
func (ba *BaseAgent) SetHealthy(healthy bool) {
	ba.isHealthy.Store(healthy)
}

// IsHealthy returns true if the agent is healthy
func (ba *BaseAgent) IsHealthy() bool {
	return ba.isHealthy.Load()
}

// GetName returns the agent name
func (ba *BaseAgent) GetName() string {
	return ba.name
}

// GetUptime returns how long the agent has been running
func (ba *BaseAgent) GetUptime() time.Duration {
	return time.Since(ba.startTime)
}

// EventsPublished returns the total number of events published
func (ba *BaseAgent) EventsPublished() int64 {
	return ba.eventsPublished.Load()
}

// EventsDropped returns the total number of events dropped
func (ba *BaseAgent) EventsDropped() int64 {
	return ba.eventsDropped.Load()
}

// ErrorCount returns the total number of errors
func (ba *BaseAgent) ErrorCount() int64 {
	return ba.errorCount.Load()
}

// LastEventTime returns when the last event was published
func (ba *BaseAgent) LastEventTime() time.Time {
	if t, ok := ba.lastEventTime.Load().(time.Time); ok {
		return t
	}
	return time.Time{}
}

// Health evaluates the agent's health from its counters
func (ba *BaseAgent) Health() *domain.HealthStatus {
	if !ba.isHealthy.Load() {
		var lastErr error
		if e := ba.lastError.Load(); e != nil {
			lastErr = e.(error)
		}
		return domain.NewUnhealthyStatus(
			fmt.Sprintf("%s agent is unhealthy", ba.name), lastErr)
	}

	// Only complain about silence once we have seen at least one event.
	if ba.eventsPublished.Load() > 0 {
		sinceLast := time.Since(ba.LastEventTime())
		if sinceLast > ba.healthCheckTimeout {
			return domain.NewHealthStatus(domain.HealthDegraded,
				fmt.Sprintf("No events published for %v", sinceLast))
		}
	}

	errorRate := float64(0)
	if published := ba.eventsPublished.Load(); published > 0 {
		errorRate = float64(ba.errorCount.Load()) / float64(published)
	}
	if errorRate > ba.errorRateThreshold {
		if ba.healthStatus != nil {
			ba.healthStatus.Record(context.Background(), 1,
				metric.WithAttributes(attribute.String("reason", "high_error_rate")))
		}
		return domain.NewHealthStatus(domain.HealthDegraded,
			fmt.Sprintf("High error rate: %.1f%% (threshold: %.1f%%)",
				errorRate*100, ba.errorRateThreshold*100))
	}

	if ba.healthStatus != nil {
		ba.healthStatus.Record(context.Background(), 2)
	}

	return domain.NewHealthyStatus(fmt.Sprintf("%s agent operating normally", ba.name))
}

// StartSpan starts a new span for custom instrumentation
func (ba *BaseAgent) StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return ba.tracer.Start(ctx, spanName, opts...)
}

// GetMeter returns the meter for custom metrics
func (ba *BaseAgent) GetMeter() metric.Meter {
	return ba.meter
}
