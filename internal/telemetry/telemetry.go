// Package telemetry exposes the replication core's OpenTelemetry metrics:
// sync-cycle counts and durations, entities pushed/pulled, and conflicts
// detected/resolved, mirroring the fields of the server-side sync log.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/replicore/core"

// Metrics bundles the instruments both peers record into. A nil *Metrics
// is valid and records nothing, so call sites never need to guard.
type Metrics struct {
	syncCycles        metric.Int64Counter
	cycleDuration     metric.Float64Histogram
	entitiesPushed    metric.Int64Counter
	entitiesPulled    metric.Int64Counter
	conflictsDetected metric.Int64Counter
	conflictsResolved metric.Int64Counter
	pushRetries       metric.Int64Counter
	tombstonesPruned  metric.Int64Counter
}

// Init installs a periodic stdout metric exporter as the global meter
// provider and returns the core's instruments plus a shutdown hook to
// flush on exit.
func Init(ctx context.Context, interval time.Duration) (*Metrics, func(context.Context) error, error) {
	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}
	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName("replicore"))
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)

	m, err := NewMetrics()
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, nil, err
	}
	return m, provider.Shutdown, nil
}

// NewMetrics creates the instruments against the installed global meter
// provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.syncCycles, err = meter.Int64Counter("sync.cycles",
		metric.WithDescription("completed sync cycles by outcome")); err != nil {
		return nil, fmt.Errorf("create sync.cycles: %w", err)
	}
	if m.cycleDuration, err = meter.Float64Histogram("sync.cycle.duration",
		metric.WithDescription("sync cycle wall time"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create sync.cycle.duration: %w", err)
	}
	if m.entitiesPushed, err = meter.Int64Counter("sync.entities.pushed",
		metric.WithDescription("entities accepted by the push endpoint")); err != nil {
		return nil, fmt.Errorf("create sync.entities.pushed: %w", err)
	}
	if m.entitiesPulled, err = meter.Int64Counter("sync.entities.pulled",
		metric.WithDescription("entities returned by the pull endpoint")); err != nil {
		return nil, fmt.Errorf("create sync.entities.pulled: %w", err)
	}
	if m.conflictsDetected, err = meter.Int64Counter("sync.conflicts.detected",
		metric.WithDescription("manual-resolution conflicts recorded")); err != nil {
		return nil, fmt.Errorf("create sync.conflicts.detected: %w", err)
	}
	if m.conflictsResolved, err = meter.Int64Counter("sync.conflicts.resolved",
		metric.WithDescription("conflicts resolved via the resolution endpoint")); err != nil {
		return nil, fmt.Errorf("create sync.conflicts.resolved: %w", err)
	}
	if m.pushRetries, err = meter.Int64Counter("sync.push.retries",
		metric.WithDescription("outbox entries that failed a push attempt")); err != nil {
		return nil, fmt.Errorf("create sync.push.retries: %w", err)
	}
	if m.tombstonesPruned, err = meter.Int64Counter("sync.tombstones.pruned",
		metric.WithDescription("expired tombstones physically removed")); err != nil {
		return nil, fmt.Errorf("create sync.tombstones.pruned: %w", err)
	}
	return m, nil
}

// RecordCycle records one completed device sync cycle.
func (m *Metrics) RecordCycle(ctx context.Context, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.syncCycles.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.cycleDuration.Record(ctx, duration.Seconds())
}

// RecordPush records a push endpoint outcome.
func (m *Metrics) RecordPush(ctx context.Context, processed, conflicts int) {
	if m == nil {
		return
	}
	m.entitiesPushed.Add(ctx, int64(processed))
	m.conflictsDetected.Add(ctx, int64(conflicts))
}

// RecordPull records a pull endpoint outcome.
func (m *Metrics) RecordPull(ctx context.Context, entities int) {
	if m == nil {
		return
	}
	m.entitiesPulled.Add(ctx, int64(entities))
}

// RecordResolution records one manual conflict resolution.
func (m *Metrics) RecordResolution(ctx context.Context, strategy string) {
	if m == nil {
		return
	}
	m.conflictsResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy)))
}

// RecordRetry records outbox entries left queued after a failed push.
func (m *Metrics) RecordRetry(ctx context.Context, entries int) {
	if m == nil {
		return
	}
	m.pushRetries.Add(ctx, int64(entries))
}

// RecordPruned records tombstones removed by the expiry sweep.
func (m *Metrics) RecordPruned(ctx context.Context, pruned int64) {
	if m == nil {
		return
	}
	m.tombstonesPruned.Add(ctx, pruned)
}
