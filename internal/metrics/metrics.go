// Package metrics holds the OpenTelemetry counters for the generation
// pipeline. Exporters are configured by whoever installs the global meter
// provider; without one every call is a no-op.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/bobarin/sceneforge"

var (
	providerSubmits metric.Int64Counter
	providerPolls   metric.Int64Counter
	mirrorResults   metric.Int64Counter
	jobsSettled     metric.Int64Counter
	sweepRepairs    metric.Int64Counter
	segmentsSkipped metric.Int64Counter
)

func init() {
	meter := otel.Meter(meterName)
	providerSubmits, _ = meter.Int64Counter("sceneforge.provider.submit")
	providerPolls, _ = meter.Int64Counter("sceneforge.provider.poll")
	mirrorResults, _ = meter.Int64Counter("sceneforge.mirror.result")
	jobsSettled, _ = meter.Int64Counter("sceneforge.scene_job.settled")
	sweepRepairs, _ = meter.Int64Counter("sceneforge.sweep.repair")
	segmentsSkipped, _ = meter.Int64Counter("sceneforge.compose.segment_skipped")
}

func outcome(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("outcome", "error")
	}
	return attribute.String("outcome", "ok")
}

func ProviderSubmit(ctx context.Context, provider string, err error) {
	providerSubmits.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider), outcome(err)))
}

func ProviderPoll(ctx context.Context, provider string, err error) {
	providerPolls.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider), outcome(err)))
}

func MirrorResult(ctx context.Context, err error) {
	mirrorResults.Add(ctx, 1, metric.WithAttributes(outcome(err)))
}

// JobSettled counts transitions applied by the settle path, labelled by the
// new status and the path that won (worker or reconcile).
func JobSettled(ctx context.Context, status, path string) {
	jobsSettled.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status), attribute.String("path", path)))
}

// SweepRepair counts sweep actions by kind: mirrored, mirror_error, status_corrected.
func SweepRepair(ctx context.Context, kind string, n int64) {
	if n == 0 {
		return
	}
	sweepRepairs.Add(ctx, n, metric.WithAttributes(attribute.String("kind", kind)))
}

func SegmentSkipped(ctx context.Context) {
	segmentsSkipped.Add(ctx, 1)
}
