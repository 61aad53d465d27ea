package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/roach88/fedroom/internal/engine"

// Outcome labels for fedroom.ingest.outcomes besides lowered error codes.
const (
	outcomeAccepted = "accepted"
	outcomeError    = "error"
)

// engineMetrics holds the engine's OpenTelemetry instruments.
type engineMetrics struct {
	outcomes metric.Int64Counter
	fetches  metric.Int64Counter
	resolve  metric.Float64Histogram
}

func newEngineMetrics(mp metric.MeterProvider) (*engineMetrics, error) {
	meter := mp.Meter(instrumentationName)
	m := &engineMetrics{}
	var err error

	m.outcomes, err = meter.Int64Counter("fedroom.ingest.outcomes",
		metric.WithDescription("Ingestion attempts by outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ingest counter: %w", err)
	}

	m.fetches, err = meter.Int64Counter("fedroom.fetch.requests",
		metric.WithDescription("Requests sent to peers while ingesting"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create fetch counter: %w", err)
	}

	m.resolve, err = meter.Float64Histogram("fedroom.resolve.duration",
		metric.WithDescription("State resolution latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create resolve histogram: %w", err)
	}
	return m, nil
}

// Outcome maps an ingestion or authoring result to a short label:
// "accepted", "error", or the lowercased IngestError code.
func Outcome(err error) string {
	if err == nil {
		return outcomeAccepted
	}
	if code := CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	return outcomeError
}

func (m *engineMetrics) recordOutcome(ctx context.Context, err error) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", Outcome(err))))
}

func (m *engineMetrics) recordFetch(ctx context.Context, kind string) {
	m.fetches.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *engineMetrics) recordResolve(ctx context.Context, d time.Duration) {
	m.resolve.Record(ctx, d.Seconds())
}
