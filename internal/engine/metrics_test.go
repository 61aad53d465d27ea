package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestOutcome(t *testing.T) {
	assert.Equal(t, "accepted", Outcome(nil))
	assert.Equal(t, "soft_failed", Outcome(newIngestError(ErrCodeSoftFailed, "", "", "", nil)))
	assert.Equal(t, "fetch_budget", Outcome(newIngestError(ErrCodeFetchBudget, "", "", "", nil)))
	assert.Equal(t, "error", Outcome(errors.New("boom")))
}

// sumByAttr returns the int64 sum data points of a metric keyed by the
// value of attribute key.
func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key string) map[string]int64 {
	t.Helper()
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key(key))
				out[v.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestEngine_RecordsIngestMetricsAndSpans(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		_ = tp.Shutdown(context.Background())
	})

	f := newTestFederation(t)
	a := f.server("a.example")
	b := f.server("b.example", WithMeterProvider(mp), WithTracerProvider(tp))
	roomID := a.createRoom(t)
	join(t, a, b, roomID)

	msg := a.send(t, roomID, a.user, "counted")
	require.NoError(t, b.push(t, msg))
	err := b.engine.IngestRemote(context.Background(), a.name, "$x", "!nowhere:a.example", "", []byte(`{}`), true)
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	outcomes := sumByAttr(t, rm, "fedroom.ingest.outcomes", "outcome")
	assert.GreaterOrEqual(t, outcomes["accepted"], int64(2), "import and push")
	assert.Equal(t, int64(1), outcomes["unknown_room"])

	fetches := sumByAttr(t, rm, "fedroom.fetch.requests", "kind")
	assert.Positive(t, fetches["event"], "room import fetches the join point")

	ended := spans.Ended()
	require.NotEmpty(t, ended)
	var failed int
	for _, s := range ended {
		assert.Equal(t, "fedroom.ingest", s.Name())
		if s.Status().Code == codes.Error {
			failed++
			assert.Equal(t, "UNKNOWN_ROOM", s.Status().Description)
		}
	}
	assert.Equal(t, 1, failed)
}
