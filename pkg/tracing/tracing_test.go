package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := newProvider(tracesdk.WithSpanProcessor(recorder), resource.Empty(), 1.0)

	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func attrMap(attrs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(attrs))
	for _, kv := range attrs {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "pepehouse", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestSpansWithoutProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "noop")
	AddSpanAttributes(ctx, attribute.String("k", "v"))
	RecordError(ctx, errors.New("ignored"))
	span.End()
}

func TestTraceSignalRequest_Attributes(t *testing.T) {
	recorder := installRecorder(t)

	ctx, span := TraceSignalRequest(context.Background(), "produce", 7, "r1", "p1")
	AddSpanAttributes(ctx, ErrorCodeKey.String("FORBIDDEN"))
	RecordError(ctx, errors.New("not allowed"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "signal.produce", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)

	attrs := attrMap(ended[0].Attributes())
	assert.Equal(t, "produce", attrs[MethodKey].AsString())
	assert.Equal(t, int64(7), attrs[RequestIDKey].AsInt64())
	assert.Equal(t, "r1", attrs[RoomIDKey].AsString())
	assert.Equal(t, "p1", attrs[PeerIDKey].AsString())
	assert.Equal(t, "FORBIDDEN", attrs[ErrorCodeKey].AsString())
}

func TestTraceHelpers_SpanNames(t *testing.T) {
	recorder := installRecorder(t)

	_, span := TraceHTTPRequest(context.Background(), "GET", "/api/v1/rooms")
	span.End()
	_, span = TraceRoomOperation(context.Background(), "create", "r1")
	span.End()
	_, span = TraceRedisOperation(context.Background(), "claim", "pepehouse:room:r1")
	span.End()

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"HTTP GET /api/v1/rooms", "room.create", "redis.claim"}, names)
}

func TestChildSpansFollowParentSampling(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := newProvider(tracesdk.WithSpanProcessor(recorder), resource.Empty(), 0)
	defer tp.Shutdown(context.Background())

	ctx, parent := tp.Tracer("test").Start(context.Background(), "parent")
	_, child := tp.Tracer("test").Start(ctx, "child")
	child.End()
	parent.End()

	assert.Empty(t, recorder.Ended())
}
