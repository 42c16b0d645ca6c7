package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

// Not parallel: swaps the default logger.
func TestLoggerCarriesSpanContext(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0x01},
		SpanID:  trace.SpanID{0x02},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	Logger(ctx).Info("synthesis step")
	out := buf.String()
	if !strings.Contains(out, sc.TraceID().String()) {
		t.Errorf("log line must carry the trace id: %q", out)
	}
	if !strings.Contains(out, sc.SpanID().String()) {
		t.Errorf("log line must carry the span id: %q", out)
	}

	buf.Reset()
	Logger(context.Background()).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("logger without a span must not attach trace ids: %q", buf.String())
	}
}

func TestStartSpanPropagates(t *testing.T) {
	t.Parallel()

	ctx, span := StartSpan(context.Background(), "test.op")
	defer span.End()
	if ctx == nil || span == nil {
		t.Fatal("StartSpan must return a usable context and span")
	}
}
