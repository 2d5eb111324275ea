package tracing

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSanitizeEndpoint(t *testing.T) {
	tests := map[string]string{
		"http://collector:4317":  "collector:4317",
		"https://collector:4317": "collector:4317",
		"collector:4317/":        "collector:4317",
	}
	for in, want := range tests {
		if got := sanitizeEndpoint(in); got != want {
			t.Fatalf("sanitizeEndpoint(%q)=%q want %q", in, got, want)
		}
	}
}

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInjectHeadersCarriesTraceparent(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	otel.SetTracerProvider(tp)
	_, _ = Setup(context.Background(), Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, span := StartRun(context.Background(), "run", "uid", 1, "remote")
	defer span.End()

	h := http.Header{}
	InjectHeaders(ctx, h)
	if h.Get("traceparent") == "" {
		t.Fatalf("expected traceparent header, got %v", h)
	}
}
