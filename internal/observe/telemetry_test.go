package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Init replaces the global providers, so these tests are sequential and
// restore the previous globals.
func initForTest(t *testing.T, cfg TelemetryConfig) *Telemetry {
	t.Helper()
	prevMP, prevTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	tel, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		_ = tel.Shutdown(context.Background())
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
	})
	return tel
}

func TestInit_ServesRecordedMetrics(t *testing.T) {
	tel := initForTest(t, TelemetryConfig{ServiceName: "realtime-test"})

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordQueueDrop(context.Background(), QueuePlayback)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	for _, want := range []string{"dropped", `queue="playback"`, "go_goroutines"} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestInit_ExportsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tel := initForTest(t, TelemetryConfig{TraceExporter: exp})

	_, span := StartSpan(context.Background(), "turn")
	span.End()
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "turn" {
		t.Errorf("exported spans = %v", spans)
	}
}

func TestInit_RejectsBadSampleRatio(t *testing.T) {
	for _, r := range []float64{-0.1, 1.5} {
		if _, err := Init(context.Background(), TelemetryConfig{SampleRatio: r}); err == nil {
			t.Errorf("ratio %v: expected error", r)
		}
	}
}
