package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

// restoreGlobals puts the global OTel providers back after a test that
// calls InitProvider.
func restoreGlobals(t *testing.T) {
	t.Helper()
	mp, tp, prop := otel.GetMeterProvider(), otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(mp)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func TestInitProvider_ExportsMetrics(t *testing.T) {
	restoreGlobals(t)
	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test", Registry: reg})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordProviderCall(context.Background(), "llm", 0, nil)

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "chatbot_provider_requests") {
		t.Errorf("metrics output missing provider counter:\n%s", body)
	}
}

func TestInitProvider_SampleRatio(t *testing.T) {
	restoreGlobals(t)
	zero := 0.0
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		Registry:    prometheus.NewRegistry(),
		SampleRatio: &zero,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	_, span := StartSpan(context.Background(), "query.Ask")
	defer span.End()
	if span.SpanContext().IsSampled() {
		t.Error("span sampled with ratio 0")
	}
}

func TestInitProvider_ResourceCarriesService(t *testing.T) {
	restoreGlobals(t)
	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceName:    "chatbot-test",
		ServiceVersion: "1.2.3",
		Registry:       reg,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{`service_name="chatbot-test"`, `service_version="1.2.3"`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("target_info missing %s:\n%s", want, body)
		}
	}
}
