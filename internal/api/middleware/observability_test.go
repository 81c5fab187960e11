package middleware_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/agentserver/agentserver/internal/api/middleware"
)

func instanceRouter(mw func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.UserExtractor, mw)
	r.Get("/health", okHandler().ServeHTTP)
	r.Route("/api/v1/instances/{name}", func(r chi.Router) {
		r.Post("/run_script/{fn}", okHandler().ServeHTTP)
		r.Post("/reload", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	})
	return r
}

func TestTelemetry_SpanNamesRouteAndTarget(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	h := instanceRouter(middleware.Telemetry)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/instances/weather/run_script/refresh", nil)
	req.Header.Set("X-User", "alice")
	h.ServeHTTP(httptest.NewRecorder(), req)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/instances/weather/reload", nil))

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	run := spans[0]
	if !strings.Contains(run.Name(), "/api/v1/instances/{name}/run_script/{fn}") {
		t.Errorf("span name = %q, want the route pattern", run.Name())
	}
	attrs := map[attribute.Key]string{}
	for _, kv := range run.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	for k, want := range map[attribute.Key]string{
		"agentserver.user":          "alice",
		"agentserver.instance":      "weather",
		"agentserver.script":        "refresh",
		"http.response.status_code": "200",
	} {
		if attrs[k] != want {
			t.Errorf("%s = %q, want %q", k, attrs[k], want)
		}
	}
	if run.Status().Code == codes.Error {
		t.Error("a 200 response marked the span as failed")
	}
	if spans[1].Status().Code != codes.Error {
		t.Errorf("a 500 response left span status %v", spans[1].Status().Code)
	}
}

func TestLogger_LevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()
	h := instanceRouter(middleware.Logger)

	cases := []struct {
		method, path, level string
	}{
		{http.MethodGet, "/health", "debug"},
		{http.MethodPost, "/api/v1/instances/weather/run_script/refresh", "info"},
		{http.MethodGet, "/api/v1/instances/weather/", "warn"},
		{http.MethodPost, "/api/v1/instances/weather/reload", "error"},
	}
	for _, tc := range cases {
		buf.Reset()
		req := httptest.NewRequest(tc.method, tc.path, nil)
		req.Header.Set("X-User", "alice")
		h.ServeHTTP(httptest.NewRecorder(), req)

		var line map[string]any
		if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
			t.Fatalf("%s %s: log line %q: %v", tc.method, tc.path, buf.String(), err)
		}
		if line["level"] != tc.level {
			t.Errorf("%s %s: level = %v, want %s", tc.method, tc.path, line["level"], tc.level)
		}
		if line["user"] != "alice" {
			t.Errorf("%s %s: user = %v, want alice", tc.method, tc.path, line["user"])
		}
	}

	buf.Reset()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/instances/weather/run_script/refresh", nil))
	if !strings.Contains(buf.String(), `"route":"/api/v1/instances/{name}/run_script/{fn}"`) {
		t.Errorf("log line %q lacks the route pattern", buf.String())
	}
}
