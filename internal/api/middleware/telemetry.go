package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("agentserver-api")

// Telemetry opens a server span per request. The span is renamed to the
// matched route once routing is done, and carries the user plus the
// definition, instance or notification the route addresses.
func Telemetry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("url.scheme", scheme(r)),
				attribute.String("agentserver.user", GetUser(ctx)),
				attribute.String("agentserver.request_id", chimw.GetReqID(ctx)),
			),
		)
		defer span.End()

		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r.WithContext(ctx))

		route := RoutePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.response.status_code", rw.statusCode),
			attribute.Int("http.response_content_length", rw.bytes),
		)
		span.SetAttributes(targetAttributes(r, route)...)
		if rw.statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
		}
	})
}

// RoutePattern returns the chi pattern that served r, or the raw path when
// nothing matched.
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// targetAttributes names the resource a route addresses.
func targetAttributes(r *http.Request, route string) []attribute.KeyValue {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil
	}
	var out []attribute.KeyValue
	name := rctx.URLParam("name")
	switch {
	case name == "":
	case strings.HasPrefix(route, "/api/v1/definitions/"):
		out = append(out, attribute.String("agentserver.definition", name))
	case strings.HasPrefix(route, "/api/v1/instances/"):
		out = append(out, attribute.String("agentserver.instance", name))
	}
	if n := rctx.URLParam("notification"); n != "" {
		out = append(out, attribute.String("agentserver.notification", n))
	}
	if fn := rctx.URLParam("fn"); fn != "" {
		out = append(out, attribute.String("agentserver.script", fn))
	}
	if k := rctx.URLParam("kind"); k != "" {
		out = append(out, attribute.String("agentserver.access_kind", k))
	}
	return out
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		return fwd
	}
	return "http"
}
