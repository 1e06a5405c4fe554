package observability

import (
	"net/http"
	"strings"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMetricsMiddleware records request count, latency and a server span for
// every request passing through next. Either metrics or tracer may be nil.
//
// The status code and duration are taken from httpsnoop, which preserves the
// optional interfaces (Flusher, Hijacker) the websocket upgrade relies on.
func HTTPMetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer, next http.Handler) http.Handler {
	if metrics == nil && tracer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := routeLabel(r.URL.Path)

		if tracer != nil {
			ctx, span := tracer.Start(r.Context(), "http.request",
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.route", path),
				))
			defer span.End()
			r = r.WithContext(ctx)
		}

		if metrics != nil {
			metrics.ActiveRequests.Inc()
			defer metrics.ActiveRequests.Dec()
		}

		m := httpsnoop.CaptureMetrics(next, w, r)

		if tracer != nil {
			span := trace.SpanFromContext(r.Context())
			span.SetAttributes(attribute.Int("http.status_code", m.Code))
			if m.Code >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(m.Code))
			}
		}

		if metrics != nil {
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, statusCode(m.Code)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(m.Duration.Seconds())
		}
	})
}

// routeLabel collapses per-resource paths so metric cardinality stays bounded.
func routeLabel(path string) string {
	const executions = "/v1/executions/"
	if strings.HasPrefix(path, executions) && len(path) > len(executions) {
		return executions + "{id}"
	}
	return path
}
