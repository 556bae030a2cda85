package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/treefix50/watchguard/internal/telemetry"
)

// logMiddleware writes one access log line per request and records the
// request in telemetry under its route template.
func logMiddleware(log *slog.Logger, tel *telemetry.Manager) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeTemplate(r)

			ctx, span := tel.StartSpan(r.Context(), "http "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attribute.String("http.method", r.Method)))
			r = r.WithContext(ctx)

			sw := newStatusResponseWriter(w)
			next.ServeHTTP(sw, r)

			elapsed := time.Since(start)
			span.SetAttributes(attribute.Int("http.status_code", sw.Status()))
			span.End()
			tel.RecordHTTPRequest(ctx, r.Method, route, sw.Status(), elapsed)

			log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.Status(),
				"bytes", sw.Bytes(),
				"duration", elapsed,
			)
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}
