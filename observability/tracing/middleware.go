package tracing

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ModuleKey is the span attribute naming the module that served a request.
const ModuleKey = attribute.Key("plugin.module")

type routeKey struct{}

// routeInfo is filled in by the handler that finally serves the request.
type routeInfo struct {
	module string
	route  string
}

// SpanMiddleware starts a server span per request and propagates incoming
// trace context. The span is renamed after the matched route once the
// request is served: the chi pattern for host routes, or the module route
// reported through SetModuleRoute for requests the plugin binder serves.
// Raw paths never become span names.
func SpanMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := otel.GetTracerProvider().Tracer("nexus.http").Start(ctx, r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
				semconv.ServerAddress(r.Host),
				semconv.URLScheme(scheme(r)),
			),
		)
		defer span.End()

		info := &routeInfo{}
		ctx = context.WithValue(ctx, routeKey{}, info)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		if route := spanRoute(r, info); route != "" {
			span.SetName(r.Method + " " + route)
			span.SetAttributes(semconv.HTTPRoute(route))
		}
		if info.module != "" {
			span.SetAttributes(ModuleKey.String(info.module))
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// SetModuleRoute records that module served the request through route, a
// pattern relative to the binder's mount point.
func SetModuleRoute(ctx context.Context, module, route string) {
	if info, ok := ctx.Value(routeKey{}).(*routeInfo); ok {
		info.module = module
		info.route = route
	}
}

// spanRoute joins the chi mount pattern ("/plugins/*") with the module route
// when the binder reported one.
func spanRoute(r *http.Request, info *routeInfo) string {
	var pattern string
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		pattern = rctx.RoutePattern()
	}
	if info.route == "" {
		return pattern
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return prefix + info.route
	}
	return info.route
}

// statusWriter records the response status for the span.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
