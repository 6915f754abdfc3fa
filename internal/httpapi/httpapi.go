// Package httpapi implements the JSON-over-HTTP façade: a raw
// net/http.ServeMux router, an API-key/request-id/logging middleware
// chain, and handlers wiring the dispatcher, validator-backed graph
// template store, trigger service, and query surface to the wire
// protocol. Grounded on the teacher api-gateway's gateway_v2.go — the same
// router idiom, the same responseWriter status-capturing wrapper, the
// same loggingMiddleware shape — generalized from the gateway's JWT/rate
// limiting concerns to this service's API-key auth.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/exospherehost/state-manager/internal/dispatcher"
	"github.com/exospherehost/state-manager/internal/graphtemplate"
	"github.com/exospherehost/state-manager/internal/ports"
	"github.com/exospherehost/state-manager/internal/query"
	"github.com/exospherehost/state-manager/internal/trigger"
)

const serviceName = "exosphere-state-manager"

const requestIDHeader = "x-exosphere-request-id"
const apiKeyHeader = "x-api-key"

// Server bundles the collaborators the handlers call into.
type Server struct {
	dispatcher *dispatcher.Dispatcher
	graphs     *graphtemplate.Service
	nodes      ports.RegisteredNodeStore
	trigger    *trigger.Service
	query      *query.Service
	secret     string

	reqCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
	authDenied  metric.Int64Counter
}

// New builds a Server and its mux. secret is the configured
// STATE_MANAGER_SECRET every request's x-api-key header must match.
func New(d *dispatcher.Dispatcher, g *graphtemplate.Service, nodes ports.RegisteredNodeStore, tr *trigger.Service, q *query.Service, secret string) *Server {
	meter := otel.Meter(serviceName)
	reqCounter, _ := meter.Int64Counter("exostate_http_requests_total")
	latencyHist, _ := meter.Float64Histogram("exostate_http_latency_ms")
	authDenied, _ := meter.Int64Counter("exostate_http_auth_denied_total")
	return &Server{
		dispatcher: d, graphs: g, nodes: nodes, trigger: tr, query: q, secret: secret,
		reqCounter: reqCounter, latencyHist: latencyHist, authDenied: authDenied,
	}
}

// Handler assembles the full mux: a public /health route, and every other
// route under /v0/namespace/{namespace}/ behind the auth+logging chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)

	protected := http.NewServeMux()
	protected.HandleFunc("/v0/namespace/", s.routeNamespace)

	mux.Handle("/v0/namespace/", s.loggingMiddleware(s.authMiddleware(protected)))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "OK"})
}

// authMiddleware rejects any request whose x-api-key header does not match
// the configured secret.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(apiKeyHeader) != s.secret {
			s.authDenied.Add(r.Context(), 1)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid x-api-key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware assigns/echoes the request-id header, opens an otel
// span per request, and logs+records metrics on completion. Mirrors the
// teacher gateway's loggingMiddleware, with X-Request-ID replaced by the
// exosphere request-id header this protocol uses.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx, span := otel.Tracer(serviceName).Start(r.Context(), r.URL.Path)
		defer span.End()

		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.Path),
			attribute.String("http.request_id", reqID),
		)

		next.ServeHTTP(rw, r.WithContext(ctx))

		duration := float64(time.Since(start).Milliseconds())
		s.reqCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", r.URL.Path),
			attribute.Int("status", rw.status),
		))
		s.latencyHist.Record(ctx, duration, metric.WithAttributes(attribute.String("path", r.URL.Path)))
		span.SetAttributes(
			attribute.Int("http.status_code", rw.status),
			attribute.Float64("http.duration_ms", duration),
		)
		slog.InfoContext(ctx, "request completed",
			"request_id", reqID, "method", r.Method, "path", r.URL.Path,
			"status", rw.status, "duration_ms", duration,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
