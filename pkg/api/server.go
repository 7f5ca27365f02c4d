// Package api implements the controller's HTTP and websocket surface: a
// REST view over the agent pool and environments, Prometheus HTTP-SD, the
// /agent mux upgrade, and the /api/v1/events filtered websocket feed.
// Grounded on the teacher's pkg/api constructor-with-dependencies shape
// (health.go's HealthServer/NewHealthServer), generalized from a bare
// http.ServeMux to gorilla/mux so path variables and method-scoped routes
// fall out of the router instead of manual string splitting.
package api

import (
	"net/http"

	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/metrics"
	"github.com/cuemby/snops/pkg/pool"
	"github.com/cuemby/snops/pkg/store"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server bundles every dependency the controller's HTTP surface reads or
// mutates: the live agent pool, the persisted trees, the event bus
// subscribers fan out from, and the session token issuer the /agent
// upgrade verifies against.
type Server struct {
	pool     *pool.Pool
	trees    *store.Trees
	bus      *events.Bus
	issuer   *pool.TokenIssuer
	upgrader websocket.Upgrader
}

// NewServer builds a Server over its dependencies.
func NewServer(p *pool.Pool, trees *store.Trees, bus *events.Bus, issuer *pool.TokenIssuer) *Server {
	return &Server{
		pool:   p,
		trees:  trees,
		bus:    bus,
		issuer: issuer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the full route table. Auth is out of scope per spec; every
// route here is unauthenticated except the /agent upgrade's own JWT
// handshake.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.metricsMiddleware)

	r.HandleFunc("/api/v1/agents", s.handleListAgents).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/agents/find", s.handleFindAgents).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/agents/{id}", s.handleGetAgent).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/env", s.handleListEnv).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/env/{id}", s.handleGetEnv).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/events", s.handleEvents)
	r.HandleFunc("/agent", s.handleAgentWS)
	r.HandleFunc("/httpsd", s.handleHTTPSD).Methods(http.MethodGet)

	r.Handle("/metrics", metrics.Handler())
	r.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", metrics.ReadyHandler()).Methods(http.MethodGet)

	return r
}

// metricsMiddleware records APIRequestsTotal/APIRequestDuration for every
// routed request, keyed by the matched route template rather than the raw
// path so a parameterized route (e.g. /api/v1/agents/{id}) contributes to
// one metric series instead of one per agent id.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := routeTemplate(r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(rec.status)).Inc()
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// statusRecorder captures the status code a handler wrote, since
// http.ResponseWriter doesn't expose it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}
