package http

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"diagramsync/internal/delivery/sse"
	"diagramsync/internal/metrics"
)

// Router handles HTTP routing of the relay
type Router struct {
	rooms     *RoomHandler
	relay     http.Handler
	sseRouter *sse.Router
	gatherer  prometheus.Gatherer
	metrics   *metrics.Relay
	logger    *zap.Logger
}

// NewRouter creates a new HTTP router. relay serves the websocket endpoint
// and gatherer the /metrics endpoint; either may be nil.
func NewRouter(rooms *RoomHandler, relay http.Handler, sseRouter *sse.Router, gatherer prometheus.Gatherer, m *metrics.Relay, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewRelay(nil)
	}
	return &Router{
		rooms:     rooms,
		relay:     relay,
		sseRouter: sseRouter,
		gatherer:  gatherer,
		metrics:   m,
		logger:    logger,
	}
}

// Setup sets up the HTTP routes
func (r *Router) Setup() http.Handler {
	router := mux.NewRouter()

	if r.relay != nil {
		router.Handle("/ws", r.relay).Methods(http.MethodGet)
	}

	rooms := router.PathPrefix("/rooms/{id}").Subrouter()
	rooms.HandleFunc("/snapshot", r.rooms.GetSnapshot).Methods(http.MethodGet)
	rooms.HandleFunc("/snapshot", r.rooms.PutSnapshot).Methods(http.MethodPut)
	rooms.HandleFunc("/images", r.rooms.ListImages).Methods(http.MethodGet)
	rooms.HandleFunc("/images", r.rooms.PostImage).Methods(http.MethodPost)
	if r.sseRouter != nil {
		rooms.HandleFunc("/events", r.sseRouter.HandleEvents).Methods(http.MethodGet)
	}

	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	if r.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	}

	return ApplyMiddleware(router, RecoveryMiddleware(r.logger), LoggingMiddleware(r.logger, r.metrics))
}
