// Package httpapi is the thin HTTP surface alongside the two WebSocket
// transports: a Prometheus /metrics endpoint, a /healthz liveness probe,
// and the one read-only query passthrough SPEC_FULL.md §6.3 keeps
// in-core (QueryProfiling). CPU/memory/goroutine signals already live on
// /metrics as gauges, so /healthz only needs to report whether the
// process is accepting work at all.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/adred-codev/substrate-relay/internal/store"
)

// Server bundles the dependencies the HTTP surface needs.
type Server struct {
	store           store.Store
	logger          zerolog.Logger
	apiSharedSecret string
	shuttingDown    func() bool
}

func NewServer(st store.Store, apiSharedSecret string, shuttingDown func() bool, logger zerolog.Logger) *Server {
	return &Server{store: st, apiSharedSecret: apiSharedSecret, shuttingDown: shuttingDown, logger: logger}
}

// Mux builds the handler tree. Callers register it directly, or mount it
// alongside the WebSocket upgrade handlers on the same listener.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/profiling", s.requireSharedSecret(s.handleProfiling))
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// requireSharedSecret enforces the X-API-Secret header when
// APISharedSecret is configured. A no-op when it isn't (SPEC_FULL.md §1
// shared-secret note).
func (s *Server) requireSharedSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiSharedSecret != "" && r.Header.Get("X-API-Secret") != s.apiSharedSecret {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type profilingResponse struct {
	Reason string `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// handleProfiling passes straight through to QueryProfiling (SPEC_FULL.md
// §6.3): peer_id, msg, since (RFC-3339) and limit as query parameters.
func (s *Server) handleProfiling(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	peerID := q.Get("peer_id")
	msgKind := q.Get("msg")
	if peerID == "" || msgKind == "" {
		writeJSON(w, http.StatusBadRequest, profilingResponse{Reason: "peer_id and msg are required"})
		return
	}

	since := time.Time{}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, profilingResponse{Reason: "since must be RFC-3339"})
			return
		}
		since = t
	}

	limit := 100
	if l := q.Get("limit"); l != "" {
		n, err := json.Number(l).Int64()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, profilingResponse{Reason: "limit must be an integer"})
			return
		}
		limit = int(n)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	rows, err := s.store.QueryProfiling(ctx, peerID, msgKind, since, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("peer_id", peerID).Str("msg", msgKind).Msg("profiling query failed")
		writeJSON(w, http.StatusInternalServerError, profilingResponse{Reason: "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, profilingResponse{Data: rows})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
