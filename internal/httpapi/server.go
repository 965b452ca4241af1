// Package httpapi wires the REST surface and the /signal WebSocket upgrade.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/synthmesh/synthmesh/internal/auth"
	"github.com/synthmesh/synthmesh/internal/config"
	"github.com/synthmesh/synthmesh/internal/leader"
	"github.com/synthmesh/synthmesh/internal/metrics"
	"github.com/synthmesh/synthmesh/internal/registry"
	"github.com/synthmesh/synthmesh/internal/relay"
	"github.com/synthmesh/synthmesh/internal/store"
)

// Server owns the HTTP mux and its dependencies.
type Server struct {
	cfg      *config.Config
	store    store.Store
	registry *registry.Registry
	leader   *leader.Service
	router   *relay.Router
	hub      *relay.Hub
	sessions *auth.Manager
	metrics  *metrics.Registry
	log      zerolog.Logger

	upgrader    websocket.Upgrader
	upgradeRate *rate.Limiter
	started     time.Time

	httpServer *http.Server
}

// New assembles the server and its routes.
func New(cfg *config.Config, st store.Store, reg *registry.Registry, lead *leader.Service,
	router *relay.Router, hub *relay.Hub, sessions *auth.Manager, m *metrics.Registry,
	log zerolog.Logger) *Server {

	s := &Server{
		cfg:      cfg,
		store:    st,
		registry: reg,
		leader:   lead,
		router:   router,
		hub:      hub,
		sessions: sessions,
		metrics:  m,
		log:      log.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Signaling blobs are opaque and the browser clients connect
			// from arbitrary origins; protected state lives behind the
			// session routes, not the socket.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		upgradeRate: rate.NewLimiter(rate.Limit(cfg.UpgradeRate), cfg.UpgradeBurst),
		started:     time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /client-id", s.handleMintClientID)
	mux.HandleFunc("GET /client-id/{id}", s.handleClientIDExists)
	mux.HandleFunc("GET /controller/status", s.handleControllerStatus)
	mux.HandleFunc("POST /controller/lock", s.handleLockAcquire)
	mux.HandleFunc("GET /controller/lock", s.handleLockStatus)
	mux.HandleFunc("DELETE /controller/lock", s.handleLockRelease)
	mux.HandleFunc("GET /controller/clear", s.handleControllerClear)
	mux.HandleFunc("GET /ice-servers", s.handleICEServers)
	mux.HandleFunc("GET /signal", s.handleSignal)
	mux.HandleFunc("POST /auth/session", s.handleMintSession)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", m.Handler())

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		// No WriteTimeout: it would sever long-lived WebSocket sessions.
	}
	return s
}

// ListenAndServe runs the HTTP server until it is shut down.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// requireSession returns the verified claims or writes a 401.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) *auth.Claims {
	claims, err := s.sessions.FromRequest(r)
	if err != nil {
		if !errors.Is(err, auth.ErrNoSession) {
			s.log.Debug().Err(err).Msg("Session verification failed")
		}
		writeError(w, http.StatusUnauthorized, "authentication required")
		return nil
	}
	return claims
}
