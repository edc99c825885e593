// Package web serves the command bridge and a read-only view of the sidecar
// over HTTP: the greet command, supervisor status, live logs and metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrexodia/sidecar-manager/logging"
	"github.com/mrexodia/sidecar-manager/sidecar"
)

// Backend is what the server exposes to the UI
type Backend interface {
	Greet(name string) string
	Status() sidecar.Status
}

// Config holds the listen address and optional credentials
type Config struct {
	Host          string
	Port          int
	Authorization string // "user:pass" or "pass"; empty disables auth
}

// Server represents the web server
type Server struct {
	backend  Backend
	hub      *logging.Hub
	gatherer prometheus.Gatherer
	log      logging.Logger
	addr     string
	upgrader websocket.Upgrader
	username string // BasicAuth username (empty = any username)
	password string // BasicAuth password (empty = no auth)

	httpServer *http.Server
}

// New creates a new web server. hub and gatherer may be nil, which disables
// the log stream and the metrics endpoint respectively.
func New(cfg Config, backend Backend, hub *logging.Hub, gatherer prometheus.Gatherer, log logging.Logger) *Server {
	if log == nil {
		log = logging.NewNop()
	}

	var username, password string
	if cfg.Authorization != "" {
		if idx := strings.Index(cfg.Authorization, ":"); idx > 0 {
			username = cfg.Authorization[:idx]
			password = cfg.Authorization[idx+1:]
		} else {
			password = cfg.Authorization
		}
	}

	s := &Server{
		backend:  backend,
		hub:      hub,
		gatherer: gatherer,
		log:      log,
		addr:     net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		upgrader: websocket.Upgrader{},
		username: username,
		password: password,
	}
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Addr returns the listen address
func (s *Server) Addr() string {
	return s.addr
}

// Handler returns the routed, authenticated handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/invoke/greet", s.greet)
	mux.HandleFunc("GET /api/sidecar", s.status)
	if s.hub != nil {
		mux.HandleFunc("GET /api/logs", s.streamLogs)
	}
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return s.basicAuthMiddleware(mux)
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.log.Info("starting web server", "addr", "http://"+s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// basicAuthMiddleware wraps the entire handler with BasicAuth authentication
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.password == "" {
			next.ServeHTTP(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok || (s.username != "" && username != s.username) || password != s.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Sidecar Manager"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type greetRequest struct {
	Name string `json:"name"`
}

type greetResponse struct {
	Result string `json:"result"`
}

// greet handles POST /api/invoke/greet
func (s *Server) greet(w http.ResponseWriter, r *http.Request) {
	var req greetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, greetResponse{Result: s.backend.Greet(req.Name)})
}

// status handles GET /api/sidecar
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.backend.Status())
}

// streamLogs sends the retained log history, then live lines, over a
// WebSocket. Lines written while the history is being sent may arrive twice.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(ch)

	if history := s.hub.History(); len(history) > 0 {
		if err := conn.WriteMessage(websocket.TextMessage, history); err != nil {
			return
		}
	}

	// The client never sends anything; reading only detects the disconnect.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
