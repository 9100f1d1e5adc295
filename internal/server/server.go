// Package server exposes the relay over HTTP: the websocket endpoint, health
// and a small permissions API.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"
	gorilla "github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/Dancode-188/synckit/docsync/internal/config"
	"github.com/Dancode-188/synckit/docsync/internal/security"
	"github.com/Dancode-188/synckit/docsync/internal/storage"
	"github.com/Dancode-188/synckit/docsync/internal/websocket"
)

const version = "0.4.0"

// Deps are the backing services. Cache and PubSub may be nil.
type Deps struct {
	Storage storage.StorageAdapter
	Cache   *storage.PermissionCache
	PubSub  *storage.RedisPubSub
}

// Server represents the HTTP server
type Server struct {
	config   *config.Config
	deps     Deps
	hub      *websocket.Hub
	security *security.SecurityManager
	upgrader gorilla.Upgrader
	server   *http.Server

	stopHub context.CancelFunc
}

// New creates a server and starts its hub.
func New(cfg *config.Config, deps Deps) *Server {
	sm := security.NewSecurityManager(security.DefaultLimits())
	hub := websocket.NewHub(websocket.Options{
		JWTSecret:       cfg.JWTSecret,
		Storage:         deps.Storage,
		Cache:           deps.Cache,
		PubSub:          deps.PubSub,
		Security:        sm,
		PersistInterval: cfg.PersistInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	s := &Server{
		config:   cfg,
		deps:     deps,
		hub:      hub,
		security: sm,
		stopHub:  cancel,
	}
	s.upgrader = gorilla.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// Hub returns the relay hub.
func (s *Server) Hub() *websocket.Hub { return s.hub }

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/permissions", s.handlePermissions)
	mux.HandleFunc("/api/documents", s.handleDocuments)

	return s.corsMiddleware(mux)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests, then stops the hub, which persists
// open documents before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}

	s.stopHub()
	select {
	case <-s.hub.Done():
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	s.security.Dispose()
	return err
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        "docsync relay",
		"version":     version,
		"description": "Collaborative document relay",
		"endpoints": map[string]string{
			"health":      "/health",
			"ws":          "/ws",
			"permissions": "/api/permissions",
			"documents":   "/api/documents",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	healthy, err := s.deps.Storage.HealthCheck(ctx)
	storageStatus := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		storageStatus = "unavailable"
		glog.Warningf("server: storage health check failed: %v", err)
	}

	response := map[string]interface{}{
		"status":    http.StatusText(status),
		"timestamp": time.Now().Format(time.RFC3339),
		"version":   version,
		"storage":   storageStatus,
		"hub":       s.hub.Stats(),
	}
	if s.deps.PubSub != nil {
		response["pubsub"] = s.deps.PubSub.GetStats()
	}
	writeJSON(w, status, response)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.security.ConnectionLimiter.TryAdd(ip) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.security.ConnectionLimiter.RemoveConnection(ip)
		glog.Warningf("server: websocket upgrade error: %v", err)
		return
	}

	conn := websocket.NewConnection(ulid.Make().String(), ws, s.hub)
	conn.ClientIP = ip
	conn.SecurityManager = s.security

	select {
	case s.hub.Register <- conn:
	case <-s.hub.Done():
		s.security.ConnectionLimiter.RemoveConnection(ip)
		ws.Close()
		return
	}

	go conn.WritePump()
	go conn.ReadPump()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.allowedOrigin(origin)
}

func (s *Server) allowedOrigin(origin string) bool {
	for _, allowed := range s.config.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.allowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		glog.Warningf("server: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
