// Package gateway hosts the hub's HTTP surface: the hook receiver and
// approval bridge routes, the health check, and the websocket stream
// that broadcasts hub lifecycle events.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/praybot/internal/bus"
	"github.com/nextlevelbuilder/praybot/internal/httpapi"
)

const shutdownGrace = 5 * time.Second

// Config sets the listen address and browser-origin policy.
type Config struct {
	Host string
	Port int
	// AllowedOrigins restricts websocket upgrades from browsers. Empty
	// allows all; non-browser clients (no Origin header) always pass.
	AllowedOrigins []string
}

// Server serves the API router and fans bus events out to websocket
// clients.
type Server struct {
	cfg    Config
	events bus.EventPublisher
	api    *httpapi.Router
	log    *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a server around an already-populated API router.
func NewServer(cfg Config, events bus.EventPublisher, api *httpapi.Router, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		events:  events,
		api:     api,
		log:     log,
		clients: make(map[string]*wsClient),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // CLI and hook-script clients
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	s.log.Warn("websocket origin rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux. Call before Start when the
// same routes must serve additional listeners (the tsnet node).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/events", s.handleEvents)
	if s.api != nil {
		mux.Handle("/", s.api)
	}
	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	s.log.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.closeClients()
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// handleEvents upgrades to websocket and streams hub events until the
// client goes away or falls too far behind.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(conn, s.log)
	s.register(client)
	defer s.unregister(client)

	go client.writePump()
	client.readPump()
}

func (s *Server) register(c *wsClient) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.events.Subscribe(c.id, func(event bus.Event) {
		if !c.enqueue(event) {
			// Slow consumer: drop the whole client rather than block or
			// buffer without bound.
			s.log.Warn("dropping slow websocket client", "id", c.id)
			s.unregister(c)
		}
	})
	s.log.Info("event client connected", "id", c.id)
}

func (s *Server) unregister(c *wsClient) {
	s.mu.Lock()
	_, present := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()
	if !present {
		return
	}
	s.events.Unsubscribe(c.id)
	c.close()
	s.log.Info("event client disconnected", "id", c.id)
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		s.unregister(c)
	}
}

// ClientCount reports connected websocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// StartTestServer binds 127.0.0.1:0 and returns the address plus a start
// function, for integration tests.
func StartTestServer(ctx context.Context, s *Server) (addr string, start func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: s.BuildMux()}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
			s.closeClients()
		}()
		s.httpServer.Serve(ln)
	}
	return addr, start
}
