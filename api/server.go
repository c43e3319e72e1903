// Package api serves the station registry and tag I/O over HTTP.
package api

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"s7link/config"
	"s7link/logging"
)

// Server is the REST API server.
type Server struct {
	config  config.APIConfig
	handler http.Handler
	server  *http.Server
	addr    string
	running bool
	mu      sync.RWMutex
}

// NewServer creates a server for stations. hub may be nil.
func NewServer(stations Stations, cfg config.APIConfig, hub *Hub) *Server {
	return &Server{
		config:  cfg,
		handler: NewRouter(stations, cfg, hub),
	}
}

// debugLogWriter routes http.Server errors to the debug log.
type debugLogWriter string

func (tag debugLogWriter) Write(p []byte) (int, error) {
	logging.DebugLog(string(tag), "%s", string(p))
	return len(p), nil
}

var _ io.Writer = debugLogWriter("")

// Start listens and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Host, s.config.Port))
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.addr = ln.Addr().String()
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(debugLogWriter("api"), "", 0),
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			logging.Logf("api server: %v", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	logging.Logf("api listening on %s", s.addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the base URL. After Start it reflects the bound port.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr != "" {
		return "http://" + s.addr
	}
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}
