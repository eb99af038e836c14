// Package server is the HTTP front of the relay: WebSocket upgrades on any path,
// provider files from an optional static directory and 404 for everything else.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/freedomjs/radiatus-providers/config"
)

const notFoundBody = "404 - Not Found"

// Server wraps the HTTP listener.
type Server struct {
	httpServer *http.Server
}

// NewServer listens on cfg.Port and passes upgrade requests to ws.
func NewServer(cfg *config.ServerConfig, ws http.HandlerFunc) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Port),
			Handler:     Handler(cfg.StaticDir, ws),
			ReadTimeout: time.Duration(cfg.ReadTimeout) * time.Second,
			// WriteTimeout would cut hijacked WebSocket connections short; the
			// sessions set their own write deadlines.
			ReadHeaderTimeout: time.Duration(cfg.ReadTimeout) * time.Second,
		},
	}
}

// Handler routes upgrades to ws and serves staticDir (if set) otherwise.
func Handler(staticDir string, ws http.HandlerFunc) http.Handler {
	var files http.Handler
	if staticDir != "" {
		files = http.FileServer(http.Dir(staticDir))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			ws(w, r)
			return
		}
		if files != nil && (r.Method == http.MethodGet || r.Method == http.MethodHead) && exists(staticDir, r.URL.Path) {
			files.ServeHTTP(w, r)
			return
		}
		http.Error(w, notFoundBody, http.StatusNotFound)
	})
}

func exists(dir, name string) bool {
	f, err := http.Dir(dir).Open(path.Clean("/" + name))
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	glog.Infof("Listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections. Hijacked WebSocket connections are not
// tracked by net/http and must be closed by the router.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
