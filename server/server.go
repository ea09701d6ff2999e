// Package server wraps the HTTP listener exposing the WebSocket endpoint
// and the read-only diagnostic surface.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/abdelmounim-dev/agent-notifier/heartbeat"
	"github.com/abdelmounim-dev/agent-notifier/registry"
	"github.com/abdelmounim-dev/agent-notifier/tasks"
)

// Diagnostics aggregates the components backing /stats and /health. Any
// field may be nil; the corresponding section is omitted.
type Diagnostics struct {
	Registry   *registry.Registry
	Monitor    *heartbeat.Monitor
	Supervisor *tasks.Supervisor
}

// Server is the HTTP front of one notifier instance.
type Server struct {
	httpServer *http.Server
}

// New builds the server with the WebSocket handler mounted on /ws and the
// ops endpoints alongside.
func New(addr string, wsHandler http.HandlerFunc, diag Diagnostics) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]interface{}{}
		if diag.Registry != nil {
			out["connections"] = diag.Registry.Stats()
		}
		if diag.Supervisor != nil {
			out["background_tasks"] = map[string]interface{}{
				"running": diag.Supervisor.Running(),
				"tasks":   diag.Supervisor.Status(),
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})

	mux.HandleFunc("/health/connections", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "Missing user_id", http.StatusBadRequest)
			return
		}
		if diag.Monitor == nil {
			http.Error(w, "Heartbeat monitor not running", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"user_id":     userID,
			"connections": diag.Monitor.Health(userID),
		})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
	}
}

// Start runs the listener until Shutdown.
func (s *Server) Start() {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
}

// Shutdown stops accepting new connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
