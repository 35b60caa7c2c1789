// Package diag exposes a small local HTTP surface for inspecting a running
// session: current lifecycle status, transcript growth, and relay health.
// It binds to loopback only and is not part of the signaling path.
package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// SessionView is what the status endpoint reports about the session.
type SessionView struct {
	SessionID       string `json:"sessionId"`
	Role            string `json:"role"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	TranscriptLines int    `json:"transcriptLines"`
}

// RelayView mirrors the embedded relay's stats.
type RelayView struct {
	Running           bool   `json:"running"`
	State             string `json:"state"`
	ActiveAllocations int    `json:"activeAllocations"`
	UptimeSeconds     int    `json:"uptimeSeconds"`
}

// SessionSource supplies the live session view.
type SessionSource interface {
	DiagView() SessionView
}

// RelaySource supplies the live relay view; nil when no relay is embedded.
type RelaySource interface {
	DiagView() RelayView
}

// Server is the diagnostics HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

func NewServer(addr string, sess SessionSource, relay RelaySource) *Server {
	mux := http.NewServeMux()
	limiter := NewRateLimiter(30, time.Minute)

	mux.HandleFunc("/api/session", limiter.Middleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, sess.DiagView())
	}))

	mux.HandleFunc("/api/relay", limiter.Middleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if relay == nil {
			writeJSON(w, RelayView{Running: false, State: "disabled"})
			return
		}
		writeJSON(w, relay.DiagView())
	}))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		logger: zap.L().Named("diag"),
	}
}

// Start serves in a background goroutine until Stop.
func (s *Server) Start() {
	go func() {
		s.logger.Info("diagnostics server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("diagnostics server stopped", zap.Error(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
	}
}
