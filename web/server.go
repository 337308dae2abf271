// Package web serves the operational HTTP surface: liveness, readiness,
// and a JSON status snapshot of the gateway connection.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/mwestra/chronicle/gateway"
)

var jsonx = jsoniter.ConfigCompatibleWithStandardLibrary

type Server struct {
	start      time.Time
	status     func() gateway.Status
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

func New(addr string, status func() gateway.Status, logger *slog.Logger) *Server {
	s := &Server{
		start:  time.Now(),
		status: status,
		logger: logger.With("component", "web"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /status", s.handleStatus)
	s.mux = mux
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown. The http.ErrServerClosed from a clean
// shutdown is swallowed.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleHealth is pure liveness: the process is up.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports 503 until the gateway has completed its first READY.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	st := s.status()
	if st.ReadySince.IsZero() {
		http.Error(w, "gateway not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// statusBody is the gateway snapshot plus process uptime.
type statusBody struct {
	gateway.Status
	UptimeSeconds int `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	body := statusBody{
		Status:        s.status(),
		UptimeSeconds: int(time.Since(s.start).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	data, err := jsonx.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
