// Package api provides the HTTP control plane (start, pause, resume,
// enter manual mode, force close all, status) and the WebSocket event
// stream fanning the reporting sink out to operator tooling.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/internal/engine"
	"github.com/kingtrader/optionsengine/internal/events"
	"github.com/kingtrader/optionsengine/internal/metrics"
	"github.com/kingtrader/optionsengine/pkg/types"
)

// Server is the HTTP/WebSocket control-plane server.
type Server struct {
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	engine     *engine.Engine
	hub        *Hub
}

// NewServer wires routes over the engine's programmatic control plane.
// The bus subscription pushes every reporting-sink event to connected
// WebSocket clients.
func NewServer(logger *zap.Logger, config *types.ServerConfig, eng *engine.Engine, bus *events.Bus, reg *metrics.Registry) *Server {
	s := &Server{
		logger: logger.Named("api"),
		config: config,
		router: mux.NewRouter(),
		engine: eng,
		hub:    NewHub(logger),
	}

	bus.SubscribeAll(func(ev events.Event) {
		s.hub.BroadcastEvent(ev)
	})

	s.setupRoutes(reg)
	return s
}

func (s *Server) setupRoutes(reg *metrics.Registry) {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/api/v1/performance", s.handlePerformance).Methods("GET")

	// Inbound market-data boundary: the external clock/feed posts
	// one bar slice per tick.
	s.router.HandleFunc("/api/v1/bars", s.handleIngestBar).Methods("POST")

	s.router.HandleFunc("/api/v1/control/start", s.handleStart).Methods("POST")
	s.router.HandleFunc("/api/v1/control/pause", s.handlePause).Methods("POST")
	s.router.HandleFunc("/api/v1/control/resume", s.handleResume).Methods("POST")
	s.router.HandleFunc("/api/v1/control/manual", s.handleEnterManual).Methods("POST")
	s.router.HandleFunc("/api/v1/control/manual/exit", s.handleExitManual).Methods("POST")
	s.router.HandleFunc("/api/v1/control/close-all", s.handleCloseAll).Methods("POST")

	if s.config.EnableMetrics && reg != nil {
		s.router.Handle("/metrics", reg.Handler()).Methods("GET")
	}

	s.router.HandleFunc(s.config.WebSocketPath, s.hub.HandleWebSocket)
}

// Router exposes the mux for additional handler registration.
func (s *Server) Router() *mux.Router { return s.router }

// Start blocks serving HTTP until Stop or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting control-plane server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down, closing every WebSocket client first.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.CloseAll()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"status": "healthy", "time": time.Now().Unix()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Status())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Status()
	writeJSON(w, map[string]interface{}{
		"positions": snap.Positions,
		"count":     len(snap.Positions),
	})
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Performance().Snapshot())
}

func (s *Server) handleIngestBar(w http.ResponseWriter, r *http.Request) {
	var bar types.Bar
	if err := json.NewDecoder(r.Body).Decode(&bar); err != nil {
		http.Error(w, "invalid bar payload", http.StatusBadRequest)
		return
	}
	if bar.Timestamp.IsZero() {
		http.Error(w, "bar timestamp required", http.StatusBadRequest)
		return
	}

	s.engine.OnBar(r.Context(), bar)
	writeJSON(w, map[string]interface{}{"processed": bar.Timestamp})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.engine.Start()
	writeJSON(w, map[string]string{"state": "running"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.engine.Pause()
	writeJSON(w, map[string]string{"state": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engine.Resume()
	writeJSON(w, map[string]string{"state": "running"})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEnterManual(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		http.Error(w, "reason required", http.StatusBadRequest)
		return
	}
	s.engine.EnterManualMode(req.Reason)
	writeJSON(w, map[string]interface{}{"manualMode": true, "reason": req.Reason})
}

func (s *Server) handleExitManual(w http.ResponseWriter, r *http.Request) {
	s.engine.ExitManualMode()
	writeJSON(w, map[string]interface{}{"manualMode": false})
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		http.Error(w, "reason required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	s.engine.ForceCloseAll(ctx, req.Reason, time.Now())
	writeJSON(w, map[string]interface{}{"forceClose": "submitted", "reason": req.Reason})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
