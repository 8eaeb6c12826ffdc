// Package api provides the HTTP and WebSocket surface of the engine.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/regimetrader/engine/internal/artifacts"
	"github.com/regimetrader/engine/internal/hedge"
	"github.com/regimetrader/engine/internal/options"
	"github.com/regimetrader/engine/internal/portfolio"
	"github.com/regimetrader/engine/internal/risk"
	"github.com/regimetrader/engine/internal/sched"
	"github.com/regimetrader/engine/pkg/types"
)

// Server exposes engine control and trade queries.
type Server struct {
	mu         sync.Mutex
	logger     *zap.Logger
	config     types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub

	scheduler *sched.Scheduler
	portfolio *portfolio.Portfolio
	packages  *options.Engine
	hedge     *hedge.Engine
	risk      *risk.Manager

	runID  string
	runDir string

	loopCancel context.CancelFunc
}

// NewServer wires the routes over a built engine.
func NewServer(logger *zap.Logger, config types.ServerConfig, scheduler *sched.Scheduler, pf *portfolio.Portfolio, pkgs *options.Engine, h *hedge.Engine, rm *risk.Manager, runID, runDir string) *Server {
	s := &Server{
		logger:    logger.Named("api"),
		config:    config,
		router:    mux.NewRouter(),
		hub:       NewHub(logger),
		scheduler: scheduler,
		portfolio: pf,
		packages:  pkgs,
		hedge:     h,
		risk:      rm,
		runID:     runID,
		runDir:    runDir,
	}
	s.setupRoutes()
	return s
}

// Hub returns the WebSocket hub for event wiring.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.router.HandleFunc("/live/start", s.handleLiveStart).Methods("POST")
	s.router.HandleFunc("/live/stop", s.handleLiveStop).Methods("POST")
	s.router.HandleFunc("/live/status", s.handleLiveStatus).Methods("GET")
	s.router.HandleFunc("/live/emergency-stop", s.handleEmergencyStop).Methods("POST")

	s.router.HandleFunc("/trades/roundtrips", s.handleRoundTrips).Methods("GET")
	s.router.HandleFunc("/trades/options/multi-leg", s.handleMultiLegTrades).Methods("GET")
	s.router.HandleFunc("/options/positions", s.handleOptionPositions).Methods("GET")
	s.router.HandleFunc("/options/export-timelines", s.handleExportTimelines).Methods("POST")

	s.router.HandleFunc("/ws", s.hub.HandleUpgrade)
}

// Start runs the HTTP server; blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.mu.Unlock()

	s.logger.Info("Starting API server", zap.String("addr", addr))
	go s.hub.Run()
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.hub.Close()
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"run_id": s.runID,
		"time":   time.Now().Unix(),
	})
}

// handleLiveStart launches the bar loop. Starting an already-running
// loop is a conflict.
func (s *Server) handleLiveStart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduler.IsRunning() {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "loop already running"})
		return
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	go func() {
		reason, err := s.scheduler.Run(loopCtx)
		if err != nil {
			s.logger.Error("Loop exited with error",
				zap.String("reason", string(reason)),
				zap.Error(err),
			)
		}
	}()

	writeJSON(w, http.StatusOK, map[string]any{"started": true, "run_id": s.runID})
}

// handleLiveStop requests a cooperative stop. It is idempotent:
// stopping a stopped loop succeeds.
func (s *Server) handleLiveStop(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

func (s *Server) handleLiveStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

// handleEmergencyStop blocks new entries; exits remain allowed.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	s.risk.SetEmergencyStop(true)
	writeJSON(w, http.StatusOK, map[string]any{"emergency_stop": true})
}

func (s *Server) handleRoundTrips(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")

	var since, until *time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad since timestamp"})
			return
		}
		since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad until timestamp"})
			return
		}
		until = &t
	}

	trips := s.portfolio.RoundTrips(symbol, since, until)
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": s.runID,
		"trades": trips,
		"count":  len(trips),
	})
}

func (s *Server) handleMultiLegTrades(w http.ResponseWriter, r *http.Request) {
	trades := s.packages.ClosedTrades()
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": s.runID,
		"trades": trades,
		"count":  len(trades),
	})
}

func (s *Server) handleOptionPositions(w http.ResponseWriter, r *http.Request) {
	open := s.packages.OpenPackages()
	out := make([]map[string]any, 0, len(open))
	for _, pkg := range open {
		entry := map[string]any{"package": pkg}
		if pos := s.hedge.Position(pkg.PackageID); pos != nil {
			entry["hedge"] = pos
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    s.runID,
		"positions": out,
		"count":     len(out),
	})
}

func (s *Server) handleExportTimelines(w http.ResponseWriter, r *http.Request) {
	packageIDs, err := s.hedge.ExportTimelines(s.runDir)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if err := artifacts.WriteRunMetadata(s.runDir, s.runID, packageIDs); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exported":    packageIDs,
		"export_dir":  s.runDir,
		"run_id":      s.runID,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
