package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"printfarm/server/logger"
	"printfarm/server/scheduler"
	"printfarm/server/storage"
	"printfarm/server/twin"
	"printfarm/server/worker"
)

// Server wires the store, the worker manager, the scheduler and the HTTP
// API together.
type Server struct {
	cfg       *Config
	log       *logger.Logger
	store     storage.Store
	twin      twin.Client
	manager   *worker.Manager
	scheduler *scheduler.Fifo
	hub       *statusHub

	httpServer *http.Server
}

// NewServer assembles a server from its parts.
func NewServer(cfg *Config, log *logger.Logger, store storage.Store, tw twin.Client, manager *worker.Manager, sched *scheduler.Fifo) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		store:     store,
		twin:      tw,
		manager:   manager,
		scheduler: sched,
		hub:       newStatusHub(manager, log),
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Printers
	mux.HandleFunc("GET /api/v1/printers", s.handleListPrinters)
	mux.HandleFunc("POST /api/v1/printers", s.handleCreatePrinter)
	mux.HandleFunc("GET /api/v1/printers/{id}", s.handleGetPrinter)
	mux.HandleFunc("PUT /api/v1/printers/{id}/worker:start", s.handleWorkerStart)
	mux.HandleFunc("PUT /api/v1/printers/{id}/worker:stop", s.handleWorkerStop)
	mux.HandleFunc("GET /api/v1/printers/{id}/status", s.handlePrinterStatus)
	mux.HandleFunc("GET /api/v1/printers/{id}/status/ws", s.handlePrinterStatusWS)

	// Jobs
	mux.HandleFunc("POST /api/v1/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("PUT /api/v1/jobs/{idAction}", s.handleJobAction)

	// Orders
	mux.HandleFunc("POST /api/v1/orders", s.handleCreateOrder)
	mux.HandleFunc("GET /api/v1/orders", s.handleListOrders)
	mux.HandleFunc("GET /api/v1/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("PUT /api/v1/orders/{idAction}", s.handleOrderAction)

	// Users
	mux.HandleFunc("POST /api/v1/users", s.handleCreateUser)
	mux.HandleFunc("GET /api/v1/users/{id}", s.handleGetUser)

	return mux
}

// Start launches the workers, the scheduler, the status stream and the
// HTTP listener.
func (s *Server) Start(ctx context.Context) error {
	if err := s.twin.Connect(ctx); err != nil {
		// Twin is advisory; workers log commit failures until it returns.
		s.log.Warn("Twin connect failed", "error", err)
	}

	if err := s.manager.StartAll(ctx); err != nil {
		return err
	}
	if s.cfg.Workers.AutoSchedule {
		s.scheduler.Start()
	}
	s.hub.Start()

	s.log.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP listener, all background loops and releases the
// store and twin.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warn("HTTP shutdown failed", "error", err)
	}

	s.hub.Stop()
	s.scheduler.Stop()
	s.manager.StopAll()

	if err := s.twin.Close(ctx); err != nil {
		s.log.Warn("Twin close failed", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn("Store close failed", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// Response helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
