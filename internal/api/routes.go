// Package api provides the operator HTTP API for the flowengine service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	h := s.handlers

	// Health endpoints
	s.router.HandleFunc("/health", h.Health).Methods("GET")
	s.router.HandleFunc("/healthz", h.Health).Methods("GET")
	s.router.HandleFunc("/ready", h.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Workflows
	api.HandleFunc("/workflows", h.ListWorkflows).Methods("GET")
	api.HandleFunc("/workflows", h.CreateWorkflow).Methods("POST")
	api.HandleFunc("/workflows/validate", h.ValidateWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{id}", h.GetWorkflow).Methods("GET")
	api.HandleFunc("/workflows/{id}", h.SaveWorkflow).Methods("PUT")
	api.HandleFunc("/workflows/{id}", h.DeleteWorkflow).Methods("DELETE")
	api.HandleFunc("/workflows/{id}/runs", h.EnqueueRun).Methods("POST")
	api.HandleFunc("/workflows/{id}/triggers/{trigger}", h.FireTrigger).Methods("POST")

	// Runs
	api.HandleFunc("/runs", h.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", h.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/logs", h.GetRunLogs).Methods("GET")
	api.HandleFunc("/runs/{id}/events", h.StreamEvents).Methods("GET")
	api.HandleFunc("/runs/{id}/cancel", h.CancelRun).Methods("POST")

	// Queue administration
	api.HandleFunc("/queues", h.ListQueues).Methods("GET")
	api.HandleFunc("/queues/{name}", h.QueueStats).Methods("GET")
	api.HandleFunc("/queues/{name}/pause", h.PauseQueue).Methods("POST")
	api.HandleFunc("/queues/{name}/resume", h.ResumeQueue).Methods("POST")
	api.HandleFunc("/queues/{name}/purge", h.PurgeQueue).Methods("POST")
	api.HandleFunc("/queues/{name}/dlq", h.PeekDeadLetters).Methods("GET")
	api.HandleFunc("/queues/{name}/dlq/replay", h.ReplayDeadLetters).Methods("POST")

	// RunStore diagnostics
	api.HandleFunc("/runstore/info", h.RunStoreInfo).Methods("GET")

	s.router.Use(h.CORSMiddleware)
	s.router.Use(h.LoggingMiddleware)
	s.router.Use(h.TracingMiddleware)
	s.router.Use(h.RecoveryMiddleware)
}
