// Package main provides the API router setup.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/docmesh-ai/extraction-engine/cmd/extraction-api/handlers"
	"github.com/docmesh-ai/extraction-engine/cmd/extraction-api/middleware"
	"github.com/docmesh-ai/extraction-engine/internal/api/rpc"
	"github.com/docmesh-ai/extraction-engine/internal/config"
	"github.com/docmesh-ai/extraction-engine/internal/events"
	"github.com/docmesh-ai/extraction-engine/internal/extraction"
	"github.com/docmesh-ai/extraction-engine/internal/observability"
	"github.com/docmesh-ai/extraction-engine/internal/registry"
	"github.com/docmesh-ai/extraction-engine/internal/storage"
)

// Dependencies carries the shared services the router wires into handlers.
type Dependencies struct {
	DB          *sql.DB
	Repos       *storage.Repositories
	Registry    *registry.Registry
	Broadcaster *events.Broadcaster
	Service     *extraction.Service
}

// NewRouter creates the main API router with all routes configured.
func NewRouter(logger *observability.Logger, cfg *config.Config, deps *Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware. No request timeout here: the extract endpoint
	// streams SSE and /ws holds connections open.
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"extraction-engine"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "application/json")
		if err := deps.DB.PingContext(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.Write([]byte(`{"status":"ready"}`))
	})

	// Initialize handlers
	documentTypesHandler := handlers.NewDocumentTypesHandler(logger, deps.Repos, deps.Registry)
	documentsHandler := handlers.NewDocumentsHandler(logger, deps.Repos)
	extractHandler := handlers.NewExtractHandler(logger, deps.Repos, deps.Service)
	batchesHandler := handlers.NewBatchesHandler(logger, deps.Repos, deps.Registry, deps.Service, cfg.Extraction.MaxBatchSize)
	jobsHandler := handlers.NewJobsHandler(logger, deps.Registry, deps.Service)
	eventsHandler := handlers.NewEventsHandler(logger, deps.Broadcaster)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/document-types", func(r chi.Router) {
			r.Post("/", documentTypesHandler.Create)
			r.Get("/", documentTypesHandler.List)
			r.Get("/{documentTypeId}", documentTypesHandler.Get)
			r.Get("/{documentTypeId}/jobs/active", documentTypesHandler.ActiveJobs)
		})

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", documentsHandler.Create)
			r.Get("/", documentsHandler.List)
			r.Get("/{documentId}", documentsHandler.Get)
			r.Post("/{documentId}/extract", extractHandler.Extract)
			r.Get("/{documentId}/results", documentsHandler.Results)
			r.Get("/{documentId}/results/latest", documentsHandler.LatestResult)
		})

		r.Route("/batches", func(r chi.Router) {
			r.Post("/", batchesHandler.Create)
			r.Get("/{batchId}", batchesHandler.Get)
			r.Get("/{batchId}/jobs", batchesHandler.Jobs)
			r.Post("/{batchId}/cancel", batchesHandler.Cancel)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", jobsHandler.List)
			r.Get("/{jobId}", jobsHandler.Get)
			r.Post("/{jobId}/cancel", jobsHandler.Cancel)
		})
	})

	// Live event stream
	r.Get("/ws", eventsHandler.Serve)

	// Connect RPC surface
	rpcService := rpc.NewExtractionService(logger, deps.Registry, deps.Service)
	_, rpcHandler := rpc.NewExtractionServiceHandler(rpcService)
	r.Mount("/rpc", http.StripPrefix("/rpc", rpcHandler))

	return r
}
