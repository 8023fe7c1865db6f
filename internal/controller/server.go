// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"net/http"
	"time"

	"previewplane/internal/controller/handlers"
	"previewplane/internal/controller/middleware"
)

// Options configures the controller server.
type Options struct {
	// InternalToken guards the mutating endpoints. Empty disables auth,
	// for local development only.
	InternalToken string

	// Server-wide request rate limit. RequestRate <= 0 disables it.
	RequestRate  float64
	RequestBurst int

	// Metrics is the /metrics handler. Nil leaves the route unregistered.
	Metrics http.Handler
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(addr string, store handlers.StoreFactory, opts Options) *Server {
	h := handlers.New(store)

	authMW := func(next http.Handler) http.Handler { return next }
	if opts.InternalToken != "" {
		authMW = middleware.RequireInternalAuth(opts.InternalToken)
	}

	mux := http.NewServeMux()

	// Intake and teardown signals, called by CI and repo automation.
	mux.Handle("POST /previews", authMW(http.HandlerFunc(h.CreatePreview)))
	mux.Handle("POST /previews/close", authMW(http.HandlerFunc(h.ClosePreview)))

	// Read-only status surface.
	mux.HandleFunc("GET /previews", h.ListPreviews)
	mux.HandleFunc("GET /previews/{key...}", h.GetPreview)

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	handler := middleware.RateLimit(opts.RequestRate, opts.RequestBurst)(mux)

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
