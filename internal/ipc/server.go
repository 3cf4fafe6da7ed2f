package ipc

import (
	"context"
	"net/http"
	"time"
)

// Server wraps an HTTP server with engine-specific routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              listenAddr,
			Handler:           corsMiddleware(h.Routes()),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Routes builds the request multiplexer.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoint.
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Workflow endpoints.
	mux.HandleFunc("GET /api/v1/workflows", h.ListWorkflows)
	mux.HandleFunc("GET /api/v1/workflows/{workflowID}", h.GetWorkflow)
	mux.HandleFunc("PUT /api/v1/workflows/{workflowID}/active", h.SetWorkflowActive)
	mux.HandleFunc("GET /api/v1/workflows/{workflowID}/stats", h.WorkflowStats)

	// Instance endpoints.
	mux.HandleFunc("POST /api/v1/instances", h.CreateInstance)
	mux.HandleFunc("GET /api/v1/instances/{instanceID}", h.GetInstance)
	mux.HandleFunc("GET /api/v1/instances/{instanceID}/log", h.GetLog)
	mux.HandleFunc("POST /api/v1/instances/{instanceID}/decisions", h.Decide)
	mux.HandleFunc("POST /api/v1/instances/{instanceID}/cancel", h.Cancel)

	// Approver inbox.
	mux.HandleFunc("GET /api/v1/approvers/{approverID}/pending", h.ListPending)

	mux.Handle("GET /metrics", h.Metrics.Handler())
	return mux
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
