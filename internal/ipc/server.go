package ipc

import (
	"context"
	"fmt"
	"net"
	"net/http"
)

// Server wraps an HTTP server with task routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:    listenAddr,
			Handler: NewRouter(h),
		},
	}
}

// NewRouter registers every endpoint of h.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Task lifecycle.
	mux.HandleFunc("POST /api/v1/tasks", h.CreateTask)
	mux.HandleFunc("GET /api/v1/tasks", h.ListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{taskID}", h.GetTask)
	mux.HandleFunc("DELETE /api/v1/tasks/{taskID}", h.DeleteTask)

	// Decisions.
	mux.HandleFunc("POST /api/v1/tasks/{taskID}/actions", h.ApplyAction)
	mux.HandleFunc("PUT /api/v1/tasks/{taskID}/files", h.EditFile)

	// Reads.
	mux.HandleFunc("GET /api/v1/tasks/{taskID}/messages", h.ListMessages)
	mux.HandleFunc("GET /api/v1/tasks/{taskID}/export", h.ExportTask)
	mux.HandleFunc("GET /api/v1/tasks/{taskID}/plan", h.GetStoredPlan)

	// Live views.
	mux.HandleFunc("GET /api/v1/tasks/{taskID}/stream", h.StreamTask)
	mux.HandleFunc("GET /api/v1/tasks/{taskID}/ws", h.StreamTaskWS)

	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}

	return corsMiddleware(mux)
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on ln. Blocks until the server stops.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// OnShutdown registers f to run when Shutdown begins. Long-lived streams
// only end once their source closes, so f should close it.
func (s *Server) OnShutdown(f func()) {
	s.httpServer.RegisterOnShutdown(f)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// FormatListenURL turns a listen address into a browsable URL.
func FormatListenURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, port))
}

// corsMiddleware adds CORS headers for local browser access.
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
