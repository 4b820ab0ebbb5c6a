// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"github.com/Kek20703/CloudStorage/internal/auth"
	"github.com/Kek20703/CloudStorage/internal/events"
	"github.com/Kek20703/CloudStorage/internal/logging"
	"github.com/Kek20703/CloudStorage/internal/metrics"
	"github.com/Kek20703/CloudStorage/internal/quota"
	"github.com/Kek20703/CloudStorage/internal/resource"
)

// Server is the HTTP server.
type Server struct {
	resources     *resource.Service
	auth          *auth.Auth
	broadcaster   *events.Broadcaster
	rateLimiter   *quota.RateLimiter
	maxUploadSize int64
}

// NewServer creates a new server. broadcaster may be nil, in which case
// the change feed is not served.
func NewServer(
	resources *resource.Service,
	authHandler *auth.Auth,
	broadcaster *events.Broadcaster,
	rateLimiter *quota.RateLimiter,
	maxUploadSize int64,
) *Server {
	if rateLimiter == nil {
		rateLimiter = quota.NewRateLimiter(0)
	}
	return &Server{
		resources:     resources,
		auth:          authHandler,
		broadcaster:   broadcaster,
		rateLimiter:   rateLimiter,
		maxUploadSize: maxUploadSize,
	}
}

// Handler returns the HTTP handler with auth and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/auth/sign-up", s.auth.HandleSignUp)
	mux.HandleFunc("POST /api/auth/sign-in", s.auth.HandleSignIn)

	protected := http.NewServeMux()
	protected.HandleFunc("POST /api/auth/sign-out", s.auth.HandleSignOut)
	protected.HandleFunc("GET /api/user/me", s.auth.HandleMe)

	// Resource endpoints
	protected.HandleFunc("GET /api/resource", s.handleGetInfo)
	protected.HandleFunc("DELETE /api/resource", s.handleDelete)
	protected.Handle("POST /api/resource", quota.UploadLimitMiddleware(s.maxUploadSize)(http.HandlerFunc(s.handleUpload)))
	protected.HandleFunc("GET /api/resource/download", s.handleDownload)
	protected.HandleFunc("GET /api/resource/move", s.handleMove)
	protected.HandleFunc("GET /api/resource/search", s.handleSearch)

	// Directory endpoints
	protected.HandleFunc("GET /api/directory", s.handleListDirectory)
	protected.HandleFunc("POST /api/directory", s.handleCreateDirectory)

	if s.broadcaster != nil {
		protected.HandleFunc("GET /api/events", s.handleEvents)
	}

	// Wrap protected routes with auth then rate limiter
	rateLimited := quota.RateLimitMiddleware(s.rateLimiter, auth.TenantID)(protected)
	authed := s.auth.Middleware(rateLimited)
	mux.Handle("POST /api/auth/sign-out", authed)
	mux.Handle("/api/user/", authed)
	mux.Handle("/api/resource", authed)
	mux.Handle("/api/resource/", authed)
	mux.Handle("/api/directory", authed)
	mux.Handle("/api/events", authed)

	// Apply logging and metrics middleware
	return metrics.Middleware(logging.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantID(r.Context())
	if !ok {
		s.sendError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the headers go out so a client that has seen the
	// response cannot miss an event.
	ch := s.broadcaster.Subscribe(tenantID)
	defer s.broadcaster.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Errors ─────────────────────────────────────────────────────────────────

type errorResponse struct {
	Message string `json:"message"`
}

// sendResourceError maps a facade error to a status code. Store failures
// are logged and reported without detail.
func (s *Server) sendResourceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch errors.GetCode(err) {
	case errors.CodeNotFound:
		s.sendError(w, http.StatusNotFound, "Resource not found")
	case errors.CodeAlreadyExists:
		s.sendError(w, http.StatusConflict, "Resource already exists")
	case errors.CodeInvalidInput:
		s.sendError(w, http.StatusBadRequest, message(err))
	default:
		logging.WithContext(r.Context()).Error(op+" failed",
			zap.Bool("retryable", errors.IsRetryable(err)),
			zap.Error(err),
		)
		s.sendError(w, http.StatusInternalServerError, "Unexpected exception")
	}
}

func message(err error) string {
	var perr errors.PlatformError
	if errors.As(err, &perr) {
		return perr.Message()
	}
	return "Not a valid request"
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, errorResponse{Message: message})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("encode response failed", zap.Error(err))
	}
}
