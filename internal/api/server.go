// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/fruitsalade/deskfs/internal/auth"
	"github.com/fruitsalade/deskfs/internal/config"
	"github.com/fruitsalade/deskfs/internal/events"
	"github.com/fruitsalade/deskfs/internal/logging"
	"github.com/fruitsalade/deskfs/internal/metrics"
	"github.com/fruitsalade/deskfs/internal/quota"
	"github.com/fruitsalade/deskfs/internal/vfs"
)

// Pool gzip writers to reduce allocations on the tree endpoint.
var gzipPool = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

// Snapshotter exports an owner's tree and returns where it was stored.
type Snapshotter interface {
	Export(ctx context.Context, owner string) (string, error)
}

// Server is the HTTP server.
type Server struct {
	engine       *vfs.Engine
	bootstrapper *vfs.Bootstrapper
	auth         *auth.Auth
	broadcaster  *events.Broadcaster
	rateLimiter  *quota.RateLimiter
	snapshots    Snapshotter
	config       *config.Config

	// owners already bootstrapped by this process
	seen *xsync.Map[string, struct{}]
}

// NewServer creates a new server. snapshots may be nil when snapshot export
// is disabled.
func NewServer(
	engine *vfs.Engine,
	bootstrapper *vfs.Bootstrapper,
	authHandler *auth.Auth,
	broadcaster *events.Broadcaster,
	rateLimiter *quota.RateLimiter,
	snapshots Snapshotter,
	cfg *config.Config,
) *Server {
	return &Server{
		engine:       engine,
		bootstrapper: bootstrapper,
		auth:         authHandler,
		broadcaster:  broadcaster,
		rateLimiter:  rateLimiter,
		snapshots:    snapshots,
		config:       cfg,
		seen:         xsync.NewMap[string, struct{}](),
	}
}

// Handler returns the HTTP handler with auth and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Protected endpoints
	protected := http.NewServeMux()

	// Read endpoints
	protected.HandleFunc("GET /api/v1/tree", s.handleTree)
	protected.HandleFunc("GET /api/v1/dir", s.handleDirectory)
	protected.HandleFunc("GET /api/v1/dir/{path...}", s.handleDirectory)
	protected.HandleFunc("GET /api/v1/content/{path...}", s.handleContent)
	protected.HandleFunc("GET /api/v1/search", s.handleSearch)
	protected.HandleFunc("GET /api/v1/nodes/{id}", s.handleNode)

	// Write endpoints
	protected.HandleFunc("POST /api/v1/folders", s.handleCreateFolder)
	protected.HandleFunc("POST /api/v1/files", s.handleCreateFile)
	protected.HandleFunc("PUT /api/v1/content/{path...}", s.handleUpdateContent)
	protected.HandleFunc("POST /api/v1/rename/{path...}", s.handleRename)
	protected.HandleFunc("POST /api/v1/move/{path...}", s.handleMove)
	protected.HandleFunc("DELETE /api/v1/items/{path...}", s.handleDelete)
	protected.HandleFunc("POST /api/v1/bootstrap", s.handleBootstrap)

	// SSE endpoint
	protected.HandleFunc("GET /api/v1/events", s.handleEvents)

	// Admin endpoints
	protected.Handle("POST /api/v1/admin/reconcile/{owner}", auth.RequireAdmin(http.HandlerFunc(s.handleReconcile)))
	protected.Handle("POST /api/v1/admin/snapshot/{owner}", auth.RequireAdmin(http.HandlerFunc(s.handleSnapshot)))

	// Auth first so the rate limiter and bootstrap see the owner.
	var h http.Handler = s.bootstrapMiddleware(protected)
	h = quota.RateLimitMiddleware(s.rateLimiter, auth.OwnerFromContext)(h)
	h = s.auth.Middleware(h)
	mux.Handle("/api/v1/", h)

	// Apply logging and metrics middleware
	return metrics.Middleware(logging.Middleware(mux))
}

// bootstrapMiddleware creates the default file system the first time this
// process sees an owner. Failures are logged and the request proceeds.
func (s *Server) bootstrapMiddleware(next http.Handler) http.Handler {
	if s.bootstrapper == nil || !s.config.BootstrapOnFirstRequest {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if owner, ok := auth.OwnerFromContext(r.Context()); ok {
			if _, done := s.seen.Load(owner); !done {
				if _, err := s.bootstrapper.EnsureDefaultFileSystem(r.Context(), owner); err != nil {
					logging.WithContext(r.Context()).Warn("bootstrap on first request failed",
						logging.Owner(owner), logging.Err(err))
				} else {
					s.seen.Store(owner, struct{}{})
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "1.0"})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// owner returns the authenticated owner. Handlers only run behind the auth
// middleware, so it is always set.
func owner(r *http.Request) string {
	o, _ := auth.OwnerFromContext(r.Context())
	return o
}

// pathParam returns the {path...} wildcard as an absolute path.
func pathParam(r *http.Request) string {
	return "/" + strings.TrimPrefix(r.PathValue("path"), "/")
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body := r.Body
	if limit := s.config.MaxContentSize; limit > 0 {
		// JSON escaping can grow content up to six bytes per input byte.
		body = http.MaxBytesReader(w, r.Body, 6*limit+4096)
	}
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendGzipJSON(w http.ResponseWriter, r *http.Request, v any) {
	if !acceptsGzip(r) {
		s.sendJSON(w, http.StatusOK, v)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Add("Vary", "Accept-Encoding")
	gw := gzipPool.Get().(*gzip.Writer)
	gw.Reset(w)
	json.NewEncoder(gw).Encode(v)
	gw.Close()
	gzipPool.Put(gw)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, errorResponse{Error: message, Code: code})
}

// sendEngineError maps engine error kinds to HTTP status codes.
func (s *Server) sendEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, vfs.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, vfs.ErrConflict):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, vfs.ErrForbidden):
		s.sendError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, vfs.ErrInvalidInput):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
	default:
		logging.WithContext(r.Context()).Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), logging.Err(err))
		s.sendJSON(w, http.StatusInternalServerError, errorResponse{
			Error:     "internal error",
			Code:      http.StatusInternalServerError,
			RequestID: logging.GetRequestID(r.Context()),
		})
	}
}
