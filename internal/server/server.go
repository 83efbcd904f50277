package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/statement-digitizer/internal/logger"
)

// Server handles HTTP requests for extraction and review
type Server struct {
	service   *Service
	ledger    Ledger
	basicAuth BasicAuth
	mux       *http.ServeMux

	uploadLimit int64
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, ledger Ledger, basicAuth BasicAuth) *Server {
	return NewServerWithMux(service, ledger, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, ledger Ledger, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		service:   service,
		ledger:    ledger,
		basicAuth: basicAuth,
		mux:       mux,

		uploadLimit: maxUploadSize,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.basicAuth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.basicAuth.Password)) == 1
	return userOK && passOK
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger attaches a logger carrying a request id to the context
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		l := slog.Default().With("request_id", uuid.NewString(), "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(logger.ToContext(r.Context(), l)))
		l.Debug("Request handled", "elapsed_ms", time.Since(start).Milliseconds())
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Statement Digitizer"`)
			corsError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /static/app.js", s.requireAuth(s.handleStaticJS))

	s.mux.HandleFunc("POST /api/extract", s.requireAuth(s.handleExtract))
	s.mux.HandleFunc("POST /api/export", s.requireAuth(s.handleExportTable))
	s.mux.HandleFunc("GET /api/uploads/{name}", s.requireAuth(s.handleGetUpload))

	s.mux.HandleFunc("GET /api/transactions/export", s.requireAuth(s.handleExportTransactions))
	s.mux.HandleFunc("POST /api/transactions/categorize", s.requireAuth(s.handleCategorize))
	s.mux.HandleFunc("POST /api/transactions/{id}/category", s.requireAuth(s.handleSetCategory))
	s.mux.HandleFunc("GET /api/transactions", s.requireAuth(s.handleListTransactions))
	s.mux.HandleFunc("GET /api/summary", s.requireAuth(s.handleSummary))

	s.mux.HandleFunc("GET /api/categories", s.requireAuth(s.handleListCategories))
	s.mux.HandleFunc("POST /api/categories", s.requireAuth(s.handleAddCategory))
	s.mux.HandleFunc("DELETE /api/categories/{name}", s.requireAuth(s.handleDeleteCategory))

	s.mux.HandleFunc("GET /api/rules", s.requireAuth(s.handleListRules))
	s.mux.HandleFunc("POST /api/rules", s.requireAuth(s.handleAddRule))
	s.mux.HandleFunc("DELETE /api/rules/{id}", s.requireAuth(s.handleDeleteRule))

	// Static HTML interface (register last as it's the catch-all)
	s.mux.HandleFunc("GET /index.html", s.requireAuth(s.handleIndex))
	s.mux.HandleFunc("GET /{$}", s.requireAuth(s.handleIndex))
}

// Handler returns the full middleware chain
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.requestLogger(s.mux))
}

// NewHTTPServer wraps the handler with timeouts suited to slow model calls
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}
