// Package authority is a reference implementation of the remote authority:
// it accepts one configured set of credentials and serves one session
// policy.
package authority

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/entrhq/secure-browser/pkg/logging"
	"github.com/entrhq/secure-browser/pkg/types"
)

const maxRequestBytes = 64 << 10

// Server holds the authority's handlers.
type Server struct {
	cfg     Config
	logger  logging.Interface
	limiter *rate.Limiter
}

// NewServer creates a Server. A nil logger discards output.
func NewServer(cfg Config, logger logging.Interface) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	if err := cfg.Policy.Validate(); err != nil {
		logger.Warnf("Serving a policy clients will reject: %v", err)
	}

	s := &Server{cfg: cfg, logger: logger}
	if cfg.RateLimit.PerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.PerSecond), cfg.RateLimit.Burst)
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware)

	router.Post("/authenticate", s.handleAuthenticate)
	router.Get("/browser-settings", s.handleBrowserSettings)
	router.Get("/healthz", s.handleHealthz)
	return router
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusTooManyRequests, errors.New("too many authentication attempts"))
		return
	}

	var creds types.Credentials
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&creds); err != nil {
		s.logger.Warnf("Rejected malformed authenticate request: %v", err)
		respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	if !s.accepts(creds) {
		s.logger.Infof("Authentication failed for user %q", creds.Username)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	s.logger.Infof("Authentication succeeded for user %q", creds.Username)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleBrowserSettings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.cfg.Policy)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// accepts compares both fields in constant time and always checks both.
func (s *Server) accepts(creds types.Credentials) bool {
	userOK := subtle.ConstantTimeCompare([]byte(creds.Username), []byte(s.cfg.Username))
	passOK := subtle.ConstantTimeCompare([]byte(creds.Password), []byte(s.cfg.Password))
	return userOK&passOK == 1
}

// corsMiddleware allows any origin, method and header.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
			w.Header().Set("Access-Control-Allow-Headers", requested)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "*")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
