// Package server exposes the inference gateway over HTTP.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MeKo-Tech/leafy/internal/gateway"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultUserHeader carries the authenticated user id set by the fronting proxy.
const DefaultUserHeader = "X-User-ID"

// Server holds the HTTP server state and dependencies.
type Server struct {
	gw          *gateway.Gateway
	corsOrigin  string
	userHeader  string
	rateLimiter *RateLimiter
	logger      *slog.Logger
}

// Config holds server configuration.
type Config struct {
	CORSOrigin string
	// UserHeader names the request header holding the caller's user id.
	UserHeader string
	RateLimit  RateLimitConfig
	Logger     *slog.Logger
}

// RateLimitConfig holds per-client limits. Zero disables a limit.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	RequestsPerHour   int
	MaxRequestsPerDay int
	MaxDataPerDay     int64 // bytes
}

// NewServer creates a server for gw.
func NewServer(gw *gateway.Gateway, config Config) (*Server, error) {
	if gw == nil {
		return nil, errors.New("server requires a gateway")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	header := strings.TrimSpace(config.UserHeader)
	if header == "" {
		header = DefaultUserHeader
	}

	s := &Server{
		gw:         gw,
		corsOrigin: config.CORSOrigin,
		userHeader: http.CanonicalHeaderKey(header),
		logger:     config.Logger,
	}
	if rl := config.RateLimit; rl.Enabled {
		s.rateLimiter = NewRateLimiter(rl.RequestsPerMinute, rl.RequestsPerHour, rl.MaxRequestsPerDay, rl.MaxDataPerDay)
	}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return mux
}

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.Handle("GET /health", s.wrap(s.healthHandler))
	mux.Handle("GET /ready", s.wrap(s.readyHandler))
	mux.Handle("GET /metrics", s.wrap(promhttp.Handler().ServeHTTP))
	mux.Handle("GET /crops", s.wrap(s.cropsHandler))
	mux.Handle("GET /disease-info/{name}", s.wrap(s.diseaseInfoHandler))

	mux.Handle("POST /detect", s.wrap(s.limited(s.detectHandler)))
	mux.Handle("POST /detect/anonymous", s.wrap(s.limited(s.detectAnonymousHandler)))
	mux.Handle("POST /classify", s.wrap(s.limited(s.classifyHandler)))
	mux.Handle("POST /validate-leaf", s.wrap(s.limited(s.validateLeafHandler)))
	mux.Handle("POST /treatment", s.wrap(s.limited(s.treatmentHandler)))

	mux.Handle("GET /detections", s.wrap(s.listDetectionsHandler))
	mux.Handle("DELETE /detections", s.wrap(s.deleteDetectionsHandler))

	// Preflight requests for any route.
	mux.Handle("OPTIONS /", s.wrap(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

// wrap applies the middleware shared by every route, outermost first.
func (s *Server) wrap(h http.HandlerFunc) http.Handler {
	return s.requestIDMiddleware(s.observeMiddleware(s.recoveryMiddleware(s.corsMiddleware(h))))
}

// limited adds per-client rate limiting to inference routes.
func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	return s.rateLimitMiddleware(h)
}
