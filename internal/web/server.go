package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"playerhub/internal/fleet"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication on /api/ routes.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string reported by the API.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithTokenVerifier replaces the default presence-only handshake token
// check with an external verifier.
func WithTokenVerifier(v TokenVerifier) ServerOption {
	return func(s *Server) {
		s.verifier = v
	}
}

// WithMetricsRegistry sets the registry served at /metrics. Defaults to
// the prometheus default registry.
func WithMetricsRegistry(reg *prometheus.Registry) ServerOption {
	return func(s *Server) {
		s.metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
}

// Server is the HTTP surface of playerhub: the player WebSocket endpoint
// and the management REST API.
type Server struct {
	fleet          *fleet.Fleet
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	verifier       TokenVerifier
	metricsHandler http.Handler

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates the web server around a fleet.
func NewServer(f *fleet.Fleet, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		fleet:          f,
		logger:         logger.With("component", "web"),
		mux:            http.NewServeMux(),
		verifier:       presenceOnlyVerifier{},
		metricsHandler: promhttp.Handler(),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Stop signals connection pumps to wind down and waits for them.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *Server) routes() {
	// Player transport
	s.mux.HandleFunc("GET /ws", s.handleWS)

	// REST API
	s.mux.HandleFunc("POST /api/players", s.handleAPICreatePlayer)
	s.mux.HandleFunc("GET /api/players", s.handleAPIListPlayers)
	s.mux.HandleFunc("GET /api/players/{id}", s.handleAPIGetPlayer)
	s.mux.HandleFunc("PATCH /api/players/{id}", s.handleAPIUpdatePlayer)
	s.mux.HandleFunc("DELETE /api/players/{id}", s.handleAPIDeletePlayer)
	s.mux.HandleFunc("POST /api/players/{id}/pair", s.handleAPIIssuePairingCode)
	s.mux.HandleFunc("GET /api/players/{id}/sessions", s.handleAPIListSessions)

	// Commands
	s.mux.HandleFunc("POST /api/players/{id}/command", s.handleAPICommand)
	s.mux.HandleFunc("POST /api/players/{id}/pause", s.commandHandler(func(*http.Request) (fleet.Command, error) {
		return fleet.Pause(), nil
	}))
	s.mux.HandleFunc("POST /api/players/{id}/resume", s.commandHandler(func(*http.Request) (fleet.Command, error) {
		return fleet.Resume(), nil
	}))
	s.mux.HandleFunc("POST /api/players/{id}/skip", s.commandHandler(func(*http.Request) (fleet.Command, error) {
		return fleet.Skip(), nil
	}))
	s.mux.HandleFunc("POST /api/players/{id}/stop", s.commandHandler(func(*http.Request) (fleet.Command, error) {
		return fleet.Stop(), nil
	}))
	s.mux.HandleFunc("POST /api/players/{id}/volume", s.handleAPISetVolume)
	s.mux.HandleFunc("POST /api/players/{id}/play-ad", s.handleAPIPlayAd)
	s.mux.HandleFunc("POST /api/players/{id}/play-tts", s.handleAPIPlayTTS)

	// Operational
	s.mux.HandleFunc("GET /api/presence", s.handleAPIPresence)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	s.mux.Handle("GET /metrics", s.metricsHandler)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Only /api/ routes require the key. The WebSocket handshake carries
		// its own token and players cannot send custom headers on upgrade.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
