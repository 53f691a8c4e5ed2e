// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"discourse-login-bot/oauth"
	"discourse-login-bot/pkg/bridge"
	"discourse-login-bot/session"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

// Exchange runs the OAuth2 authorization-code flow.
type Exchange interface {
	Authorize(ctx context.Context, contactID uint32, clientID, redirectURI, state string) (string, error)
	Token(ctx context.Context, clientID, clientSecret, code string) (*oauth.TokenResponse, error)
}

// Relay forwards forum notifications into chat.
type Relay interface {
	ForumToChat(ctx context.Context, n *bridge.Notification) error
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server handles HTTP requests.
type Server struct {
	exchange       Exchange
	relay          Relay
	health         Pinger
	sessions       *session.Manager
	logger         *slog.Logger
	limiter        *limiterPool
	trustedProxies []netip.Prefix
	botAddress     string
	addr           string
}

// Config holds server configuration.
type Config struct {
	Exchange Exchange
	Relay    Relay
	// Health is checked by /health when set.
	Health   Pinger
	Sessions *session.Manager
	Logger   *slog.Logger
	// BotAddress is shown on the login page as the chat address to message.
	BotAddress string
	ListenAddr string
	Port       int
	// RequestsPerSecond limits /token and /login per client IP; zero means 2.
	RequestsPerSecond float64
	Burst             int
	// TrustedProxies may set X-Forwarded-For; other peers are rate limited by their own address.
	TrustedProxies []netip.Prefix
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		exchange:       cfg.Exchange,
		relay:          cfg.Relay,
		health:         cfg.Health,
		sessions:       cfg.Sessions,
		logger:         logger,
		limiter:        newLimiterPool(cfg.RequestsPerSecond, cfg.Burst),
		trustedProxies: cfg.TrustedProxies,
		botAddress:     cfg.BotAddress,
		addr:           net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.Port)),
	}
}

// Handler returns the router with every endpoint mounted.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/authorize", s.sessions.Require(http.HandlerFunc(s.handleAuthorize))).Methods(http.MethodGet)
	r.Handle("/token", s.limit(http.HandlerFunc(s.handleToken))).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)
	r.Handle("/login", s.limit(http.HandlerFunc(s.handleLogin))).Methods(http.MethodGet)
	r.HandleFunc("/login/status", s.handleLoginStatus).Methods(http.MethodGet)
	r.HandleFunc("/logout", s.handleLogout).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	// Configure server with timeouts to prevent resource exhaustion
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second, // webhook relays run inside the request
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Warn("Health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, err := fmt.Fprint(w, `{"status":"unhealthy"}`); err != nil {
				s.logger.Warn("Failed to write health response", "error", err)
			}
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func setPageHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:")
}
