// Package api is the inbound HTTP surface: chat, conversation history,
// mail account connection and rate-limit usage.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"mailagent/internal/agent"
	"mailagent/internal/domain"
	"mailagent/internal/ratelimit"
	"mailagent/internal/telemetry"
)

const (
	maxBodySize     = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// ChatService is the conversation side of the agent.
type ChatService interface {
	Chat(ctx context.Context, userID, message, conversationID string) (agent.ChatResponse, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error)
	GetConversation(ctx context.Context, id, userID string) (*domain.Conversation, error)
	DeleteConversation(ctx context.Context, id, userID string) error
}

// Accounts manages the user's mail account connection.
type Accounts interface {
	Authorize(ctx context.Context, userID string) (authURL, state string)
	ResolveState(state string) (string, error)
	CompleteAuthorization(ctx context.Context, userID, code string) (*domain.Credential, error)
	Revoke(ctx context.Context, userID string) error
	Status(ctx context.Context, userID string) (*domain.Credential, error)
}

// UsageReader reports rate-limit consumption.
type UsageReader interface {
	Usage(ctx context.Context, identity string) (int, ratelimit.Decision, error)
	Limit() int
}

// Instrumenter wraps handlers with request metrics.
type Instrumenter interface {
	Middleware(route string, next http.Handler) http.Handler
	Handler() http.Handler
}

type Config struct {
	Addr     string
	Auth     *Authenticator
	Chat     ChatService
	Accounts Accounts
	Usage    UsageReader
	// Metrics is optional; when set, /metrics is served and routes are instrumented.
	Metrics     Instrumenter
	MetricsPath string
	// Health reports readiness for /healthz; nil means always healthy.
	Health      func(ctx context.Context) error
	ChatTimeout time.Duration
	Logger      *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
	server *http.Server
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = 120 * time.Second
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{cfg: cfg, logger: cfg.Logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	authed := func(route string, h http.HandlerFunc) {
		s.handle(route, s.cfg.Auth.Middleware(h))
	}
	authed("POST /v1/chat", s.handleChat)
	authed("GET /v1/conversations", s.handleListConversations)
	authed("GET /v1/conversations/{id}", s.handleGetConversation)
	authed("DELETE /v1/conversations/{id}", s.handleDeleteConversation)
	authed("GET /v1/gmail/connect", s.handleConnect)
	authed("POST /v1/gmail/revoke", s.handleRevoke)
	authed("GET /v1/gmail/status", s.handleStatus)
	authed("GET /v1/rate-limit", s.handleUsage)

	// The authorization server redirects the browser here without a token;
	// the state parameter identifies the user.
	s.handle("GET /v1/gmail/callback", http.HandlerFunc(s.handleCallback))
	s.handle("GET /healthz", http.HandlerFunc(s.handleHealth))

	if s.cfg.Metrics != nil {
		s.mux.Handle("GET "+s.cfg.MetricsPath, s.cfg.Metrics.Handler())
	}
}

func (s *Server) handle(route string, h http.Handler) {
	if s.cfg.Metrics != nil {
		h = s.cfg.Metrics.Middleware(route, h)
	}
	s.mux.Handle(route, h)
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.withRequestID(s.mux)
}

// withRequestID binds a request id and a scoped logger to every request.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := telemetry.WithRequestID(r.Context(), id)
		ctx = telemetry.WithLogger(ctx, s.logger.With("request_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.cfg.ChatTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server started", "addr", s.cfg.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
