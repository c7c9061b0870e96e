package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"mailagent/internal/agent"
	"mailagent/internal/api"
	"mailagent/internal/config"
	"mailagent/internal/credential"
	"mailagent/internal/gmail"
	"mailagent/internal/metrics"
	"mailagent/internal/provider"
	"mailagent/internal/ratelimit"
	"mailagent/internal/retry"
	"mailagent/internal/storage"
	"mailagent/internal/tool"
)

// app holds the wired components shared by serve and the local commands.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       *storage.Store
	recorder    *metrics.Recorder
	limiter     *ratelimit.Limiter
	credentials *credential.Manager
	mail        *gmail.Client
	tools       *tool.Registry
	service     *agent.Service
	auth        *api.Authenticator

	// purgeCounters is set when the SQLite store backs the rate limiter.
	purgeCounters bool
	closers       []io.Closer
}

// newApp opens storage and wires the rate limiter, credential manager, mail
// client, tool registry and chat service. The model provider is only
// resolved when withAgent is true so account commands work without one.
func newApp(cfg *config.Config, logger *slog.Logger, withAgent bool) (*app, error) {
	store, err := storage.Open(cfg.Storage.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		recorder: metrics.New(),
		auth:     api.NewAuthenticator(cfg.API.JWTSecret, cfg.API.JWTIssuer),
		closers:  []io.Closer{store},
	}

	counters, err := a.counterStore()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.limiter = ratelimit.New(ratelimit.Config{
		Store:    counters,
		Limit:    cfg.RateLimit.PerMinute,
		Window:   time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
		FailOpen: cfg.RateLimit.FailOpen,
		Observer: a.recorder,
		Logger:   logger,
	})

	authority := credential.NewOAuthAuthority(credential.OAuthConfig{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.OAuth.RedirectURL,
		AuthURL:      cfg.OAuth.AuthURL,
		TokenURL:     cfg.OAuth.TokenURL,
		RevokeURL:    cfg.OAuth.RevokeURL,
		Scopes:       cfg.OAuth.Scopes,
	})
	a.credentials = credential.NewManager(credential.ManagerConfig{
		Repository: store,
		Authority:  authority,
		Observer:   a.recorder,
		Logger:     logger,
	})

	a.mail = gmail.New(gmail.Config{
		BaseURL:     cfg.Gmail.APIBase,
		Credentials: a.credentials,
		Limiter:     a.limiter,
		Policy: retry.Policy{
			MaxAttempts: cfg.Gmail.MaxAttempts,
			BaseDelay:   cfg.Gmail.BaseBackoff(),
			MaxDelay:    cfg.Gmail.MaxBackoff(),
		},
		CallTimeout: cfg.Gmail.CallTimeout(),
		Observer:    a.recorder,
		Logger:      logger,
	})

	a.tools = tool.NewRegistry(logger)
	tool.RegisterMailTools(a.tools, a.mail)

	if withAgent {
		if err := a.wireAgent(); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) counterStore() (ratelimit.CounterStore, error) {
	switch a.cfg.RateLimit.Backend {
	case "redis":
		rs, err := ratelimit.NewRedisStoreFromURL(a.cfg.RateLimit.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("rate limit redis: %w", err)
		}
		a.closers = append(a.closers, rs)
		return rs, nil
	case "sqlite":
		a.purgeCounters = true
		return a.store, nil
	default:
		return ratelimit.NewMemoryStore(), nil
	}
}

func (a *app) wireAgent() error {
	factory := provider.NewFactory(a.cfg, a.logger)
	p, err := factory.Chain()
	if err != nil {
		return fmt.Errorf("inference provider: %w", err)
	}
	model, maxTokens, temperature := factory.Settings("")

	filter := agent.NewToolFilter(a.cfg.Agent.AllowedTools, a.cfg.Agent.DeniedTools)
	loop := agent.NewLoop(agent.LoopConfig{
		Provider:           p,
		Tools:              filter.Wrap(a.tools),
		Prompt:             agent.NewPromptBuilder(a.cfg.Agent.SystemPromptExtra, a.cfg.Agent.HistoryLimit),
		Model:              model,
		MaxTokens:          maxTokens,
		Temperature:        temperature,
		MaxSteps:           a.cfg.Agent.MaxSteps,
		MaxConcurrentTools: a.cfg.Agent.MaxConcurrentTools,
		Observer:           a.recorder,
		Logger:             a.logger,
	})
	a.service = agent.NewService(agent.ServiceConfig{
		Loop:             loop,
		Store:            a.store,
		MaxMessageLength: a.cfg.Agent.MaxMessageLength,
		Logger:           a.logger,
	})
	a.logger.Info("agent ready", "provider", p.Name(), "model", model, "tools", len(filter.FilterDefinitions(a.tools.GetDefinitions())))
	return nil
}

// server builds the HTTP gateway. Requires an app built withAgent.
func (a *app) server() *api.Server {
	cfg := api.Config{
		Addr:     net.JoinHostPort(a.cfg.API.Host, strconv.Itoa(a.cfg.API.Port)),
		Auth:     a.auth,
		Chat:     a.service,
		Accounts: a.credentials,
		Usage:    a.limiter,
		Health: func(ctx context.Context) error {
			return a.store.Ping()
		},
		Logger: a.logger,
	}
	if a.cfg.Metrics.Enabled {
		cfg.Metrics = a.recorder
		cfg.MetricsPath = a.cfg.Metrics.Path
	}
	return api.NewServer(cfg)
}

// runCounterPurge deletes expired SQLite rate-limit windows until ctx ends.
func (a *app) runCounterPurge(ctx context.Context, every time.Duration) {
	if !a.purgeCounters {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.store.PurgeExpiredCounters(ctx)
			if err != nil {
				a.logger.Warn("counter purge failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Debug("purged expired counters", "count", n)
			}
		}
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}
