package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides lists the settings that may be supplied through the process
// environment. Unset variables leave the file value untouched.
type envOverrides struct {
	LogLevel           string   `env:"MAILAGENT_LOG_LEVEL"`
	DBPath             string   `env:"MAILAGENT_DB_PATH"`
	APIHost            string   `env:"MAILAGENT_API_HOST"`
	APIPort            int      `env:"MAILAGENT_API_PORT"`
	JWTSecret          string   `env:"MAILAGENT_JWT_SECRET"`
	OAuthClientID      string   `env:"GOOGLE_CLIENT_ID"`
	OAuthClientSecret  string   `env:"GOOGLE_CLIENT_SECRET"`
	OAuthRedirectURL   string   `env:"GOOGLE_REDIRECT_URI"`
	RateLimitBackend   string   `env:"MAILAGENT_RATE_LIMIT_BACKEND"`
	RateLimitPerMinute int      `env:"RATE_LIMIT_PER_MINUTE"`
	RedisURL           string   `env:"REDIS_URL"`
	DefaultProvider    string   `env:"MAILAGENT_PROVIDER"`
	FailoverChain      []string `env:"MAILAGENT_FAILOVER_CHAIN" envSeparator:","`
	AnthropicAPIKey    string   `env:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey       string   `env:"OPENAI_API_KEY"`
	OTLPEndpoint       string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	setString(&cfg.General.LogLevel, o.LogLevel)
	setString(&cfg.Storage.DBPath, o.DBPath)
	setString(&cfg.API.Host, o.APIHost)
	if o.APIPort != 0 {
		cfg.API.Port = o.APIPort
	}
	setString(&cfg.API.JWTSecret, o.JWTSecret)
	setString(&cfg.OAuth.ClientID, o.OAuthClientID)
	setString(&cfg.OAuth.ClientSecret, o.OAuthClientSecret)
	setString(&cfg.OAuth.RedirectURL, o.OAuthRedirectURL)
	setString(&cfg.RateLimit.Backend, o.RateLimitBackend)
	if o.RateLimitPerMinute != 0 {
		cfg.RateLimit.PerMinute = o.RateLimitPerMinute
	}
	if o.RedisURL != "" {
		cfg.RateLimit.RedisURL = o.RedisURL
	}
	setString(&cfg.General.DefaultProvider, o.DefaultProvider)
	setString(&cfg.Tracing.Endpoint, o.OTLPEndpoint)
	if len(o.FailoverChain) > 0 {
		cfg.General.FailoverChain = o.FailoverChain
	}

	for name, pc := range cfg.Providers {
		if pc.APIKey != "" {
			continue
		}
		switch pc.ProviderKind(name) {
		case "anthropic":
			pc.APIKey = o.AnthropicAPIKey
		case "openai":
			pc.APIKey = o.OpenAIAPIKey
		}
		cfg.Providers[name] = pc
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
