package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:        "info",
			LogFormat:       "text",
			DefaultProvider: "anthropic",
		},
		Providers: map[string]ProviderConfig{
			"anthropic": {
				Enabled:     true,
				Kind:        "anthropic",
				Model:       "claude-sonnet-4-5",
				MaxTokens:   4096,
				Temperature: 0.7,
			},
		},
		Agent: AgentConfig{
			MaxSteps:           10,
			HistoryLimit:       50,
			MaxConcurrentTools: 1,
			MaxMessageLength:   4000,
		},
		Gmail: GmailConfig{
			APIBase:            "https://gmail.googleapis.com/",
			MaxAttempts:        3,
			BaseBackoffMs:      1000,
			MaxBackoffMs:       30000,
			CallTimeoutSeconds: 30,
		},
		OAuth: OAuthConfig{
			RedirectURL: "http://localhost:8080/v1/gmail/callback",
			AuthURL:     "https://accounts.google.com/o/oauth2/auth",
			TokenURL:    "https://oauth2.googleapis.com/token",
			RevokeURL:   "https://oauth2.googleapis.com/revoke",
			Scopes: []string{
				"https://www.googleapis.com/auth/gmail.readonly",
				"https://www.googleapis.com/auth/gmail.send",
				"https://www.googleapis.com/auth/gmail.modify",
			},
		},
		RateLimit: RateLimitConfig{
			Backend:       "memory",
			PerMinute:     100,
			WindowSeconds: 60,
			FailOpen:      true,
		},
		Storage: StorageConfig{
			DBPath: "~/.mailagent/mailagent.db",
		},
		API: APIConfig{
			Host:      "127.0.0.1",
			Port:      8080,
			JWTIssuer: "mailagent",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "mailagent",
		},
	}
}
