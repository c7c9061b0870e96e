package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for mailagent.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Providers map[string]ProviderConfig `json:"providers"`
	Agent     AgentConfig               `json:"agent"`
	Gmail     GmailConfig               `json:"gmail"`
	OAuth     OAuthConfig               `json:"oauth"`
	RateLimit RateLimitConfig           `json:"rateLimit"`
	Storage   StorageConfig             `json:"storage"`
	API       APIConfig                 `json:"api"`
	Metrics   MetricsConfig             `json:"metrics"`
	Tracing   TracingConfig             `json:"tracing"`
}

type GeneralConfig struct {
	LogLevel        string   `json:"logLevel"`
	LogFormat       string   `json:"logFormat,omitempty"` // "text" | "json"
	LogFile         string   `json:"logFile,omitempty"`
	DefaultProvider string   `json:"defaultProvider"`
	FailoverChain   []string `json:"failoverChain,omitempty"`
}

type ProviderConfig struct {
	Enabled     bool    `json:"enabled"`
	Kind        string  `json:"kind,omitempty"` // "anthropic" | "openai"; defaults to the provider name
	APIBase     string  `json:"apiBase,omitempty"`
	APIKey      string  `json:"apiKey,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type AgentConfig struct {
	MaxSteps           int    `json:"maxSteps"`
	HistoryLimit       int    `json:"historyLimit"`
	MaxConcurrentTools int    `json:"maxConcurrentTools"`
	MaxMessageLength   int    `json:"maxMessageLength"`
	SystemPromptExtra  string `json:"systemPromptExtra,omitempty"`
	// AllowedTools, when set, limits the tools offered to the model.
	AllowedTools []string `json:"allowedTools,omitempty"`
	DeniedTools  []string `json:"deniedTools,omitempty"`
}

type GmailConfig struct {
	APIBase            string `json:"apiBase"`
	MaxAttempts        int    `json:"maxAttempts"`
	BaseBackoffMs      int    `json:"baseBackoffMs"`
	MaxBackoffMs       int    `json:"maxBackoffMs"`
	CallTimeoutSeconds int    `json:"callTimeoutSeconds"`
}

func (g GmailConfig) BaseBackoff() time.Duration {
	return time.Duration(g.BaseBackoffMs) * time.Millisecond
}

func (g GmailConfig) MaxBackoff() time.Duration {
	return time.Duration(g.MaxBackoffMs) * time.Millisecond
}

func (g GmailConfig) CallTimeout() time.Duration {
	return time.Duration(g.CallTimeoutSeconds) * time.Second
}

type OAuthConfig struct {
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	RedirectURL  string   `json:"redirectUrl"`
	AuthURL      string   `json:"authUrl"`
	TokenURL     string   `json:"tokenUrl"`
	RevokeURL    string   `json:"revokeUrl"`
	Scopes       []string `json:"scopes"`
}

type RateLimitConfig struct {
	Backend       string `json:"backend"` // "memory" | "redis" | "sqlite"
	PerMinute     int    `json:"perMinute"`
	WindowSeconds int    `json:"windowSeconds"`
	RedisURL      string `json:"redisUrl,omitempty"`
	FailOpen      bool   `json:"failOpen"`
}

type StorageConfig struct {
	DBPath string `json:"dbPath"`
}

// APIConfig configures the inbound HTTP gateway.
type APIConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	JWTSecret string `json:"jwtSecret,omitempty"`
	JWTIssuer string `json:"jwtIssuer,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
	Endpoint    string `json:"endpoint,omitempty"` // OTLP/HTTP
}

// DefaultConfigDir returns the default config directory (~/.mailagent).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailagent"
	}
	return filepath.Join(home, ".mailagent")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML config file, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path when it exists and otherwise starts from Defaults
// with environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(ExpandPath(path)); err == nil {
		return Load(path)
	}
	cfg := Defaults()
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON decodes YAML into generic values and re-encodes them as JSON so
// a single set of struct tags serves both formats.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return json.Marshal(raw)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if cfg.Agent.MaxSteps < 1 || cfg.Agent.MaxSteps > 50 {
		errs = append(errs, "agent.maxSteps must be between 1 and 50")
	}
	if cfg.Agent.HistoryLimit < 0 {
		errs = append(errs, "agent.historyLimit must be >= 0")
	}
	if cfg.Agent.MaxConcurrentTools < 1 || cfg.Agent.MaxConcurrentTools > 16 {
		errs = append(errs, "agent.maxConcurrentTools must be between 1 and 16")
	}
	if cfg.Agent.MaxMessageLength < 1 {
		errs = append(errs, "agent.maxMessageLength must be >= 1")
	}

	if cfg.Gmail.APIBase == "" {
		errs = append(errs, "gmail.apiBase is required")
	}
	if cfg.Gmail.MaxAttempts < 1 || cfg.Gmail.MaxAttempts > 10 {
		errs = append(errs, "gmail.maxAttempts must be between 1 and 10")
	}
	if cfg.Gmail.BaseBackoffMs < 0 || cfg.Gmail.MaxBackoffMs < cfg.Gmail.BaseBackoffMs {
		errs = append(errs, "gmail.maxBackoffMs must be >= gmail.baseBackoffMs >= 0")
	}
	if cfg.Gmail.CallTimeoutSeconds < 1 {
		errs = append(errs, "gmail.callTimeoutSeconds must be >= 1")
	}

	switch cfg.RateLimit.Backend {
	case "memory", "sqlite":
	case "redis":
		if cfg.RateLimit.RedisURL == "" {
			errs = append(errs, "rateLimit.redisUrl is required for the redis backend")
		}
	default:
		errs = append(errs, "rateLimit.backend must be one of: memory, redis, sqlite")
	}
	if cfg.RateLimit.PerMinute < 1 {
		errs = append(errs, "rateLimit.perMinute must be >= 1")
	}
	if cfg.RateLimit.WindowSeconds < 1 {
		errs = append(errs, "rateLimit.windowSeconds must be >= 1")
	}

	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.dbPath is required")
	}
	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}

	if _, ok := cfg.Providers[cfg.General.DefaultProvider]; !ok && cfg.General.DefaultProvider != "" {
		errs = append(errs, fmt.Sprintf("general.defaultProvider references unknown provider: %s", cfg.General.DefaultProvider))
	}
	for _, provName := range cfg.General.FailoverChain {
		if _, ok := cfg.Providers[provName]; !ok {
			errs = append(errs, fmt.Sprintf("general.failoverChain references unknown provider: %s", provName))
		}
	}
	for name, pc := range cfg.Providers {
		switch pc.kind(name) {
		case "anthropic":
		case "openai":
			if pc.Enabled && pc.APIBase == "" {
				errs = append(errs, fmt.Sprintf("providers.%s: apiBase is required for openai-compatible providers", name))
			}
		default:
			errs = append(errs, fmt.Sprintf("providers.%s: kind must be anthropic or openai", name))
		}
		if pc.Temperature < 0 || pc.Temperature > 2 {
			errs = append(errs, fmt.Sprintf("providers.%s: temperature must be between 0 and 2", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ProviderKind returns the adapter kind for a provider entry.
func (pc ProviderConfig) ProviderKind(name string) string {
	return pc.kind(name)
}

func (pc ProviderConfig) kind(name string) string {
	if pc.Kind != "" {
		return pc.Kind
	}
	switch name {
	case "claude", "anthropic":
		return "anthropic"
	default:
		return "openai"
	}
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
