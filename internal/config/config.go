package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/mcpbridge/internal/guardrails"
	"github.com/haasonsaas/mcpbridge/internal/mcp"
)

// Config is the main configuration structure for mcpbridge.
type Config struct {
	Version  int              `yaml:"version"`
	Server   ServerConfig     `yaml:"server"`
	MCP      mcp.ServerConfig `yaml:"mcp"`
	LLM      LLMConfig        `yaml:"llm"`
	Policy   PolicyConfig     `yaml:"policy"`
	Sessions SessionsConfig   `yaml:"sessions"`
	Robots   RobotsConfig     `yaml:"robots"`
	Logging  LoggingConfig    `yaml:"logging"`
	Tracing  TracingConfig    `yaml:"tracing"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`

	// ReadTimeout bounds reading a request. Responses are not bounded so
	// that chat streams can run for the length of an agent run.
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AllowedOrigins lists browser origins permitted by CORS. "*" allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

type LLMConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "anthropic".
	Provider   string        `yaml:"provider"`
	Model      string        `yaml:"model"`
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	System     string        `yaml:"system"`
	MaxTokens  int           `yaml:"max_tokens"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

type PolicyConfig struct {
	// Path is the persisted policy file (.yaml, .json or .json5).
	Path     string        `yaml:"path"`
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`

	// Defaults seeds the policy when Path does not exist yet.
	Defaults *guardrails.Policy `yaml:"defaults"`
}

type SessionsConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver     string `yaml:"driver"`
	DSN        string `yaml:"dsn"`
	MaxRecords int    `yaml:"max_records"`

	// Retention prunes records older than this on PruneSchedule. Zero
	// disables age-based pruning.
	Retention     time.Duration `yaml:"retention"`
	PruneSchedule string        `yaml:"prune_schedule"`
}

type RobotsConfig struct {
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns a configuration with every default applied and no file.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

// Load reads the configuration file at path, resolving $include directives
// and ${ENV} references, then applies defaults, environment overrides and
// validation. An empty path loads defaults plus the environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg, err = decodeRawConfig(raw)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8765
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MCP.ID == "" {
		cfg.MCP.ID = "default"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Model == "" {
		if cfg.LLM.Provider == "anthropic" {
			cfg.LLM.Model = "claude-sonnet-4-20250514"
		} else {
			cfg.LLM.Model = "gpt-4o-mini"
		}
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 2 * time.Minute
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.Policy.Path == "" {
		cfg.Policy.Path = "data/guardrails.json"
	}
	if cfg.Policy.Debounce == 0 {
		cfg.Policy.Debounce = 250 * time.Millisecond
	}
	if cfg.Sessions.Driver == "" {
		cfg.Sessions.Driver = "sqlite"
	}
	if cfg.Sessions.Driver == "sqlite" && cfg.Sessions.DSN == "" {
		cfg.Sessions.DSN = "data/sessions.db"
	}
	if cfg.Sessions.MaxRecords == 0 {
		cfg.Sessions.MaxRecords = 500
	}
	if cfg.Sessions.PruneSchedule == "" {
		cfg.Sessions.PruneSchedule = "@hourly"
	}
	if cfg.Robots.UserAgent == "" {
		cfg.Robots.UserAgent = "mcpbridge"
	}
	if cfg.Robots.Timeout == 0 {
		cfg.Robots.Timeout = 5 * time.Second
	}
	if cfg.Robots.CacheTTL == 0 {
		cfg.Robots.CacheTTL = 10 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "mcpbridge"
	}
}

// applyEnvOverrides lets the usual provider variables win over the file.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	switch cfg.LLM.Provider {
	case "anthropic":
		if v, ok := get("ANTHROPIC_API_KEY"); ok {
			cfg.LLM.APIKey = v
		}
	default:
		if v, ok := get("OPENAI_API_KEY"); ok {
			cfg.LLM.APIKey = v
		}
		if v, ok := get("OPENAI_URL"); ok {
			cfg.LLM.BaseURL = normalizeOpenAIURL(v)
		}
	}
	if v, ok := get("MODEL"); ok {
		cfg.LLM.Model = v
	}
	if v, ok := get("PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = port
		}
	}
	if v, ok := get("MCPBRIDGE_POLICY"); ok {
		cfg.Policy.Path = v
	}
}

// normalizeOpenAIURL accepts either a base URL or the full chat completions
// endpoint and returns the base URL.
func normalizeOpenAIURL(u string) string {
	u = strings.TrimRight(u, "/")
	return strings.TrimSuffix(u, "/chat/completions")
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var issues []string

	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		issues = append(issues, "server.http_port must be between 0 and 65535")
	}
	if strings.TrimSpace(c.MCP.Command) != "" {
		if err := c.MCP.Validate(); err != nil {
			issues = append(issues, "mcp: "+err.Error())
		}
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		issues = append(issues, fmt.Sprintf("llm.provider %q must be openai or anthropic", c.LLM.Provider))
	}
	if c.LLM.MaxTokens < 0 {
		issues = append(issues, "llm.max_tokens must be >= 0")
	}
	if c.LLM.MaxRetries < 0 {
		issues = append(issues, "llm.max_retries must be >= 0")
	}
	if c.Policy.Defaults != nil {
		if err := c.Policy.Defaults.Validate(); err != nil {
			issues = append(issues, "policy.defaults: "+err.Error())
		}
	}
	switch c.Sessions.Driver {
	case "memory":
	case "sqlite", "postgres":
		if strings.TrimSpace(c.Sessions.DSN) == "" {
			issues = append(issues, "sessions.dsn is required for driver "+c.Sessions.Driver)
		}
	default:
		issues = append(issues, fmt.Sprintf("sessions.driver %q must be memory, sqlite or postgres", c.Sessions.Driver))
	}
	if c.Sessions.MaxRecords < 0 {
		issues = append(issues, "sessions.max_records must be >= 0")
	}
	if c.Sessions.Retention < 0 {
		issues = append(issues, "sessions.retention must be >= 0")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(issues, "; "))
	}
	return nil
}
