package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "MODEL", "OPENAI_URL", "PORT", "MCPBRIDGE_POLICY"} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 8765 || cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Sessions.Driver != "sqlite" || cfg.Sessions.MaxRecords != 500 {
		t.Errorf("unexpected session defaults: %+v", cfg.Sessions)
	}
	if cfg.Robots.CacheTTL != 10*time.Minute || cfg.Robots.Timeout != 5*time.Second {
		t.Errorf("unexpected robots defaults: %+v", cfg.Robots)
	}
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "mcpbridge.yaml", `
server:
  http_port: 9000
mcp:
  id: scraper
  command: node
  args: [server.js]
  timeout: 45s
llm:
  provider: anthropic
sessions:
  driver: memory
policy:
  watch: true
  defaults:
    denyDomains: [blocked.com]
    maxStepsPerRun: 3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 9000 || cfg.MCP.Command != "node" || cfg.MCP.Timeout != 45*time.Second {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.LLM.Model != "claude-sonnet-4-20250514" {
		t.Errorf("anthropic default model = %q", cfg.LLM.Model)
	}
	if cfg.Policy.Defaults == nil || cfg.Policy.Defaults.MaxStepsPerRun != 3 || cfg.Policy.Defaults.DenyDomains[0] != "blocked.com" {
		t.Errorf("policy defaults = %+v", cfg.Policy.Defaults)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "bad.yaml", "server:\n  host: 0.0.0.0\n  extra: true\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadJSON5WithInclude(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte("logging:\n  level: debug\n  format: text\nserver:\n  http_port: 7000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	main := filepath.Join(dir, "main.json5")
	content := `{
  // comments are allowed
  "$include": "base.yaml",
  server: {http_port: 7100},
  sessions: {driver: "memory"},
}`
	if err := os.WriteFile(main, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("included values missing: %+v", cfg.Logging)
	}
	if cfg.Server.HTTPPort != 7100 {
		t.Errorf("including file should win, port = %d", cfg.Server.HTTPPort)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	_ = os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644)
	_ = os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644)

	_, err := Load(a)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("MODEL", "gpt-4.1")
	t.Setenv("OPENAI_URL", "https://llm.internal/v1/chat/completions")
	t.Setenv("PORT", "9999")
	t.Setenv("MCPBRIDGE_POLICY", "/etc/mcpbridge/policy.yaml")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.APIKey != "sk-test" || cfg.LLM.Model != "gpt-4.1" {
		t.Errorf("llm overrides = %+v", cfg.LLM)
	}
	if cfg.LLM.BaseURL != "https://llm.internal/v1" {
		t.Errorf("BaseURL = %q", cfg.LLM.BaseURL)
	}
	if cfg.Server.HTTPPort != 9999 || cfg.Policy.Path != "/etc/mcpbridge/policy.yaml" {
		t.Errorf("server/policy overrides = %d %q", cfg.Server.HTTPPort, cfg.Policy.Path)
	}
}

func TestExpandEnv(t *testing.T) {
	lookup := func(key string) (string, bool) {
		if key == "SET" {
			return "value", true
		}
		return "", false
	}
	got := expandEnv("a=${SET} b=${UNSET:-fallback} c=${UNSET} d=$include", lookup)
	if got != "a=value b=fallback c= d=$include" {
		t.Errorf("expandEnv() = %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"provider", func(c *Config) { c.LLM.Provider = "bedrock" }, "llm.provider"},
		{"driver", func(c *Config) { c.Sessions.Driver = "mongo" }, "sessions.driver"},
		{"postgres dsn", func(c *Config) { c.Sessions.Driver = "postgres"; c.Sessions.DSN = "" }, "sessions.dsn"},
		{"format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"mcp", func(c *Config) { c.MCP.Command = "node"; c.MCP.Args = []string{"a && b"} }, "mcp"},
		{"sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, "sampling_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %s", err, tt.want)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestValidateVersion(t *testing.T) {
	if err := ValidateVersion(CurrentVersion); err != nil {
		t.Errorf("current version rejected: %v", err)
	}
	path := writeConfig(t, "v.yaml", "version: 99\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "newer") {
		t.Errorf("expected newer-version error, got %v", err)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	for _, key := range []string{"http_port", "max_records", "prune_schedule", "sampling_rate"} {
		if !strings.Contains(string(data), key) {
			t.Errorf("schema missing %s", key)
		}
	}
}

func TestLoadExampleConfig(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join("..", "..", "examples", "mcpbridge.yaml"))
	if err != nil {
		t.Fatalf("Load(example) error = %v", err)
	}
	if cfg.MCP.Command != "node" || cfg.Policy.Defaults == nil {
		t.Fatalf("unexpected example config: %+v", cfg)
	}
	if got := cfg.Policy.Defaults.PerToolCallCaps["batch_scrape"]; got != 2 {
		t.Errorf("perToolCallCaps[batch_scrape] = %d", got)
	}
	if cfg.Sessions.Retention != 720*time.Hour || cfg.Policy.Debounce != 250*time.Millisecond {
		t.Errorf("durations = %v %v", cfg.Sessions.Retention, cfg.Policy.Debounce)
	}
}

func TestLoadResolvesPathsAgainstDeclaringFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	shared := filepath.Join(dir, "shared")
	if err := os.MkdirAll(shared, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(shared, "policy.yaml"), []byte("policy:\n  path: guardrails.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	main := filepath.Join(dir, "mcpbridge.yaml")
	content := `$include: shared/policy.yaml
sessions:
  driver: sqlite
  dsn: data/sessions.db
mcp:
  workdir: /srv/tools
`
	if err := os.WriteFile(main, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if want := filepath.Join(shared, "guardrails.yaml"); cfg.Policy.Path != want {
		t.Errorf("policy.path = %q, want %q", cfg.Policy.Path, want)
	}
	if want := filepath.Join(dir, "data", "sessions.db"); cfg.Sessions.DSN != want {
		t.Errorf("sessions.dsn = %q, want %q", cfg.Sessions.DSN, want)
	}
	if cfg.MCP.WorkDir != "/srv/tools" {
		t.Errorf("absolute workdir changed: %q", cfg.MCP.WorkDir)
	}
}

func TestResolveFilePathsSkipsNonFileValues(t *testing.T) {
	raw := map[string]any{
		"sessions": map[string]any{"driver": "postgres", "dsn": "relative-looking"},
		"policy":   map[string]any{"path": "file:policy.yaml"},
	}
	resolveFilePaths(raw, "/etc/mcpbridge")
	if got := raw["sessions"].(map[string]any)["dsn"]; got != "relative-looking" {
		t.Errorf("postgres dsn rewritten: %v", got)
	}
	for _, v := range []string{"postgres://u@h/db", "host=db user=x", ":memory:", "/abs/x.db", ""} {
		if isRelativeFilePath(v) {
			t.Errorf("isRelativeFilePath(%q) = true", v)
		}
	}
	if !isRelativeFilePath("data/sessions.db") {
		t.Error("expected relative path")
	}
}
