package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/mcpbridge/internal/guardrails"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"serve", "tools", "call", "chat", "policy", "sessions", "config"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestParseToolArgs(t *testing.T) {
	args, err := parseToolArgs([]string{"url=https://example.com", "depth=2", "tags=[\"a\"]"}, `{"depth":1,"lang":"en"}`)
	if err != nil {
		t.Fatalf("parseToolArgs() error = %v", err)
	}
	if args["url"] != "https://example.com" || args["depth"] != float64(2) || args["lang"] != "en" {
		t.Errorf("args = %v", args)
	}
	if tags, ok := args["tags"].([]any); !ok || len(tags) != 1 {
		t.Errorf("tags = %#v", args["tags"])
	}

	if _, err := parseToolArgs([]string{"novalue"}, ""); err == nil {
		t.Error("expected error for pair without '='")
	}
	if _, err := parseToolArgs(nil, "{"); err == nil {
		t.Error("expected error for bad --json")
	}
}

func TestTruncateCell(t *testing.T) {
	if got := truncateCell("a\n b   c", 10); got != "a b c" {
		t.Errorf("got %q", got)
	}
	if got := truncateCell("héllo wörld", 6); got != "héllo…" {
		t.Errorf("got %q", got)
	}
}

func writeTestConfig(t *testing.T) (cfgPath, policyPath string) {
	t.Helper()
	dir := t.TempDir()
	policyPath = filepath.Join(dir, "guardrails.yaml")
	cfgPath = filepath.Join(dir, "mcpbridge.yaml")
	body := "policy:\n  path: " + policyPath + "\n" +
		"sessions:\n  driver: memory\n" +
		"logging:\n  level: error\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return cfgPath, policyPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, logLevel = "", ""
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPolicySetAndShow(t *testing.T) {
	cfgPath, policyPath := writeTestConfig(t)

	if _, err := execute(t, "--config", cfgPath, "policy", "set", `{"maxStepsPerRun":3,"denyDomains":["Example.ORG"]}`); err != nil {
		t.Fatalf("policy set error = %v", err)
	}
	if _, err := os.Stat(policyPath); err != nil {
		t.Fatalf("policy file not written: %v", err)
	}

	out, err := execute(t, "--config", cfgPath, "policy", "show", "-o", "json")
	if err != nil {
		t.Fatalf("policy show error = %v", err)
	}
	var p guardrails.Policy
	if err := json.Unmarshal([]byte(out), &p); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if p.MaxStepsPerRun != 3 || len(p.DenyDomains) != 1 || p.DenyDomains[0] != "example.org" {
		t.Errorf("policy = %+v", p)
	}
	if p.MaxBatchSize != guardrails.DefaultMaxBatchSize {
		t.Errorf("untouched field changed: maxBatchSize = %d", p.MaxBatchSize)
	}

	out, err = execute(t, "--config", cfgPath, "policy", "show")
	if err != nil {
		t.Fatalf("policy show table error = %v", err)
	}
	if !strings.Contains(out, "maxStepsPerRun") || !strings.Contains(out, "example.org") {
		t.Errorf("table output:\n%s", out)
	}
}

func TestPolicySetRejectsInvalid(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	for _, raw := range []string{`{"maxStepsPerRun":-1}`, `{"unknown":1}`, `{}`} {
		if _, err := execute(t, "--config", cfgPath, "policy", "set", raw); err == nil {
			t.Errorf("policy set %s: expected error", raw)
		}
	}
}

func TestSchemasAndValidate(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)

	out, err := execute(t, "policy", "schema")
	if err != nil || !strings.Contains(out, "perToolCallCaps") {
		t.Errorf("policy schema err = %v out = %.200s", err, out)
	}
	out, err = execute(t, "config", "schema")
	if err != nil || !strings.Contains(out, "sessions") {
		t.Errorf("config schema err = %v out = %.200s", err, out)
	}
	out, err = execute(t, "--config", cfgPath, "config", "validate")
	if err != nil || !strings.Contains(out, "is valid") {
		t.Errorf("config validate err = %v out = %s", err, out)
	}
}

func TestSessionsListEmpty(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	out, err := execute(t, "--config", cfgPath, "sessions", "list")
	if err != nil {
		t.Fatalf("sessions list error = %v", err)
	}
	if !strings.Contains(out, "No runs recorded.") {
		t.Errorf("output = %q", out)
	}
}

func TestToolsListRequiresCommand(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	if _, err := execute(t, "--config", cfgPath, "tools", "list"); err == nil || !strings.Contains(err.Error(), "mcp.command") {
		t.Errorf("expected mcp.command error, got %v", err)
	}
}

func TestReadPrompt(t *testing.T) {
	got, err := readPrompt(strings.NewReader("ignored"), []string{"find", " the docs "})
	if err != nil || got != "find  the docs" {
		t.Errorf("words: got %q, %v", got, err)
	}
	got, err = readPrompt(strings.NewReader("  from stdin\n"), []string{"-"})
	if err != nil || got != "from stdin" {
		t.Errorf("dash: got %q, %v", got, err)
	}
	got, err = readPrompt(strings.NewReader("piped"), nil)
	if err != nil || got != "piped" {
		t.Errorf("piped: got %q, %v", got, err)
	}
	if _, err := readPrompt(strings.NewReader("   "), nil); err == nil {
		t.Error("expected error for empty prompt")
	}
}
