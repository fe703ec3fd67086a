// Package main provides the CLI entry point for mcpbridge.
//
// mcpbridge spawns a Model Context Protocol tool server, puts a guardrail
// policy and per-origin admission control in front of it, and drives a
// language model through a bounded plan, act, observe loop.
//
// # Basic Usage
//
// Start the HTTP control surface:
//
//	mcpbridge serve --config mcpbridge.yaml
//
// Call a tool directly, subject to the policy:
//
//	mcpbridge call scrape url=https://example.com
//
// Run one chat from the terminal:
//
//	mcpbridge chat "summarize https://example.com"
//
// # Environment Variables
//
//   - MCPBRIDGE_CONFIG: configuration file (default: mcpbridge.yaml when present)
//   - MCPBRIDGE_POLICY: policy file, overrides policy.path
//   - OPENAI_API_KEY, OPENAI_URL: OpenAI-compatible endpoint
//   - ANTHROPIC_API_KEY: Anthropic endpoint
//   - MODEL: model name, overrides llm.model
//   - PORT: HTTP port, overrides server.http_port
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPath string
	logLevel   string
)

const defaultConfigName = "mcpbridge.yaml"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mcpbridge",
		Short: "Guarded bridge between a language model and an MCP tool server",
		Long: `mcpbridge runs a Model Context Protocol tool server as a child process and
exposes it to a language model through a step-bounded agent loop.

Every tool call passes argument validation, the guardrail policy, optional
robots.txt checks and per-origin admission control before it reaches the
tool server.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to configuration file (YAML or JSON5; or set MCPBRIDGE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildToolsCmd(),
		buildCallCmd(),
		buildChatCmd(),
		buildPolicyCmd(),
		buildSessionsCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

// resolveConfigPath picks the flag, then MCPBRIDGE_CONFIG, then
// mcpbridge.yaml in the working directory if it exists. Empty means
// defaults plus environment.
func resolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("MCPBRIDGE_CONFIG")); p != "" {
		return p
	}
	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}
	return ""
}
