package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP control surface",
		Long: `Start the bridge and serve its HTTP API.

The server will:
1. Load configuration and the persisted guardrail policy
2. Spawn the MCP tool server and list its tools
3. Open run history and schedule retention
4. Build the agent loop when a model is configured
5. Serve /api, /metrics and /healthz until SIGINT or SIGTERM`,
		Example: `  mcpbridge serve
  mcpbridge serve --config /etc/mcpbridge/prod.yaml --log-level debug`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}
}

// =============================================================================
// Tool Commands
// =============================================================================

func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tools offered by the tool server",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List remote tools",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runToolsList(cmd)
		},
	})
	return cmd
}

func buildCallCmd() *cobra.Command {
	var rawJSON string
	cmd := &cobra.Command{
		Use:   "call <tool> [key=value...]",
		Short: "Call one tool through the policy and admission control",
		Long: `Call one tool without a model. Arguments are key=value pairs; values
that parse as JSON are passed as JSON, anything else as a string.`,
		Example: `  mcpbridge call scrape url=https://example.com
  mcpbridge call batch_scrape --json '{"urls":["https://a.test","https://b.test"]}'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, args[0], args[1:], rawJSON)
		},
	}
	cmd.Flags().StringVar(&rawJSON, "json", "", "Arguments as a JSON object")
	return cmd
}

// =============================================================================
// Chat Command
// =============================================================================

func buildChatCmd() *cobra.Command {
	var (
		model  string
		system string
		quiet  bool
	)
	cmd := &cobra.Command{
		Use:   "chat [prompt...]",
		Short: "Run one agent loop from the terminal",
		Long: `Run one agent loop. Model tokens stream to stdout; tool activity is
reported on stderr unless --quiet is set. With "-" or no arguments and a
piped stdin, the prompt is read from stdin.`,
		Example: `  mcpbridge chat "compare the pricing pages of a.test and b.test"
  cat question.txt | mcpbridge chat -m gpt-4.1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, args, model, system, quiet)
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "Override llm.model")
	cmd.Flags().StringVar(&system, "system", "", "Override llm.system")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Hide tool activity")
	return cmd
}

// =============================================================================
// Policy Commands
// =============================================================================

func buildPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show or change the guardrail policy",
	}

	var format string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the current policy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPolicyShow(cmd, format)
		},
	}
	show.Flags().StringVarP(&format, "output", "o", "table", "Output format: table, json or yaml")

	var replace bool
	set := &cobra.Command{
		Use:   "set <json>",
		Short: "Merge a partial policy into the persisted policy",
		Long: `Merge a partial policy. Absent fields keep their value; present fields
replace it wholesale. With --replace the argument is the complete policy.
A running server picks the change up when policy.watch is enabled.`,
		Example: `  mcpbridge policy set '{"maxStepsPerRun":3,"denyDomains":["example.org"]}'
  mcpbridge policy set '{"rateLimit":null}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicySet(cmd, args[0], replace)
		},
	}
	set.Flags().BoolVar(&replace, "replace", false, "Replace the whole policy")

	cmd.AddCommand(show, set, &cobra.Command{
		Use:   "schema",
		Short: "Print the policy JSON Schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPolicySchema(cmd)
		},
	})
	return cmd
}

// =============================================================================
// Sessions Commands
// =============================================================================

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect recorded runs",
	}
	var (
		limit   int
		offset  int
		outcome string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSessionsList(cmd, limit, offset, outcome)
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs")
	list.Flags().IntVar(&offset, "offset", 0, "Skip this many runs")
	list.Flags().StringVar(&outcome, "outcome", "", "Filter by outcome (DONE, LIMITED, FAILED)")

	var maxAge string
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than --older-than",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSessionsPrune(cmd, maxAge)
		},
	}
	prune.Flags().StringVar(&maxAge, "older-than", "", "Age such as 72h (default: sessions.retention)")

	cmd.AddCommand(list, prune)
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the configuration JSON Schema",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runConfigSchema(cmd)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runConfigValidate(cmd)
			},
		},
	)
	return cmd
}
