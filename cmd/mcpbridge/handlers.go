package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/mcpbridge/internal/agent"
	"github.com/haasonsaas/mcpbridge/internal/config"
	"github.com/haasonsaas/mcpbridge/internal/gateway"
	"github.com/haasonsaas/mcpbridge/internal/guardrails"
	"github.com/haasonsaas/mcpbridge/internal/mcp"
	"github.com/haasonsaas/mcpbridge/internal/sessions"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig(resolveConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, needs{tools: true, history: true, retention: true, watch: true})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := shutdownContext(cfg)
		defer shutdownCancel()
		a.close(shutdownCtx)
	}()

	// Tool listing, direct calls and policy administration work without a
	// model, so a missing key only disables chat.
	if err := a.buildLoop(); err != nil {
		a.logger.Warn("chat endpoints disabled", "error", err)
	}

	srv, err := gateway.NewServer(gateway.Config{
		Addr:           cfg.Server.Addr(),
		Loop:           a.loop,
		Dispatcher:     a.dispatcher,
		Store:          a.store,
		Engine:         a.engine,
		Recorder:       a.recorder,
		Admission:      a.admission,
		Metrics:        a.metrics,
		Gatherer:       a.registry,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ReadTimeout:    cfg.Server.ReadTimeout,
		Logger:         a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("mcpbridge started",
		"version", version,
		"addr", srv.Addr(),
		"llm_provider", cfg.LLM.Provider,
		"chat", a.loop != nil)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received, initiating graceful shutdown")
	case <-a.client.Done():
		runErr = errors.New("tool server exited")
		a.logger.Error("tool server exited, shutting down")
	}

	shutdownCtx, shutdownCancel := shutdownContext(cfg)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return runErr
}

// =============================================================================
// Tool Command Handlers
// =============================================================================

func runToolsList(cmd *cobra.Command) error {
	a, err := openForCommand(cmd, needs{tools: true})
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	tools := a.client.Tools()
	out := cmd.OutOrStdout()
	if len(tools) == 0 {
		fmt.Fprintln(out, "No tools available.")
		return nil
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Tool", "Description"})
	for _, tool := range tools {
		t.AppendRow(table.Row{tool.Name, truncateCell(tool.Description, 80)})
	}
	fmt.Fprintln(out, t.Render())
	return nil
}

func runCall(cmd *cobra.Command, tool string, pairs []string, rawJSON string) error {
	args, err := parseToolArgs(pairs, rawJSON)
	if err != nil {
		return err
	}
	a, err := openForCommand(cmd, needs{tools: true})
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	res, err := a.dispatcher.Dispatch(cmd.Context(), agent.Invocation{Tool: tool, Args: args}, guardrails.Usage{})
	if err != nil {
		return fmt.Errorf("%s: %w", agent.Classify(err), err)
	}
	return printToolResult(cmd.OutOrStdout(), res.Result)
}

func printToolResult(out io.Writer, result *mcp.ToolCallResult) error {
	if result == nil || len(result.Content) == 0 {
		fmt.Fprintln(out, "No result.")
		return nil
	}
	for _, item := range result.Content {
		if item.Type == "text" {
			fmt.Fprintln(out, item.Text)
			continue
		}
		payload, err := json.Marshal(item)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(payload))
	}
	return nil
}

// parseToolArgs merges --json with key=value pairs; pairs win.
func parseToolArgs(pairs []string, rawJSON string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(rawJSON) != "" {
		if err := json.Unmarshal([]byte(rawJSON), &args); err != nil {
			return nil, fmt.Errorf("invalid --json: %w", err)
		}
	}
	for _, item := range pairs {
		key, value, err := parseKeyValue(item)
		if err != nil {
			return nil, err
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			args[key] = parsed
		} else {
			args[key] = value
		}
	}
	return args, nil
}

func parseKeyValue(item string) (string, string, error) {
	parts := strings.SplitN(item, "=", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		return "", "", fmt.Errorf("invalid arg %q, expected key=value", item)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}

// =============================================================================
// Chat Command Handler
// =============================================================================

func runChat(cmd *cobra.Command, words []string, model, system string, quiet bool) error {
	prompt, err := readPrompt(cmd.InOrStdin(), words)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := openForCommand(cmd, needs{model: true})
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	sink := agent.CallbackSink(func(_ context.Context, e *agent.Event) {
		switch e.Type {
		case agent.EventModelToken:
			fmt.Fprint(out, e.Text)
		case agent.EventToolStart:
			if !quiet {
				args, _ := json.Marshal(e.Args)
				fmt.Fprintf(errOut, "→ %s %s\n", e.Tool, args)
			}
		case agent.EventToolResult:
			if !quiet {
				fmt.Fprintf(errOut, "← %s\n", truncateCell(e.Preview, 200))
			}
		}
	})

	res, err := a.loop.StreamTo(ctx, agent.RunRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: prompt}},
		Model:    model,
		System:   system,
	}, sink)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)

	switch res.Outcome {
	case agent.OutcomeLimited:
		fmt.Fprintf(errOut, "run %s stopped: %s\n", res.RunID, res.LimitReason)
	case agent.OutcomeFailed:
		return fmt.Errorf("run %s failed (%s): %s", res.RunID, res.ErrorKind, res.Error)
	}
	return nil
}

// readPrompt joins the words, or reads stdin when the only word is "-" or
// no words are given and stdin is not a terminal.
func readPrompt(in io.Reader, words []string) (string, error) {
	fromStdin := len(words) == 1 && words[0] == "-"
	if len(words) == 0 {
		f, ok := in.(*os.File)
		fromStdin = !ok || !term.IsTerminal(int(f.Fd()))
	}
	if !fromStdin {
		prompt := strings.TrimSpace(strings.Join(words, " "))
		if prompt == "" {
			return "", errors.New("a prompt is required")
		}
		return prompt, nil
	}
	data, err := io.ReadAll(io.LimitReader(in, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("a prompt is required")
	}
	return prompt, nil
}

// =============================================================================
// Policy Command Handlers
// =============================================================================

func runPolicyShow(cmd *cobra.Command, format string) error {
	a, err := openForCommand(cmd, needs{})
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	p := a.store.Snapshot()
	out := cmd.OutOrStdout()
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(p)
	case "table", "":
		fmt.Fprintln(out, renderPolicy(p))
		return nil
	}
	return fmt.Errorf("unknown output format %q", format)
}

func renderPolicy(p guardrails.Policy) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Setting", "Value"})

	rate := "off"
	if p.RateLimit != nil {
		rate = fmt.Sprintf("%d per %s", p.RateLimit.Limit, p.RateLimit.Window())
	}
	t.AppendRows([]table.Row{
		{"enabled", p.Enabled},
		{"allowDomains", listOrDash(p.AllowDomains)},
		{"denyDomains", listOrDash(p.DenyDomains)},
		{"respectRobotsTxt", p.RespectRobotsTxt},
		{"blockPrivateNetworks", p.BlockPrivateNetworks},
		{"maxBatchSize", p.MaxBatchSize},
		{"rateLimit", rate},
		{"maxStepsPerRun", p.StepLimit()},
		{"stepTimeout", p.StepTimeout()},
		{"maxToolCallsPerRun", p.MaxToolCallsPerRun},
		{"perDomainConcurrency", p.PerDomainConcurrency},
		{"domainConcurrencyOverrides", mapOrDash(p.DomainConcurrencyOverrides)},
		{"perToolCallCaps", mapOrDash(p.PerToolCallCaps)},
	})
	return t.Render()
}

func runPolicySet(cmd *cobra.Command, raw string, replace bool) error {
	a, err := openForCommand(cmd, needs{})
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()

	var next guardrails.Policy
	if replace {
		p := guardrails.DefaultPolicy()
		if err := dec.Decode(&p); err != nil {
			return fmt.Errorf("invalid policy: %w", err)
		}
		next, err = a.store.Replace(p)
	} else {
		var patch guardrails.Patch
		if err := dec.Decode(&patch); err != nil {
			return fmt.Errorf("invalid patch: %w", err)
		}
		if patch.Empty() {
			return errors.New("patch changes nothing")
		}
		next, err = a.store.Merge(patch)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Policy saved to %s\n", a.persister.Path())
	fmt.Fprintln(cmd.OutOrStdout(), renderPolicy(next))
	return nil
}

func runPolicySchema(cmd *cobra.Command) error {
	schema, err := guardrails.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

// =============================================================================
// Sessions Command Handlers
// =============================================================================

func runSessionsList(cmd *cobra.Command, limit, offset int, outcome string) error {
	a, err := openForCommand(cmd, needs{history: true})
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	records, err := a.recorder.List(cmd.Context(), sessions.ListOptions{
		Limit:   limit,
		Offset:  offset,
		Outcome: strings.ToUpper(outcome),
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	title := cases.Title(language.English)
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Run", "Mode", "Outcome", "Steps", "Started", "Duration", "Detail"})
	for _, rec := range records {
		detail := rec.LimitReason
		if rec.Error != "" {
			detail = rec.ErrorKind + ": " + rec.Error
		}
		t.AppendRow(table.Row{
			rec.ID,
			title.String(rec.Mode),
			rec.Outcome,
			len(rec.Steps),
			rec.StartedAt.Local().Format(time.DateTime),
			rec.EndedAt.Sub(rec.StartedAt).Round(time.Millisecond),
			truncateCell(detail, 60),
		})
	}
	fmt.Fprintln(out, t.Render())
	return nil
}

func runSessionsPrune(cmd *cobra.Command, maxAge string) error {
	a, err := openForCommand(cmd, needs{history: true})
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	age := a.cfg.Sessions.Retention
	if maxAge != "" {
		if age, err = time.ParseDuration(maxAge); err != nil {
			return fmt.Errorf("invalid --older-than: %w", err)
		}
	}
	if age <= 0 {
		return errors.New("no age given and sessions.retention is not set")
	}
	pruner, ok := a.recorder.(sessions.Pruner)
	if !ok {
		return errors.New("run history store cannot prune")
	}
	n, err := pruner.Prune(cmd.Context(), time.Now().Add(-age))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d runs.\n", n)
	return nil
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

func runConfigValidate(cmd *cobra.Command) error {
	path := resolveConfigPath(configPath)
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	if path == "" {
		path = "(defaults)"
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s is valid.\n", path)
	fmt.Fprintf(out, "  server:   %s\n", cfg.Server.Addr())
	fmt.Fprintf(out, "  tools:    %s\n", orDash(strings.TrimSpace(cfg.MCP.Command+" "+strings.Join(cfg.MCP.Args, " "))))
	fmt.Fprintf(out, "  model:    %s/%s\n", cfg.LLM.Provider, cfg.LLM.Model)
	fmt.Fprintf(out, "  policy:   %s\n", cfg.Policy.Path)
	fmt.Fprintf(out, "  sessions: %s\n", cfg.Sessions.Driver)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func openForCommand(cmd *cobra.Command, n needs) (*app, error) {
	cfg, err := loadConfig(resolveConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return newApp(cmd.Context(), cfg, n)
}

func truncateCell(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func listOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func mapOrDash(m map[string]int) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
