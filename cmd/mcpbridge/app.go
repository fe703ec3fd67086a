package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/mcpbridge/internal/admission"
	"github.com/haasonsaas/mcpbridge/internal/agent"
	"github.com/haasonsaas/mcpbridge/internal/agent/providers"
	"github.com/haasonsaas/mcpbridge/internal/backoff"
	"github.com/haasonsaas/mcpbridge/internal/config"
	"github.com/haasonsaas/mcpbridge/internal/guardrails"
	"github.com/haasonsaas/mcpbridge/internal/mcp"
	"github.com/haasonsaas/mcpbridge/internal/observability"
	"github.com/haasonsaas/mcpbridge/internal/robots"
	"github.com/haasonsaas/mcpbridge/internal/sessions"
)

// needs selects which parts of the bridge a command starts.
type needs struct {
	tools     bool // spawn the tool server
	model     bool // build the language model loop (implies tools)
	history   bool // open the run history store
	retention bool // schedule run history pruning
	watch     bool // hot-reload the policy file
}

// app holds the wired bridge for one command invocation.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	store      *guardrails.Store
	persister  *guardrails.FilePersister
	engine     *guardrails.Engine
	admission  *admission.Controller
	robots     *robots.Checker
	client     *mcp.Client
	dispatcher *agent.Dispatcher
	loop       *agent.AgenticLoop
	recorder   sessions.Recorder

	closers []func(context.Context) error
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newApp wires the bridge bottom-up. On error everything already started
// is shut down.
func newApp(ctx context.Context, cfg *config.Config, n needs) (_ *app, err error) {
	a := &app{
		cfg: cfg,
		logger: observability.NewLogger(observability.LogConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		}),
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = observability.NewMetrics(a.registry)

	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	a.tracer = tracer
	a.closers = append(a.closers, shutdown)

	if err := a.openPolicy(ctx, n.watch); err != nil {
		return nil, err
	}

	a.admission = admission.New(a.store,
		admission.WithLogger(a.logger),
		admission.WithObserver(a.metrics))
	a.robots = robots.NewChecker(
		robots.WithUserAgent(cfg.Robots.UserAgent),
		robots.WithTTL(cfg.Robots.CacheTTL),
		robots.WithTimeout(cfg.Robots.Timeout),
		robots.WithLogger(a.logger))
	a.store.OnChange(a.robots.OnPolicyChange)

	if n.history || n.model {
		if err := a.openHistory(ctx, n.retention); err != nil {
			return nil, err
		}
	}
	if n.tools || n.model {
		if err := a.connectTools(ctx); err != nil {
			return nil, err
		}
	}
	if n.model {
		if err := a.buildLoop(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) openPolicy(ctx context.Context, watch bool) error {
	a.persister = guardrails.NewFilePersister(a.cfg.Policy.Path)
	_, statErr := os.Stat(a.cfg.Policy.Path)

	store, err := guardrails.LoadStore(a.persister, a.logger)
	if err != nil {
		return err
	}
	if errors.Is(statErr, fs.ErrNotExist) && a.cfg.Policy.Defaults != nil {
		if _, err := store.Replace(*a.cfg.Policy.Defaults); err != nil {
			return fmt.Errorf("seed policy: %w", err)
		}
	}
	store.OnChange(func(_, next guardrails.Policy, source string) {
		a.logger.Info("guardrails updated",
			"source", source,
			"enabled", next.Enabled,
			"max_steps", next.MaxStepsPerRun,
			"max_tool_calls", next.MaxToolCallsPerRun)
	})
	a.store = store
	a.engine = guardrails.NewEngine(store,
		guardrails.WithDecisionObserver(a.metrics),
		guardrails.WithEngineLogger(a.logger))

	if !watch || !a.cfg.Policy.Watch {
		return nil
	}
	watcher := guardrails.NewWatcher(store, a.persister, a.logger, a.cfg.Policy.Debounce)
	if err := watcher.Start(ctx); err != nil {
		// The bridge still works without hot reload.
		a.logger.Warn("policy watcher disabled", "path", a.cfg.Policy.Path, "error", err)
		return nil
	}
	a.closers = append(a.closers, func(context.Context) error { return watcher.Close() })
	return nil
}

func (a *app) openHistory(ctx context.Context, retention bool) error {
	sc := a.cfg.Sessions
	var (
		recorder interface {
			sessions.Recorder
			sessions.Pruner
		}
		err error
	)
	switch sc.Driver {
	case "memory":
		recorder = sessions.NewMemoryRecorder(sc.MaxRecords)
	case "sqlite":
		recorder, err = sessions.OpenSQLite(ctx, sc.DSN, sc.MaxRecords, a.logger)
	case "postgres":
		recorder, err = sessions.OpenPostgres(ctx, sc.DSN, sc.MaxRecords, a.logger)
	default:
		err = fmt.Errorf("unknown sessions driver %q", sc.Driver)
	}
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	a.recorder = recorder
	a.closers = append(a.closers, func(context.Context) error { return recorder.Close() })

	if !retention || sc.Retention <= 0 {
		return nil
	}
	job, err := sessions.NewRetention(recorder, sc.PruneSchedule, sc.Retention, a.logger)
	if err != nil {
		return err
	}
	job.RunOnce(ctx)
	job.Start()
	a.closers = append(a.closers, job.Stop)
	return nil
}

func (a *app) connectTools(ctx context.Context) error {
	if a.cfg.MCP.Command == "" {
		return errors.New("mcp.command is not configured")
	}
	client := mcp.NewClient(&a.cfg.MCP, a.logger,
		mcp.WithClientInfo("mcpbridge", version),
		mcp.WithObserver(a.metrics))
	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return fmt.Errorf("connect tool server: %w", err)
	}
	a.client = client
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })

	a.dispatcher = agent.NewDispatcher(client, a.engine, a.admission,
		agent.WithRobots(a.robots),
		agent.WithDispatchMetrics(a.metrics),
		agent.WithDispatchTracer(a.tracer),
		agent.WithDispatchLogger(a.logger))
	a.logger.Info("tool server connected",
		"server", client.ServerInfo().Name,
		"tools", len(client.Tools()))
	return nil
}

func (a *app) buildLoop() error {
	provider, err := newProvider(a.cfg.LLM)
	if err != nil {
		return err
	}
	loop, err := agent.NewAgenticLoop(agent.Deps{
		Provider:   provider,
		Dispatcher: a.dispatcher,
		Recorder:   a.recorder,
		Metrics:    a.metrics,
		Tracer:     a.tracer,
		Logger:     a.logger,
	}, &agent.LoopConfig{
		Model:       a.cfg.LLM.Model,
		System:      a.cfg.LLM.System,
		MaxTokens:   a.cfg.LLM.MaxTokens,
		PlanTimeout: a.cfg.LLM.Timeout,
	})
	if err != nil {
		return err
	}
	a.loop = loop
	return nil
}

func newProvider(lc config.LLMConfig) (agent.LLMProvider, error) {
	retry := backoff.DefaultPolicy()
	retry.Attempts = lc.MaxRetries + 1
	switch lc.Provider {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       lc.APIKey,
			BaseURL:      lc.BaseURL,
			DefaultModel: lc.Model,
			Retry:        retry,
		})
	case "openai", "":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       lc.APIKey,
			BaseURL:      lc.BaseURL,
			DefaultModel: lc.Model,
			Retry:        retry,
		})
	}
	return nil, fmt.Errorf("unsupported llm provider %q", lc.Provider)
}

// close shuts components down in reverse start order.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && a.logger != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}

func shutdownContext(cfg *config.Config) (context.Context, context.CancelFunc) {
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}
