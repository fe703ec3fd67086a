// Package observability wires logging, metrics and tracing for the bridge.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts secrets (API keys,
// bearer tokens, passwords) from messages and attribute values and stamps
// every record with the run ID carried in the context:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
//	ctx = observability.WithRunID(ctx, runID)
//	logger.InfoContext(ctx, "tool call permitted", "tool", name)
//
// # Metrics
//
// Metrics are Prometheus collectors registered on the Registerer passed to
// NewMetrics. A *Metrics satisfies the observer interfaces of the mcp,
// admission and guardrails packages, so the same value is handed to each
// of them. All methods are safe on a nil receiver.
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and
// otherwise returns a tracer backed by the global no-op provider.
package observability
