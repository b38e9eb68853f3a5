// Package tracing sets up OpenTelemetry tracing for the supervisor. Spans
// cover OBC command dispatch and process restarts; they are written as JSON
// by the stdout exporter so a bench run can be inspected offline.
package tracing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope of supervisor spans.
const TracerName = "github.com/smartqso/payload-supervisor"

// Config governs how tracing is initialised.
type Config struct {
	Enabled     bool
	ServiceName string
	SampleRatio float64

	// Writer receives exported spans. Defaults to os.Stderr.
	Writer io.Writer
	// Pretty enables indented JSON output.
	Pretty bool
}

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

// Init builds a tracer provider from cfg. When tracing is disabled the
// provider is a no-op and the shutdown function does nothing.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (trace.TracerProvider, Shutdown, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if !cfg.Enabled {
		logger.Debug("tracing_disabled")
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "payload-supervisor"
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}
	if cfg.SampleRatio <= 0 || cfg.SampleRatio > 1 {
		cfg.SampleRatio = 1
	}

	opts := []stdouttrace.Option{stdouttrace.WithWriter(cfg.Writer)}
	if cfg.Pretty {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exp, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create stdout exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.namespace", "smartqso"),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)

	logger.Info("tracing_enabled",
		"service_name", cfg.ServiceName,
		"sample_ratio", cfg.SampleRatio,
	)
	return tp, tp.Shutdown, nil
}

// ShutdownWithTimeout calls shutdown with a bounded timeout and logs a
// failure instead of returning it.
func ShutdownWithTimeout(shutdown Shutdown, timeout time.Duration, logger *slog.Logger) {
	if shutdown == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("tracing_shutdown_failed", "error", err)
	}
}
