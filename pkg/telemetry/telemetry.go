package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// Options tune Init. Zero values fall back to environment variables.
type Options struct {
	// Endpoint is the OTLP/HTTP collector. Empty disables exporting.
	Endpoint string
	// Level is a zerolog level name ("debug", "info", ...).
	Level string
	// Output receives JSON log lines; defaults to stdout.
	Output io.Writer
}

// Init configures OpenTelemetry tracing, propagation, and structured logging for a service.
// Tracing export is skipped when no OTLP endpoint is configured; spans are still created
// so trace ids propagate through request logs.
func Init(ctx context.Context, serviceName string, opts Options) (func(context.Context) error, func(http.Handler) http.Handler, zerolog.Logger, error) {
	if serviceName == "" {
		return nil, nil, zerolog.Nop(), errors.New("telemetry: service name is required")
	}
	if opts.Endpoint == "" {
		opts.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if opts.Level == "" {
		opts.Level = os.Getenv("LOG_LEVEL")
	}

	logger, err := NewLogger(serviceName, opts.Level, opts.Output)
	if err != nil {
		return nil, nil, zerolog.Nop(), err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, nil, zerolog.Nop(), fmt.Errorf("telemetry: create resource: %w", err)
	}

	providerOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if opts.Endpoint != "" {
		exporter, err := newTraceExporter(ctx, opts.Endpoint)
		if err != nil {
			return nil, nil, zerolog.Nop(), fmt.Errorf("telemetry: create exporter: %w", err)
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	} else {
		logger.Debug().Msg("OTEL_EXPORTER_OTLP_ENDPOINT not set; traces are not exported")
	}

	tracerProvider := sdktrace.NewTracerProvider(providerOpts...)

	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	middleware := func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(RequestLogger(logger)(next), serviceName)
	}

	shutdown := func(ctx context.Context) error {
		return tracerProvider.Shutdown(ctx)
	}

	return shutdown, middleware, logger, nil
}

// NewLogger builds the JSON logger used by every service binary.
func NewLogger(serviceName, level string, out io.Writer) (zerolog.Logger, error) {
	if out == nil {
		out = os.Stdout
	}

	lvl := zerolog.InfoLevel
	if strings.TrimSpace(level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("telemetry: parse log level: %w", err)
		}
		lvl = parsed
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger(), nil
}

// RequestLogger logs one line per request with status, duration, and the active trace id.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(recorder, r)

			evt := logger.Info()
			if recorder.status >= http.StatusInternalServerError {
				evt = logger.Error()
			}
			if traceID := TraceID(r.Context()); traceID != "" {
				evt = evt.Str("trace_id", traceID)
			}
			evt.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", recorder.status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

// TraceID returns the trace id carried by ctx, or "".
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return ""
	}
	return spanCtx.TraceID().String()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush lets streamed artifact downloads pass through the recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func newTraceExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	var opts []otlptracehttp.Option

	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		if parsed.Host == "" {
			return nil, fmt.Errorf("invalid OTLP endpoint: %s", endpoint)
		}
		opts = append(opts, otlptracehttp.WithEndpoint(parsed.Host))
		if parsed.Path != "" && parsed.Path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(parsed.Path))
		}
		if parsed.Scheme == "http" {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	return otlptracehttp.New(ctx, opts...)
}
