// Package logger holds the process-wide structured logger. It writes JSON to
// stdout until Setup installs the configured handler, which may export to an
// OTLP collector instead.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Level = slog.Level

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
	LevelFatal   = slog.Level(12)
)

// DefaultServiceName identifies exported records when Options.ServiceName is empty.
const DefaultServiceName = "tenantrules"

var (
	Logger *slog.Logger

	programLevel = new(slog.LevelVar)
	sampleRate   atomic.Int32
	shutdownFunc func(context.Context) error
)

// Counters exposed on the health endpoint. They move on every call, sampled
// or not.
var (
	TotalErrors     atomic.Int64
	TotalWarnings   atomic.Int64
	Total5xxErrors  atomic.Int64
	Total4xxErrors  atomic.Int64
	StorageFailures atomic.Int64
	SkippedRules    atomic.Int64
)

func init() {
	sampleRate.Store(1)
	useJSON(os.Stdout)
}

// Options configures the process logger.
type Options struct {
	Level Level
	// SampleRate N logs one in N sampled warnings and errors. Values
	// below 2 log all of them.
	SampleRate int
	// OTEL sends records to the OTLP exporter configured by the standard
	// OTEL_EXPORTER_OTLP_* variables instead of Output.
	OTEL        bool
	ServiceName string
	// Output defaults to stdout.
	Output io.Writer
}

// Setup installs the logger described by opts. Call it before building
// components, since Component loggers keep the handler they were created
// with. If the OTLP exporter cannot be created, JSON output is installed and
// the error is returned.
func Setup(ctx context.Context, opts Options) error {
	programLevel.Set(opts.Level)
	sampleRate.Store(int32(max(opts.SampleRate, 1)))

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if !opts.OTEL {
		useJSON(out)
		return nil
	}

	name := opts.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	provider, err := newLoggerProvider(ctx, name)
	if err != nil {
		useJSON(out)
		return fmt.Errorf("otel logging disabled: %w", err)
	}
	shutdownFunc = provider.Shutdown
	install(slog.New(&levelHandler{
		level:   programLevel,
		handler: otelslog.NewHandler(name, otelslog.WithLoggerProvider(provider)),
	}))
	return nil
}

func useJSON(w io.Writer) {
	install(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: programLevel})))
}

func install(l *slog.Logger) {
	Logger = l
	slog.SetDefault(l)
}

func newLoggerProvider(ctx context.Context, serviceName string) (*sdklog.LoggerProvider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	), nil
}

// levelHandler applies the program level to a handler that has no level of
// its own.
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

// Component returns a child logger tagged with the component name.
func Component(name string) *slog.Logger {
	return Logger.With("component", name)
}

// Shutdown flushes the OTLP exporter, if Setup installed one.
func Shutdown(ctx context.Context) error {
	if shutdownFunc == nil {
		return nil
	}
	return shutdownFunc(ctx)
}

func SetLevel(level Level) {
	programLevel.Set(level)
}

func GetLevel() Level {
	return programLevel.Level()
}

// LevelName renders a level the way ParseLevel accepts it.
func LevelName(level Level) string {
	switch {
	case level <= LevelTrace:
		return "TRACE"
	case level <= LevelDebug:
		return "DEBUG"
	case level <= LevelInfo:
		return "INFO"
	case level <= LevelWarning:
		return "WARN"
	case level <= LevelError:
		return "ERROR"
	default:
		return "FATAL"
	}
}

// ParseLevel converts a level name to a Level. An empty string is INFO.
func ParseLevel(name string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", name)
}

func sampled() bool {
	n := sampleRate.Load()
	return n <= 1 || rand.Int31n(n) == 0
}

func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn counts the warning and logs it if sampled.
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	if sampled() {
		Logger.Warn(msg, args...)
	}
}

// Error counts the error and logs it if sampled.
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	if sampled() {
		Logger.Error(msg, args...)
	}
}

// Fatal logs unsampled, flushes the exporter and exits.
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	_ = Shutdown(context.Background())
	os.Exit(1)
}

// HTTPStatus counts 4xx responses as warnings and 5xx as errors.
func HTTPStatus(status int) {
	switch {
	case status >= 500:
		Total5xxErrors.Add(1)
		TotalErrors.Add(1)
	case status >= 400:
		Total4xxErrors.Add(1)
		TotalWarnings.Add(1)
	}
}

// StorageFailure counts a failed store call and logs it as a sampled error.
func StorageFailure(op string, err error, args ...any) {
	StorageFailures.Add(1)
	Error("rule storage failure", append([]any{"op", op, "error", err}, args...)...)
}

// SkippedRule counts a stored definition that no longer parses.
func SkippedRule(tenantID, ruleID string, err error) {
	SkippedRules.Add(1)
	Warn("skipping malformed stored rule", "tenant_id", tenantID, "rule_id", ruleID, "error", err)
}

// Counters returns a snapshot of the counters.
func Counters() map[string]int64 {
	return map[string]int64{
		"errors":           TotalErrors.Load(),
		"warnings":         TotalWarnings.Load(),
		"http_5xx":         Total5xxErrors.Load(),
		"http_4xx":         Total4xxErrors.Load(),
		"storage_failures": StorageFailures.Load(),
		"skipped_rules":    SkippedRules.Load(),
	}
}
