package obslog

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/keboola/storage-backend/internal/errs"
)

// InitTracing installs a global OpenTelemetry tracer provider backed by the
// stdout exporter. On-premise deployments tail the process output rather
// than running a collector, so stdout is the default sink; swapping the
// exporter is a one-line change here if a collector shows up later.
//
// The returned shutdown func flushes buffered spans; callers defer it next
// to their logger teardown.
func InitTracing(serviceName string) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "creating trace exporter", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	logger := WithComponent("tracing")
	logger.Info().Str("service", serviceName).Msg("tracing enabled (stdout exporter)")
	return tp.Shutdown, nil
}
