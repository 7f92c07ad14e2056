// Package observability provides the gateway's RED metric instruments
// (rate, errors, duration) over the OpenTelemetry metric API and a
// configured slog logger. Exporter wiring belongs to the host process;
// this core only records against whatever meter provider is installed.
package observability

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the gateway instruments.
type Metrics struct {
	dispatchCounter metric.Int64Counter
	errorCounter    metric.Int64Counter
	durationHist    metric.Float64Histogram
}

// NewMetrics registers the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("zero-os/gateway")

	dispatches, err := meter.Int64Counter("gateway.dispatches",
		metric.WithDescription("Total dispatched operations"))
	if err != nil {
		return nil, err
	}
	errs, err := meter.Int64Counter("gateway.errors",
		metric.WithDescription("Dispatches that returned an error code"))
	if err != nil {
		return nil, err
	}
	dur, err := meter.Float64Histogram("gateway.dispatch.duration",
		metric.WithDescription("Dispatch duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{dispatchCounter: dispatches, errorCounter: errs, durationHist: dur}, nil
}

// RecordDispatch records one dispatch outcome.
func (m *Metrics) RecordDispatch(ctx context.Context, op string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("op", op))
	m.dispatchCounter.Add(ctx, 1, attrs)
	if !ok {
		m.errorCounter.Add(ctx, 1, attrs)
	}
	m.durationHist.Record(ctx, elapsed.Seconds(), attrs)
}

// NewLogger builds a slog JSON logger at the named level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
