// ABOUTME: Exporter factory turning Config.Exporters into OpenTelemetry metric readers and span exporters
// ABOUTME: stdout feeds both signals, prometheus serves metrics only, otlp ships traces only

package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// createMetricReaders creates one metric reader per configured exporter.
// The returned servers must be shut down with the provider.
func createMetricReaders(cfg Config) ([]sdkmetric.Reader, []*http.Server, error) {
	var readers []sdkmetric.Reader
	var servers []*http.Server

	for _, name := range cfg.Exporters {
		switch name {
		case "prometheus":
			registry := prometheus.NewRegistry()
			exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
			}
			readers = append(readers, exporter)

			if cfg.PrometheusPort > 0 {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
				srv := &http.Server{
					Addr:    fmt.Sprintf(":%d", cfg.PrometheusPort),
					Handler: mux,
				}
				go srv.ListenAndServe()
				servers = append(servers, srv)
			}

		case "stdout":
			exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(outputOf(cfg)))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
			}
			readers = append(readers, sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(cfg.BatchTimeout),
				sdkmetric.WithTimeout(cfg.ExportTimeout),
			))
		}
	}

	return readers, servers, nil
}

// createTraceExporters creates span exporters for the configured exporters.
func createTraceExporters(ctx context.Context, cfg Config) ([]sdktrace.SpanExporter, error) {
	var exporters []sdktrace.SpanExporter

	for _, name := range cfg.Exporters {
		switch name {
		case "otlp":
			exporter, err := otlptracegrpc.New(ctx,
				otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithTimeout(cfg.ExportTimeout),
			)
			if err != nil {
				return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)

		case "stdout":
			exporter, err := stdouttrace.New(stdouttrace.WithWriter(outputOf(cfg)))
			if err != nil {
				return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)
		}
	}

	return exporters, nil
}

func outputOf(cfg Config) io.Writer {
	if cfg.Output != nil {
		return cfg.Output
	}
	return os.Stdout
}
