// Package metrics предоставляет функции для настройки экспорта метрик.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Config конфигурация экспорта метрик
type Config struct {
	ExporterType  string
	ResourceAttrs map[string]string
}

// DefaultConfig возвращает конфигурацию метрик по умолчанию
func DefaultConfig() Config {
	return Config{
		ExporterType: "prometheus",
		ResourceAttrs: map[string]string{
			"service.name": "stepflow",
		},
	}
}

// Setup настраивает провайдер метрик и регистрирует его глобально
func Setup(config Config) (*metric.MeterProvider, error) {
	var reader metric.Reader
	var err error

	switch config.ExporterType {
	case "prometheus":
		reader, err = prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown metrics exporter type: %s", config.ExporterType)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(buildResourceAttributes(config.ResourceAttrs)...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(reader),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	return provider, nil
}

func buildResourceAttributes(attrs map[string]string) []attribute.KeyValue {
	result := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		result = append(result, attribute.String(k, v))
	}
	return result
}

// Shutdown корректно завершает работу провайдера метрик
func Shutdown(ctx context.Context, provider *metric.MeterProvider) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}
