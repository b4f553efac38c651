// Package metrics предоставляет систему метрик движка на основе OpenTelemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics сборщик метрик движка саг
type Metrics struct {
	meter              metric.Meter
	recordsTotal       metric.Int64Counter
	sagasStarted       metric.Int64Counter
	sagasFinalized     metric.Int64Counter
	stepCallsTotal     metric.Int64Counter
	stepCallDuration   metric.Float64Histogram
	outboxDelivered    metric.Int64Counter
	outboxDeadLettered metric.Int64Counter
	conflictsTotal     metric.Int64Counter
	activeSagas        metric.Int64UpDownCounter
}

// NewMetrics создает новый сборщик метрик
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("stepflow")

	recordsTotal, err := meter.Int64Counter(
		"ingress_records_total",
		metric.WithDescription("Total number of inbound records processed"),
	)
	if err != nil {
		return nil, err
	}

	sagasStarted, err := meter.Int64Counter(
		"sagas_started_total",
		metric.WithDescription("Total number of sagas started"),
	)
	if err != nil {
		return nil, err
	}

	sagasFinalized, err := meter.Int64Counter(
		"sagas_finalized_total",
		metric.WithDescription("Total number of sagas reaching the final state"),
	)
	if err != nil {
		return nil, err
	}

	stepCallsTotal, err := meter.Int64Counter(
		"step_calls_total",
		metric.WithDescription("Total number of step HTTP calls"),
	)
	if err != nil {
		return nil, err
	}

	stepCallDuration, err := meter.Float64Histogram(
		"step_call_duration_seconds",
		metric.WithDescription("Step HTTP call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	outboxDelivered, err := meter.Int64Counter(
		"outbox_delivered_total",
		metric.WithDescription("Total number of outbox rows delivered to the dispatcher"),
	)
	if err != nil {
		return nil, err
	}

	outboxDeadLettered, err := meter.Int64Counter(
		"outbox_dead_lettered_total",
		metric.WithDescription("Total number of outbox rows dead-lettered"),
	)
	if err != nil {
		return nil, err
	}

	conflictsTotal, err := meter.Int64Counter(
		"concurrency_conflicts_total",
		metric.WithDescription("Total number of optimistic concurrency conflicts"),
	)
	if err != nil {
		return nil, err
	}

	activeSagas, err := meter.Int64UpDownCounter(
		"active_sagas",
		metric.WithDescription("Number of sagas not yet finalized"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		meter:              meter,
		recordsTotal:       recordsTotal,
		sagasStarted:       sagasStarted,
		sagasFinalized:     sagasFinalized,
		stepCallsTotal:     stepCallsTotal,
		stepCallDuration:   stepCallDuration,
		outboxDelivered:    outboxDelivered,
		outboxDeadLettered: outboxDeadLettered,
		conflictsTotal:     conflictsTotal,
		activeSagas:        activeSagas,
	}, nil
}

// RecordIngress записывает прием входящей записи
func (m *Metrics) RecordIngress(ctx context.Context, duplicate bool) {
	m.recordsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("duplicate", duplicate),
	))
}

// RecordSagaStarted записывает старт саги
func (m *Metrics) RecordSagaStarted(ctx context.Context, workflow string) {
	m.sagasStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflow),
	))
	m.activeSagas.Add(ctx, 1)
}

// RecordSagaFinalized записывает финализацию саги
func (m *Metrics) RecordSagaFinalized(ctx context.Context, workflow string, success bool) {
	m.sagasFinalized.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.Bool("success", success),
	))
	m.activeSagas.Add(ctx, -1)
}

// RecordStepCall записывает HTTP вызов шага
func (m *Metrics) RecordStepCall(ctx context.Context, step string, duration time.Duration, success bool) {
	attrs := []attribute.KeyValue{
		attribute.String("step", step),
		attribute.Bool("success", success),
	}
	m.stepCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.stepCallDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordOutboxDelivery записывает исход доставки строки outbox
func (m *Metrics) RecordOutboxDelivery(ctx context.Context, eventType string, success bool) {
	m.outboxDelivered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("success", success),
	))
}

// RecordDeadLetter записывает перевод строки outbox в dead-letter
func (m *Metrics) RecordDeadLetter(ctx context.Context, eventType string) {
	m.outboxDeadLettered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordConflict записывает конфликт оптимистичной конкурентности
func (m *Metrics) RecordConflict(ctx context.Context, workflow string) {
	m.conflictsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflow),
	))
}
