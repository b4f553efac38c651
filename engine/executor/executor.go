// Package executor предоставляет исполнителя шагов: обработчик команд
// CallStep, который транслирует их в исходящие HTTP вызовы и публикует
// исход обратно на диспетчер.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/akriventsev/stepflow/engine/core"
	"github.com/akriventsev/stepflow/engine/dispatcher"
	"github.com/akriventsev/stepflow/engine/events"
	"github.com/akriventsev/stepflow/engine/metrics"
	"github.com/akriventsev/stepflow/engine/observability"
	"github.com/akriventsev/stepflow/engine/saga"
)

// Publisher поверхность диспетчера для публикации исходов шагов.
// Исходы минуют outbox: корректность опирается на то, что диспетчер
// маршрутизирует события одной саги на один воркер, и обработчик саги
// не конкурирует сам с собой за версию экземпляра. Писатель в
// saga_instances вне диспетчера нарушил бы это допущение.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Config конфигурация исполнителя шагов
type Config struct {
	// Endpoints адрес HTTP эндпоинта на каждое имя шага
	Endpoints map[string]string
	// MaxResponseBytes предел чтения тела ответа
	MaxResponseBytes int64
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Endpoints:        make(map[string]string),
		MaxResponseBytes: 1 << 20,
	}
}

// Executor исполнитель шагов workflow.
// Сам шагов не повторяет: любая неудача публикуется как StepFailed,
// решение о повторе принимает машина саги.
type Executor struct {
	definition *saga.Definition
	config     Config
	client     *http.Client
	publisher  Publisher
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// New создает исполнителя для определения workflow.
// Каждый объявленный шаг должен иметь настроенный эндпоинт.
func New(definition *saga.Definition, config Config, publisher Publisher) (*Executor, error) {
	for _, s := range definition.Steps() {
		if config.Endpoints[s.Name] == "" {
			return nil, core.NewError(core.ErrInvalidConfig, "no endpoint configured for step "+s.Name)
		}
	}
	if config.MaxResponseBytes <= 0 {
		config.MaxResponseBytes = DefaultConfig().MaxResponseBytes
	}
	return &Executor{
		definition: definition,
		config:     config,
		client:     &http.Client{},
		publisher:  publisher,
		logger:     zap.NewNop(),
	}, nil
}

// WithLogger устанавливает логгер
func (e *Executor) WithLogger(logger *zap.Logger) *Executor {
	e.logger = logger
	return e
}

// WithHTTPClient заменяет HTTP клиент
func (e *Executor) WithHTTPClient(client *http.Client) *Executor {
	e.client = client
	return e
}

// WithMetrics включает сбор метрик вызовов шагов
func (e *Executor) WithMetrics(m *metrics.Metrics) *Executor {
	e.metrics = m
	return e
}

// Name возвращает имя компонента
func (e *Executor) Name() string { return "step-executor-" + e.definition.Workflow() }

// Type возвращает тип компонента
func (e *Executor) Type() core.ComponentType { return core.ComponentTypeHandler }

// Subscribe регистрирует обработчики команд workflow на диспетчере
func (e *Executor) Subscribe(d *dispatcher.Dispatcher) {
	for _, s := range e.definition.Steps() {
		d.Subscribe(dispatcher.NewHandlerFunc(saga.CommandEventType(s.Name), e.Handle))
	}
}

// Handle выполняет одну команду шага.
// Исход HTTP вызова не является ошибкой обработчика: он публикуется
// событием StepSucceeded или StepFailed. Ошибка возвращается только
// если исход не удалось опубликовать.
func (e *Executor) Handle(ctx context.Context, event events.Event) error {
	cmd, ok := event.(saga.StepCommand)
	if !ok {
		return core.NewError(core.ErrUnexpectedEvent, "executor received non-command event "+event.EventType())
	}

	idx, known := e.definition.StepIndex(cmd.Step)
	if !known {
		return core.NewError(core.ErrUnexpectedEvent, "unknown step "+cmd.Step)
	}
	desc := e.definition.StepAt(idx)

	start := time.Now()
	var response string
	callErr := observability.TraceStepCall(ctx, cmd.Step, func(ctx context.Context) error {
		var err error
		response, err = e.call(ctx, desc, cmd)
		return err
	})
	if e.metrics != nil {
		e.metrics.RecordStepCall(ctx, cmd.Step, time.Since(start), callErr == nil)
	}
	if callErr != nil {
		e.logger.Warn("step call failed",
			zap.String("step", cmd.Step),
			zap.String("correlation_id", cmd.Correlation.String()),
			zap.Int("retry_count", cmd.RetryCount),
			zap.Error(callErr))
		return e.publisher.Publish(ctx, saga.StepFailed{
			Correlation: cmd.Correlation,
			Step:        cmd.Step,
			Error:       callErr.Error(),
			RetryCount:  cmd.RetryCount,
		})
	}

	e.logger.Debug("step call succeeded",
		zap.String("step", cmd.Step),
		zap.String("correlation_id", cmd.Correlation.String()))
	return e.publisher.Publish(ctx, saga.StepSucceeded{
		Correlation: cmd.Correlation,
		Step:        cmd.Step,
		Response:    response,
	})
}

func (e *Executor) call(ctx context.Context, desc *saga.StepDescriptor, cmd saga.StepCommand) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, desc.Timeout)
	defer cancel()
	callCtx = observability.InjectCorrelationID(callCtx, cmd.Correlation.String())

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		e.config.Endpoints[desc.Name], bytes.NewReader(cmd.Payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	observability.PropagateCorrelationID(callCtx, req.Header)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxResponseBytes))
	if err != nil {
		return "", err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("step %s returned HTTP %d: %s", desc.Name, resp.StatusCode, body)
	}
	return string(body), nil
}
