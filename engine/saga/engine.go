package saga

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/akriventsev/stepflow/engine/core"
	"github.com/akriventsev/stepflow/engine/dispatcher"
	"github.com/akriventsev/stepflow/engine/events"
	"github.com/akriventsev/stepflow/engine/metrics"
	"github.com/akriventsev/stepflow/engine/observability"
	"github.com/akriventsev/stepflow/engine/store"
)

// EngineConfig конфигурация обработчика саги
type EngineConfig struct {
	// ConflictRetries число повторов обработки при конфликте версий
	ConflictRetries int
	// ConflictBackoff пауза между повторами
	ConflictBackoff time.Duration
}

// DefaultEngineConfig возвращает конфигурацию по умолчанию
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ConflictRetries: 5,
		ConflictBackoff: 50 * time.Millisecond,
	}
}

// Engine обработчик переходов саги для одного workflow.
// Подписывается на начальное событие и на исходы шагов;
// переходы фиксируются под оптимистичной конкурентностью,
// исходящие команды попадают в outbox той же транзакцией.
type Engine struct {
	definition *Definition
	store      store.Store
	codec      *events.Codec
	config     EngineConfig
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewEngine создает обработчик саги для определения workflow
func NewEngine(definition *Definition, st store.Store, codec *events.Codec, config EngineConfig) *Engine {
	if config.ConflictRetries <= 0 {
		config.ConflictRetries = DefaultEngineConfig().ConflictRetries
	}
	if config.ConflictBackoff <= 0 {
		config.ConflictBackoff = DefaultEngineConfig().ConflictBackoff
	}
	return &Engine{
		definition: definition,
		store:      st,
		codec:      codec,
		config:     config,
		logger:     zap.NewNop(),
	}
}

// WithLogger устанавливает логгер
func (e *Engine) WithLogger(logger *zap.Logger) *Engine {
	e.logger = logger
	return e
}

// WithMetrics включает сбор метрик саги
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// Name возвращает имя компонента
func (e *Engine) Name() string { return "saga-engine-" + e.definition.Workflow() }

// Type возвращает тип компонента
func (e *Engine) Type() core.ComponentType { return core.ComponentTypeHandler }

// Subscribe регистрирует обработчики событий workflow на диспетчере.
// Команды CallStep обрабатывает исполнитель шагов, не движок.
func (e *Engine) Subscribe(d *dispatcher.Dispatcher) {
	d.Subscribe(dispatcher.NewHandlerFunc(e.definition.StartedEventType(), e.Handle))
	for _, s := range e.definition.Steps() {
		d.Subscribe(dispatcher.NewHandlerFunc(SucceededEventType(s.Name), e.Handle))
		d.Subscribe(dispatcher.NewHandlerFunc(FailedEventType(s.Name), e.Handle))
	}
}

// Handle обрабатывает одно событие саги.
// При конфликте версий обработка повторяется с перезагрузкой состояния;
// после исчерпания повторов ошибка уходит диспетчеру, и relay оставит
// строку outbox в состоянии повтора.
func (e *Engine) Handle(ctx context.Context, event events.Event) error {
	return observability.TraceSagaEvent(ctx, event.EventType(), event.CorrelationID().String(),
		func(ctx context.Context) error {
			var lastErr error
			for attempt := 0; attempt < e.config.ConflictRetries; attempt++ {
				if attempt > 0 {
					select {
					case <-time.After(e.config.ConflictBackoff):
					case <-ctx.Done():
						return ctx.Err()
					}
				}

				err := e.process(ctx, event)
				if err == nil {
					return nil
				}
				if !errors.Is(err, core.ConcurrencyConflict) {
					return err
				}
				lastErr = err
				if e.metrics != nil {
					e.metrics.RecordConflict(ctx, e.definition.Workflow())
				}
				e.logger.Debug("concurrency conflict, retrying",
					zap.String("correlation_id", event.CorrelationID().String()),
					zap.String("event_type", event.EventType()),
					zap.Int("attempt", attempt+1))
			}
			return lastErr
		})
}

func (e *Engine) process(ctx context.Context, event events.Event) error {
	cid := event.CorrelationID()

	instance, err := e.store.LoadSaga(ctx, cid)
	var expected int64
	switch {
	case err == nil:
		expected = instance.Version
	case errors.Is(err, core.NotFound):
		started, ok := event.(SagaStarted)
		if !ok {
			e.dropUnexpected(event, "no saga instance")
			return nil
		}
		instance = &store.SagaInstance{
			CorrelationID: cid,
			Workflow:      e.definition.Workflow(),
			CurrentState:  StateInitial,
			Record:        started.Record,
			Steps:         make(map[string]*store.StepState),
			StartedAt:     started.StartedAt,
		}
	default:
		return err
	}

	wasFinal := instance.CurrentState == StateFinal
	commands, ok := e.transition(instance, event)
	if !ok {
		e.dropUnexpected(event, instance.CurrentState)
		return nil
	}

	err = e.store.WithTransaction(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.SaveSaga(ctx, instance, expected); err != nil {
			return err
		}
		now := time.Now()
		for _, cmd := range commands {
			payload, err := e.codec.Encode(cmd)
			if err != nil {
				return err
			}
			if _, err := tx.EnqueueOutbox(ctx, cmd.EventType(), payload, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if e.metrics != nil {
		if expected == 0 {
			e.metrics.RecordSagaStarted(ctx, e.definition.Workflow())
		}
		if !wasFinal && instance.CurrentState == StateFinal {
			e.metrics.RecordSagaFinalized(ctx, e.definition.Workflow(), instance.Completed())
		}
	}
	return nil
}

// transition применяет таблицу переходов к загруженному экземпляру.
// Возвращает команды для отложенной публикации; ok=false означает,
// что событие не ожидается в текущем состоянии и должно быть отброшено.
func (e *Engine) transition(instance *store.SagaInstance, event events.Event) ([]events.Event, bool) {
	switch ev := event.(type) {
	case SagaStarted:
		if instance.CurrentState != StateInitial {
			return nil, false
		}
		first := e.definition.StepAt(0)
		instance.CurrentState = WaitingState(first.Name)
		return []events.Event{e.command(instance, first, 0)}, true

	case StepSucceeded:
		idx, known := e.definition.StepIndex(ev.Step)
		if !known || instance.CurrentState != WaitingState(ev.Step) {
			return nil, false
		}
		desc := e.definition.StepAt(idx)
		desc.OnSuccess(instance, ev.Step, ev.Response)
		if e.definition.IsLast(idx) {
			now := time.Now()
			instance.CurrentState = StateFinal
			instance.CompletedAt = &now
			return nil, true
		}
		next := e.definition.StepAt(idx + 1)
		instance.CurrentState = WaitingState(next.Name)
		return []events.Event{e.command(instance, next, 0)}, true

	case StepFailed:
		idx, known := e.definition.StepIndex(ev.Step)
		if !known || instance.CurrentState != WaitingState(ev.Step) {
			return nil, false
		}
		desc := e.definition.StepAt(idx)
		state := instance.Step(ev.Step)
		if state.RetryCount < desc.MaxRetries {
			desc.OnFailure(instance, ev.Step, ev.Error)
			return []events.Event{e.command(instance, desc, state.RetryCount)}, true
		}
		// Бюджет повторов исчерпан: терминальная неудача без completed_at
		instance.LastError = ev.Error
		instance.CurrentState = StateFinal
		return nil, true
	}
	return nil, false
}

func (e *Engine) command(instance *store.SagaInstance, desc *StepDescriptor, retryCount int) StepCommand {
	return StepCommand{
		Correlation: instance.CorrelationID,
		Step:        desc.Name,
		Payload:     desc.ExtractPayload(instance.Record),
		RetryCount:  retryCount,
	}
}

// dropUnexpected фиксирует отброшенное событие в журнале.
// Такие события не повторяются: relay уже пометил строку обработанной.
func (e *Engine) dropUnexpected(event events.Event, state string) {
	e.logger.Warn("dropping unexpected event",
		zap.String("event_type", event.EventType()),
		zap.String("correlation_id", event.CorrelationID().String()),
		zap.String("current_state", state))
}
