package saga

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/akriventsev/stepflow/engine/core"
	"github.com/akriventsev/stepflow/engine/events"
	"github.com/akriventsev/stepflow/engine/store"
)

// Имена состояний машины саги
const (
	StateInitial = "Initial"
	StateFinal   = "Final"
)

// WaitingState возвращает имя состояния ожидания результата шага
func WaitingState(step string) string { return "WaitingFor" + step }

// emptyPayload подставляется, когда ключ шага отсутствует в step_data
var emptyPayload = json.RawMessage("{}")

// StepDescriptor статическое описание одного шага workflow.
// Никакой рефлексии: поведение шага задается полями и замыканиями,
// для отсутствующих замыканий применяются стандартные.
type StepDescriptor struct {
	// Name имя шага, из которого строятся типы событий и имя состояния
	Name string
	// MessageKey ключ шага в step_data входящей записи
	MessageKey string
	// MaxRetries бюджет повторов шага
	MaxRetries int
	// Timeout таймаут HTTP вызова шага
	Timeout time.Duration

	// ExtractPayload извлекает полезную нагрузку команды из записи.
	// По умолчанию берется step_data[MessageKey], при отсутствии - пустой объект.
	ExtractPayload func(record store.Record) json.RawMessage
	// OnSuccess применяет результат успешного шага к состоянию саги
	OnSuccess func(instance *store.SagaInstance, step string, response string)
	// OnFailure фиксирует неудачную попытку шага в состоянии саги
	OnFailure func(instance *store.SagaInstance, step string, stepErr string)
}

func (d *StepDescriptor) applyDefaults() {
	if d.Timeout <= 0 {
		d.Timeout = 5 * time.Second
	}
	if d.ExtractPayload == nil {
		key := d.MessageKey
		d.ExtractPayload = func(record store.Record) json.RawMessage {
			if data, ok := record.StepData[key]; ok {
				return data
			}
			return emptyPayload
		}
	}
	if d.OnSuccess == nil {
		d.OnSuccess = func(instance *store.SagaInstance, step string, response string) {
			state := instance.Step(step)
			state.APICalled = true
			state.Response = response
		}
	}
	if d.OnFailure == nil {
		d.OnFailure = func(instance *store.SagaInstance, step string, stepErr string) {
			instance.Step(step).RetryCount++
			instance.LastError = stepErr
		}
	}
}

// Definition определение workflow: имя и упорядоченный вектор шагов
type Definition struct {
	workflow string
	steps    []StepDescriptor
	byName   map[string]int
}

// NewDefinition создает определение workflow из дескрипторов шагов
func NewDefinition(workflow string, steps ...StepDescriptor) (*Definition, error) {
	if workflow == "" {
		return nil, core.NewError(core.ErrInvalidConfig, "workflow name cannot be empty")
	}
	if len(steps) == 0 {
		return nil, core.NewError(core.ErrInvalidConfig, "workflow must declare at least one step")
	}

	byName := make(map[string]int, len(steps))
	for i := range steps {
		s := &steps[i]
		if s.Name == "" {
			return nil, core.NewError(core.ErrInvalidConfig, fmt.Sprintf("step %d has empty name", i))
		}
		if s.MessageKey == "" {
			return nil, core.NewError(core.ErrInvalidConfig, "step "+s.Name+" has empty message key")
		}
		if s.MaxRetries < 0 {
			return nil, core.NewError(core.ErrInvalidConfig, "step "+s.Name+" has negative retry budget")
		}
		if _, exists := byName[s.Name]; exists {
			return nil, core.NewError(core.ErrInvalidConfig, "duplicate step name "+s.Name)
		}
		s.applyDefaults()
		byName[s.Name] = i
	}

	return &Definition{workflow: workflow, steps: steps, byName: byName}, nil
}

// Workflow возвращает имя workflow
func (d *Definition) Workflow() string { return d.workflow }

// Steps возвращает упорядоченный список шагов
func (d *Definition) Steps() []StepDescriptor { return d.steps }

// StartedEventType возвращает тип начального события workflow
func (d *Definition) StartedEventType() string { return StartedEventType(d.workflow) }

// StepIndex возвращает позицию шага в workflow
func (d *Definition) StepIndex(name string) (int, bool) {
	i, ok := d.byName[name]
	return i, ok
}

// StepAt возвращает дескриптор шага по позиции
func (d *Definition) StepAt(index int) *StepDescriptor {
	return &d.steps[index]
}

// IsLast проверяет, последний ли это шаг workflow
func (d *Definition) IsLast(index int) bool {
	return index == len(d.steps)-1
}

// EventTypes возвращает все типы событий workflow
func (d *Definition) EventTypes() []string {
	types := []string{d.StartedEventType()}
	for _, s := range d.steps {
		types = append(types,
			CommandEventType(s.Name),
			SucceededEventType(s.Name),
			FailedEventType(s.Name))
	}
	return types
}

// RegisterTypes регистрирует декодеры всех событий workflow в кодеке
func (d *Definition) RegisterTypes(codec *events.Codec) {
	codec.Register(d.StartedEventType(), events.DecodeJSON[SagaStarted])
	for _, s := range d.steps {
		codec.Register(CommandEventType(s.Name), events.DecodeJSON[StepCommand])
		codec.Register(SucceededEventType(s.Name), events.DecodeJSON[StepSucceeded])
		codec.Register(FailedEventType(s.Name), events.DecodeJSON[StepFailed])
	}
}
