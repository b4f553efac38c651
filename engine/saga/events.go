// Package saga предоставляет персистентную машину состояний саги:
// определение шагов, события и обработчик переходов.
package saga

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/akriventsev/stepflow/engine/store"
)

// Типы событий строятся из имени workflow и имен шагов.
// Для workflow W с шагами S1..Sn на диспетчере существуют ровно:
// SagaStarted-W, и на каждый шаг CallSk, SkSucceeded, SkFailed.
func StartedEventType(workflow string) string { return "SagaStarted-" + workflow }

// CommandEventType возвращает тип команды вызова шага
func CommandEventType(step string) string { return "Call" + step }

// SucceededEventType возвращает тип события успешного шага
func SucceededEventType(step string) string { return step + "Succeeded" }

// FailedEventType возвращает тип события неудачного шага
func FailedEventType(step string) string { return step + "Failed" }

// SagaStarted начальное событие саги, порожденное ingress
type SagaStarted struct {
	Correlation uuid.UUID    `json:"correlation_id"`
	Workflow    string       `json:"workflow"`
	Record      store.Record `json:"original_record"`
	StartedAt   time.Time    `json:"started_at"`
}

func (e SagaStarted) EventType() string        { return StartedEventType(e.Workflow) }
func (e SagaStarted) CorrelationID() uuid.UUID { return e.Correlation }

// StepCommand команда вызова шага, адресованная исполнителю
type StepCommand struct {
	Correlation uuid.UUID       `json:"correlation_id"`
	Step        string          `json:"step"`
	Payload     json.RawMessage `json:"payload"`
	RetryCount  int             `json:"retry_count"`
}

func (e StepCommand) EventType() string        { return CommandEventType(e.Step) }
func (e StepCommand) CorrelationID() uuid.UUID { return e.Correlation }

// StepSucceeded шаг выполнен, HTTP вызов вернул 2xx
type StepSucceeded struct {
	Correlation uuid.UUID `json:"correlation_id"`
	Step        string    `json:"step"`
	Response    string    `json:"response"`
}

func (e StepSucceeded) EventType() string        { return SucceededEventType(e.Step) }
func (e StepSucceeded) CorrelationID() uuid.UUID { return e.Correlation }

// StepFailed шаг не выполнен: HTTP >= 400, транспортная ошибка или таймаут.
// RetryCount несет значение из входящей команды.
type StepFailed struct {
	Correlation uuid.UUID `json:"correlation_id"`
	Step        string    `json:"step"`
	Error       string    `json:"error"`
	RetryCount  int       `json:"retry_count"`
}

func (e StepFailed) EventType() string        { return FailedEventType(e.Step) }
func (e StepFailed) CorrelationID() uuid.UUID { return e.Correlation }
