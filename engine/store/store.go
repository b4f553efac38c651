// Package store предоставляет персистентное хранилище входящих записей,
// строк outbox и экземпляров саг с единым транзакционным примитивом.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record входящая запись из источника сообщений.
// ID записи повторно используется как correlation ID саги,
// что делает создание саги идемпотентным при повторной доставке.
type Record struct {
	ID       uuid.UUID                  `json:"id"`
	StepData map[string]json.RawMessage `json:"step_data"`
}

// OutboxRow строка транзакционного outbox: намерение опубликовать событие,
// зафиксированное в той же транзакции, что и породившее его изменение.
type OutboxRow struct {
	ID           uuid.UUID
	Seq          int64 // монотонный tie-break для строк с равным scheduled_for
	EventType    string
	Payload      []byte
	ScheduledFor time.Time
	Processed    bool
	ProcessedAt  *time.Time
	RetryCount   int
	LastError    string
	ClaimedUntil *time.Time // лизинг claim: до этого момента строка закреплена за забравшим
	CreatedAt    time.Time
}

// DeadLettered проверяет, исчерпала ли строка бюджет повторов.
// Dead-letter помечается processed=true с сохраненным last_error.
func (r OutboxRow) DeadLettered() bool {
	return r.Processed && r.LastError != ""
}

// StepState состояние одного шага внутри экземпляра саги
type StepState struct {
	RetryCount int    `json:"retry_count"`
	APICalled  bool   `json:"api_called"`
	Response   string `json:"response,omitempty"`
}

// SagaInstance персистентный экземпляр саги для одного correlation ID
type SagaInstance struct {
	CorrelationID uuid.UUID             `json:"correlation_id"`
	Workflow      string                `json:"workflow"`
	CurrentState  string                `json:"current_state"`
	Record        Record                `json:"record"`
	Steps         map[string]*StepState `json:"steps"`
	StartedAt     time.Time             `json:"started_at"`
	LastUpdated   time.Time             `json:"last_updated"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
	LastError     string                `json:"last_error,omitempty"`
	Version       int64                 `json:"-"`
}

// Step возвращает состояние шага, создавая пустое при первом обращении
func (s *SagaInstance) Step(name string) *StepState {
	if s.Steps == nil {
		s.Steps = make(map[string]*StepState)
	}
	state, ok := s.Steps[name]
	if !ok {
		state = &StepState{}
		s.Steps[name] = state
	}
	return state
}

// Completed проверяет, завершилась ли сага успешно
func (s *SagaInstance) Completed() bool {
	return s.CompletedAt != nil
}

// Store контракт хранилища. Реализации внутри WithTransaction передают
// в body представление Store, привязанное к открытой транзакции:
// все операции внутри фиксируются или откатываются атомарно.
type Store interface {
	// InsertRecord вставляет входящую запись.
	// Возвращает core.DuplicateKey, если запись с таким ID уже есть.
	InsertRecord(ctx context.Context, record Record) error

	// EnqueueOutbox ставит событие в outbox для последующей доставки
	EnqueueOutbox(ctx context.Context, eventType string, payload []byte, scheduledFor time.Time) (uuid.UUID, error)

	// ClaimDueOutbox возвращает до batchSize необработанных строк
	// с scheduled_for <= now в порядке (scheduled_for, seq) и закрепляет
	// их лизингом: до истечения claimed_until строка не выдается другим
	// вызывающим. Лизинг снимается MarkProcessed, MarkFailed или
	// RequeueOutbox; просроченный лизинг истекает сам.
	ClaimDueOutbox(ctx context.Context, now time.Time, batchSize int) ([]OutboxRow, error)

	// MarkProcessed помечает строку обработанной
	MarkProcessed(ctx context.Context, id uuid.UUID) error

	// MarkFailed фиксирует неудачную попытку доставки.
	// deadLetter=true помечает строку обработанной с сохранением ошибки.
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string, nextScheduledFor time.Time, newRetryCount int, deadLetter bool) error

	// RequeueOutbox возвращает dead-letter строку в очередь доставки
	RequeueOutbox(ctx context.Context, id uuid.UUID) error

	// LoadSaga загружает экземпляр саги.
	// Возвращает core.NotFound, если экземпляра нет.
	LoadSaga(ctx context.Context, correlationID uuid.UUID) (*SagaInstance, error)

	// SaveSaga сохраняет экземпляр под оптимистичной конкурентностью.
	// expectedVersion=0 означает вставку нового экземпляра.
	// Возвращает core.ConcurrencyConflict при несовпадении версии.
	SaveSaga(ctx context.Context, instance *SagaInstance, expectedVersion int64) error

	// WithTransaction выполняет body в одной ACID транзакции
	WithTransaction(ctx context.Context, body func(ctx context.Context, tx Store) error) error

	Monitor
}

// Monitor read-only доступ для поверхности мониторинга
type Monitor interface {
	// CountRecords возвращает количество входящих записей
	CountRecords(ctx context.Context) (int64, error)
	// CountUnprocessedOutbox возвращает количество необработанных строк outbox
	CountUnprocessedOutbox(ctx context.Context) (int64, error)
	// CountSagasByState возвращает количество саг в каждом состоянии
	CountSagasByState(ctx context.Context) (map[string]int64, error)
	// RecentOutbox возвращает N последних строк outbox
	RecentOutbox(ctx context.Context, limit int) ([]OutboxRow, error)
	// DeadLetteredOutbox возвращает N последних dead-letter строк
	DeadLetteredOutbox(ctx context.Context, limit int) ([]OutboxRow, error)
}
