// Package core предоставляет систему ошибок движка.
package core

import (
	"fmt"
)

// Коды ошибок движка
const (
	ErrDuplicateKey          = "DUPLICATE_KEY"
	ErrConcurrencyConflict   = "CONCURRENCY_CONFLICT"
	ErrNotFound              = "NOT_FOUND"
	ErrDeserializationFailed = "DESERIALIZATION_FAILED"
	ErrUnexpectedEvent       = "UNEXPECTED_EVENT"
	ErrPersistenceFailed     = "PERSISTENCE_FAILED"
	ErrInvalidConfig         = "INVALID_CONFIG"
)

// EngineError базовый тип ошибки движка
type EngineError struct {
	Code    string
	Message string
	Cause   error
}

// Error реализует интерфейс error
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap возвращает причину ошибки
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is проверяет, соответствует ли ошибка коду
func (e *EngineError) Is(target error) bool {
	if t, ok := target.(*EngineError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError создает новую ошибку движка
func NewError(code, message string) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
	}
}

// Wrap оборачивает существующую ошибку
func Wrap(err error, code, message string) *EngineError {
	if err == nil {
		return nil
	}
	return &EngineError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Сигнальные значения для проверки через errors.Is
var (
	// DuplicateKey запись с таким ключом уже существует
	DuplicateKey = NewError(ErrDuplicateKey, "duplicate key")
	// ConcurrencyConflict версия записи изменилась с момента загрузки
	ConcurrencyConflict = NewError(ErrConcurrencyConflict, "concurrency conflict")
	// NotFound запись не найдена
	NotFound = NewError(ErrNotFound, "not found")
	// UnexpectedEvent событие не ожидается в текущем состоянии саги
	UnexpectedEvent = NewError(ErrUnexpectedEvent, "unexpected event for state")
)
