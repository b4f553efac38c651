// Package events предоставляет базовую модель событий внутреннего диспетчера.
package events

import (
	"github.com/google/uuid"
)

// Event представляет событие на внутреннем диспетчере.
// Каждое событие принадлежит ровно одной саге и несет ее correlation ID.
type Event interface {
	// EventType возвращает тип события
	EventType() string
	// CorrelationID возвращает correlation ID саги
	CorrelationID() uuid.UUID
}
