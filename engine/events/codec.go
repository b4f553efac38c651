// Package events предоставляет кодек для сериализации событий в outbox.
package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/akriventsev/stepflow/engine/core"
)

// DecodeFunc десериализует событие известного типа из JSON
type DecodeFunc func(data []byte) (Event, error)

// Codec реестр сериализации событий по типу.
// Payload в outbox - это JSON конкретной структуры события,
// колонка event_type определяет функцию декодирования.
type Codec struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

// NewCodec создает новый пустой кодек
func NewCodec() *Codec {
	return &Codec{
		decoders: make(map[string]DecodeFunc),
	}
}

// Register регистрирует декодер для типа события
func (c *Codec) Register(eventType string, decode DecodeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decoders[eventType] = decode
}

// Encode сериализует событие в JSON
func (c *Codec) Encode(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", event.EventType(), err)
	}
	return data, nil
}

// Decode десериализует событие по его типу
func (c *Codec) Decode(eventType string, data []byte) (Event, error) {
	c.mu.RLock()
	decode, ok := c.decoders[eventType]
	c.mu.RUnlock()

	if !ok {
		return nil, core.NewError(core.ErrDeserializationFailed,
			fmt.Sprintf("no decoder registered for event type %s", eventType))
	}

	event, err := decode(data)
	if err != nil {
		return nil, core.Wrap(err, core.ErrDeserializationFailed,
			fmt.Sprintf("failed to decode event %s", eventType))
	}
	return event, nil
}

// KnownTypes возвращает список зарегистрированных типов событий
func (c *Codec) KnownTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]string, 0, len(c.decoders))
	for t := range c.decoders {
		types = append(types, t)
	}
	return types
}

// DecodeJSON универсальный декодер для конкретного типа структуры
func DecodeJSON[T Event](data []byte) (Event, error) {
	var event T
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return event, nil
}
