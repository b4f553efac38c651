// Package ingress предоставляет прием входящих записей: адаптеры
// источников сообщений и воркера, атомарно фиксирующего запись
// вместе с начальным событием саги.
package ingress

import (
	"context"
	"encoding/json"

	"github.com/akriventsev/stepflow/engine/core"
	"github.com/akriventsev/stepflow/engine/store"
)

// Delivery одна доставка записи из источника.
// Ack подтверждает доставку; до подтверждения источник
// обязан доставить запись повторно.
type Delivery struct {
	Record store.Record
	Ack    func(ctx context.Context) error
}

// MessageSource абстрактный источник записей с доставкой at-least-once
// и явным подтверждением.
type MessageSource interface {
	core.Component
	core.Lifecycle
	// Fetch блокируется до следующей доставки или отмены контекста
	Fetch(ctx context.Context) (*Delivery, error)
}

// decodeRecord разбирает запись из тела сообщения источника
func decodeRecord(data []byte) (store.Record, error) {
	var record store.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return store.Record{}, core.Wrap(err, core.ErrDeserializationFailed, "failed to decode inbound record")
	}
	return record, nil
}
