package ingress

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/akriventsev/stepflow/engine/core"
	"github.com/akriventsev/stepflow/engine/store"
)

// InMemorySource источник записей в памяти для тестирования.
// Неподтвержденные записи можно доставить повторно через Redeliver.
type InMemorySource struct {
	mu      sync.Mutex
	queue   chan store.Record
	acked   map[uuid.UUID]int
	pending map[uuid.UUID]store.Record
	running bool
}

// NewInMemorySource создает источник с буфером заданного размера
func NewInMemorySource(buffer int) *InMemorySource {
	return &InMemorySource{
		queue:   make(chan store.Record, buffer),
		acked:   make(map[uuid.UUID]int),
		pending: make(map[uuid.UUID]store.Record),
	}
}

// Name возвращает имя компонента
func (s *InMemorySource) Name() string { return "inmemory-source" }

// Type возвращает тип компонента
func (s *InMemorySource) Type() core.ComponentType { return core.ComponentTypeAdapter }

// Start запускает источник
func (s *InMemorySource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	return nil
}

// Stop останавливает источник
func (s *InMemorySource) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

// IsRunning проверяет, запущен ли источник
func (s *InMemorySource) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Deliver ставит запись в очередь доставки
func (s *InMemorySource) Deliver(record store.Record) {
	s.mu.Lock()
	s.pending[record.ID] = record
	s.mu.Unlock()
	s.queue <- record
}

// Redeliver повторно доставляет все неподтвержденные записи
func (s *InMemorySource) Redeliver() {
	s.mu.Lock()
	records := make([]store.Record, 0, len(s.pending))
	for _, r := range s.pending {
		records = append(records, r)
	}
	s.mu.Unlock()
	for _, r := range records {
		s.queue <- r
	}
}

// AckCount возвращает число подтверждений записи
func (s *InMemorySource) AckCount(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked[id]
}

// PendingCount возвращает число неподтвержденных записей
func (s *InMemorySource) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *InMemorySource) Fetch(ctx context.Context) (*Delivery, error) {
	select {
	case record := <-s.queue:
		return &Delivery{
			Record: record,
			Ack: func(ctx context.Context) error {
				s.mu.Lock()
				defer s.mu.Unlock()
				s.acked[record.ID]++
				delete(s.pending, record.ID)
				return nil
			},
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
