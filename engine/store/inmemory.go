// Package store предоставляет in-memory реализацию Store для тестирования.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akriventsev/stepflow/engine/core"
)

const defaultClaimLease = time.Minute

// InMemoryStore реализация Store в памяти для тестирования.
// Транзакция сериализует весь доступ к хранилищу (single-writer);
// при ошибке body состояние восстанавливается из снимка.
type InMemoryStore struct {
	mu         sync.Mutex
	records    map[uuid.UUID]Record
	outbox     []OutboxRow
	sagas      map[uuid.UUID]*SagaInstance
	seq        int64
	claimLease time.Duration
}

// NewInMemoryStore создает новое in-memory хранилище
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:    make(map[uuid.UUID]Record),
		sagas:      make(map[uuid.UUID]*SagaInstance),
		claimLease: defaultClaimLease,
	}
}

// WithClaimLease задает срок лизинга забранных строк outbox
func (s *InMemoryStore) WithClaimLease(lease time.Duration) *InMemoryStore {
	s.claimLease = lease
	return s
}

func (s *InMemoryStore) InsertRecord(ctx context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().InsertRecord(ctx, record)
}

func (s *InMemoryStore) EnqueueOutbox(ctx context.Context, eventType string, payload []byte, scheduledFor time.Time) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().EnqueueOutbox(ctx, eventType, payload, scheduledFor)
}

func (s *InMemoryStore) ClaimDueOutbox(ctx context.Context, now time.Time, batchSize int) ([]OutboxRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ClaimDueOutbox(ctx, now, batchSize)
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().MarkProcessed(ctx, id)
}

func (s *InMemoryStore) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, nextScheduledFor time.Time, newRetryCount int, deadLetter bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().MarkFailed(ctx, id, lastError, nextScheduledFor, newRetryCount, deadLetter)
}

func (s *InMemoryStore) RequeueOutbox(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().RequeueOutbox(ctx, id)
}

func (s *InMemoryStore) LoadSaga(ctx context.Context, correlationID uuid.UUID) (*SagaInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().LoadSaga(ctx, correlationID)
}

func (s *InMemoryStore) SaveSaga(ctx context.Context, instance *SagaInstance, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().SaveSaga(ctx, instance, expectedVersion)
}

func (s *InMemoryStore) CountRecords(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CountRecords(ctx)
}

func (s *InMemoryStore) CountUnprocessedOutbox(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CountUnprocessedOutbox(ctx)
}

func (s *InMemoryStore) CountSagasByState(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CountSagasByState(ctx)
}

func (s *InMemoryStore) RecentOutbox(ctx context.Context, limit int) ([]OutboxRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().RecentOutbox(ctx, limit)
}

func (s *InMemoryStore) DeadLetteredOutbox(ctx context.Context, limit int) ([]OutboxRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().DeadLetteredOutbox(ctx, limit)
}

// WithTransaction выполняет body под общей блокировкой хранилища.
// При ошибке body все изменения откатываются из снимка состояния.
func (s *InMemoryStore) WithTransaction(ctx context.Context, body func(ctx context.Context, tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshot()
	if err := body(ctx, s.view()); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

// view возвращает представление без блокировки: вызывающий уже держит mu
func (s *InMemoryStore) view() *inMemoryView {
	return &inMemoryView{s: s}
}

type memorySnapshot struct {
	records map[uuid.UUID]Record
	outbox  []OutboxRow
	sagas   map[uuid.UUID]*SagaInstance
	seq     int64
}

func (s *InMemoryStore) snapshot() memorySnapshot {
	snap := memorySnapshot{
		records: make(map[uuid.UUID]Record, len(s.records)),
		outbox:  make([]OutboxRow, len(s.outbox)),
		sagas:   make(map[uuid.UUID]*SagaInstance, len(s.sagas)),
		seq:     s.seq,
	}
	for id, rec := range s.records {
		snap.records[id] = rec
	}
	copy(snap.outbox, s.outbox)
	for id, inst := range s.sagas {
		snap.sagas[id] = copyInstance(inst)
	}
	return snap
}

func (s *InMemoryStore) restore(snap memorySnapshot) {
	s.records = snap.records
	s.outbox = snap.outbox
	s.sagas = snap.sagas
	s.seq = snap.seq
}

func copyInstance(inst *SagaInstance) *SagaInstance {
	cp := *inst
	cp.Steps = make(map[string]*StepState, len(inst.Steps))
	for name, state := range inst.Steps {
		stateCopy := *state
		cp.Steps[name] = &stateCopy
	}
	return &cp
}

// inMemoryView операции над хранилищем без захвата блокировки.
// Используется как транзакционное представление внутри WithTransaction.
type inMemoryView struct {
	s *InMemoryStore
}

func (v *inMemoryView) InsertRecord(ctx context.Context, record Record) error {
	if _, exists := v.s.records[record.ID]; exists {
		return core.Wrap(core.DuplicateKey, core.ErrDuplicateKey, "record "+record.ID.String())
	}
	v.s.records[record.ID] = record
	return nil
}

func (v *inMemoryView) EnqueueOutbox(ctx context.Context, eventType string, payload []byte, scheduledFor time.Time) (uuid.UUID, error) {
	v.s.seq++
	row := OutboxRow{
		ID:           uuid.New(),
		Seq:          v.s.seq,
		EventType:    eventType,
		Payload:      append([]byte(nil), payload...),
		ScheduledFor: scheduledFor,
		CreatedAt:    time.Now(),
	}
	v.s.outbox = append(v.s.outbox, row)
	return row.ID, nil
}

func (v *inMemoryView) ClaimDueOutbox(ctx context.Context, now time.Time, batchSize int) ([]OutboxRow, error) {
	var due []int
	for i := range v.s.outbox {
		row := &v.s.outbox[i]
		if row.Processed || row.ScheduledFor.After(now) {
			continue
		}
		if row.ClaimedUntil != nil && row.ClaimedUntil.After(now) {
			continue
		}
		due = append(due, i)
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := v.s.outbox[due[i]], v.s.outbox[due[j]]
		if a.ScheduledFor.Equal(b.ScheduledFor) {
			return a.Seq < b.Seq
		}
		return a.ScheduledFor.Before(b.ScheduledFor)
	})
	if len(due) > batchSize {
		due = due[:batchSize]
	}

	until := now.Add(v.s.claimLease)
	claimed := make([]OutboxRow, 0, len(due))
	for _, i := range due {
		v.s.outbox[i].ClaimedUntil = &until
		claimed = append(claimed, v.s.outbox[i])
	}
	return claimed, nil
}

func (v *inMemoryView) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	row := v.findOutbox(id)
	if row == nil {
		return core.Wrap(core.NotFound, core.ErrNotFound, "outbox row "+id.String())
	}
	now := time.Now()
	row.Processed = true
	row.ProcessedAt = &now
	row.ClaimedUntil = nil
	// Успешно доставленная строка не должна выглядеть как dead-letter
	row.LastError = ""
	return nil
}

func (v *inMemoryView) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, nextScheduledFor time.Time, newRetryCount int, deadLetter bool) error {
	row := v.findOutbox(id)
	if row == nil {
		return core.Wrap(core.NotFound, core.ErrNotFound, "outbox row "+id.String())
	}
	row.RetryCount = newRetryCount
	row.LastError = lastError
	row.ClaimedUntil = nil
	if deadLetter {
		now := time.Now()
		row.Processed = true
		row.ProcessedAt = &now
	} else {
		row.ScheduledFor = nextScheduledFor
	}
	return nil
}

func (v *inMemoryView) RequeueOutbox(ctx context.Context, id uuid.UUID) error {
	row := v.findOutbox(id)
	if row == nil {
		return core.Wrap(core.NotFound, core.ErrNotFound, "outbox row "+id.String())
	}
	row.Processed = false
	row.ProcessedAt = nil
	row.RetryCount = 0
	row.ClaimedUntil = nil
	row.ScheduledFor = time.Now()
	return nil
}

func (v *inMemoryView) LoadSaga(ctx context.Context, correlationID uuid.UUID) (*SagaInstance, error) {
	inst, ok := v.s.sagas[correlationID]
	if !ok {
		return nil, core.Wrap(core.NotFound, core.ErrNotFound, "saga "+correlationID.String())
	}
	return copyInstance(inst), nil
}

func (v *inMemoryView) SaveSaga(ctx context.Context, instance *SagaInstance, expectedVersion int64) error {
	current, exists := v.s.sagas[instance.CorrelationID]
	if expectedVersion == 0 {
		if exists {
			return core.Wrap(core.ConcurrencyConflict, core.ErrConcurrencyConflict,
				"saga "+instance.CorrelationID.String()+" already exists")
		}
	} else {
		if !exists || current.Version != expectedVersion {
			return core.Wrap(core.ConcurrencyConflict, core.ErrConcurrencyConflict,
				"saga "+instance.CorrelationID.String())
		}
	}
	saved := copyInstance(instance)
	saved.Version = expectedVersion + 1
	saved.LastUpdated = time.Now()
	v.s.sagas[instance.CorrelationID] = saved
	instance.Version = saved.Version
	return nil
}

func (v *inMemoryView) WithTransaction(ctx context.Context, body func(ctx context.Context, tx Store) error) error {
	// Вложенная транзакция выполняется в рамках внешней
	return body(ctx, v)
}

func (v *inMemoryView) CountRecords(ctx context.Context) (int64, error) {
	return int64(len(v.s.records)), nil
}

func (v *inMemoryView) CountUnprocessedOutbox(ctx context.Context) (int64, error) {
	var n int64
	for _, row := range v.s.outbox {
		if !row.Processed {
			n++
		}
	}
	return n, nil
}

func (v *inMemoryView) CountSagasByState(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, inst := range v.s.sagas {
		counts[inst.CurrentState]++
	}
	return counts, nil
}

func (v *inMemoryView) RecentOutbox(ctx context.Context, limit int) ([]OutboxRow, error) {
	rows := append([]OutboxRow(nil), v.s.outbox...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq > rows[j].Seq })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (v *inMemoryView) DeadLetteredOutbox(ctx context.Context, limit int) ([]OutboxRow, error) {
	var rows []OutboxRow
	for _, row := range v.s.outbox {
		if row.DeadLettered() {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq > rows[j].Seq })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (v *inMemoryView) findOutbox(id uuid.UUID) *OutboxRow {
	for i := range v.s.outbox {
		if v.s.outbox[i].ID == id {
			return &v.s.outbox[i]
		}
	}
	return nil
}
