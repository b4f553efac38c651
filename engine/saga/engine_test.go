package saga

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/stepflow/engine/core"
	"github.com/akriventsev/stepflow/engine/events"
	"github.com/akriventsev/stepflow/engine/store"
)

func testDefinition(t *testing.T) *Definition {
	t.Helper()
	def, err := NewDefinition("TestFlow",
		StepDescriptor{Name: "One", MessageKey: "one", MaxRetries: 2},
		StepDescriptor{Name: "Two", MessageKey: "two", MaxRetries: 2},
		StepDescriptor{Name: "Three", MessageKey: "three", MaxRetries: 2},
	)
	require.NoError(t, err)
	return def
}

func testRecord(id uuid.UUID) store.Record {
	return store.Record{
		ID: id,
		StepData: map[string]json.RawMessage{
			"one":   json.RawMessage(`{"o":1}`),
			"two":   json.RawMessage(`{"p":2}`),
			"three": json.RawMessage(`{"s":3}`),
		},
	}
}

func newTestEngine(t *testing.T, st store.Store) *Engine {
	t.Helper()
	def := testDefinition(t)
	codec := events.NewCodec()
	def.RegisterTypes(codec)
	return NewEngine(def, st, codec, DefaultEngineConfig())
}

func startSaga(t *testing.T, e *Engine, st store.Store, id uuid.UUID) {
	t.Helper()
	err := e.Handle(context.Background(), SagaStarted{
		Correlation: id,
		Workflow:    "TestFlow",
		Record:      testRecord(id),
		StartedAt:   time.Now(),
	})
	require.NoError(t, err)
}

func drainCommands(t *testing.T, st store.Store) []StepCommand {
	t.Helper()
	rows, err := st.ClaimDueOutbox(context.Background(), time.Now(), 100)
	require.NoError(t, err)
	commands := make([]StepCommand, 0, len(rows))
	for _, row := range rows {
		var cmd StepCommand
		require.NoError(t, json.Unmarshal(row.Payload, &cmd))
		commands = append(commands, cmd)
		require.NoError(t, st.MarkProcessed(context.Background(), row.ID))
	}
	return commands
}

func TestEngineStartsSaga(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st)
	id := uuid.New()

	startSaga(t, e, st, id)

	inst, err := st.LoadSaga(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, WaitingState("One"), inst.CurrentState)
	assert.Equal(t, int64(1), inst.Version)

	commands := drainCommands(t, st)
	require.Len(t, commands, 1)
	assert.Equal(t, "One", commands[0].Step)
	assert.Equal(t, id, commands[0].Correlation)
	assert.JSONEq(t, `{"o":1}`, string(commands[0].Payload))
	assert.Equal(t, 0, commands[0].RetryCount)
}

func TestEngineHappyPath(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st)
	id := uuid.New()
	ctx := context.Background()

	startSaga(t, e, st, id)
	drainCommands(t, st)

	for _, step := range []string{"One", "Two", "Three"} {
		err := e.Handle(ctx, StepSucceeded{Correlation: id, Step: step, Response: "ok-" + step})
		require.NoError(t, err)
		drainCommands(t, st)
	}

	inst, err := st.LoadSaga(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFinal, inst.CurrentState)
	require.NotNil(t, inst.CompletedAt)
	for _, step := range []string{"One", "Two", "Three"} {
		state := inst.Steps[step]
		require.NotNil(t, state)
		assert.True(t, state.APICalled)
		assert.Equal(t, "ok-"+step, state.Response)
		assert.Equal(t, 0, state.RetryCount)
	}
}

func TestEngineSuccessEmitsNextCommand(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st)
	id := uuid.New()

	startSaga(t, e, st, id)
	drainCommands(t, st)

	require.NoError(t, e.Handle(context.Background(), StepSucceeded{Correlation: id, Step: "One", Response: "ok"}))

	commands := drainCommands(t, st)
	require.Len(t, commands, 1)
	assert.Equal(t, "Two", commands[0].Step)
	assert.JSONEq(t, `{"p":2}`, string(commands[0].Payload))
}

func TestEngineRetriesFailedStep(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st)
	id := uuid.New()
	ctx := context.Background()

	startSaga(t, e, st, id)
	drainCommands(t, st)

	require.NoError(t, e.Handle(ctx, StepFailed{Correlation: id, Step: "One", Error: "boom", RetryCount: 0}))

	inst, err := st.LoadSaga(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, WaitingState("One"), inst.CurrentState)
	assert.Equal(t, 1, inst.Steps["One"].RetryCount)
	assert.Equal(t, "boom", inst.LastError)

	commands := drainCommands(t, st)
	require.Len(t, commands, 1)
	assert.Equal(t, "One", commands[0].Step)
	assert.Equal(t, 1, commands[0].RetryCount)
}

func TestEngineExhaustsRetryBudget(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st)
	id := uuid.New()
	ctx := context.Background()

	startSaga(t, e, st, id)
	drainCommands(t, st)

	// MaxRetries=2: две неудачи дают повторы, третья финализирует
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Handle(ctx, StepFailed{Correlation: id, Step: "One", Error: "boom", RetryCount: i}))
		drainCommands(t, st)
	}

	inst, err := st.LoadSaga(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFinal, inst.CurrentState)
	assert.Nil(t, inst.CompletedAt)
	assert.Equal(t, 2, inst.Steps["One"].RetryCount)
	assert.Equal(t, "boom", inst.LastError)
}

func TestEngineFinalIsAbsorbing(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st)
	id := uuid.New()
	ctx := context.Background()

	startSaga(t, e, st, id)
	drainCommands(t, st)
	for _, step := range []string{"One", "Two", "Three"} {
		require.NoError(t, e.Handle(ctx, StepSucceeded{Correlation: id, Step: step, Response: "ok"}))
		drainCommands(t, st)
	}

	before, err := st.LoadSaga(ctx, id)
	require.NoError(t, err)

	// Запоздавшее событие для финализированной саги отбрасывается
	require.NoError(t, e.Handle(ctx, StepSucceeded{Correlation: id, Step: "Three", Response: "late"}))

	after, err := st.LoadSaga(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, "ok", after.Steps["Three"].Response)
	assert.Empty(t, drainCommands(t, st))
}

func TestEngineDropsEventOutOfOrder(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st)
	id := uuid.New()

	startSaga(t, e, st, id)
	drainCommands(t, st)

	require.NoError(t, e.Handle(context.Background(), StepSucceeded{Correlation: id, Step: "Two", Response: "ok"}))

	inst, err := st.LoadSaga(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, WaitingState("One"), inst.CurrentState)
	assert.Empty(t, drainCommands(t, st))
}

func TestEngineDropsEventWithoutInstance(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st)
	id := uuid.New()

	require.NoError(t, e.Handle(context.Background(), StepSucceeded{Correlation: id, Step: "One", Response: "ok"}))

	_, err := st.LoadSaga(context.Background(), id)
	assert.ErrorIs(t, err, core.NotFound)
}

func TestEngineIdempotentStart(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st)
	id := uuid.New()

	startSaga(t, e, st, id)
	drainCommands(t, st)

	// Повторная доставка SagaStarted не создает вторую сагу и не дублирует команду
	startSaga(t, e, st, id)

	inst, err := st.LoadSaga(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, WaitingState("One"), inst.CurrentState)
	assert.Equal(t, int64(1), inst.Version)
	assert.Empty(t, drainCommands(t, st))
}

func TestEngineMissingPayloadKey(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st)
	id := uuid.New()

	err := e.Handle(context.Background(), SagaStarted{
		Correlation: id,
		Workflow:    "TestFlow",
		Record:      store.Record{ID: id, StepData: map[string]json.RawMessage{}},
		StartedAt:   time.Now(),
	})
	require.NoError(t, err)

	commands := drainCommands(t, st)
	require.Len(t, commands, 1)
	assert.JSONEq(t, `{}`, string(commands[0].Payload))
}

// conflictStore возвращает ConcurrencyConflict заданное число раз
type conflictStore struct {
	store.Store
	remaining int
}

func (c *conflictStore) WithTransaction(ctx context.Context, body func(ctx context.Context, tx store.Store) error) error {
	if c.remaining > 0 {
		c.remaining--
		return core.Wrap(core.ConcurrencyConflict, core.ErrConcurrencyConflict, "injected conflict")
	}
	return c.Store.WithTransaction(ctx, body)
}

func TestEngineRetriesOnConflict(t *testing.T) {
	inner := store.NewInMemoryStore()
	st := &conflictStore{Store: inner, remaining: 2}
	def := testDefinition(t)
	codec := events.NewCodec()
	def.RegisterTypes(codec)
	e := NewEngine(def, st, codec, EngineConfig{ConflictRetries: 5, ConflictBackoff: time.Millisecond})
	id := uuid.New()

	startSaga(t, e, inner, id)

	inst, err := inner.LoadSaga(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, WaitingState("One"), inst.CurrentState)
}

func TestEngineSurfacesConflictAfterExhaustion(t *testing.T) {
	inner := store.NewInMemoryStore()
	st := &conflictStore{Store: inner, remaining: 100}
	def := testDefinition(t)
	codec := events.NewCodec()
	def.RegisterTypes(codec)
	e := NewEngine(def, st, codec, EngineConfig{ConflictRetries: 3, ConflictBackoff: time.Millisecond})
	id := uuid.New()

	err := e.Handle(context.Background(), SagaStarted{
		Correlation: id, Workflow: "TestFlow", Record: testRecord(id), StartedAt: time.Now(),
	})
	assert.ErrorIs(t, err, core.ConcurrencyConflict)
}

func TestDefinitionValidation(t *testing.T) {
	_, err := NewDefinition("")
	assert.Error(t, err)

	_, err = NewDefinition("Flow")
	assert.Error(t, err)

	_, err = NewDefinition("Flow", StepDescriptor{Name: "", MessageKey: "k"})
	assert.Error(t, err)

	_, err = NewDefinition("Flow",
		StepDescriptor{Name: "A", MessageKey: "a"},
		StepDescriptor{Name: "A", MessageKey: "b"})
	assert.Error(t, err)
}

func TestDefinitionEventTypes(t *testing.T) {
	def := testDefinition(t)
	assert.Equal(t, "SagaStarted-TestFlow", def.StartedEventType())
	assert.Contains(t, def.EventTypes(), "CallOne")
	assert.Contains(t, def.EventTypes(), "TwoSucceeded")
	assert.Contains(t, def.EventTypes(), "ThreeFailed")
}
