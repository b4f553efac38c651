package orderprocessing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/stepflow/engine/dispatcher"
	"github.com/akriventsev/stepflow/engine/events"
	"github.com/akriventsev/stepflow/engine/executor"
	"github.com/akriventsev/stepflow/engine/ingress"
	"github.com/akriventsev/stepflow/engine/outbox"
	"github.com/akriventsev/stepflow/engine/saga"
	"github.com/akriventsev/stepflow/engine/store"
)

// stepServer HTTP эндпоинт шага со счетчиком вызовов и управляемыми отказами
type stepServer struct {
	srv      *httptest.Server
	calls    atomic.Int64
	failures atomic.Int64 // сколько первых вызовов вернут 500
	body     string
}

func newStepServer(t *testing.T, body string, failures int) *stepServer {
	s := &stepServer{body: body}
	s.failures.Store(int64(failures))
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		if s.failures.Add(-1) >= 0 {
			http.Error(w, "transient failure", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(s.body))
	}))
	t.Cleanup(s.srv.Close)
	return s
}

type pipeline struct {
	st     *store.InMemoryStore
	source *ingress.InMemorySource
	ing    *ingress.Ingress
}

// startPipeline собирает полный конвейер: source → ingress → store →
// relay → dispatcher → engine/executor → HTTP.
func startPipeline(t *testing.T, config Config, endpoints map[string]string, bestEffort bool) *pipeline {
	t.Helper()
	ctx := context.Background()

	def, err := New(config)
	require.NoError(t, err)
	codec := events.NewCodec()
	def.RegisterTypes(codec)

	st := store.NewInMemoryStore()

	disp, err := dispatcher.New(dispatcher.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, disp.Start(ctx))
	t.Cleanup(func() { _ = disp.Stop(context.Background()) })

	engine := saga.NewEngine(def, st, codec, saga.EngineConfig{
		ConflictRetries: 5,
		ConflictBackoff: time.Millisecond,
	})
	engine.Subscribe(disp)

	exec, err := executor.New(def, executor.Config{Endpoints: endpoints}, disp)
	require.NoError(t, err)
	exec.Subscribe(disp)

	relay, err := outbox.NewRelay(outbox.RelayConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    50,
		MaxRetries:   5,
		BackoffBase:  time.Millisecond,
		BackoffMax:   20 * time.Millisecond,
	}, st, codec, disp)
	require.NoError(t, err)
	require.NoError(t, relay.Start(ctx))
	t.Cleanup(func() { _ = relay.Stop(context.Background()) })

	source := ingress.NewInMemorySource(16)
	ing, err := ingress.New(ingress.Config{
		Workflow:   WorkflowName,
		RetryDelay: time.Millisecond,
	}, source, st, codec)
	require.NoError(t, err)
	if bestEffort {
		ing.WithPublisher(disp)
	}
	require.NoError(t, ing.Start(ctx))
	t.Cleanup(func() { _ = ing.Stop(context.Background()) })

	return &pipeline{st: st, source: source, ing: ing}
}

func orderRecord(id uuid.UUID) store.Record {
	return store.Record{
		ID: id,
		StepData: map[string]json.RawMessage{
			KeyOrderCreated:   json.RawMessage(`{"o":1}`),
			KeyOrderProcessed: json.RawMessage(`{"p":2}`),
			KeyOrderShipped:   json.RawMessage(`{"s":3}`),
		},
	}
}

func waitForFinal(t *testing.T, st *store.InMemoryStore, id uuid.UUID) *store.SagaInstance {
	t.Helper()
	var instance *store.SagaInstance
	require.Eventually(t, func() bool {
		inst, err := st.LoadSaga(context.Background(), id)
		if err != nil || inst.CurrentState != saga.StateFinal {
			return false
		}
		instance = inst
		return true
	}, 10*time.Second, 10*time.Millisecond, "saga did not reach the final state")
	return instance
}

func TestHappyPathThreeSteps(t *testing.T) {
	created := newStepServer(t, "ok-1", 0)
	processed := newStepServer(t, "ok-2", 0)
	shipped := newStepServer(t, "ok-3", 0)

	p := startPipeline(t, DefaultConfig(), map[string]string{
		StepOrderCreated:   created.srv.URL,
		StepOrderProcessed: processed.srv.URL,
		StepOrderShipped:   shipped.srv.URL,
	}, true)

	id := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	p.source.Deliver(orderRecord(id))

	inst := waitForFinal(t, p.st, id)
	require.NotNil(t, inst.CompletedAt)
	for step, response := range map[string]string{
		StepOrderCreated:   "ok-1",
		StepOrderProcessed: "ok-2",
		StepOrderShipped:   "ok-3",
	} {
		state := inst.Steps[step]
		require.NotNil(t, state, "missing state for step %s", step)
		assert.True(t, state.APICalled)
		assert.Equal(t, response, state.Response)
		assert.Zero(t, state.RetryCount)
	}
	assert.Equal(t, int64(1), created.calls.Load())
	assert.Equal(t, int64(1), processed.calls.Load())
	assert.Equal(t, int64(1), shipped.calls.Load())
}

func TestTransientStepFailureThenSuccess(t *testing.T) {
	created := newStepServer(t, "ok-1", 0)
	processed := newStepServer(t, "ok-2", 2)
	shipped := newStepServer(t, "ok-3", 0)

	p := startPipeline(t, DefaultConfig(), map[string]string{
		StepOrderCreated:   created.srv.URL,
		StepOrderProcessed: processed.srv.URL,
		StepOrderShipped:   shipped.srv.URL,
	}, true)

	id := uuid.New()
	p.source.Deliver(orderRecord(id))

	inst := waitForFinal(t, p.st, id)
	require.NotNil(t, inst.CompletedAt)
	assert.Equal(t, 2, inst.Steps[StepOrderProcessed].RetryCount)
	assert.True(t, inst.Steps[StepOrderProcessed].APICalled)
	assert.Equal(t, "ok-2", inst.Steps[StepOrderProcessed].Response)
	// Две неудачи и успех: ровно три команды CallOrderProcessed
	assert.Equal(t, int64(3), processed.calls.Load())
}

func TestStepExhaustsRetries(t *testing.T) {
	created := newStepServer(t, "ok-1", 1000)
	processed := newStepServer(t, "ok-2", 0)
	shipped := newStepServer(t, "ok-3", 0)

	p := startPipeline(t, DefaultConfig(), map[string]string{
		StepOrderCreated:   created.srv.URL,
		StepOrderProcessed: processed.srv.URL,
		StepOrderShipped:   shipped.srv.URL,
	}, true)

	id := uuid.New()
	p.source.Deliver(orderRecord(id))

	inst := waitForFinal(t, p.st, id)
	assert.Nil(t, inst.CompletedAt)
	assert.NotEmpty(t, inst.LastError)
	assert.Equal(t, 3, inst.Steps[StepOrderCreated].RetryCount)
	// Первичный вызов плюс три повтора
	assert.Equal(t, int64(4), created.calls.Load())
	assert.Zero(t, processed.calls.Load())
	assert.Zero(t, shipped.calls.Load())
}

func TestRedeliveredRecord(t *testing.T) {
	created := newStepServer(t, "ok-1", 0)
	processed := newStepServer(t, "ok-2", 0)
	shipped := newStepServer(t, "ok-3", 0)

	p := startPipeline(t, DefaultConfig(), map[string]string{
		StepOrderCreated:   created.srv.URL,
		StepOrderProcessed: processed.srv.URL,
		StepOrderShipped:   shipped.srv.URL,
	}, true)

	id := uuid.New()
	p.source.Deliver(orderRecord(id))
	p.source.Deliver(orderRecord(id))

	inst := waitForFinal(t, p.st, id)
	require.NotNil(t, inst.CompletedAt)

	count, err := p.st.CountRecords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Обе доставки подтверждены, сага одна
	assert.Eventually(t, func() bool { return p.source.AckCount(id) == 2 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), created.calls.Load())
}

func TestRelayDeliversWithoutBestEffortPublish(t *testing.T) {
	created := newStepServer(t, "ok-1", 0)
	processed := newStepServer(t, "ok-2", 0)
	shipped := newStepServer(t, "ok-3", 0)

	// Без немедленной публикации SagaStarted доезжает только через relay,
	// как после рестарта процесса между коммитом и публикацией
	p := startPipeline(t, DefaultConfig(), map[string]string{
		StepOrderCreated:   created.srv.URL,
		StepOrderProcessed: processed.srv.URL,
		StepOrderShipped:   shipped.srv.URL,
	}, false)

	id := uuid.New()
	p.source.Deliver(orderRecord(id))

	inst := waitForFinal(t, p.st, id)
	require.NotNil(t, inst.CompletedAt)
	assert.Equal(t, int64(1), created.calls.Load())
}

func TestMissingPayloadKeyStillCallsStep(t *testing.T) {
	var gotBody atomic.Value
	created := newStepServer(t, "ok-1", 0)
	processed := newStepServer(t, "ok-2", 0)
	shippedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(string(body))
		_, _ = w.Write([]byte("ok-3"))
	}))
	t.Cleanup(shippedSrv.Close)

	p := startPipeline(t, DefaultConfig(), map[string]string{
		StepOrderCreated:   created.srv.URL,
		StepOrderProcessed: processed.srv.URL,
		StepOrderShipped:   shippedSrv.URL,
	}, true)

	id := uuid.New()
	record := orderRecord(id)
	delete(record.StepData, KeyOrderShipped)
	p.source.Deliver(record)

	inst := waitForFinal(t, p.st, id)
	require.NotNil(t, inst.CompletedAt)
	assert.Equal(t, "{}", gotBody.Load())
}

func TestDuplicateSuccessEventIsDropped(t *testing.T) {
	created := newStepServer(t, "ok-1", 0)
	processed := newStepServer(t, "ok-2", 0)
	shipped := newStepServer(t, "ok-3", 0)

	p := startPipeline(t, DefaultConfig(), map[string]string{
		StepOrderCreated:   created.srv.URL,
		StepOrderProcessed: processed.srv.URL,
		StepOrderShipped:   shipped.srv.URL,
	}, true)

	id := uuid.New()
	p.source.Deliver(orderRecord(id))
	inst := waitForFinal(t, p.st, id)
	finalVersion := inst.Version

	// Дубликат исхода шага для финализированной саги отбрасывается
	codec := events.NewCodec()
	def, err := New(DefaultConfig())
	require.NoError(t, err)
	def.RegisterTypes(codec)
	engine := saga.NewEngine(def, p.st, codec, saga.DefaultEngineConfig())
	require.NoError(t, engine.Handle(context.Background(), saga.StepSucceeded{
		Correlation: id,
		Step:        StepOrderCreated,
		Response:    "duplicate",
	}))

	after, err := p.st.LoadSaga(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, finalVersion, after.Version)
}

func TestDefinitionDeclaresCanonicalSteps(t *testing.T) {
	def, err := New(DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, WorkflowName, def.Workflow())
	require.Len(t, def.Steps(), 3)
	assert.Equal(t, "SagaStarted-OrderProcessing", def.StartedEventType())

	first := def.StepAt(0)
	assert.Equal(t, StepOrderCreated, first.Name)
	assert.Equal(t, KeyOrderCreated, first.MessageKey)
	assert.Equal(t, 5*time.Second, first.Timeout)

	second := def.StepAt(1)
	assert.Equal(t, 10*time.Second, second.Timeout)
}
