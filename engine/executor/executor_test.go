package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/stepflow/engine/events"
	"github.com/akriventsev/stepflow/engine/saga"
)

type capturePublisher struct {
	mu        sync.Mutex
	published []events.Event
}

func (p *capturePublisher) Publish(ctx context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, event)
	return nil
}

func (p *capturePublisher) last(t *testing.T) events.Event {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.published)
	return p.published[len(p.published)-1]
}

func singleStepDefinition(t *testing.T, timeout time.Duration) *saga.Definition {
	t.Helper()
	def, err := saga.NewDefinition("ExecFlow",
		saga.StepDescriptor{Name: "One", MessageKey: "one", MaxRetries: 2, Timeout: timeout})
	require.NoError(t, err)
	return def
}

func TestExecutorPublishesSucceededOn2xx(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok-1"))
	}))
	defer server.Close()

	def := singleStepDefinition(t, time.Second)
	pub := &capturePublisher{}
	exec, err := New(def, Config{Endpoints: map[string]string{"One": server.URL}}, pub)
	require.NoError(t, err)

	cmd := saga.StepCommand{
		Correlation: uuid.New(),
		Step:        "One",
		Payload:     json.RawMessage(`{"o":1}`),
	}
	require.NoError(t, exec.Handle(context.Background(), cmd))

	succeeded, ok := pub.last(t).(saga.StepSucceeded)
	require.True(t, ok)
	assert.Equal(t, cmd.Correlation, succeeded.Correlation)
	assert.Equal(t, "One", succeeded.Step)
	assert.Equal(t, "ok-1", succeeded.Response)
	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"o":1}`, string(gotBody))
}

func TestExecutorPublishesFailedOnHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer server.Close()

	def := singleStepDefinition(t, time.Second)
	pub := &capturePublisher{}
	exec, err := New(def, Config{Endpoints: map[string]string{"One": server.URL}}, pub)
	require.NoError(t, err)

	cmd := saga.StepCommand{Correlation: uuid.New(), Step: "One", Payload: json.RawMessage(`{}`), RetryCount: 1}
	require.NoError(t, exec.Handle(context.Background(), cmd))

	failed, ok := pub.last(t).(saga.StepFailed)
	require.True(t, ok)
	assert.Equal(t, cmd.Correlation, failed.Correlation)
	assert.Contains(t, failed.Error, "500")
	// retry_count несет значение из входящей команды
	assert.Equal(t, 1, failed.RetryCount)
}

func TestExecutorPublishesFailedOnTimeout(t *testing.T) {
	started := make(chan struct{})
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		// Сервер не замечает обрыв соединения, пока тело запроса не
		// прочитано, поэтому ждем и завершение теста, иначе Close зависнет.
		select {
		case <-r.Context().Done():
		case <-done:
		}
	}))
	defer server.Close()
	defer close(done)

	def := singleStepDefinition(t, 50*time.Millisecond)
	pub := &capturePublisher{}
	exec, err := New(def, Config{Endpoints: map[string]string{"One": server.URL}}, pub)
	require.NoError(t, err)

	cmd := saga.StepCommand{Correlation: uuid.New(), Step: "One", Payload: json.RawMessage(`{}`)}
	require.NoError(t, exec.Handle(context.Background(), cmd))

	<-started
	failed, ok := pub.last(t).(saga.StepFailed)
	require.True(t, ok)
	assert.NotEmpty(t, failed.Error)
}

func TestExecutorPublishesFailedOnTransportError(t *testing.T) {
	def := singleStepDefinition(t, time.Second)
	pub := &capturePublisher{}
	// Закрытый сервер дает транспортную ошибку
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	exec, err := New(def, Config{Endpoints: map[string]string{"One": url}}, pub)
	require.NoError(t, err)

	cmd := saga.StepCommand{Correlation: uuid.New(), Step: "One", Payload: json.RawMessage(`{}`)}
	require.NoError(t, exec.Handle(context.Background(), cmd))

	_, ok := pub.last(t).(saga.StepFailed)
	assert.True(t, ok)
}

func TestExecutorRequiresEndpoints(t *testing.T) {
	def := singleStepDefinition(t, time.Second)
	_, err := New(def, Config{Endpoints: map[string]string{}}, &capturePublisher{})
	assert.Error(t, err)
}
