// Package dispatcher предоставляет внутренний диспетчер событий.
// Подписчики регистрируются по типу события; доставка асинхронная
// через пул воркеров с маршрутизацией по correlation ID, что
// гарантирует порядок обработки событий одной саги.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akriventsev/stepflow/engine/core"
	"github.com/akriventsev/stepflow/engine/events"
)

// Handler обработчик событий одного типа
type Handler interface {
	// EventType возвращает тип обрабатываемого события
	EventType() string
	// Handle обрабатывает событие
	Handle(ctx context.Context, event events.Event) error
}

// HandlerFunc адаптер функции к интерфейсу Handler
type HandlerFunc struct {
	eventType string
	handle    func(ctx context.Context, event events.Event) error
}

// NewHandlerFunc создает обработчик из функции
func NewHandlerFunc(eventType string, handle func(ctx context.Context, event events.Event) error) *HandlerFunc {
	return &HandlerFunc{eventType: eventType, handle: handle}
}

func (h *HandlerFunc) EventType() string { return h.eventType }

func (h *HandlerFunc) Handle(ctx context.Context, event events.Event) error {
	return h.handle(ctx, event)
}

// Config конфигурация диспетчера
type Config struct {
	Workers     int
	QueueSize   int
	StopTimeout time.Duration
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	return nil
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Workers:     8,
		QueueSize:   256,
		StopTimeout: 30 * time.Second,
	}
}

type task struct {
	ctx   context.Context
	event events.Event
	done  chan error // nil для асинхронной публикации
}

// Dispatcher внутренний диспетчер событий с пулом воркеров.
// События одной саги всегда попадают в очередь одного воркера.
type Dispatcher struct {
	config   Config
	logger   *zap.Logger
	mu       sync.RWMutex
	handlers map[string][]Handler
	queues   []chan task
	wg       sync.WaitGroup
	running  bool
}

// New создает новый диспетчер
func New(config Config) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "invalid dispatcher config")
	}
	return &Dispatcher{
		config:   config,
		logger:   zap.NewNop(),
		handlers: make(map[string][]Handler),
	}, nil
}

// WithLogger устанавливает логгер
func (d *Dispatcher) WithLogger(logger *zap.Logger) *Dispatcher {
	d.logger = logger
	return d
}

// Name возвращает имя компонента
func (d *Dispatcher) Name() string { return "dispatcher" }

// Type возвращает тип компонента
func (d *Dispatcher) Type() core.ComponentType { return core.ComponentTypeWorker }

// Subscribe регистрирует обработчик для его типа события.
// Регистрация после запуска безопасна: воркеры читают срез под RLock.
func (d *Dispatcher) Subscribe(handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[handler.EventType()] = append(d.handlers[handler.EventType()], handler)
}

// Start запускает пул воркеров
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	d.queues = make([]chan task, d.config.Workers)
	for i := range d.queues {
		d.queues[i] = make(chan task, d.config.QueueSize)
		d.wg.Add(1)
		go d.worker(d.queues[i])
	}
	d.running = true
	d.logger.Info("dispatcher started", zap.Int("workers", d.config.Workers))
	return nil
}

// Stop останавливает диспетчер, дожидаясь обработки очередей
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	queues := d.queues
	d.mu.Unlock()

	for _, q := range queues {
		close(q)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timeout := d.config.StopTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("dispatcher stop timed out after %s", timeout)
	}
}

// IsRunning проверяет, запущен ли диспетчер
func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// Publish асинхронно доставляет событие подписчикам.
// Ошибки обработчиков логируются и не возвращаются вызывающему.
func (d *Dispatcher) Publish(ctx context.Context, event events.Event) error {
	return d.enqueue(task{ctx: ctx, event: event})
}

// PublishSync доставляет событие и дожидается завершения обработчиков.
// Возвращает объединенную ошибку обработчиков; используется relay,
// которому нужен исход доставки для решения о повторе.
func (d *Dispatcher) PublishSync(ctx context.Context, event events.Event) error {
	done := make(chan error, 1)
	if err := d.enqueue(task{ctx: ctx, event: event, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) enqueue(t task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		return fmt.Errorf("dispatcher is not running")
	}
	queue := d.queues[routeIndex(t.event.CorrelationID().String(), len(d.queues))]
	select {
	case queue <- t:
		return nil
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
}

// routeIndex выбирает воркера по FNV-хэшу ключа маршрутизации
func routeIndex(key string, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(workers))
}

func (d *Dispatcher) worker(queue chan task) {
	defer d.wg.Done()
	for t := range queue {
		err := d.deliver(t.ctx, t.event)
		if t.done != nil {
			t.done <- err
			continue
		}
		if err != nil {
			d.logger.Error("event handler failed",
				zap.String("event_type", t.event.EventType()),
				zap.String("correlation_id", t.event.CorrelationID().String()),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event events.Event) error {
	d.mu.RLock()
	handlers := d.handlers[event.EventType()]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.logger.Debug("no handlers for event", zap.String("event_type", event.EventType()))
		return nil
	}

	var errs []error
	for _, h := range handlers {
		if err := h.Handle(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
