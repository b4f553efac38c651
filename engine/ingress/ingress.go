package ingress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akriventsev/stepflow/engine/core"
	"github.com/akriventsev/stepflow/engine/events"
	"github.com/akriventsev/stepflow/engine/metrics"
	"github.com/akriventsev/stepflow/engine/saga"
	"github.com/akriventsev/stepflow/engine/store"
)

// Publisher поверхность диспетчера для best-effort публикации.
// Немедленная публикация после коммита ускоряет старт саги;
// при любой неудаче доставку гарантирует relay.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Config конфигурация ingress
type Config struct {
	// Workflow имя workflow, сагу которого стартует запись
	Workflow string
	// RetryDelay пауза перед повтором после ошибки обработки
	RetryDelay time.Duration
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.Workflow == "" {
		return fmt.Errorf("workflow cannot be empty")
	}
	return nil
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		RetryDelay: time.Second,
	}
}

// Ingress принимает записи из источника и атомарно фиксирует запись
// вместе со строкой outbox SagaStarted. Подтверждение источнику
// уходит только после коммита: сбой до коммита оставляет запись
// неподтвержденной, и источник доставит ее повторно.
type Ingress struct {
	config    Config
	source    MessageSource
	store     store.Store
	codec     *events.Codec
	publisher Publisher
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New создает ingress поверх источника
func New(config Config, source MessageSource, st store.Store, codec *events.Codec) (*Ingress, error) {
	if err := config.Validate(); err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "invalid ingress config")
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultConfig().RetryDelay
	}
	return &Ingress{
		config: config,
		source: source,
		store:  st,
		codec:  codec,
		logger: zap.NewNop(),
	}, nil
}

// WithLogger устанавливает логгер
func (i *Ingress) WithLogger(logger *zap.Logger) *Ingress {
	i.logger = logger
	return i
}

// WithPublisher включает best-effort публикацию после коммита
func (i *Ingress) WithPublisher(publisher Publisher) *Ingress {
	i.publisher = publisher
	return i
}

// WithMetrics включает сбор метрик приема
func (i *Ingress) WithMetrics(m *metrics.Metrics) *Ingress {
	i.metrics = m
	return i
}

// Name возвращает имя компонента
func (i *Ingress) Name() string { return "ingress-" + i.config.Workflow }

// Type возвращает тип компонента
func (i *Ingress) Type() core.ComponentType { return core.ComponentTypeWorker }

// Start запускает источник и цикл приема
func (i *Ingress) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.running {
		return nil
	}

	if err := i.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message source: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	i.done = make(chan struct{})
	i.running = true

	go i.loop(loopCtx)
	i.logger.Info("ingress started", zap.String("workflow", i.config.Workflow))
	return nil
}

// Stop прекращает прием и останавливает источник
func (i *Ingress) Stop(ctx context.Context) error {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return nil
	}
	i.running = false
	cancel, done := i.cancel, i.done
	i.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := i.source.Stop(ctx); err != nil {
		return err
	}
	i.logger.Info("ingress stopped")
	return nil
}

// IsRunning проверяет, запущен ли ingress
func (i *Ingress) IsRunning() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}

func (i *Ingress) loop(ctx context.Context) {
	defer close(i.done)
	for {
		delivery, err := i.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			i.logger.Error("failed to fetch from source", zap.Error(err))
			select {
			case <-time.After(i.config.RetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		if err := i.ProcessDelivery(ctx, delivery); err != nil {
			// Запись осталась неподтвержденной, источник доставит повторно
			i.logger.Error("failed to process delivery",
				zap.String("record_id", delivery.Record.ID.String()),
				zap.Error(err))
			select {
			case <-time.After(i.config.RetryDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}

// ProcessDelivery обрабатывает одну доставку: в одной транзакции
// вставляет запись и ставит SagaStarted в outbox, затем подтверждает
// источнику. Повторная доставка упирается в DuplicateKey и
// подтверждается без каких-либо эффектов.
func (i *Ingress) ProcessDelivery(ctx context.Context, delivery *Delivery) error {
	started := saga.SagaStarted{
		Correlation: delivery.Record.ID,
		Workflow:    i.config.Workflow,
		Record:      delivery.Record,
		StartedAt:   time.Now(),
	}
	payload, err := i.codec.Encode(started)
	if err != nil {
		return err
	}

	var duplicate bool
	err = i.store.WithTransaction(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.InsertRecord(ctx, delivery.Record); err != nil {
			if errors.Is(err, core.DuplicateKey) {
				duplicate = true
				return nil
			}
			return err
		}
		_, err := tx.EnqueueOutbox(ctx, started.EventType(), payload, time.Now())
		return err
	})
	if err != nil {
		return err
	}

	if i.metrics != nil {
		i.metrics.RecordIngress(ctx, duplicate)
	}

	if ackErr := delivery.Ack(ctx); ackErr != nil {
		// Коммит уже состоялся: передоставка безвредна
		i.logger.Warn("failed to ack delivery",
			zap.String("record_id", delivery.Record.ID.String()),
			zap.Error(ackErr))
	}

	if duplicate {
		i.logger.Debug("duplicate record skipped",
			zap.String("record_id", delivery.Record.ID.String()))
		return nil
	}

	if i.publisher != nil {
		if pubErr := i.publisher.Publish(ctx, started); pubErr != nil {
			i.logger.Debug("best-effort publish failed, relay will deliver",
				zap.String("record_id", delivery.Record.ID.String()),
				zap.Error(pubErr))
		}
	}
	return nil
}
