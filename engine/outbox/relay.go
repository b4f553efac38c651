// Package outbox предоставляет relay: фонового воркера, который
// переносит зафиксированные строки outbox на внутренний диспетчер.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akriventsev/stepflow/engine/core"
	"github.com/akriventsev/stepflow/engine/events"
	"github.com/akriventsev/stepflow/engine/metrics"
	"github.com/akriventsev/stepflow/engine/store"
)

// Publisher поверхность диспетчера, нужная relay.
// Синхронная публикация возвращает исход обработчиков:
// от него зависит решение о повторе или dead-letter.
type Publisher interface {
	PublishSync(ctx context.Context, event events.Event) error
}

// RelayConfig конфигурация relay
type RelayConfig struct {
	// PollInterval период опроса outbox
	PollInterval time.Duration
	// BatchSize максимум строк за один опрос
	BatchSize int
	// MaxRetries бюджет попыток доставки строки
	MaxRetries int
	// BackoffBase база экспоненциальной задержки между попытками
	BackoffBase time.Duration
	// BackoffMax потолок задержки
	BackoffMax time.Duration
}

// Validate проверяет корректность конфигурации
func (c RelayConfig) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}
	return nil
}

// DefaultRelayConfig возвращает конфигурацию по умолчанию
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    50,
		MaxRetries:   5,
		BackoffBase:  2 * time.Second,
		BackoffMax:   time.Minute,
	}
}

// Relay периодически забирает назревшие строки outbox,
// декодирует их и доставляет подписчикам диспетчера.
// Неудачные строки переносятся с экспоненциальной задержкой;
// после исчерпания бюджета строка помечается dead-letter.
type Relay struct {
	config    RelayConfig
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

// NewRelay создает relay
func NewRelay(config RelayConfig, st store.Store, codec *events.Codec, publisher Publisher) (*Relay, error) {
	if err := config.Validate(); err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "invalid relay config")
	}
	return &Relay{
		config:    config,
		store:     st,
		codec:     codec,
		publisher: publisher,
		logger:    zap.NewNop(),
	}, nil
}

// WithLogger устанавливает логгер
func (r *Relay) WithLogger(logger *zap.Logger) *Relay {
	r.logger = logger
	return r
}

// WithMetrics включает сбор метрик доставки
func (r *Relay) WithMetrics(m *metrics.Metrics) *Relay {
	r.metrics = m
	return r
}

// Name возвращает имя компонента
func (r *Relay) Name() string { return "outbox-relay" }

// Type возвращает тип компонента
func (r *Relay) Type() core.ComponentType { return core.ComponentTypeWorker }

// Start запускает цикл опроса
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go r.loop(loopCtx)
	r.logger.Info("outbox relay started",
		zap.Duration("poll_interval", r.config.PollInterval),
		zap.Int("batch_size", r.config.BatchSize))
	return nil
}

// Stop останавливает relay. Начатая доставка завершается,
// новые строки не забираются и не начинаются.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	select {
	case <-done:
		r.logger.Info("outbox relay stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning проверяет, запущен ли relay
func (r *Relay) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Relay) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	// Первый опрос сразу при старте, чтобы подхватить хвост после рестарта
	r.DrainOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.DrainOnce(ctx)
		}
	}
}

// DrainOnce выполняет один опрос: забирает назревшие строки и доставляет их.
// Пустой опрос не пишет в хранилище. Возвращает число доставленных строк.
func (r *Relay) DrainOnce(ctx context.Context) int {
	rows, err := r.store.ClaimDueOutbox(ctx, time.Now(), r.config.BatchSize)
	if err != nil {
		r.logger.Error("failed to claim outbox rows", zap.Error(err))
		return 0
	}

	// Начатая доставка завершается под неотменяемым контекстом:
	// сигнал остановки проверяется только между строками. Оставшиеся
	// строки освобождает истечение лизинга claim.
	deliverCtx := context.WithoutCancel(ctx)
	delivered := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		if r.deliver(deliverCtx, row) {
			delivered++
		}
	}
	return delivered
}

func (r *Relay) deliver(ctx context.Context, row store.OutboxRow) bool {
	event, err := r.codec.Decode(row.EventType, row.Payload)
	if err == nil {
		err = r.publisher.PublishSync(ctx, event)
	}

	if err == nil {
		if markErr := r.store.MarkProcessed(ctx, row.ID); markErr != nil {
			r.logger.Error("failed to mark outbox row processed",
				zap.String("outbox_id", row.ID.String()), zap.Error(markErr))
			return false
		}
		if r.metrics != nil {
			r.metrics.RecordOutboxDelivery(ctx, row.EventType, true)
		}
		return true
	}

	retryCount := row.RetryCount + 1
	deadLetter := retryCount >= r.config.MaxRetries
	next := time.Now().Add(Backoff(retryCount, r.config.BackoffBase, r.config.BackoffMax))

	if markErr := r.store.MarkFailed(ctx, row.ID, err.Error(), next, retryCount, deadLetter); markErr != nil {
		r.logger.Error("failed to mark outbox row failed",
			zap.String("outbox_id", row.ID.String()), zap.Error(markErr))
		return false
	}

	if r.metrics != nil {
		r.metrics.RecordOutboxDelivery(ctx, row.EventType, false)
		if deadLetter {
			r.metrics.RecordDeadLetter(ctx, row.EventType)
		}
	}

	if deadLetter {
		r.logger.Error("outbox row dead-lettered",
			zap.String("outbox_id", row.ID.String()),
			zap.String("event_type", row.EventType),
			zap.Int("retry_count", retryCount),
			zap.Error(err))
	} else {
		r.logger.Warn("outbox delivery failed, will retry",
			zap.String("outbox_id", row.ID.String()),
			zap.String("event_type", row.EventType),
			zap.Int("retry_count", retryCount),
			zap.Time("next_attempt", next),
			zap.Error(err))
	}
	return false
}
