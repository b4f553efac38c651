package ingress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/akriventsev/stepflow/engine/core"
)

// recordField имя поля с телом записи в сообщении Redis Stream
const recordField = "record"

// RedisConfig конфигурация источника Redis Streams
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Stream    string
	Group     string
	Consumer  string
	BlockTime time.Duration
}

// Validate проверяет корректность конфигурации
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if c.Stream == "" {
		return fmt.Errorf("stream cannot be empty")
	}
	if c.Group == "" {
		return fmt.Errorf("group cannot be empty")
	}
	if c.Consumer == "" {
		return fmt.Errorf("consumer cannot be empty")
	}
	return nil
}

// DefaultRedisConfig возвращает конфигурацию Redis по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		Stream:    "stepflow:records",
		Group:     "stepflow-ingress",
		Consumer:  "ingress-1",
		BlockTime: 5 * time.Second,
	}
}

// RedisSource источник записей из Redis Streams.
// Подтверждение доставки через XACK в consumer group;
// неподтвержденные сообщения остаются в PEL группы.
type RedisSource struct {
	config  RedisConfig
	client  *redis.Client
	mu      sync.RWMutex
	running bool
}

// NewRedisSource создает источник Redis Streams
func NewRedisSource(config RedisConfig) (*RedisSource, error) {
	if err := config.Validate(); err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "invalid redis source config")
	}
	return &RedisSource{config: config}, nil
}

// Name возвращает имя компонента
func (s *RedisSource) Name() string { return "redis-source" }

// Type возвращает тип компонента
func (s *RedisSource) Type() core.ComponentType { return core.ComponentTypeAdapter }

// Start подключается к Redis и создает consumer group
func (s *RedisSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     s.config.Addr,
		Password: s.config.Password,
		DB:       s.config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	err := client.XGroupCreateMkStream(ctx, s.config.Stream, s.config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		_ = client.Close()
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	s.client = client
	s.running = true
	return nil
}

// Stop закрывает подключение
func (s *RedisSource) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// IsRunning проверяет, запущен ли источник
func (s *RedisSource) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *RedisSource) Fetch(ctx context.Context) (*Delivery, error) {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	if client == nil {
		return nil, fmt.Errorf("redis source is not started")
	}

	for {
		streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.config.Group,
			Consumer: s.config.Consumer,
			Streams:  []string{s.config.Stream, ">"},
			Count:    1,
			Block:    s.config.BlockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				default:
					continue
				}
			}
			return nil, fmt.Errorf("failed to read from redis stream: %w", err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				body, ok := msg.Values[recordField].(string)
				if !ok {
					// Сообщение без тела подтверждается, чтобы не копить PEL
					_ = client.XAck(ctx, s.config.Stream, s.config.Group, msg.ID).Err()
					return nil, core.NewError(core.ErrDeserializationFailed,
						"redis message "+msg.ID+" has no record field")
				}
				record, err := decodeRecord([]byte(body))
				if err != nil {
					_ = client.XAck(ctx, s.config.Stream, s.config.Group, msg.ID).Err()
					return nil, err
				}
				msgID := msg.ID
				return &Delivery{
					Record: record,
					Ack: func(ctx context.Context) error {
						return client.XAck(ctx, s.config.Stream, s.config.Group, msgID).Err()
					},
				}, nil
			}
		}
	}
}
