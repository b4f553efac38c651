package ingress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/akriventsev/stepflow/engine/core"
)

// KafkaConfig конфигурация источника Kafka
type KafkaConfig struct {
	Brokers        []string
	Topic          string
	GroupID        string
	MinBytes       int
	MaxBytes       int
	CommitInterval time.Duration
}

// Validate проверяет корректность конфигурации
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty")
	}
	if c.Topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	if c.GroupID == "" {
		return fmt.Errorf("group ID cannot be empty")
	}
	return nil
}

// DefaultKafkaConfig возвращает конфигурацию Kafka по умолчанию
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:  []string{"localhost:9092"},
		Topic:    "stepflow-records",
		GroupID:  "stepflow-ingress",
		MinBytes: 1,
		MaxBytes: 10 << 20,
	}
}

// KafkaSource источник записей из Kafka.
// Подтверждение доставки через коммит оффсета; FetchMessage без
// коммита обеспечивает передоставку после рестарта consumer group.
type KafkaSource struct {
	config  KafkaConfig
	reader  *kafka.Reader
	mu      sync.RWMutex
	running bool
}

// NewKafkaSource создает источник Kafka
func NewKafkaSource(config KafkaConfig) (*KafkaSource, error) {
	if err := config.Validate(); err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "invalid kafka source config")
	}
	return &KafkaSource{config: config}, nil
}

// Name возвращает имя компонента
func (s *KafkaSource) Name() string { return "kafka-source" }

// Type возвращает тип компонента
func (s *KafkaSource) Type() core.ComponentType { return core.ComponentTypeAdapter }

// Start создает Kafka reader
func (s *KafkaSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:        s.config.Brokers,
		Topic:          s.config.Topic,
		GroupID:        s.config.GroupID,
		MinBytes:       s.config.MinBytes,
		MaxBytes:       s.config.MaxBytes,
		CommitInterval: s.config.CommitInterval,
	})
	s.running = true
	return nil
}

// Stop закрывает reader
func (s *KafkaSource) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if s.reader != nil {
		return s.reader.Close()
	}
	return nil
}

// IsRunning проверяет, запущен ли источник
func (s *KafkaSource) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *KafkaSource) Fetch(ctx context.Context) (*Delivery, error) {
	s.mu.RLock()
	reader := s.reader
	s.mu.RUnlock()
	if reader == nil {
		return nil, fmt.Errorf("kafka source is not started")
	}

	msg, err := reader.FetchMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from kafka: %w", err)
	}

	record, err := decodeRecord(msg.Value)
	if err != nil {
		// Неразборчивое сообщение коммитится, иначе partition застрянет
		_ = reader.CommitMessages(ctx, msg)
		return nil, err
	}
	return &Delivery{
		Record: record,
		Ack: func(ctx context.Context) error {
			return reader.CommitMessages(ctx, msg)
		},
	}, nil
}
