package ingress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/akriventsev/stepflow/engine/core"
)

// NATSConfig конфигурация источника NATS JetStream
type NATSConfig struct {
	URL           string
	Stream        string
	Subject       string
	Durable       string
	MaxReconnects int
	ReconnectWait time.Duration
	FetchTimeout  time.Duration
}

// Validate проверяет корректность конфигурации
func (c NATSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("URL cannot be empty")
	}
	if !strings.HasPrefix(c.URL, "nats://") && !strings.HasPrefix(c.URL, "tls://") {
		return fmt.Errorf("URL must start with nats:// or tls://")
	}
	if c.Subject == "" {
		return fmt.Errorf("subject cannot be empty")
	}
	if c.Durable == "" {
		return fmt.Errorf("durable name cannot be empty")
	}
	return nil
}

// DefaultNATSConfig возвращает конфигурацию NATS по умолчанию
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Stream:        "STEPFLOW",
		Subject:       "stepflow.records",
		Durable:       "stepflow-ingress",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		FetchTimeout:  5 * time.Second,
	}
}

// NATSSource источник записей из NATS JetStream.
// Подтверждение доставки через msg.Ack; неподтвержденные сообщения
// передоставляются consumer'ом после ack wait.
type NATSSource struct {
	config  NATSConfig
	conn    *nats.Conn
	sub     *nats.Subscription
	mu      sync.RWMutex
	running bool
}

// NewNATSSource создает источник NATS
func NewNATSSource(config NATSConfig) (*NATSSource, error) {
	if err := config.Validate(); err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "invalid nats source config")
	}
	return &NATSSource{config: config}, nil
}

// Name возвращает имя компонента
func (s *NATSSource) Name() string { return "nats-source" }

// Type возвращает тип компонента
func (s *NATSSource) Type() core.ComponentType { return core.ComponentTypeAdapter }

// Start подключается к NATS и создает pull подписку
func (s *NATSSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	conn, err := nats.Connect(s.config.URL,
		nats.MaxReconnects(s.config.MaxReconnects),
		nats.ReconnectWait(s.config.ReconnectWait),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	sub, err := js.PullSubscribe(s.config.Subject, s.config.Durable,
		nats.BindStream(s.config.Stream))
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", s.config.Subject, err)
	}

	s.conn = conn
	s.sub = sub
	s.running = true
	return nil
}

// Stop останавливает источник
func (s *NATSSource) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	if s.conn != nil && s.conn.IsConnected() {
		_ = s.conn.Drain()
		s.conn.Close()
	}
	s.running = false
	return nil
}

// IsRunning проверяет, запущен ли источник
func (s *NATSSource) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *NATSSource) Fetch(ctx context.Context) (*Delivery, error) {
	s.mu.RLock()
	sub := s.sub
	s.mu.RUnlock()
	if sub == nil {
		return nil, fmt.Errorf("nats source is not started")
	}

	for {
		msgs, err := sub.Fetch(1, nats.MaxWait(s.config.FetchTimeout))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				default:
					continue
				}
			}
			return nil, fmt.Errorf("failed to fetch from JetStream: %w", err)
		}
		if len(msgs) == 0 {
			continue
		}

		msg := msgs[0]
		record, err := decodeRecord(msg.Data)
		if err != nil {
			// Неразборчивое сообщение убирается из потока, иначе оно
			// будет передоставляться бесконечно
			_ = msg.Term()
			return nil, err
		}
		return &Delivery{
			Record: record,
			Ack: func(ctx context.Context) error {
				return msg.Ack()
			},
		}, nil
	}
}
