package ingress

import (
	"github.com/akriventsev/stepflow/engine/core"
)

// Виды источников сообщений
const (
	SourceNATS     = "nats"
	SourceKafka    = "kafka"
	SourceRedis    = "redis"
	SourceInMemory = "inmemory"
)

// SourceConfig объединенная конфигурация источника
type SourceConfig struct {
	Kind  string
	NATS  NATSConfig
	Kafka KafkaConfig
	Redis RedisConfig
}

// DefaultSourceConfig возвращает конфигурацию источника по умолчанию
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		Kind:  SourceNATS,
		NATS:  DefaultNATSConfig(),
		Kafka: DefaultKafkaConfig(),
		Redis: DefaultRedisConfig(),
	}
}

// NewSource создает источник сообщений по виду из конфигурации
func NewSource(config SourceConfig) (MessageSource, error) {
	switch config.Kind {
	case SourceNATS:
		return NewNATSSource(config.NATS)
	case SourceKafka:
		return NewKafkaSource(config.Kafka)
	case SourceRedis:
		return NewRedisSource(config.Redis)
	case SourceInMemory:
		return NewInMemorySource(128), nil
	default:
		return nil, core.NewError(core.ErrInvalidConfig, "unknown source kind "+config.Kind)
	}
}
