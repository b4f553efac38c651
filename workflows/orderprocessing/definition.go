// Package orderprocessing определяет эталонный трехшаговый workflow
// обработки заказа: создание, обработка, отгрузка.
package orderprocessing

import (
	"time"

	"github.com/akriventsev/stepflow/engine/saga"
)

// WorkflowName имя workflow
const WorkflowName = "OrderProcessing"

// Имена шагов
const (
	StepOrderCreated   = "OrderCreated"
	StepOrderProcessed = "OrderProcessed"
	StepOrderShipped   = "OrderShipped"
)

// Ключи шагов в step_data входящей записи
const (
	KeyOrderCreated   = "order-created"
	KeyOrderProcessed = "order-processed"
	KeyOrderShipped   = "order-shipped"
)

// Config конфигурация шагов workflow
type Config struct {
	CreatedMaxRetries   int
	ProcessedMaxRetries int
	ShippedMaxRetries   int
	CreatedTimeout      time.Duration
	ProcessedTimeout    time.Duration
	ShippedTimeout      time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию.
// Шаг обработки заказа затрагивает оплату и получает увеличенный таймаут.
func DefaultConfig() Config {
	return Config{
		CreatedMaxRetries:   3,
		ProcessedMaxRetries: 3,
		ShippedMaxRetries:   3,
		CreatedTimeout:      5 * time.Second,
		ProcessedTimeout:    10 * time.Second,
		ShippedTimeout:      5 * time.Second,
	}
}

// New создает определение workflow OrderProcessing
func New(config Config) (*saga.Definition, error) {
	return saga.NewDefinition(WorkflowName,
		saga.StepDescriptor{
			Name:       StepOrderCreated,
			MessageKey: KeyOrderCreated,
			MaxRetries: config.CreatedMaxRetries,
			Timeout:    config.CreatedTimeout,
		},
		saga.StepDescriptor{
			Name:       StepOrderProcessed,
			MessageKey: KeyOrderProcessed,
			MaxRetries: config.ProcessedMaxRetries,
			Timeout:    config.ProcessedTimeout,
		},
		saga.StepDescriptor{
			Name:       StepOrderShipped,
			MessageKey: KeyOrderShipped,
			MaxRetries: config.ShippedMaxRetries,
			Timeout:    config.ShippedTimeout,
		},
	)
}
