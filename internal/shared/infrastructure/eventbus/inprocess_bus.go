package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InProcessEventBus is an in-memory event bus for deployments without RabbitMQ.
// Deliveries are dispatched synchronously to registered consumers.
type InProcessEventBus struct {
	registry *ConsumerRegistry
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewInProcessEventBus creates a new in-process event bus.
func NewInProcessEventBus(logger *slog.Logger) *InProcessEventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessEventBus{
		registry: NewConsumerRegistry(logger),
		logger:   logger,
	}
}

// RegisterConsumer registers an event consumer.
func (b *InProcessEventBus) RegisterConsumer(consumer EventConsumer) {
	b.registry.Register(consumer)
}

// Publish dispatches the payload to every matching consumer before returning.
// Malformed payloads are logged and dropped; other consumer errors are
// returned so the outbox retries the message.
func (b *InProcessEventBus) Publish(ctx context.Context, routingKey string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := &Delivery{
		MessageID:  uuid.NewString(),
		RoutingKey: routingKey,
		Body:       append([]byte(nil), payload...),
		ReceivedAt: time.Now(),
	}

	start := time.Now()
	err := b.registry.Dispatch(ctx, d)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, ErrMalformed) {
			b.logger.Warn("dropping malformed delivery",
				"routing_key", routingKey,
				"error", err,
			)
			return nil
		}
		b.logger.Error("event dispatch failed",
			"routing_key", routingKey,
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
		return err
	}

	b.logger.Debug("event dispatched",
		"routing_key", routingKey,
		"duration_ms", duration.Milliseconds(),
	)
	return nil
}

// Registry returns the underlying consumer registry.
func (b *InProcessEventBus) Registry() *ConsumerRegistry {
	return b.registry
}

// Start blocks until ctx is cancelled; dispatch happens inside Publish.
func (b *InProcessEventBus) Start(ctx context.Context) error {
	b.logger.Info("in-process event bus started")
	<-ctx.Done()
	return ctx.Err()
}

// Close is a no-op for in-process bus.
func (b *InProcessEventBus) Close() error {
	return nil
}
