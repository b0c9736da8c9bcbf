package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

type registration struct {
	pattern  string
	consumer EventConsumer
}

// ConsumerRegistry manages event consumers and dispatches deliveries to them.
type ConsumerRegistry struct {
	registrations []registration
	mu            sync.RWMutex
	logger        *slog.Logger
}

// NewConsumerRegistry creates a new consumer registry.
func NewConsumerRegistry(logger *slog.Logger) *ConsumerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsumerRegistry{logger: logger}
}

// Register adds a consumer for its declared topics.
func (r *ConsumerRegistry) Register(consumer EventConsumer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pattern := range consumer.Topics() {
		r.registrations = append(r.registrations, registration{pattern: pattern, consumer: consumer})
		r.logger.Debug("registered consumer for topic", "topic", pattern)
	}
}

// Consumers returns the consumers whose patterns match routingKey.
// A consumer matching through several patterns is returned once.
func (r *ConsumerRegistry) Consumers(routingKey string) []EventConsumer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []EventConsumer
	seen := make(map[EventConsumer]bool)
	for _, reg := range r.registrations {
		if seen[reg.consumer] || !MatchTopic(reg.pattern, routingKey) {
			continue
		}
		seen[reg.consumer] = true
		out = append(out, reg.consumer)
	}
	return out
}

// Topics returns the distinct registered patterns, sorted.
func (r *ConsumerRegistry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]struct{}, len(r.registrations))
	for _, reg := range r.registrations {
		set[reg.pattern] = struct{}{}
	}
	topics := make([]string, 0, len(set))
	for t := range set {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Dispatch sends a delivery to all matching consumers. Every consumer runs
// even if an earlier one fails; the errors are joined.
func (r *ConsumerRegistry) Dispatch(ctx context.Context, d *Delivery) error {
	consumers := r.Consumers(d.RoutingKey)

	if len(consumers) == 0 {
		r.logger.Debug("no consumers for routing key", "routing_key", d.RoutingKey)
		return nil
	}

	var errs []error
	for _, consumer := range consumers {
		if err := consumer.Handle(ctx, d); err != nil {
			r.logger.Error("consumer failed to handle delivery",
				"routing_key", d.RoutingKey,
				"message_id", d.MessageID,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ConsumerCount returns the number of distinct registered consumers.
func (r *ConsumerRegistry) ConsumerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[EventConsumer]bool)
	for _, reg := range r.registrations {
		seen[reg.consumer] = true
	}
	return len(seen)
}
