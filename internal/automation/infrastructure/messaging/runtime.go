// Package messaging moves runtime events between host applications and the
// coordinator over the event bus.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/automata/internal/automation/domain"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/automata/pkg/observability"
)

// RuntimeRoutingPrefix prefixes runtime event routing keys; the event type is appended.
const RuntimeRoutingPrefix = "automata.runtime."

// RuntimeTopic matches every runtime event routing key.
const RuntimeTopic = RuntimeRoutingPrefix + "#"

// RoutingKey returns the routing key a runtime event is published under.
func RoutingKey(ev domain.RuntimeEvent) string {
	return RuntimeRoutingPrefix + string(ev.Type)
}

// RuntimeEventSink receives decoded runtime events.
type RuntimeEventSink interface {
	OnRuntimeEvent(ctx context.Context, ev domain.RuntimeEvent) error
}

// RuntimeEventConsumer feeds runtime events from the bus into a sink.
type RuntimeEventConsumer struct {
	sink    RuntimeEventSink
	logger  *slog.Logger
	metrics observability.Metrics
}

// NewRuntimeEventConsumer creates a consumer for sink.
func NewRuntimeEventConsumer(sink RuntimeEventSink, logger *slog.Logger, metrics observability.Metrics) *RuntimeEventConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &RuntimeEventConsumer{sink: sink, logger: logger, metrics: metrics}
}

// Topics implements eventbus.EventConsumer.
func (c *RuntimeEventConsumer) Topics() []string {
	return []string{RuntimeTopic}
}

// Handle decodes the delivery and hands it to the sink. Undecodable or
// invalid events are reported as malformed so the broker drops them.
func (c *RuntimeEventConsumer) Handle(ctx context.Context, d *eventbus.Delivery) error {
	var ev domain.RuntimeEvent
	if err := d.Decode(&ev); err != nil {
		c.malformed(ctx, d, err)
		return err
	}
	if ev.Type == "" {
		if suffix, ok := strings.CutPrefix(d.RoutingKey, RuntimeRoutingPrefix); ok {
			ev.Type = domain.EventType(suffix)
		}
	}
	if ev.ID == uuid.Nil {
		if id, err := uuid.Parse(d.MessageID); err == nil {
			ev.ID = id
		}
	}

	err := c.sink.OnRuntimeEvent(ctx, ev)
	if errors.Is(err, domain.ErrInvalidEvent) {
		err = fmt.Errorf("%w: %w", eventbus.ErrMalformed, err)
		c.malformed(ctx, d, err)
	}
	return err
}

func (c *RuntimeEventConsumer) malformed(ctx context.Context, d *eventbus.Delivery, err error) {
	c.metrics.Counter(observability.MetricRuntimeMalformed, 1)
	c.logger.WarnContext(ctx, "discarding malformed runtime event",
		"routing_key", d.RoutingKey,
		"message_id", d.MessageID,
		"error", err,
	)
}

// Publish sends a runtime event to the bus.
func Publish(ctx context.Context, pub eventbus.Publisher, ev domain.RuntimeEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode runtime event: %w", err)
	}
	return pub.Publish(ctx, RoutingKey(ev), payload)
}
