package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed marks a delivery that can never be handled. Consumers return
// it (wrapped) so brokers drop the message instead of redelivering it.
var ErrMalformed = errors.New("malformed delivery")

// EventConsumer handles deliveries for a set of topic patterns.
type EventConsumer interface {
	// Topics returns the routing key patterns this consumer handles,
	// e.g. ["automata.runtime.*", "automation.schedule.finished"].
	// `*` matches one dot-separated word and `#` matches zero or more.
	Topics() []string

	// Handle processes the delivery.
	Handle(ctx context.Context, d *Delivery) error
}

// Delivery is a message received from the bus.
type Delivery struct {
	MessageID  string
	RoutingKey string
	Body       json.RawMessage
	ReceivedAt time.Time
}

// Decode unmarshals the body into v, wrapping failures in ErrMalformed.
func (d *Delivery) Decode(v any) error {
	if err := json.Unmarshal(d.Body, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, d.RoutingKey, err)
	}
	return nil
}

// Consumer defines the interface for consuming events from a message broker.
type Consumer interface {
	// Start begins consuming messages. This is a blocking call.
	Start(ctx context.Context) error

	// RegisterConsumer registers an event consumer.
	RegisterConsumer(consumer EventConsumer)

	// Close closes the consumer connection.
	Close() error
}
