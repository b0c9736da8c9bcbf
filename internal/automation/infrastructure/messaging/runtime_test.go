package messaging_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/automata/internal/automation/domain"
	"github.com/felixgeelhaar/automata/internal/automation/infrastructure/messaging"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/automata/pkg/observability"
)

type mockSink struct {
	events []domain.RuntimeEvent
	err    error
}

func (m *mockSink) OnRuntimeEvent(_ context.Context, ev domain.RuntimeEvent) error {
	m.events = append(m.events, ev)
	return m.err
}

func TestRuntimeEventConsumer_Handle(t *testing.T) {
	sink := &mockSink{}
	consumer := messaging.NewRuntimeEventConsumer(sink, nil, nil)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	ev := domain.CustomEvent("purchase", 9.5, at)
	body, err := json.Marshal(ev)
	require.NoError(t, err)

	err = consumer.Handle(context.Background(), &eventbus.Delivery{
		RoutingKey: messaging.RoutingKey(ev),
		Body:       body,
	})
	require.NoError(t, err)
	require.Len(t, sink.events, 1)
	assert.Equal(t, ev.ID, sink.events[0].ID)
	assert.Equal(t, "purchase", sink.events[0].Name)
	assert.Equal(t, 9.5, sink.events[0].Value)
	assert.True(t, at.Equal(sink.events[0].Time))
}

func TestRuntimeEventConsumer_TypeFromRoutingKey(t *testing.T) {
	sink := &mockSink{}
	consumer := messaging.NewRuntimeEventConsumer(sink, nil, nil)
	messageID := uuid.New()

	err := consumer.Handle(context.Background(), &eventbus.Delivery{
		MessageID:  messageID.String(),
		RoutingKey: "automata.runtime.screen_view",
		Body:       json.RawMessage(`{"screen":"checkout"}`),
	})
	require.NoError(t, err)
	require.Len(t, sink.events, 1)
	assert.Equal(t, domain.EventScreenView, sink.events[0].Type)
	assert.Equal(t, "checkout", sink.events[0].Screen)
	assert.Equal(t, messageID, sink.events[0].ID)
}

func TestRuntimeEventConsumer_Malformed(t *testing.T) {
	metrics := observability.NewInMemoryMetrics()

	t.Run("undecodable body", func(t *testing.T) {
		sink := &mockSink{}
		consumer := messaging.NewRuntimeEventConsumer(sink, nil, metrics)
		err := consumer.Handle(context.Background(), &eventbus.Delivery{
			RoutingKey: "automata.runtime.custom_event",
			Body:       json.RawMessage(`{not json`),
		})
		assert.ErrorIs(t, err, eventbus.ErrMalformed)
		assert.Empty(t, sink.events)
	})

	t.Run("invalid event", func(t *testing.T) {
		sink := &mockSink{err: domain.ErrInvalidEvent}
		consumer := messaging.NewRuntimeEventConsumer(sink, nil, metrics)
		err := consumer.Handle(context.Background(), &eventbus.Delivery{
			RoutingKey: "automata.runtime.shake",
			Body:       json.RawMessage(`{}`),
		})
		assert.ErrorIs(t, err, eventbus.ErrMalformed)
		assert.ErrorIs(t, err, domain.ErrInvalidEvent)
	})

	assert.Equal(t, int64(2), metrics.SumCounter(observability.MetricRuntimeMalformed))
}

func TestRuntimeEventConsumer_SinkErrorsAreRetryable(t *testing.T) {
	sink := &mockSink{err: domain.ErrAutomationDisabled}
	consumer := messaging.NewRuntimeEventConsumer(sink, nil, nil)

	err := consumer.Handle(context.Background(), &eventbus.Delivery{
		RoutingKey: "automata.runtime.app_foreground",
		Body:       json.RawMessage(`{}`),
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, eventbus.ErrMalformed))
}

func TestPublishThroughInProcessBus(t *testing.T) {
	bus := eventbus.NewInProcessEventBus(nil)
	sink := &mockSink{}
	bus.RegisterConsumer(messaging.NewRuntimeEventConsumer(sink, nil, nil))

	ev := domain.NewRuntimeEvent(domain.EventRegionEnter, time.Now())
	ev.RegionID = "store"
	require.NoError(t, messaging.Publish(context.Background(), bus, ev))

	require.Len(t, sink.events, 1)
	assert.Equal(t, "store", sink.events[0].RegionID)

	err := messaging.Publish(context.Background(), bus, domain.RuntimeEvent{Type: "shake"})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}
