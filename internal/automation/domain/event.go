package domain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a runtime event produced by the host application.
type EventType string

const (
	EventAppForeground EventType = "app_foreground"
	EventAppBackground EventType = "app_background"
	EventScreenView    EventType = "screen_view"
	EventRegionEnter   EventType = "region_enter"
	EventRegionExit    EventType = "region_exit"
	EventCustom        EventType = "custom_event"
	EventVersionUpdate EventType = "version_update"
	EventTimeTick      EventType = "time_tick"
)

// IsValid returns true if the event type is known.
func (t EventType) IsValid() bool {
	switch t {
	case EventAppForeground, EventAppBackground, EventScreenView, EventRegionEnter,
		EventRegionExit, EventCustom, EventVersionUpdate, EventTimeTick:
		return true
	default:
		return false
	}
}

// RuntimeEvent is a single observation pushed by an event source.
type RuntimeEvent struct {
	ID         uuid.UUID      `json:"id"`
	Type       EventType      `json:"type"`
	Time       time.Time      `json:"time"`
	Screen     string         `json:"screen,omitempty"`
	RegionID   string         `json:"region_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Value      float64        `json:"value,omitempty"`
	Version    string         `json:"version,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// NewRuntimeEvent creates an event of the given type stamped with now.
func NewRuntimeEvent(eventType EventType, now time.Time) RuntimeEvent {
	return RuntimeEvent{
		ID:   uuid.New(),
		Type: eventType,
		Time: now,
	}
}

// CustomEvent creates a named custom event.
func CustomEvent(name string, value float64, now time.Time) RuntimeEvent {
	e := NewRuntimeEvent(EventCustom, now)
	e.Name = name
	e.Value = value
	return e
}

// TimeTick creates an elapsed-time event.
func TimeTick(now time.Time) RuntimeEvent {
	return NewRuntimeEvent(EventTimeTick, now)
}

// Validate rejects events the scheduler can neither count nor store: unknown
// types and non-finite numbers, which have no JSON encoding.
func (e RuntimeEvent) Validate() error {
	if !e.Type.IsValid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, e.Type)
	}
	if !isFinite(e.Value) {
		return fmt.Errorf("%w: value %v is not finite", ErrInvalidEvent, e.Value)
	}
	for k, v := range e.Properties {
		if !finiteValue(v) {
			return fmt.Errorf("%w: property %q is not finite", ErrInvalidEvent, k)
		}
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func finiteValue(v any) bool {
	switch x := v.(type) {
	case float64:
		return isFinite(x)
	case float32:
		return isFinite(float64(x))
	case map[string]any:
		for _, item := range x {
			if !finiteValue(item) {
				return false
			}
		}
	case []any:
		for _, item := range x {
			if !finiteValue(item) {
				return false
			}
		}
	}
	return true
}

// Lookup resolves a predicate field against the event.
func (e RuntimeEvent) Lookup(field string) (any, bool) {
	switch field {
	case "type":
		return string(e.Type), true
	case "name":
		return e.Name, e.Name != ""
	case "screen":
		return e.Screen, e.Screen != ""
	case "region_id":
		return e.RegionID, e.RegionID != ""
	case "version":
		return e.Version, e.Version != ""
	case "value":
		return e.Value, true
	}
	if key, ok := strings.CutPrefix(field, "properties."); ok {
		v, exists := e.Properties[key]
		return v, exists
	}
	return nil, false
}

// Snapshot returns a copy of the event suitable for storing as trigger context.
func (e RuntimeEvent) Snapshot() RuntimeEvent {
	if e.Properties != nil {
		props := make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			props[k] = v
		}
		e.Properties = props
	}
	return e
}
