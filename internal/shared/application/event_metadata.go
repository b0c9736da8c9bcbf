package application

import (
	"github.com/felixgeelhaar/automata/internal/shared/domain"
	"github.com/google/uuid"
)

// Event sources recorded in metadata.
const (
	SourceRuntime = "runtime"
	SourceCLI     = "cli"
	SourceSweeper = "sweeper"
	SourceAPI     = "api"
)

type metadataSetter interface {
	SetMetadata(metadata domain.EventMetadata)
}

// NewEventMetadata creates command-scoped metadata for domain events.
func NewEventMetadata(source string) domain.EventMetadata {
	return domain.EventMetadata{
		CorrelationID: uuid.New(),
		CausationID:   uuid.New(),
		Source:        source,
	}
}

// CausedBy returns metadata correlated with the event that caused it.
func CausedBy(causation uuid.UUID, source string) domain.EventMetadata {
	md := NewEventMetadata(source)
	if causation != uuid.Nil {
		md.CausationID = causation
	}
	return md
}

// ApplyEventMetadata sets metadata on all events that support it.
func ApplyEventMetadata(events []domain.DomainEvent, metadata domain.EventMetadata) {
	for _, event := range events {
		if setter, ok := event.(metadataSetter); ok {
			setter.SetMetadata(metadata)
		}
	}
}
