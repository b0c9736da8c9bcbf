package application

import "context"

// Command represents a command that modifies system state.
type Command interface {
	CommandName() string
}

// CommandHandler handles a specific command type.
type CommandHandler[C Command] interface {
	Handle(ctx context.Context, cmd C) error
}

// CommandHandlerWithResult handles a command that returns data to the caller.
type CommandHandlerWithResult[C Command, R any] interface {
	Handle(ctx context.Context, cmd C) (R, error)
}
