package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	automationApp "github.com/felixgeelhaar/automata/internal/automation/application"
	"github.com/felixgeelhaar/automata/internal/automation/domain"
	"github.com/felixgeelhaar/automata/pkg/observability"
)

// Engine runs the scheduling core behind the CLI.
type Engine interface {
	// Start loads active schedules so runtime events reach them.
	Start(ctx context.Context) error
	// Run serves until ctx is cancelled.
	Run(ctx context.Context) error
	// Drain waits for queued work and in-flight executions.
	Drain(ctx context.Context) error
	Migrate(ctx context.Context) (int, error)
	Check(ctx context.Context) observability.OverallHealth
	PublishRuntimeEvent(ctx context.Context, ev domain.RuntimeEvent) error
}

// App holds the CLI application dependencies.
type App struct {
	AutomationService *automationApp.Service
	Engine            Engine
}

// NewApp creates a new CLI application.
func NewApp(service *automationApp.Service, engine Engine) *App {
	return &App{AutomationService: service, Engine: engine}
}

// app is the global CLI application instance
var app *App

// SetApp sets the global CLI application instance.
func SetApp(a *App) {
	app = a
}

// GetApp returns the global CLI application instance.
func GetApp() *App {
	return app
}

// Unavailable prints the hint shown when the store could not be opened.
func Unavailable(w io.Writer) {
	fmt.Fprintln(w, "Automation requires a database connection.")
	fmt.Fprintln(w, "Check DATABASE_URL or SQLITE_PATH and run: automata migrate")
}

// PrintJSON writes v as indented JSON.
func PrintJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
