package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler until interrupted",
	Long: `Run the scheduling core: consume runtime events, sweep expired
schedules, relay lifecycle events and serve health and metrics.

Examples:
  automata serve
  HEALTH_ADDR=:8080 RABBITMQ_URL=amqp://localhost automata serve`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := GetApp()
		if app == nil || app.Engine == nil {
			Unavailable(cmd.OutOrStdout())
			return nil
		}
		if err := app.Engine.Run(cmd.Context()); err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
