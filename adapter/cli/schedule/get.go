package schedule

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/automata/adapter/cli"
	"github.com/felixgeelhaar/automata/internal/automation/application/queries"
)

var getJSON bool

var getCmd = &cobra.Command{
	Use:     "get <schedule-id>",
	Short:   "Show a schedule",
	Aliases: []string{"show"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := appOrHint(cmd)
		if app == nil {
			return nil
		}

		s, err := app.AutomationService.GetSchedule(cmd.Context(), queries.GetScheduleQuery{ScheduleID: args[0]})
		if err != nil {
			return fmt.Errorf("failed to get schedule: %w", err)
		}
		if getJSON {
			return cli.PrintJSON(cmd.OutOrStdout(), s)
		}
		printSchedule(cmd.OutOrStdout(), *s)
		return nil
	},
}

func init() {
	getCmd.Flags().BoolVar(&getJSON, "json", false, "print JSON")
}
