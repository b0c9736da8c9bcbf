package schedule

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/automata/internal/automation/application/commands"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <schedule-id>",
	Short: "Cancel a schedule",
	Long: `Cancel a schedule. Cancelled schedules never execute again and are
purged once their retention elapses.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := appOrHint(cmd)
		if app == nil {
			return nil
		}

		result, err := app.AutomationService.CancelSchedule(cmd.Context(), commands.CancelScheduleCommand{ScheduleID: args[0]})
		if err != nil {
			return fmt.Errorf("failed to cancel schedule: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Schedule %s is %s\n", result.ScheduleID, result.State)
		return nil
	},
}

var cancelGroupCmd = &cobra.Command{
	Use:   "cancel-group <group>",
	Short: "Cancel every active schedule in a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := appOrHint(cmd)
		if app == nil {
			return nil
		}

		n, err := app.AutomationService.CancelGroup(cmd.Context(), commands.CancelGroupCommand{Group: args[0]})
		if err != nil {
			return fmt.Errorf("failed to cancel group: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d schedule(s) in group %s\n", n, args[0])
		return nil
	},
}
