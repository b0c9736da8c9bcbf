package schedule

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/automata/internal/automation/application/commands"
)

var (
	editLimit      int
	editPriority   int
	editGroup      string
	editEnd        string
	editClearEnd   bool
	editClearDelay bool
)

var editCmd = &cobra.Command{
	Use:   "edit <schedule-id>",
	Short: "Edit a schedule",
	Long: `Edit a schedule. Only the given flags change.

Raising the execution limit or extending the end date of a finished
schedule makes it eligible to run again.

Examples:
  automata schedule edit welcome --limit 3
  automata schedule edit welcome --end 2026-12-31T00:00:00Z
  automata schedule edit welcome --clear-delay --priority 5`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := appOrHint(cmd)
		if app == nil {
			return nil
		}

		edit := commands.EditScheduleCommand{
			ScheduleID:   args[0],
			ClearEndDate: editClearEnd,
			ClearDelay:   editClearDelay,
		}
		flags := cmd.Flags()
		if flags.Changed("limit") {
			limit := editLimit
			edit.ExecutionLimit = &limit
		}
		if flags.Changed("priority") {
			priority := editPriority
			edit.Priority = &priority
		}
		if flags.Changed("group") {
			group := editGroup
			edit.Group = &group
		}
		if editEnd != "" {
			end, err := time.Parse(time.RFC3339, editEnd)
			if err != nil {
				return fmt.Errorf("invalid --end, use RFC3339: %w", err)
			}
			edit.EndDate = &end
		}

		result, err := app.AutomationService.EditSchedule(cmd.Context(), edit)
		if err != nil {
			return fmt.Errorf("failed to edit schedule: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated schedule %s [%s] version %d\n", result.ScheduleID, result.State, result.Version)
		return nil
	},
}

func init() {
	editCmd.Flags().IntVar(&editLimit, "limit", 0, "execution limit (at least 1)")
	editCmd.Flags().IntVar(&editPriority, "priority", 0, "priority (lower runs first)")
	editCmd.Flags().StringVar(&editGroup, "group", "", "group")
	editCmd.Flags().StringVar(&editEnd, "end", "", "end date (RFC3339)")
	editCmd.Flags().BoolVar(&editClearEnd, "clear-end", false, "remove the end date")
	editCmd.Flags().BoolVar(&editClearDelay, "clear-delay", false, "remove the delay condition")
}
