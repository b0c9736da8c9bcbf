package schedule

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/automata/adapter/cli"
	"github.com/felixgeelhaar/automata/internal/automation/application/queries"
	"github.com/felixgeelhaar/automata/internal/automation/domain"
)

var (
	listStates []string
	listGroup  string
	listLimit  int
	listActive bool
	listJSON   bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	Long: `List schedules ordered by priority, then id.

Examples:
  automata schedule list
  automata schedule list --active
  automata schedule list --state triggered --state delayed
  automata schedule list --group onboarding --json`,
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		app := appOrHint(cmd)
		if app == nil {
			return nil
		}
		for _, s := range listStates {
			if !domain.State(s).IsValid() {
				return fmt.Errorf("unknown state %q", s)
			}
		}

		schedules, err := app.AutomationService.ListSchedules(cmd.Context(), queries.ListSchedulesQuery{
			States:     listStates,
			Group:      listGroup,
			ActiveOnly: listActive,
			Limit:      listLimit,
		})
		if err != nil {
			return fmt.Errorf("failed to list schedules: %w", err)
		}

		out := cmd.OutOrStdout()
		if listJSON {
			return cli.PrintJSON(out, schedules)
		}
		if len(schedules) == 0 {
			fmt.Fprintln(out, "No schedules found.")
			return nil
		}
		for _, s := range schedules {
			group := s.Group
			if group == "" {
				group = "-"
			}
			fmt.Fprintf(out, "%-24s %-10s p=%-3d %-16s %d/%d\n",
				s.ID, s.State, s.Priority, group, s.ExecutionCount, s.ExecutionLimit)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringSliceVar(&listStates, "state", nil, "filter by state (repeatable)")
	listCmd.Flags().StringVar(&listGroup, "group", "", "filter by group")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of schedules")
	listCmd.Flags().BoolVar(&listActive, "active", false, "only schedules that are not terminal")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON")
}
