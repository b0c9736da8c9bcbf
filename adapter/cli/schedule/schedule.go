package schedule

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/automata/adapter/cli"
	"github.com/felixgeelhaar/automata/internal/automation/application/queries"
)

// Cmd is the schedule command group
var Cmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage automation schedules",
	Long:  `Create, inspect, edit and cancel automation schedules.`,
}

func init() {
	Cmd.AddCommand(createCmd)
	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(getCmd)
	Cmd.AddCommand(cancelCmd)
	Cmd.AddCommand(cancelGroupCmd)
	Cmd.AddCommand(editCmd)
}

func appOrHint(cmd *cobra.Command) *cli.App {
	app := cli.GetApp()
	if app == nil || app.AutomationService == nil {
		cli.Unavailable(cmd.OutOrStdout())
		return nil
	}
	return app
}

func printSchedule(w io.Writer, s queries.ScheduleDTO) {
	fmt.Fprintf(w, "%s  [%s]\n", s.ID, s.State)
	if s.Group != "" {
		fmt.Fprintf(w, "  Group:      %s\n", s.Group)
	}
	fmt.Fprintf(w, "  Priority:   %d\n", s.Priority)
	fmt.Fprintf(w, "  Executions: %d/%d\n", s.ExecutionCount, s.ExecutionLimit)
	if s.EndDate != nil {
		fmt.Fprintf(w, "  Ends:       %s\n", s.EndDate.Format(time.RFC3339))
	}
	for _, t := range s.Triggers {
		fmt.Fprintf(w, "  Trigger:    %s %g/%g\n", t.Type, t.Progress, t.Goal)
	}
	if s.Delay != nil {
		var parts []string
		if s.Delay.Seconds > 0 {
			parts = append(parts, fmt.Sprintf("%gs", s.Delay.Seconds))
		}
		if s.Delay.Screen != "" {
			parts = append(parts, "screen="+s.Delay.Screen)
		}
		if s.Delay.RegionID != "" {
			parts = append(parts, "region="+s.Delay.RegionID)
		}
		if s.Delay.AppState != "" {
			parts = append(parts, "app_state="+s.Delay.AppState)
		}
		fmt.Fprintf(w, "  Delay:      %s\n", strings.Join(parts, " "))
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "  Last error: %s\n", s.LastError)
	}
}
