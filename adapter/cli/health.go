package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/automata/pkg/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check store, lock and automation health",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := GetApp()
		if app == nil || app.Engine == nil {
			return fmt.Errorf("app not initialized")
		}

		health := app.Engine.Check(cmd.Context())
		out := cmd.OutOrStdout()
		names := make([]string, 0, len(health.Checks))
		for name := range health.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			check := health.Checks[name]
			if check.Message != "" {
				fmt.Fprintf(out, "%-12s %s (%s)\n", name, check.Status, check.Message)
				continue
			}
			fmt.Fprintf(out, "%-12s %s\n", name, check.Status)
		}
		fmt.Fprintf(out, "overall      %s\n", health.Status)
		if health.Status == observability.HealthStatusUnhealthy {
			return fmt.Errorf("unhealthy")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
