package schedule

import (
	"bytes"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/automata/internal/automation/application/commands"
	"github.com/felixgeelhaar/automata/internal/shared/infrastructure/security"
)

var createFile string

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a schedule from a JSON definition",
	Long: `Create a schedule from a JSON definition read from a file or stdin.

Example definition:
  {
    "id": "welcome",
    "group": "onboarding",
    "execution_limit": 1,
    "payload": {"message": "hello"},
    "triggers": [{"type": "app_foreground", "goal": 1}],
    "delay": {"seconds": 5, "app_state": "foreground"}
  }

Examples:
  automata schedule create -f welcome.json
  cat welcome.json | automata schedule create -f -`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := appOrHint(cmd)
		if app == nil {
			return nil
		}
		if createFile == "" {
			return fmt.Errorf("--file is required")
		}

		var r io.Reader
		if createFile == "-" {
			r = io.LimitReader(cmd.InOrStdin(), security.MaxDefinitionSize)
		} else {
			data, err := security.ReadDefinitionFile(createFile)
			if err != nil {
				return fmt.Errorf("failed to open definition: %w", err)
			}
			r = bytes.NewReader(data)
		}

		def, err := commands.DecodeDefinition(r)
		if err != nil {
			return fmt.Errorf("failed to read definition: %w", err)
		}
		result, err := app.AutomationService.CreateSchedule(cmd.Context(), commands.CreateScheduleCommand{Definition: def})
		if err != nil {
			return fmt.Errorf("failed to create schedule: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Created schedule %s [%s]\n", result.ScheduleID, result.State)
		return nil
	},
}

func init() {
	createCmd.Flags().StringVarP(&createFile, "file", "f", "", "definition file ('-' for stdin)")
}
