package cli

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/automata/internal/automation/application/commands"
	"github.com/felixgeelhaar/automata/internal/automation/domain"
)

var (
	eventName    string
	eventScreen  string
	eventRegion  string
	eventValue   float64
	eventVersion string
	eventAt      string
	eventProps   map[string]string
	eventPublish bool
)

var eventCmd = &cobra.Command{
	Use:   "event <type>",
	Short: "Feed a runtime event to the scheduler",
	Long: `Feed a runtime event to the scheduler.

Types: app_foreground, app_background, screen_view, region_enter,
region_exit, custom_event, version_update, time_tick.

Without --publish the event is processed in this process and the command
waits for any executions it causes. With --publish it is sent to the
runtime exchange for a running 'automata serve' to consume.

Examples:
  automata event app_foreground
  automata event screen_view --screen home
  automata event custom_event --name purchase --value 9.99 --prop sku=A1
  automata event region_enter --region store-12 --publish`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := GetApp()
		if app == nil || app.Engine == nil || app.AutomationService == nil {
			Unavailable(cmd.OutOrStdout())
			return nil
		}

		ev, err := buildEvent(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if eventPublish {
			if err := app.Engine.PublishRuntimeEvent(ctx, ev); err != nil {
				return fmt.Errorf("failed to publish event: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published %s event %s\n", ev.Type, ev.ID)
			return nil
		}

		if err := app.Engine.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		err = app.AutomationService.ProcessEvent(ctx, commands.ProcessEventCommand{Event: ev})
		if err != nil {
			return fmt.Errorf("failed to process event: %w", err)
		}
		if err := app.Engine.Drain(ctx); err != nil {
			return fmt.Errorf("failed to drain scheduler: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Processed %s event %s\n", ev.Type, ev.ID)
		return nil
	},
}

func buildEvent(kind string) (domain.RuntimeEvent, error) {
	eventType := domain.EventType(kind)
	if !eventType.IsValid() {
		return domain.RuntimeEvent{}, fmt.Errorf("%w: unknown event type %q", domain.ErrInvalidEvent, kind)
	}

	at := time.Now()
	if eventAt != "" {
		parsed, err := time.Parse(time.RFC3339, eventAt)
		if err != nil {
			return domain.RuntimeEvent{}, fmt.Errorf("invalid --at, use RFC3339: %w", err)
		}
		at = parsed
	}

	if math.IsNaN(eventValue) || math.IsInf(eventValue, 0) {
		return domain.RuntimeEvent{}, fmt.Errorf("%w: --value must be finite", domain.ErrInvalidEvent)
	}

	ev := domain.NewRuntimeEvent(eventType, at)
	ev.Name = eventName
	ev.Screen = eventScreen
	ev.RegionID = eventRegion
	ev.Value = eventValue
	ev.Version = eventVersion
	if len(eventProps) > 0 {
		ev.Properties = make(map[string]any, len(eventProps))
		for k, v := range eventProps {
			ev.Properties[k] = propertyValue(v)
		}
	}
	return ev, nil
}

// propertyValue keeps finite numbers and booleans typed so predicates can
// compare them. "NaN" and "Inf" stay strings.
func propertyValue(raw string) any {
	if f, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

func init() {
	eventCmd.Flags().StringVar(&eventName, "name", "", "custom event name")
	eventCmd.Flags().StringVar(&eventScreen, "screen", "", "screen name")
	eventCmd.Flags().StringVar(&eventRegion, "region", "", "region id")
	eventCmd.Flags().Float64Var(&eventValue, "value", 0, "event value")
	eventCmd.Flags().StringVar(&eventVersion, "version", "", "app version")
	eventCmd.Flags().StringVar(&eventAt, "at", "", "event time (RFC3339, default now)")
	eventCmd.Flags().StringToStringVar(&eventProps, "prop", nil, "event property key=value (repeatable)")
	eventCmd.Flags().BoolVar(&eventPublish, "publish", false, "publish to the runtime exchange instead of processing locally")

	rootCmd.AddCommand(eventCmd)
}
