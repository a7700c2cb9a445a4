package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/newshound/internal/schedule"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage the weekly Temporal schedule",
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the weekly triage schedule if it does not exist",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if cron, _ := cmd.Flags().GetString("cron"); cron != "" {
			cfg.Temporal.Cron = cron
		}
		if err := cfg.Validate("schedule"); err != nil {
			return err
		}

		c, err := schedule.Dial(cfg.Temporal)
		if err != nil {
			return err
		}
		defer c.Close()

		created, err := schedule.EnsureSchedule(ctx, c.ScheduleClient(), cfg.Temporal)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(os.Stdout, "Created schedule %s (%s)\n", cfg.Temporal.ScheduleID, cfg.Temporal.Cron)
		} else {
			fmt.Fprintf(os.Stdout, "Schedule %s already exists\n", cfg.Temporal.ScheduleID)
		}
		return nil
	},
}

func init() {
	scheduleCreateCmd.Flags().String("cron", "", "cron expression (default from config)")
	scheduleCmd.AddCommand(scheduleCreateCmd)
	rootCmd.AddCommand(scheduleCmd)
}
