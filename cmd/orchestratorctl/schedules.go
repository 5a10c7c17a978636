package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/malgorath/cyberbrain-orchestrator/pkg/orchestratorapi"
)

func newSchedulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "list and operate on schedules",
	}
	cmd.AddCommand(newSchedulesListCommand())
	cmd.AddCommand(newSchedulesRunNowCommand())
	cmd.AddCommand(newSchedulesEnableCommand(true))
	cmd.AddCommand(newSchedulesEnableCommand(false))
	cmd.AddCommand(newSchedulesHistoryCommand())
	return cmd
}

func newSchedulesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			var list orchestratorapi.ListSchedulesResponse
			if err := clientFromCmd(cmd).get("/schedules", &list); err != nil {
				return err
			}
			return printJSON(list)
		},
	}
}

func newSchedulesRunNowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run-now <schedule-id>",
		Short: "force a schedule's next tick to fire immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInt64(args[0])
			if err != nil {
				return fmt.Errorf("invalid schedule id %q: %w", args[0], err)
			}
			var resp orchestratorapi.RunNowResponse
			if err := clientFromCmd(cmd).post(fmt.Sprintf("/schedules/%d/run-now", id), nil, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func newSchedulesEnableCommand(enable bool) *cobra.Command {
	use := "disable <schedule-id>"
	short := "disable a schedule"
	if enable {
		use = "enable <schedule-id>"
		short = "enable a schedule"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInt64(args[0])
			if err != nil {
				return fmt.Errorf("invalid schedule id %q: %w", args[0], err)
			}
			verb := "disable"
			if enable {
				verb = "enable"
			}
			var resp orchestratorapi.ScheduleResponse
			if err := clientFromCmd(cmd).post(fmt.Sprintf("/schedules/%d/%s", id, verb), nil, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func newSchedulesHistoryCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <schedule-id>",
		Short: "show a schedule's recent run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInt64(args[0])
			if err != nil {
				return fmt.Errorf("invalid schedule id %q: %w", args[0], err)
			}
			path := fmt.Sprintf("/schedules/%d/history", id)
			if limit > 0 {
				path += fmt.Sprintf("?limit=%d", limit)
			}
			var history orchestratorapi.ScheduleHistoryResponse
			if err := clientFromCmd(cmd).get(path, &history); err != nil {
				return err
			}
			return printJSON(history)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of history entries")
	return cmd
}
