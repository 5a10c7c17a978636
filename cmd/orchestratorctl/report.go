package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/malgorath/cyberbrain-orchestrator/pkg/orchestratorapi"
)

func newReportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "show a run's report and job breakdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInt64(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			var report orchestratorapi.RunReportResponse
			if err := clientFromCmd(cmd).get(fmt.Sprintf("/runs/%d/report", id), &report); err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	return cmd
}
