package main

import (
	"github.com/spf13/cobra"

	"github.com/malgorath/cyberbrain-orchestrator/pkg/orchestratorapi"
)

func newTokenStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token-stats",
		Short: "show per-model token usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats orchestratorapi.TokenStatsResponse
			if err := clientFromCmd(cmd).get("/token-stats", &stats); err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func newCostReportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cost-report",
		Short: "show per-model token usage with estimated cost",
		RunE: func(cmd *cobra.Command, args []string) error {
			var report orchestratorapi.CostReportResponse
			if err := clientFromCmd(cmd).get("/cost-report", &report); err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}
