package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/malgorath/cyberbrain-orchestrator/pkg/orchestratorapi"
)

func newHostsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "list and inspect worker hosts",
	}
	cmd.AddCommand(newHostsListCommand())
	cmd.AddCommand(newHostsHealthCommand())
	return cmd
}

func newHostsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list worker hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var list orchestratorapi.ListWorkerHostsResponse
			if err := clientFromCmd(cmd).get("/worker-hosts", &list); err != nil {
				return err
			}
			return printJSON(list)
		},
	}
}

func newHostsHealthCommand() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "health <host-id>",
		Short: "show (optionally refresh) a worker host's health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInt64(args[0])
			if err != nil {
				return fmt.Errorf("invalid host id %q: %w", args[0], err)
			}
			path := fmt.Sprintf("/worker-hosts/%d/health", id)
			if check {
				path += "?check=true"
			}
			var health orchestratorapi.HostHealthResponse
			if err := clientFromCmd(cmd).get(path, &health); err != nil {
				return err
			}
			return printJSON(health)
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "probe the host's Docker endpoint before reporting")
	return cmd
}
