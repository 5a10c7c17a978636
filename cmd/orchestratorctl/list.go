package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/malgorath/cyberbrain-orchestrator/pkg/orchestratorapi"
)

func newListCommand() *cobra.Command {
	var status string
	var since string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "list runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if since != "" {
				q.Set("since", since)
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprintf("%d", limit))
			}
			path := "/runs"
			if encoded := q.Encode(); encoded != "" {
				path += "?" + encoded
			}
			var list orchestratorapi.ListRunsResponse
			if err := clientFromCmd(cmd).get(path, &list); err != nil {
				return err
			}
			return printJSON(list)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by run status")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 timestamp; only runs that ended after it")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of runs to return")
	return cmd
}
