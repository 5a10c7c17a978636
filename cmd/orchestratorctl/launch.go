package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/malgorath/cyberbrain-orchestrator/pkg/orchestratorapi"
)

func newLaunchCommand() *cobra.Command {
	var directiveID int64
	var targetHostID int64
	var tasks string
	var useRAG bool

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "launch a run against a directive",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := orchestratorapi.LaunchRunRequest{UseRAG: useRAG}
			if directiveID != 0 {
				req.DirectiveID = &directiveID
			}
			if targetHostID != 0 {
				req.TargetHostID = &targetHostID
			}
			if strings.TrimSpace(tasks) != "" {
				req.Tasks = strings.Split(tasks, ",")
			}
			var detail orchestratorapi.RunDetail
			if err := clientFromCmd(cmd).post("/runs/launch", req, &detail); err != nil {
				return err
			}
			return printJSON(detail)
		},
	}

	cmd.Flags().Int64Var(&directiveID, "directive-id", 0, "directive to launch (defaults to first enabled directive)")
	cmd.Flags().Int64Var(&targetHostID, "host-id", 0, "pin the run to a specific worker host")
	cmd.Flags().StringVar(&tasks, "tasks", "", "comma-separated task kinds, overriding the directive's task_list")
	cmd.Flags().BoolVar(&useRAG, "use-rag", false, "enable retrieval-augmented context for this run")
	return cmd
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
