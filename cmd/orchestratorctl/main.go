// Command orchestratorctl is the operator CLI for the Read API. It wraps
// the same endpoints internal/api/server.go serves, using Cobra for
// subcommands and Viper for config-file/env/flag precedence, the way
// cklxx-elephant.ai's cmd/cobra_cli.go wires its own root command — kept
// plain and scriptable rather than interactive, matching the teacher's own
// splaictl command texture.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "orchestratorctl:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "orchestratorctl",
		Short: "operate a cyberbrain-orchestrator deployment",
	}

	root.PersistentFlags().String("server", "http://localhost:8081", "orchestrator-api base URL")
	root.PersistentFlags().String("token", "", "bearer token for ORC_API_TOKEN-protected deployments")
	_ = viper.BindPFlag("server", root.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", root.PersistentFlags().Lookup("token"))

	viper.SetEnvPrefix("ORC_CTL")
	viper.AutomaticEnv()
	viper.SetConfigName("orchestratorctl")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.config/orchestratorctl")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig()

	root.AddCommand(newLaunchCommand())
	root.AddCommand(newListCommand())
	root.AddCommand(newReportCommand())
	root.AddCommand(newHostsCommand())
	root.AddCommand(newSchedulesCommand())
	root.AddCommand(newTokenStatsCommand())
	root.AddCommand(newCostReportCommand())

	return root
}

func clientFromCmd(cmd *cobra.Command) *apiClient {
	return newAPIClient(viper.GetString("server"), viper.GetString("token"))
}
