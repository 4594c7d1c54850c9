package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the command tree
func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	root := createRootCommand(global)
	root.AddCommand(
		createServeCommand(global),
		createStatusCommand(global),
		createActionCommand(global, "start", "Start a broker"),
		createActionCommand(global, "stop", "Stop a broker"),
		createActionCommand(global, "toggle", "Stop a live broker or start a stopped one"),
		createLogsCommand(global),
		createInspectCommand(global),
		createStatsCommand(global),
		createBrokerCommand(global),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "epithetd",
		Short: "Supervisor for epithet SSH certificate brokers",
		Long: `epithetd runs one epithet agent per configured broker, tracks its
lifecycle and keeps ~/.ssh/config pointed at the running brokers.

Examples:
  epithetd serve --config epithetd.toml   # run the daemon
  epithetd status                         # list brokers
  epithetd toggle Work                    # start or stop a broker
  epithetd logs Work --follow`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API base URL (default from config)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", defaultAPITimeout, "daemon API request timeout")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print JSON instead of tables")
	return root
}
