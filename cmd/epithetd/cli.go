package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func createServeCommand(global *GlobalFlags) *cobra.Command {
	f := ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker supervisor in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *global, f, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&f.LogLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	cmd.Flags().StringVar(&f.LogFormat, "log-format", "", "override log.format (text, color, json)")
	cmd.Flags().StringVar(&f.LogFile, "log-file", "", "override log.file")
	return cmd
}

func createStatusCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "status [name...]",
		Aliases: []string{"list", "ls"},
		Short:   "Show brokers and their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(global, cmd).Status(cmd.Context(), args)
		},
	}
}

func createActionCommand(global *GlobalFlags, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(global, cmd).Action(cmd.Context(), verb, args)
		},
	}
}

func createLogsCommand(global *GlobalFlags) *cobra.Command {
	f := LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Print the captured output of a broker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if f.Follow {
				var stop context.CancelFunc
				ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
			}
			return newCommand(global, cmd).Logs(ctx, args[0], f)
		},
	}
	cmd.Flags().BoolVar(&f.Clear, "clear", false, "clear the log instead of printing it")
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "keep printing new output")
	cmd.Flags().DurationVar(&f.Interval, "interval", 0, "poll interval for --follow (default 1s)")
	return cmd
}

func createInspectCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <name>",
		Short: "Show the agent's own view of a running broker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(global, cmd).Inspect(cmd.Context(), args[0])
		},
	}
}

func createStatsCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <name>",
		Short: "Show resource usage of a running broker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(global, cmd).Stats(cmd.Context(), args[0])
		},
	}
}

func createBrokerCommand(global *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "broker",
		Short: "Manage broker configurations",
	}

	add := BrokerAddFlags{}
	addCmd := &cobra.Command{
		Use:   "add [name]",
		Short: "Add a broker (a name is generated when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return newCommand(global, cmd).BrokerAdd(cmd.Context(), name, add)
		},
	}
	fl := addCmd.Flags()
	fl.StringSliceVar(&add.CAURLs, "ca-url", nil, "CA URL (HTTPS, repeatable)")
	fl.StringVar(&add.AuthMethod, "auth", "", "auth method: autoDiscover, oidc or command")
	fl.StringVar(&add.OIDCIssuer, "oidc-issuer", "", "OIDC issuer URL")
	fl.StringVar(&add.OIDCClientID, "oidc-client-id", "", "OIDC client ID")
	fl.StringVar(&add.OIDCClientSecret, "oidc-client-secret", "", "OIDC client secret")
	fl.StringVar(&add.AuthCommand, "auth-command", "", "auth command line")
	fl.IntVar(&add.CATimeout, "ca-timeout", 0, "CA request timeout in seconds")
	fl.IntVar(&add.CACooldown, "ca-cooldown", 0, "CA cooldown in seconds")
	fl.BoolVar(&add.NoStartOnLogin, "no-start-on-login", false, "do not start with the daemon")
	fl.IntVar(&add.Verbosity, "verbosity", 0, "agent verbosity (number of -v flags)")

	removeCmd := &cobra.Command{
		Use:     "remove <name>...",
		Aliases: []string{"rm"},
		Short:   "Remove stopped brokers",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(global, cmd).BrokerRemove(cmd.Context(), args)
		},
	}

	renameCmd := &cobra.Command{
		Use:   "rename <old> <new>",
		Short: "Rename a broker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(global, cmd).BrokerRename(cmd.Context(), args[0], args[1])
		},
	}

	root.AddCommand(addCmd, removeCmd, renameCmd, createStatusCommand(global))
	return root
}
