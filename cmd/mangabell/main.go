package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	logx "mangabell/pkg/logx"
)

var (
	cfgPath  string
	logLevel string
)

// cliLog is the stderr logger for the offline subcommands.
func cliLog() logx.Logger { return logx.NewConsole(logLevel) }

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "mangabell",
		Short: "Real-time manga notification client",
		Long: `mangabell keeps a live connection to the manga notification service,
records new series and chapter notifications, and raises alerts for them.

The subcommands other than "run" work on the persisted state directly and do
not need the daemon to be running.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./mangabell.yaml", "path to config file (json or yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level for offline commands")

	root.AddCommand(newRunCommand())
	root.AddCommand(newNotificationsCommand())
	root.AddCommand(newSubscriptionsCommand())
	root.AddCommand(newTokenCommand())
	root.AddCommand(newConfigCommand())
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
