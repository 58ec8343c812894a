package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"mangabell/internal/app"
)

func newSubscriptionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Aliases: []string{"subs"},
		Short:   "Manage followed series",
		Long: `Followed series receive per-series updates. Changes made here are sent
to the server the next time the daemon connects.`,
	}
	cmd.AddCommand(newSubscriptionsListCommand())
	cmd.AddCommand(newSubscriptionsAddCommand())
	cmd.AddCommand(newSubscriptionsRemoveCommand())
	return cmd
}

func newSubscriptionsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List followed series in subscription order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := app.OpenOffline(cmd.Context(), cfgPath, cliLog())
			if err != nil {
				return err
			}
			defer o.Close()

			subs := o.Subs.List()
			out := cmd.OutOrStdout()
			if len(subs) == 0 {
				fmt.Fprintln(out, "No subscriptions")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "SERIES\tTITLE\tSINCE")
			for _, s := range subs {
				since := "-"
				if !s.SubscribedAt.IsZero() {
					since = s.SubscribedAt.Local().Format(time.DateOnly)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.SeriesID, s.SeriesTitle, since)
			}
			return tw.Flush()
		},
	}
}

func newSubscriptionsAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add <series-id> <title...>",
		Short: "Follow a series",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := app.OpenOffline(cmd.Context(), cfgPath, cliLog())
			if err != nil {
				return err
			}
			defer o.Close()

			title := strings.Join(args[1:], " ")
			if o.Subs.Subscribe(cmd.Context(), args[0], title) {
				fmt.Fprintf(cmd.OutOrStdout(), "Subscribed to %s (%s)\n", title, args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Already subscribed to %s\n", args[0])
			}
			return nil
		},
	}
}

func newSubscriptionsRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <series-id>",
		Aliases: []string{"rm"},
		Short:   "Stop following a series",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := app.OpenOffline(cmd.Context(), cfgPath, cliLog())
			if err != nil {
				return err
			}
			defer o.Close()

			if o.Subs.Unsubscribe(cmd.Context(), args[0]) {
				fmt.Fprintf(cmd.OutOrStdout(), "Unsubscribed from %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Not subscribed to %s\n", args[0])
			}
			return nil
		},
	}
}
