package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"mangabell/internal/app"
	"mangabell/internal/inbox"
)

func newNotificationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"n"},
		Short:   "Inspect and acknowledge received notifications",
	}
	cmd.AddCommand(newNotificationsListCommand())
	cmd.AddCommand(newNotificationsReadCommand())
	cmd.AddCommand(newNotificationsClearCommand())
	return cmd
}

func newNotificationsListCommand() *cobra.Command {
	var (
		unreadOnly bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := app.OpenOffline(cmd.Context(), cfgPath, cliLog())
			if err != nil {
				return err
			}
			defer o.Close()

			entries := o.Inbox.Notifications()
			if unreadOnly {
				kept := entries[:0]
				for _, e := range entries {
					if !e.Read {
						kept = append(kept, e)
					}
				}
				entries = kept
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No notifications")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWHEN\tSTATUS\tNOTIFICATION")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Timestamp.Local().Format(time.DateTime), readLabel(e), e.Notification)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%d unread of %d\n", o.Inbox.UnreadCount(), len(o.Inbox.Notifications()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&unreadOnly, "unread", false, "only show unread notifications")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func readLabel(e inbox.Entry) string {
	if e.Read {
		return "read"
	}
	return "unread"
}

func newNotificationsReadCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "read [id...]",
		Short: "Mark notifications as read",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("give at least one notification id or --all")
			}
			o, err := app.OpenOffline(cmd.Context(), cfgPath, cliLog())
			if err != nil {
				return err
			}
			defer o.Close()

			ids := args
			if all {
				ids = ids[:0]
				for _, e := range o.Inbox.Notifications() {
					ids = append(ids, e.ID)
				}
			}
			for _, id := range ids {
				o.Inbox.MarkRead(cmd.Context(), id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d unread\n", o.Inbox.UnreadCount())
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "mark every notification read")
	return cmd
}

func newNotificationsClearCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all notifications and read marks (cannot be undone)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear without --yes")
			}
			o, err := app.OpenOffline(cmd.Context(), cfgPath, cliLog())
			if err != nil {
				return err
			}
			defer o.Close()
			o.Inbox.Clear(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "Notifications cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the destructive clear")
	return cmd
}
