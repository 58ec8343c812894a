package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mangabell/internal/app"
	"mangabell/internal/credential"
)

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Store or remove the auth token in the OS keyring",
	}
	cmd.AddCommand(newTokenSetCommand())
	cmd.AddCommand(newTokenDeleteCommand())
	return cmd
}

func newTokenSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set [token]",
		Short: "Save the auth token (read from stdin when omitted)",
		Long: `Save the auth token in the OS keyring. Pass it as an argument or pipe it
on stdin to keep it out of shell history. Tokens that are JWTs are rejected
when already expired.

A running daemon picks up the new token on SIGHUP.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tok string
			if len(args) == 1 {
				tok = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("reading token: %w", err)
				}
				tok = line
			}
			tok = strings.TrimSpace(tok)
			if err := credential.Validate(tok, time.Now()); err != nil {
				return err
			}

			ring, err := openKeyring()
			if err != nil {
				return err
			}
			if err := ring.Set(tok); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token saved")
			return nil
		},
	}
}

func newTokenDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Remove the saved auth token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ring, err := openKeyring()
			if err != nil {
				return err
			}
			if err := ring.Delete(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token removed")
			return nil
		},
	}
}

func openKeyring() (*credential.Keyring, error) {
	cfg, err := app.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	return app.OpenKeyring(cfg)
}
