package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mangabell/internal/app"
	"mangabell/internal/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the config file",
	}
	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(newConfigCheckCommand())
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init <base-url>",
		Short: "Write a starter config to --config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Example(args[0])
			if err := app.ValidateConfig(cfg); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			b, err := config.Marshal(cfgPath, cfg)
			if err != nil {
				return err
			}
			if err := os.WriteFile(cfgPath, b, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", cfgPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Parse and validate --config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.NewConfigManager(cfgPath).Load()
			if err != nil {
				return err
			}
			if err := app.ValidateConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", cfgPath)
			return nil
		},
	}
}
