package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"recpost/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if ctx.configFlag != nil {
				path = *ctx.configFlag
			}
			if path == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return err
				}
				path = defaultPath
			}
			if err := config.CreateSample(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config file: %s\n", ctx.configPath)
			fmt.Fprintf(out, "division: %s\n", cfg.Worker.DivisionID)
			fmt.Fprintf(out, "interval: %s\n", cfg.Interval())
			fmt.Fprintf(out, "region: %s\n", cfg.Genesys.Region)
			fmt.Fprintf(out, "screen recording: %t\n", cfg.Genesys.ScreenRecordingEnabled)
			fmt.Fprintf(out, "recording dir: %s\n", cfg.Paths.RecordingDir)
			fmt.Fprintf(out, "database: %s\n", cfg.Paths.DatabasePath)
			fmt.Fprintf(out, "archive: %s@%s:%d%s\n", cfg.SFTP.Username, cfg.SFTP.Host, cfg.SFTP.Port, cfg.SFTP.RemoteBasePath)
			fmt.Fprintf(out, "console: enabled=%t bind=%s\n", cfg.Web.Enabled, cfg.Web.Bind)
			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
