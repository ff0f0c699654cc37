package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"recpost/internal/store"
)

func newOnceCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single processing cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			return buildWorker(cfg, logger, st).RunCycle(cmd.Context())
		},
	}
}

func newProcessCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "process <conversation-id>",
		Short: "Retrieve, upload, and mark one conversation posted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			if err := buildWorker(cfg, logger, st).ProcessConversation(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "conversation %s processed\n", args[0])
			return nil
		},
	}
}
