package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"recpost/internal/store"
)

func newConversationsCommand(ctx *commandContext) *cobra.Command {
	var postedOnly bool
	var pendingOnly bool

	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List tracked conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			var filter *bool
			switch {
			case postedOnly && pendingOnly:
				return fmt.Errorf("--posted and --pending are mutually exclusive")
			case postedOnly:
				v := true
				filter = &v
			case pendingOnly:
				v := false
				filter = &v
			}

			conversations, err := st.List(cmd.Context(), filter)
			if err != nil {
				return err
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.SetStyle(table.StyleRounded)
			tw.AppendHeader(table.Row{"Conversation", "Ended", "Agent", "Posted", "Posted at"})
			for _, conv := range conversations {
				postedAt := ""
				if conv.PostedAt != nil {
					postedAt = conv.PostedAt.UTC().Format(time.RFC3339)
				}
				tw.AppendRow(table.Row{
					conv.ConversationID,
					conv.EndedAt.UTC().Format(time.RFC3339),
					conv.Agent,
					conv.Posted,
					postedAt,
				})
			}
			tw.Render()
			return nil
		},
	}

	cmd.Flags().BoolVar(&postedOnly, "posted", false, "Show only posted conversations")
	cmd.Flags().BoolVar(&pendingOnly, "pending", false, "Show only unposted conversations")
	return cmd
}
