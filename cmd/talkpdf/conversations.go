package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pario-ai/talkpdf/pkg/conversation"
)

func newConversationsCmd() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List a user's conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := conversation.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			convs, err := store.ListByUser(context.Background(), userID)
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Println("No conversations found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tTITLE")
			for _, c := range convs {
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, humanize.Time(c.CreatedAt), c.Title)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "owner of the conversations")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
