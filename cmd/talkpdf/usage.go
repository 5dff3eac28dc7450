package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pario-ai/talkpdf/pkg/billing"
	"github.com/pario-ai/talkpdf/pkg/config"
	"github.com/pario-ai/talkpdf/pkg/models"
	"github.com/pario-ai/talkpdf/pkg/quota"
)

// openLedger opens the billing store and wraps it in a ledger. Callers close
// the returned store.
func openLedger(cfg *config.Config) (*quota.Ledger, billing.Store, error) {
	bs, err := billing.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("init billing store: %w", err)
	}
	return quota.New(bs), bs, nil
}

func newUsageCmd() *cobra.Command {
	var (
		userID  string
		history bool
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show token and storage usage per account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ledger, bs, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = bs.Close() }()

			ctx := context.Background()
			if userID == "" {
				accts, err := ledger.Accounts(ctx)
				if err != nil {
					return err
				}
				if len(accts) == 0 {
					fmt.Println("No accounts found.")
					return nil
				}
				return printAccounts(accts)
			}

			acct, err := ledger.EnsureAccount(ctx, userID)
			if err != nil {
				return err
			}
			if err := printAccounts([]models.BillingAccount{*acct}); err != nil {
				return err
			}
			s := quota.Summarize(*acct)
			if s.ApproachingTokenLimit {
				fmt.Println("\nApproaching token limit.")
			}
			if s.ApproachingStorageLimit {
				fmt.Println("\nApproaching storage limit.")
			}
			if !history {
				return nil
			}

			txs, err := ledger.TokenHistory(ctx, userID, limit, 0)
			if err != nil {
				return err
			}
			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tOPERATION\tTOKENS\tCONVERSATION\tDESCRIPTION")
			for _, t := range txs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					humanize.Time(t.CreatedAt), t.OperationType, humanize.Comma(t.TokensUsed), t.ConversationID, t.Description)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "show a single user")
	cmd.Flags().BoolVar(&history, "history", false, "include recent token transactions (requires --user)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum history rows")
	return cmd
}

func printAccounts(accts []models.BillingAccount) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tPLAN\tTOKENS\tTOKEN LIMIT\tSTORAGE\tSTORAGE LIMIT\tNEXT RESET")
	for _, a := range accts {
		reset := "-"
		if a.NextResetDate != nil {
			reset = humanize.Time(*a.NextResetDate)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.UserID, a.SubscriptionType,
			humanize.Comma(a.TokensUsed), humanize.Comma(a.TokensLimit),
			humanize.IBytes(uint64(max(0, a.StorageUsed))), humanize.IBytes(uint64(max(0, a.StorageLimit))),
			reset)
	}
	return w.Flush()
}
