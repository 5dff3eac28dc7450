package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pario-ai/talkpdf/pkg/quota"
)

func newUpgradeCmd() *cobra.Command {
	var (
		userID    string
		tokens    int64
		storageMB int64
	)

	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Grant extra token and storage allowance to a user",
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

			req := quota.UpgradeRequest{
				UserID:       userID,
				TokensToAdd:  tokens,
				StorageToAdd: storageMB << 20,
			}
			res, err := ledger.ApplyUpgrade(context.Background(), req)
			if err != nil {
				return err
			}
			a := res.Account
			fmt.Printf("Upgraded %s for $%d: %s tokens, %s storage (%s plan)\n",
				a.UserID, res.Cost,
				humanize.Comma(a.TokensLimit), humanize.IBytes(uint64(max(0, a.StorageLimit))), a.SubscriptionType)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user to upgrade")
	cmd.Flags().Int64Var(&tokens, "tokens", 0, "tokens to add (1,000 to 100,000)")
	cmd.Flags().Int64Var(&storageMB, "storage-mb", 0, "storage to add in MiB")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("tokens")
	return cmd
}

func newResetCmd() *cobra.Command {
	var (
		userID string
		due    bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset token usage for one user or every account that is due",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (userID == "") == !due {
				return fmt.Errorf("exactly one of --user or --due is required")
			}
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
			if due {
				n, err := ledger.ResetDue(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Reset %d account(s).\n", n)
				return nil
			}
			acct, err := ledger.ResetTokens(ctx, userID)
			if err != nil {
				return err
			}
			next := "-"
			if acct.NextResetDate != nil {
				next = acct.NextResetDate.Format("2006-01-02")
			}
			fmt.Printf("Reset %s: 0 / %s tokens, next reset %s\n",
				acct.UserID, humanize.Comma(acct.TokensLimit), next)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user to reset")
	cmd.Flags().BoolVar(&due, "due", false, "reset every account whose reset date has passed")
	return cmd
}
