package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pario-ai/talkpdf/pkg/conversation"
	"github.com/pario-ai/talkpdf/pkg/embedding"
	"github.com/pario-ai/talkpdf/pkg/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve operator tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// stdout carries the protocol.
			log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

			ledger, bs, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = bs.Close() }()

			convs, err := conversation.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = convs.Close() }()

			var cache mcp.CacheStatter
			if cfg.Embedding.Cache.Enabled {
				c, err := embedding.NewCache(cfg.DBPath, cfg.Embedding.Cache.TTL)
				if err != nil {
					return err
				}
				defer func() { _ = c.Close() }()
				cache = c
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return mcp.New(ledger, convs, cache, version).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
