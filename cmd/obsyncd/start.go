package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Polkadex-Substrate/Polkadex-sub004/cmd/internal/passphrase"
	"github.com/Polkadex-Substrate/Polkadex-sub004/config"
	"github.com/Polkadex-Substrate/Polkadex-sub004/observability/logging"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the sync worker, gossip and client API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := setupLogging(cfg)

			key, bls, err := loadKeys(cfg, passphrase.NewSource(cfg.Node.PassphraseEnv))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(contextOrBackground(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := newNode(ctx, cfg, key, bls)
			if err != nil {
				return err
			}
			logger.Info("Starting node",
				slog.String("address", key.PubKey().Address().String()),
				slog.String("runtime", cfg.Runtime.Kind),
				slog.Bool("validator", bls != nil),
				slog.String("version", Version))
			if bls != nil {
				logger.Info("Signing snapshots", logging.Key("bls_key", bls.PublicKey()))
			}

			runErr := n.run(ctx)
			if err := n.close(); err != nil {
				logger.Warn("Shutdown incomplete", slog.Any("error", err))
			}
			if runErr != nil {
				return runErr
			}
			logger.Info("Node stopped")
			return nil
		},
	}
}

// contextOrBackground covers commands run without Execute.
func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
