package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Polkadex-Substrate/Polkadex-sub004/config"
	"github.com/Polkadex-Substrate/Polkadex-sub004/recovery"
)

func newExportRecoveryCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export-recovery",
		Short: "Write the latest finalized balances to a Parquet file",
		Long: "Reads the local ledger at the latest finalized snapshot root and writes one row per " +
			"non-zero balance. The node must be stopped so the database is not locked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			state, err := recovery.NewService(st.ledger, st.runtime).GetRecoveryState(contextOrBackground(cmd))
			if err != nil {
				return err
			}
			rows, err := recovery.ExportParquet(state, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d balances at snapshot %d to %s\n", rows, state.SnapshotID, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Destination Parquet file")
	return cmd
}
