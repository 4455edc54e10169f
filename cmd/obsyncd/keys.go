package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Polkadex-Substrate/Polkadex-sub004/cmd/internal/passphrase"
	"github.com/Polkadex-Substrate/Polkadex-sub004/config"
	"github.com/Polkadex-Substrate/Polkadex-sub004/crypto"
)

func newKeysCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage node and validator keys",
	}
	keys.AddCommand(newKeysGenerateCmd())
	return keys
}

func newKeysGenerateCmd() *cobra.Command {
	var (
		force   bool
		blsPath string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Create the node keystore and a BLS seed for snapshot signing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if blsPath == "" {
				blsPath = cfg.Node.BLSKeyPath
			}
			if blsPath == "" {
				blsPath = filepath.Join(filepath.Dir(cfg.Node.KeystorePath), "bls.seed")
			}
			for _, path := range []string{cfg.Node.KeystorePath, blsPath} {
				if _, err := os.Stat(path); err == nil && !force {
					return fmt.Errorf("%s already exists; pass --force to overwrite", path)
				} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}

			secret, err := passphrase.NewSource(cfg.Node.PassphraseEnv).Confirmed().Get()
			if err != nil {
				return err
			}
			key, err := crypto.GeneratePrivateKey()
			if err != nil {
				return err
			}
			if err := crypto.SaveToKeystore(cfg.Node.KeystorePath, key, secret); err != nil {
				return err
			}

			seed := make([]byte, 32)
			if _, err := rand.Read(seed); err != nil {
				return err
			}
			bls, err := crypto.BLSKeyFromSeed(seed)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(blsPath), 0o700); err != nil {
				return err
			}
			if err := os.WriteFile(blsPath, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "address:     %s\n", key.PubKey().Address())
			fmt.Fprintf(out, "keystore:    %s\n", cfg.Node.KeystorePath)
			fmt.Fprintf(out, "bls pubkey:  0x%s\n", hex.EncodeToString(bls.PublicKey()))
			fmt.Fprintf(out, "bls seed:    %s\n", blsPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing key files")
	cmd.Flags().StringVar(&blsPath, "bls-out", "", "Where to write the BLS seed (defaults to node.BLSKeyPath or next to the keystore)")
	return cmd
}
