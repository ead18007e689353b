package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pivaldi/nearchat/internal/identity"
	"github.com/pivaldi/nearchat/internal/settings"
)

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print this node's peer ID and display name",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			seed, err := identity.LoadSeed(cfg.SeedPath)
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("no identity at %s, run nearchat once or use keygen", cfg.SeedPath)
			}
			if err != nil {
				return err
			}
			keys, err := identity.DeriveKeys(seed)
			if err != nil {
				return fmt.Errorf("derive keys: %w", err)
			}
			fmt.Printf("PeerID: %s\n", keys.PeerID)
			fmt.Printf("HPKE KeyID: %x\n", keys.KeyID)

			if _, err := os.Stat(cfg.DBPath); err != nil {
				return nil
			}
			store, err := settings.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			name, ok, err := store.Get(context.Background(), settings.KeyUserName)
			if err != nil {
				return err
			}
			if ok {
				fmt.Printf("Name: %s\n", name)
			}
			return nil
		},
	}
}
