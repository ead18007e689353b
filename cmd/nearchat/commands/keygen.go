package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pivaldi/nearchat/internal/identity"
)

func keygenCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Write a new identity seed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath == "" {
				return fmt.Errorf("--out is required")
			}

			// Never overwrite an identity.
			if _, err := os.Stat(outPath); err == nil {
				return fmt.Errorf("file already exists: %s", outPath)
			}

			seed, err := identity.GenerateSeed()
			if err != nil {
				return fmt.Errorf("generate seed: %w", err)
			}
			if err := identity.SaveSeed(outPath, seed); err != nil {
				return fmt.Errorf("save seed: %w", err)
			}

			keys, err := identity.DeriveKeys(seed)
			if err != nil {
				return fmt.Errorf("derive keys: %w", err)
			}

			fmt.Printf("Seed written to %s\n", outPath)
			fmt.Printf("PeerID: %s\n", keys.PeerID)
			fmt.Printf("HPKE KeyID: %x\n", keys.KeyID)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "output path for seed file (required)")
	return cmd
}
