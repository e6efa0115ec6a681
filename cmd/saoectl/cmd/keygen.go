package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nikodemus-eth/saoe/keyring"
)

func keygenCmd() *cobra.Command {
	var signingOut, verifyOut string

	c := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new Ed25519 signing/verify key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			if signingOut == "" || verifyOut == "" {
				return fmt.Errorf("--signing-out and --verify-out are required")
			}
			sk, vk, err := keyring.GenerateKeypair()
			if err != nil {
				return fmt.Errorf("generate keypair: %w", err)
			}
			if err := keyring.SaveSigningKey(signingOut, sk); err != nil {
				return fmt.Errorf("save signing key: %w", err)
			}
			if err := keyring.SaveVerifyKey(verifyOut, vk); err != nil {
				return fmt.Errorf("save verify key: %w", err)
			}
			fmt.Printf("signing key:  %s\n", signingOut)
			fmt.Printf("verify key:   %s\n", verifyOut)
			fmt.Printf("verify pin:   %s\n", keyring.HashVerifyKey(vk))
			return nil
		},
	}

	c.Flags().StringVar(&signingOut, "signing-out", "", "Output path for the private signing key")
	c.Flags().StringVar(&verifyOut, "verify-out", "", "Output path for the public verify key")
	return c
}
