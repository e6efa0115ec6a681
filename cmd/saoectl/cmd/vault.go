package cmd

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"filippo.io/age"
	"github.com/spf13/cobra"

	"github.com/nikodemus-eth/saoe/canon"
	"github.com/nikodemus-eth/saoe/keyring"
	"github.com/nikodemus-eth/saoe/vault"
)

func vaultCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "vault",
		Short: "Inspect or publish template/capability-set vault entries",
	}
	c.AddCommand(vaultInspectCmd())
	c.AddCommand(vaultPublishCmd())
	return c
}

func vaultInspectCmd() *cobra.Command {
	var vaultDir, identityPath, dispatcherPin, kind, id, version string

	c := &cobra.Command{
		Use:   "inspect",
		Short: "Decrypt and print a vault entry and its manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := vault.Open(vaultDir, identityPath, dispatcherPin)
			if err != nil {
				return fmt.Errorf("open vault: %w", err)
			}

			var body interface{}
			var manifest vault.Manifest
			switch kind {
			case "templates":
				tmpl, m, err := v.GetTemplate(id, version)
				if err != nil {
					return fmt.Errorf("get template: %w", err)
				}
				body, manifest = tmpl, m
			case "capsets":
				cs, m, err := v.GetCapabilitySet(id, version)
				if err != nil {
					return fmt.Errorf("get capability set: %w", err)
				}
				body, manifest = cs, m
			default:
				return fmt.Errorf("--kind must be templates or capsets, got %q", kind)
			}

			manifestJSON, _ := json.MarshalIndent(manifest, "", "  ")
			bodyJSON, _ := json.MarshalIndent(body, "", "  ")
			fmt.Println("manifest:")
			fmt.Println(string(manifestJSON))
			fmt.Println("body:")
			fmt.Println(string(bodyJSON))
			return nil
		},
	}

	c.Flags().StringVar(&vaultDir, "vault-dir", "", "Vault root directory")
	c.Flags().StringVar(&identityPath, "identity", "", "Path to the age identity file")
	c.Flags().StringVar(&dispatcherPin, "dispatcher-pin", "", "Expected hex SHA-256 of the dispatcher verify key")
	c.Flags().StringVar(&kind, "kind", "templates", "Entry kind: templates or capsets")
	c.Flags().StringVar(&id, "id", "", "Entry id")
	c.Flags().StringVar(&version, "version", "", "Entry version")
	return c
}

func vaultPublishCmd() *cobra.Command {
	var vaultDir, kind, id, version, filePath, dispatcherKeyPath, recipientStr string
	var confirmHash string
	var yes bool

	c := &cobra.Command{
		Use:   "publish",
		Short: "Publish a plaintext template or capability-set body into the vault, encrypted",
		Long: `Publish reads plaintextBody from --file, computes its canonical hash, and
requires that hash to be re-confirmed before anything is written: either pass
it directly via --confirm-hash, or omit the flag to be prompted interactively
after the hash is printed. This is the only safeguard against publishing the
wrong file under the right name.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(filePath)
			if err != nil {
				return fmt.Errorf("read %s: %w", filePath, err)
			}
			decoded, err := canon.DecodeStrict(body)
			if err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}
			canonicalBody, err := canon.Marshal(decoded)
			if err != nil {
				return fmt.Errorf("canonicalize %s: %w", filePath, err)
			}
			sum := sha256.Sum256(canonicalBody)
			computedHash := hex.EncodeToString(sum[:])

			if confirmHash == "" {
				fmt.Printf("computed sha256: %s\n", computedHash)
				if yes {
					confirmHash = computedHash
				} else {
					fmt.Print("re-type the hash to confirm publication: ")
					reader := bufio.NewReader(os.Stdin)
					line, _ := reader.ReadString('\n')
					confirmHash = trimNewline(line)
				}
			}

			dispatcherSK, err := keyring.LoadSigningKey(dispatcherKeyPath)
			if err != nil {
				return fmt.Errorf("load dispatcher signing key: %w", err)
			}
			recipient, err := age.ParseX25519Recipient(recipientStr)
			if err != nil {
				return fmt.Errorf("parse recipient: %w", err)
			}

			if err := vault.Publish(vaultDir, kind, id, version, body, confirmHash, dispatcherSK, recipient); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			fmt.Printf("published %s/%s v%s\n", kind, id, version)
			return nil
		},
	}

	c.Flags().StringVar(&vaultDir, "vault-dir", "", "Vault root directory")
	c.Flags().StringVar(&kind, "kind", "templates", "Entry kind: templates or capsets")
	c.Flags().StringVar(&id, "id", "", "Entry id")
	c.Flags().StringVar(&version, "version", "", "Entry version")
	c.Flags().StringVar(&filePath, "file", "", "Path to the plaintext JSON body")
	c.Flags().StringVar(&dispatcherKeyPath, "dispatcher-key", "", "Path to the dispatcher's private signing key")
	c.Flags().StringVar(&recipientStr, "recipient", "", "age X25519 recipient string to encrypt for")
	c.Flags().StringVar(&confirmHash, "confirm-hash", "", "Pre-confirmed hex SHA-256 of --file; omit to confirm interactively")
	c.Flags().BoolVar(&yes, "yes", false, "Skip the interactive confirmation prompt (non-interactive use only)")
	return c
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
