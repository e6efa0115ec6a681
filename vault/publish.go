package vault

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"filippo.io/age"

	"github.com/nikodemus-eth/saoe/canon"
	"github.com/nikodemus-eth/saoe/keyring"
)

// Publish installs a new template (or capability set — callers pass
// whichever body/kind applies) into the vault directory tree.
//
// Per the out-of-scope publisher's contract (specified here, implemented
// by the core, operated by an external CLI): the caller must have
// computed expectedHash by some out-of-band means (typically: typing it
// back after visual inspection) and it must match the hash this function
// itself computes over canonical bytes, or Publish aborts without writing
// anything. This is the confirmation gate against silently publishing the
// wrong content.
func Publish(
	vaultDir, kind, id, version string,
	plaintextBody []byte,
	expectedHash string,
	dispatcherSigningKey keyring.SigningKey,
	recipient age.Recipient,
) error {
	decoded, err := canon.DecodeStrict(plaintextBody)
	if err != nil {
		return fmt.Errorf("vault: publish: parse body: %w", err)
	}
	canonicalBody, err := canon.Marshal(decoded)
	if err != nil {
		return fmt.Errorf("vault: publish: canonical bytes: %w", err)
	}
	actualHash := sha256Hex(canonicalBody)
	if actualHash != expectedHash {
		return fmt.Errorf("vault: publish: confirmation hash mismatch: expected %s, computed %s; aborting without writing", expectedHash, actualHash)
	}

	manifestBytes, err := ManifestCanonicalBytes(id, version, actualHash)
	if err != nil {
		return fmt.Errorf("vault: publish: manifest canonical bytes: %w", err)
	}
	sig := keyring.SignBytes(dispatcherSigningKey, manifestBytes)

	manifest := Manifest{
		TemplateID:          id,
		Version:             version,
		SHA256Hash:          actualHash,
		DispatcherSignature: hex.EncodeToString(sig),
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: publish: marshal manifest: %w", err)
	}

	ciphertext, err := encryptToAge(canonicalBody, recipient)
	if err != nil {
		return fmt.Errorf("vault: publish: encrypt: %w", err)
	}

	encDir := filepath.Join(vaultDir, kind)
	manifestDir := filepath.Join(vaultDir, "manifests")
	if err := os.MkdirAll(encDir, 0o755); err != nil {
		return fmt.Errorf("vault: publish: mkdir %s: %w", encDir, err)
	}
	if err := os.MkdirAll(manifestDir, 0o755); err != nil {
		return fmt.Errorf("vault: publish: mkdir %s: %w", manifestDir, err)
	}

	encPath := filepath.Join(encDir, fmt.Sprintf("%s_v%s.age", id, version))
	manifestPath := filepath.Join(manifestDir, fmt.Sprintf("%s_v%s.manifest.json", id, version))

	// Atomic two-file install: write both to temp files in their final
	// directories, then rename both, so a crash mid-publish never leaves
	// a manifest pointing at a missing or partial ciphertext.
	if err := writeTempThenRename(encDir, encPath, ciphertext); err != nil {
		return fmt.Errorf("vault: publish: install ciphertext: %w", err)
	}
	if err := writeTempThenRename(manifestDir, manifestPath, manifestJSON); err != nil {
		return fmt.Errorf("vault: publish: install manifest: %w", err)
	}
	return nil
}

func encryptToAge(plaintext []byte, recipient age.Recipient) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeTempThenRename(dir, finalPath string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".saoe-publish-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, finalPath)
}
