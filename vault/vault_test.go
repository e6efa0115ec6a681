package vault

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/require"

	"github.com/nikodemus-eth/saoe/keyring"
)

func setupTestVault(t *testing.T) (dir string, identityPath string, dispatcherSK keyring.SigningKey, dispatcherPin string, recipient age.Recipient) {
	t.Helper()
	dir = t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "keys"), 0o755))

	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	identityPath = filepath.Join(dir, "identity.txt")
	require.NoError(t, os.WriteFile(identityPath, []byte(identity.String()+"\n"), 0o600))

	var dispatcherVK keyring.VerifyKey
	dispatcherSK, dispatcherVK, err = keyring.GenerateKeypair()
	require.NoError(t, err)
	require.NoError(t, keyring.SaveVerifyKey(filepath.Join(dir, "keys", "dispatcher_verify.pub"), dispatcherVK))
	dispatcherPin = keyring.HashVerifyKey(dispatcherVK)

	return dir, identityPath, dispatcherSK, dispatcherPin, identity.Recipient()
}

func TestOpenRejectsBadPin(t *testing.T) {
	dir, identityPath, _, _, _ := setupTestVault(t)
	_, err := Open(dir, identityPath, "0000000000000000000000000000000000000000000000000000000000000000")
	require.Error(t, err)
}

func TestPublishThenGetTemplateRoundTrip(t *testing.T) {
	dir, identityPath, dispatcherSK, dispatcherPin, recipient := setupTestVault(t)

	tmpl := Template{
		TemplateID: "blog_article_intent",
		Version:    "1",
		JSONSchema: map[string]interface{}{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]interface{}{
				"title": map[string]interface{}{"type": "string"},
			},
		},
		PolicyMetadata: PolicyMetadata{
			AllowedSenders:   []string{"intake-agent"},
			AllowedReceivers: []string{"sanitization-agent"},
			MaxPayloadBytes:  4096,
		},
		CapabilitySetID:      "default",
		CapabilitySetVersion: "1",
	}
	body, err := json.Marshal(tmpl)
	require.NoError(t, err)

	hash, err := HashTemplate(tmpl)
	require.NoError(t, err)

	require.NoError(t, Publish(dir, "templates", tmpl.TemplateID, tmpl.Version, body, hash, dispatcherSK, recipient))

	v, err := Open(dir, identityPath, dispatcherPin)
	require.NoError(t, err)

	got, manifest, err := v.GetTemplate(tmpl.TemplateID, tmpl.Version)
	require.NoError(t, err)
	require.Equal(t, tmpl.TemplateID, got.TemplateID)
	require.Equal(t, hash, manifest.SHA256Hash)
}

func TestPublishRejectsWrongConfirmationHash(t *testing.T) {
	dir, _, dispatcherSK, _, recipient := setupTestVault(t)

	err := Publish(dir, "templates", "x", "1", []byte(`{}`), "wronghash", dispatcherSK, recipient)
	require.Error(t, err)
}

func TestGetTemplateNotFound(t *testing.T) {
	dir, identityPath, _, dispatcherPin, _ := setupTestVault(t)
	v, err := Open(dir, identityPath, dispatcherPin)
	require.NoError(t, err)

	_, _, err = v.GetTemplate("missing", "1")
	require.Error(t, err)
	var notFound *VaultEntryNotFoundError
	require.ErrorAs(t, err, &notFound)
}
