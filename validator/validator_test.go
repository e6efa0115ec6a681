package validator

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/require"

	"github.com/nikodemus-eth/saoe/audit"
	"github.com/nikodemus-eth/saoe/envelope"
	"github.com/nikodemus-eth/saoe/keyring"
	"github.com/nikodemus-eth/saoe/vault"
)

type harness struct {
	vault     *vault.Vault
	auditLog  *audit.Log
	senderSK  keyring.SigningKey
	senderVK  keyring.VerifyKey
	tmplRef   envelope.TemplateRef
}

func setupHarness(t *testing.T) harness {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "keys"), 0o755))

	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	identityPath := filepath.Join(dir, "identity.txt")
	require.NoError(t, os.WriteFile(identityPath, []byte(identity.String()+"\n"), 0o600))

	dispatcherSK, dispatcherVK, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	require.NoError(t, keyring.SaveVerifyKey(filepath.Join(dir, "keys", "dispatcher_verify.pub"), dispatcherVK))
	dispatcherPin := keyring.HashVerifyKey(dispatcherVK)

	tmpl := vault.Template{
		TemplateID: "blog_article_intent",
		Version:    "1",
		JSONSchema: map[string]interface{}{
			"type":                 "object",
			"additionalProperties": false,
			"required":             []interface{}{"title", "body_markdown", "image_present"},
			"properties": map[string]interface{}{
				"title":         map[string]interface{}{"type": "string"},
				"body_markdown": map[string]interface{}{"type": "string"},
				"image_present": map[string]interface{}{"type": "boolean"},
			},
		},
		PolicyMetadata: vault.PolicyMetadata{
			AllowedSenders:   []string{"intake-agent"},
			AllowedReceivers: []string{"sanitization-agent"},
			MaxPayloadBytes:  4096,
		},
		CapabilitySetID:      "default",
		CapabilitySetVersion: "1",
	}
	tmplBody, err := json.Marshal(tmpl)
	require.NoError(t, err)
	tmplHash, err := vault.HashTemplate(tmpl)
	require.NoError(t, err)
	require.NoError(t, vault.Publish(dir, "templates", tmpl.TemplateID, tmpl.Version, tmplBody, tmplHash, dispatcherSK, identity.Recipient()))

	capSet := vault.CapabilitySet{
		CapabilitySetID: "default",
		Version:         "1",
		AllowedActions:  []string{"publish"},
		ToolPermissions: []string{},
	}
	capBody, err := json.Marshal(capSet)
	require.NoError(t, err)
	capHash, err := vault.HashCapabilitySet(capSet)
	require.NoError(t, err)
	require.NoError(t, vault.Publish(dir, "capsets", capSet.CapabilitySetID, capSet.Version, capBody, capHash, dispatcherSK, identity.Recipient()))

	v, err := vault.Open(dir, identityPath, dispatcherPin)
	require.NoError(t, err)

	auditLog, err := audit.Open(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)

	senderSK, senderVK, err := keyring.GenerateKeypair()
	require.NoError(t, err)

	manifestBytes, err := vault.ManifestCanonicalBytes(tmpl.TemplateID, tmpl.Version, tmplHash)
	require.NoError(t, err)
	tmplSig := keyring.SignBytes(dispatcherSK, manifestBytes)

	return harness{
		vault:    v,
		auditLog: auditLog,
		senderSK: senderSK,
		senderVK: senderVK,
		tmplRef: envelope.TemplateRef{
			TemplateID:            tmpl.TemplateID,
			Version:                tmpl.Version,
			SHA256Hash:              tmplHash,
			DispatcherSignature:     hex.EncodeToString(tmplSig),
			CapabilitySetID:         capSet.CapabilitySetID,
			CapabilitySetVersion:    capSet.Version,
		},
	}
}

func (h harness) signedEnvelope(t *testing.T) envelope.SATLEnvelope {
	t.Helper()
	draft := envelope.Draft{
		Version:     "1.0",
		SessionID:   "sess-1",
		SenderID:    "intake-agent",
		ReceiverID:  "sanitization-agent",
		TemplateRef: h.tmplRef,
		Payload: map[string]interface{}{
			"title":         "Hello",
			"body_markdown": "# x",
			"image_present": false,
		},
	}
	e, err := envelope.Sign(draft, h.senderSK)
	require.NoError(t, err)
	return e
}

func TestValidateHappyPath(t *testing.T) {
	h := setupHarness(t)
	v := New(h.vault, "sanitization-agent", h.auditLog)

	e := h.signedEnvelope(t)
	raw, err := envelope.ToJSON(e)
	require.NoError(t, err)

	result, err := v.Validate([]byte(raw), h.senderVK)
	require.NoError(t, err)
	require.Equal(t, "sess-1", result.SessionID())

	events, err := h.auditLog.RecentEvents(10)
	require.NoError(t, err)
	validatedCount := 0
	for _, ev := range events {
		if ev.EventType == "validated" && ev.EnvelopeID == e.EnvelopeID {
			validatedCount++
		}
	}
	require.Equal(t, 1, validatedCount)
}

func TestValidateTamperFailsAtSignature(t *testing.T) {
	h := setupHarness(t)
	v := New(h.vault, "sanitization-agent", h.auditLog)

	e := h.signedEnvelope(t)
	raw, err := envelope.ToJSON(e)
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &generic))
	generic["payload"].(map[string]interface{})["title"] = "TAMPERED"
	tampered, err := json.Marshal(generic)
	require.NoError(t, err)

	_, err = v.Validate(tampered, h.senderVK)
	require.Error(t, err)
	var badSig *keyring.BadSignatureError
	require.ErrorAs(t, err, &badSig)
}

func TestValidateReplayFailsOnSecondSubmission(t *testing.T) {
	h := setupHarness(t)
	v := New(h.vault, "sanitization-agent", h.auditLog)

	e := h.signedEnvelope(t)
	raw, err := envelope.ToJSON(e)
	require.NoError(t, err)

	_, err = v.Validate([]byte(raw), h.senderVK)
	require.NoError(t, err)

	_, err = v.Validate([]byte(raw), h.senderVK)
	require.Error(t, err)
	var replay *audit.ReplayAttackError
	require.ErrorAs(t, err, &replay)

	events, err := h.auditLog.RecentEvents(10)
	require.NoError(t, err)
	validatedCount := 0
	for _, ev := range events {
		if ev.EventType == "validated" && ev.EnvelopeID == e.EnvelopeID {
			validatedCount++
		}
	}
	require.Equal(t, 1, validatedCount)
}

func TestValidateReceiverMismatch(t *testing.T) {
	h := setupHarness(t)
	v := New(h.vault, "some-other-agent", h.auditLog)

	e := h.signedEnvelope(t)
	raw, err := envelope.ToJSON(e)
	require.NoError(t, err)

	_, err = v.Validate([]byte(raw), h.senderVK)
	require.Error(t, err)
	var mismatch *ReceiverMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestValidateFileSizeExceeded(t *testing.T) {
	h := setupHarness(t)
	v := New(h.vault, "sanitization-agent", h.auditLog)
	v.FileSizeCapBytes = 10

	e := h.signedEnvelope(t)
	raw, err := envelope.ToJSON(e)
	require.NoError(t, err)

	_, err = v.Validate([]byte(raw), h.senderVK)
	require.Error(t, err)
	var tooBig *FileSizeExceededError
	require.ErrorAs(t, err, &tooBig)
}

func TestValidateCapabilityConstraintRejectsUnknownSender(t *testing.T) {
	h := setupHarness(t)
	v := New(h.vault, "sanitization-agent", h.auditLog)

	draft := envelope.Draft{
		Version:     "1.0",
		SessionID:   "sess-1",
		SenderID:    "not-allowed-agent",
		ReceiverID:  "sanitization-agent",
		TemplateRef: h.tmplRef,
		Payload: map[string]interface{}{
			"title":         "Hello",
			"body_markdown": "# x",
			"image_present": false,
		},
	}
	e, err := envelope.Sign(draft, h.senderSK)
	require.NoError(t, err)
	raw, err := envelope.ToJSON(e)
	require.NoError(t, err)

	_, err = v.Validate([]byte(raw), h.senderVK)
	require.Error(t, err)
	var capErr *CapabilityConstraintError
	require.ErrorAs(t, err, &capErr)
}
