package shim

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/require"

	"github.com/nikodemus-eth/saoe/audit"
	"github.com/nikodemus-eth/saoe/envelope"
	"github.com/nikodemus-eth/saoe/keyring"
	"github.com/nikodemus-eth/saoe/validator"
	"github.com/nikodemus-eth/saoe/vault"
)

type testEnv struct {
	v        *vault.Vault
	auditLog *audit.Log
	tmplRef  envelope.TemplateRef
}

func setupVault(t *testing.T) testEnv {
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
		TemplateID: "ping",
		Version:    "1",
		JSONSchema: map[string]interface{}{
			"type":                 "object",
			"additionalProperties": true,
		},
		PolicyMetadata: vault.PolicyMetadata{
			AllowedSenders:   []string{"agent-a"},
			AllowedReceivers: []string{"agent-b"},
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

	capSet := vault.CapabilitySet{CapabilitySetID: "default", Version: "1"}
	capBody, err := json.Marshal(capSet)
	require.NoError(t, err)
	capHash, err := vault.HashCapabilitySet(capSet)
	require.NoError(t, err)
	require.NoError(t, vault.Publish(dir, "capsets", capSet.CapabilitySetID, capSet.Version, capBody, capHash, dispatcherSK, identity.Recipient()))

	v, err := vault.Open(dir, identityPath, dispatcherPin)
	require.NoError(t, err)

	auditLog, err := audit.Open(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)

	manifestBytes, err := vault.ManifestCanonicalBytes(tmpl.TemplateID, tmpl.Version, tmplHash)
	require.NoError(t, err)
	sig := keyring.SignBytes(dispatcherSK, manifestBytes)

	return testEnv{
		v:        v,
		auditLog: auditLog,
		tmplRef: envelope.TemplateRef{
			TemplateID:            tmpl.TemplateID,
			Version:                tmpl.Version,
			SHA256Hash:              tmplHash,
			DispatcherSignature:     hexString(sig),
			CapabilitySetID:         capSet.CapabilitySetID,
			CapabilitySetVersion:    capSet.Version,
		},
	}
}

func hexString(b []byte) string {
	const table = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = table[c>>4]
		out[i*2+1] = table[c&0xf]
	}
	return string(out)
}

func TestPollOnceQuarantineBackPressure(t *testing.T) {
	env := setupVault(t)
	v := validator.New(env.v, "agent-b", env.auditLog)

	queueDir := t.TempDir()
	quarantineDir := t.TempDir()

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(quarantineDir, string(rune('a'+i))+".satl.json"), []byte("{}"), 0o644))
	}

	s := New(Config{
		AgentID:            "agent-b",
		Validator:          v,
		Audit:              env.auditLog,
		QueueDir:           queueDir,
		QuarantineDir:      quarantineDir,
		MaxQuarantineFiles: 3,
	})

	results, err := s.PollOnce()
	require.NoError(t, err)
	require.Empty(t, results)

	events, err := env.auditLog.RecentEvents(10)
	require.NoError(t, err)
	require.Equal(t, "quarantine_limit_exceeded", events[0].EventType)
}

func TestPollOnceUnknownSenderShortCircuits(t *testing.T) {
	env := setupVault(t)
	v := validator.New(env.v, "agent-b", env.auditLog)

	queueDir := t.TempDir()
	quarantineDir := t.TempDir()

	senderSK, _, err := keyring.GenerateKeypair()
	require.NoError(t, err)

	e, err := envelope.Sign(envelope.Draft{
		Version:     "1.0",
		SessionID:   "s1",
		SenderID:    "agent-a",
		ReceiverID:  "agent-b",
		TemplateRef: env.tmplRef,
		Payload:     map[string]interface{}{"msg": "hi"},
	}, senderSK)
	require.NoError(t, err)
	body, err := envelope.ToJSON(e)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(queueDir, e.EnvelopeID+".satl.json"), []byte(body), 0o644))

	s := New(Config{
		AgentID:         "agent-b",
		Validator:       v,
		Audit:           env.auditLog,
		QueueDir:        queueDir,
		QuarantineDir:   quarantineDir,
		KnownSenderKeys: map[string]keyring.VerifyKey{}, // agent-a deliberately absent
	})

	results, err := s.PollOnce()
	require.NoError(t, err)
	require.Empty(t, results)

	events, err := env.auditLog.RecentEvents(10)
	require.NoError(t, err)
	require.Equal(t, "rejected", events[0].EventType)
	require.Equal(t, "unknown_sender", events[0].Details["reason"])
}

func TestSendEnvelopeThenPollOnceHappyPath(t *testing.T) {
	env := setupVault(t)
	v := validator.New(env.v, "agent-b", env.auditLog)

	senderSK, senderVK, err := keyring.GenerateKeypair()
	require.NoError(t, err)

	receiverQueueDir := t.TempDir()
	quarantineDir := t.TempDir()

	sender := New(Config{
		AgentID:    "agent-a",
		Audit:      env.auditLog,
		SigningKey: senderSK,
	})

	_, err = sender.SendEnvelope("agent-b", receiverQueueDir, env.tmplRef, map[string]interface{}{"msg": "hi"}, "s1", "")
	require.NoError(t, err)

	receiver := New(Config{
		AgentID:         "agent-b",
		Validator:       v,
		Audit:           env.auditLog,
		QueueDir:        receiverQueueDir,
		QuarantineDir:   quarantineDir,
		KnownSenderKeys: map[string]keyring.VerifyKey{"agent-a": senderVK},
	})

	results, err := receiver.PollOnce()
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "s1", results[0].SessionID())
}
