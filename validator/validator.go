// Package validator implements the twelve-step default-deny envelope
// validation pipeline. Every inbound envelope traverses these steps in
// order; on any failure the pipeline halts, the typed error is returned to
// the caller (the shim records it as a rejected audit event), and no
// downstream effect is taken. Step ordering is normative and must not be
// changed.
package validator

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nikodemus-eth/saoe/audit"
	"github.com/nikodemus-eth/saoe/canon"
	"github.com/nikodemus-eth/saoe/envelope"
	"github.com/nikodemus-eth/saoe/keyring"
	"github.com/nikodemus-eth/saoe/vault"
)

// Error kinds — one named type per rejection reason (spec §7 taxonomy).

type FileSizeExceededError struct{ Limit, Actual int64 }

func (e *FileSizeExceededError) Error() string {
	return fmt.Sprintf("validator: raw size %d exceeds cap %d", e.Actual, e.Limit)
}
func (e *FileSizeExceededError) Kind() string { return "FileSizeExceeded" }

type ReceiverMismatchError struct{ Expected, Actual string }

func (e *ReceiverMismatchError) Error() string {
	return fmt.Sprintf("validator: receiver_id %q does not match own agent id %q", e.Actual, e.Expected)
}
func (e *ReceiverMismatchError) Kind() string { return "ReceiverMismatch" }

type TemplateSHA256MismatchError struct{ Expected, Actual string }

func (e *TemplateSHA256MismatchError) Error() string {
	return fmt.Sprintf("validator: template sha256 mismatch: expected %s, got %s", e.Expected, e.Actual)
}
func (e *TemplateSHA256MismatchError) Kind() string { return "TemplateSha256Mismatch" }

type DispatcherSigError struct{ Reason string }

func (e *DispatcherSigError) Error() string { return "validator: dispatcher signature: " + e.Reason }
func (e *DispatcherSigError) Kind() string  { return "DispatcherSig" }

type PayloadSchemaError struct{ Reason string }

func (e *PayloadSchemaError) Error() string { return "validator: payload schema: " + e.Reason }
func (e *PayloadSchemaError) Kind() string  { return "PayloadSchema" }

type CapabilityConstraintError struct{ Reason string }

func (e *CapabilityConstraintError) Error() string { return "validator: capability constraint: " + e.Reason }
func (e *CapabilityConstraintError) Kind() string  { return "CapabilityConstraint" }

// ValidationResult exposes the envelope, resolved template and capability
// set, and convenience accessors once an envelope clears all twelve steps.
type ValidationResult struct {
	Envelope      envelope.SATLEnvelope
	Template      vault.Template
	CapabilitySet vault.CapabilitySet
}

func (r ValidationResult) SessionID() string  { return r.Envelope.SessionID }
func (r ValidationResult) SenderID() string   { return r.Envelope.SenderID }
func (r ValidationResult) ReceiverID() string { return r.Envelope.ReceiverID }

// Validator runs the twelve-step pipeline against a read-only vault and a
// shared audit log.
type Validator struct {
	Vault                     *vault.Vault
	OwnAgentID                string
	Audit                     *audit.Log
	FileSizeCapBytes          int64
	MaxQuotaPerSenderPerHour  int
}

const (
	defaultFileSizeCapBytes         = 1 * 1024 * 1024
	defaultMaxQuotaPerSenderPerHour = 1000
)

// New constructs a Validator with spec-default caps unless overridden.
func New(v *vault.Vault, ownAgentID string, log *audit.Log) *Validator {
	return &Validator{
		Vault:                    v,
		OwnAgentID:               ownAgentID,
		Audit:                    log,
		FileSizeCapBytes:         defaultFileSizeCapBytes,
		MaxQuotaPerSenderPerHour: defaultMaxQuotaPerSenderPerHour,
	}
}

// Validate runs raw bytes through all twelve steps using senderVerifyKey
// as the claimed sender's public key (looked up by the caller, typically
// the shim, before calling Validate).
func (v *Validator) Validate(raw []byte, senderVerifyKey keyring.VerifyKey) (ValidationResult, error) {
	// Step 1: raw-byte size cap, before JSON parse.
	if int64(len(raw)) > v.FileSizeCapBytes {
		return ValidationResult{}, &FileSizeExceededError{Limit: v.FileSizeCapBytes, Actual: int64(len(raw))}
	}

	// Step 2: strict JSON parse with duplicate-key rejection.
	env, err := envelope.Parse(raw)
	if err != nil {
		return ValidationResult{}, err // *canon.DuplicateKeyError or *envelope.EnvelopeParseError
	}

	// Step 3: Ed25519 signature verify over canonical bytes.
	if err := envelope.VerifySignature(env, senderVerifyKey); err != nil {
		return ValidationResult{}, err // *keyring.BadSignatureError
	}

	// Step 4: receiver_id == own_agent_id.
	if env.ReceiverID != v.OwnAgentID {
		return ValidationResult{}, &ReceiverMismatchError{Expected: v.OwnAgentID, Actual: env.ReceiverID}
	}

	// Step 5: resolve template by (template_id, version).
	tmpl, tmplManifest, err := v.Vault.GetTemplate(env.TemplateRef.TemplateID, env.TemplateRef.Version)
	if err != nil {
		return ValidationResult{}, err // *vault.VaultResolutionError / *vault.VaultEntryNotFoundError
	}

	// Step 6: re-hash the resolved template; compare to template_ref.sha256_hash.
	actualHash, err := vault.HashTemplate(tmpl)
	if err != nil {
		return ValidationResult{}, &TemplateSHA256MismatchError{Expected: env.TemplateRef.SHA256Hash, Actual: "unhashable template: " + err.Error()}
	}
	if actualHash != env.TemplateRef.SHA256Hash {
		return ValidationResult{}, &TemplateSHA256MismatchError{Expected: env.TemplateRef.SHA256Hash, Actual: actualHash}
	}

	// Step 7: verify template_ref.dispatcher_signature over the canonical manifest.
	if err := verifyManifestSignature(tmplManifest.TemplateID, tmplManifest.Version, actualHash, env.TemplateRef.DispatcherSignature, v.Vault.GetDispatcherVerifyKey()); err != nil {
		return ValidationResult{}, err
	}

	// Step 8: resolve capability set by (capability_set_id, capability_set_version).
	capSet, capManifest, err := v.Vault.GetCapabilitySet(env.TemplateRef.CapabilitySetID, env.TemplateRef.CapabilitySetVersion)
	if err != nil {
		return ValidationResult{}, err
	}

	// Step 9: verify capability-set integrity (stricter reading: identical
	// to steps 6-7, not merely trusted via the read-only vault).
	capHash, err := vault.HashCapabilitySet(capSet)
	if err != nil {
		return ValidationResult{}, &DispatcherSigError{Reason: err.Error()}
	}
	if capHash != capManifest.SHA256Hash {
		return ValidationResult{}, &TemplateSHA256MismatchError{Expected: capManifest.SHA256Hash, Actual: capHash}
	}
	if err := verifyManifestSignature(capManifest.TemplateID, capManifest.Version, capHash, capManifest.DispatcherSignature, v.Vault.GetDispatcherVerifyKey()); err != nil {
		return ValidationResult{}, err
	}

	// Step 10: validate payload against template.json_schema.
	if err := validatePayloadSchema(tmpl.JSONSchema, env.Payload); err != nil {
		return ValidationResult{}, err
	}

	// Step 11: capability constraints.
	if err := v.checkCapabilityConstraints(tmpl, env); err != nil {
		return ValidationResult{}, err
	}

	// Step 12: atomic replay guard — append "validated" with this envelope_id.
	if err := v.Audit.Emit(audit.Event{
		EventType:  "validated",
		EnvelopeID: env.EnvelopeID,
		SessionID:  env.SessionID,
		SenderID:   env.SenderID,
		ReceiverID: env.ReceiverID,
		TemplateID: env.TemplateRef.TemplateID,
		AgentID:    v.OwnAgentID,
	}); err != nil {
		return ValidationResult{}, err // *audit.ReplayAttackError
	}

	return ValidationResult{Envelope: env, Template: tmpl, CapabilitySet: capSet}, nil
}

func verifyManifestSignature(templateID, version, sha256Hash, dispatcherSignatureHex string, dispatcherVK keyring.VerifyKey) error {
	manifestBytes, err := vault.ManifestCanonicalBytes(templateID, version, sha256Hash)
	if err != nil {
		return &DispatcherSigError{Reason: err.Error()}
	}
	sig, err := hex.DecodeString(dispatcherSignatureHex)
	if err != nil {
		return &DispatcherSigError{Reason: fmt.Sprintf("dispatcher_signature is not valid hex: %v", err)}
	}
	if err := keyring.VerifyBytes(dispatcherVK, manifestBytes, sig); err != nil {
		return &DispatcherSigError{Reason: err.Error()}
	}
	return nil
}

func validatePayloadSchema(schema map[string]interface{}, payload map[string]interface{}) error {
	schemaLoader := gojsonschema.NewGoLoader(schema)
	docLoader := gojsonschema.NewGoLoader(payload)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return &PayloadSchemaError{Reason: err.Error()}
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return &PayloadSchemaError{Reason: fmt.Sprintf("%v", msgs)}
	}
	return nil
}

func (v *Validator) checkCapabilityConstraints(tmpl vault.Template, env envelope.SATLEnvelope) error {
	allowed := false
	for _, s := range tmpl.PolicyMetadata.AllowedSenders {
		if s == env.SenderID {
			allowed = true
			break
		}
	}
	if !allowed {
		return &CapabilityConstraintError{Reason: fmt.Sprintf("sender_id %q not in allowed_senders", env.SenderID)}
	}

	allowed = false
	for _, r := range tmpl.PolicyMetadata.AllowedReceivers {
		if r == env.ReceiverID {
			allowed = true
			break
		}
	}
	if !allowed {
		return &CapabilityConstraintError{Reason: fmt.Sprintf("receiver_id %q not in allowed_receivers", env.ReceiverID)}
	}

	payloadBytes, err := canon.Marshal(toGenericMap(env.Payload))
	if err != nil {
		return &CapabilityConstraintError{Reason: err.Error()}
	}
	if int64(len(payloadBytes)) > tmpl.PolicyMetadata.MaxPayloadBytes {
		return &CapabilityConstraintError{Reason: fmt.Sprintf("payload size %d exceeds max_payload_bytes %d", len(payloadBytes), tmpl.PolicyMetadata.MaxPayloadBytes)}
	}

	count, err := v.Audit.QuerySessionCount(env.SenderID, 1.0)
	if err != nil {
		return &CapabilityConstraintError{Reason: err.Error()}
	}
	if count >= v.MaxQuotaPerSenderPerHour {
		return &CapabilityConstraintError{Reason: fmt.Sprintf("sender %q exceeded quota %d/hour", env.SenderID, v.MaxQuotaPerSenderPerHour)}
	}

	return nil
}

func toGenericMap(m map[string]interface{}) interface{} {
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out interface{}
	_ = json.Unmarshal(raw, &out)
	return out
}

