// Package envelope implements the SATL envelope: its data model, canonical
// serialization, Ed25519 signing, and duplicate-key-rejecting parsing.
//
// Canonical JSON rules (used for both signing and hashing) are delegated to
// package canon: sorted keys, no whitespace, ASCII-only escaping, UTF-8.
package envelope

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nikodemus-eth/saoe/canon"
	"github.com/nikodemus-eth/saoe/keyring"
)

// TemplateRef is an immutable reference to a signed template in the vault.
// All six fields participate in envelope signature coverage.
type TemplateRef struct {
	TemplateID            string `json:"template_id"`
	Version                string `json:"version"`
	SHA256Hash              string `json:"sha256_hash"`
	DispatcherSignature     string `json:"dispatcher_signature"`
	CapabilitySetID         string `json:"capability_set_id"`
	CapabilitySetVersion    string `json:"capability_set_version"`
}

// SATLEnvelope is the signed, self-describing message that crosses every
// agent boundary. It is immutable once signed; EnvelopeSignature covers
// every other field, including HumanReadable.
type SATLEnvelope struct {
	Version            string                 `json:"version"`
	EnvelopeID          string                 `json:"envelope_id"`
	SessionID           string                 `json:"session_id"`
	TimestampUTC        string                 `json:"timestamp_utc"`
	SenderID            string                 `json:"sender_id"`
	ReceiverID          string                 `json:"receiver_id"`
	HumanReadable       string                 `json:"human_readable"`
	TemplateRef         TemplateRef            `json:"template_ref"`
	Payload             map[string]interface{} `json:"payload"`
	EnvelopeSignature   string                 `json:"envelope_signature"`
}

// EnvelopeParseError is raised when envelope JSON cannot be parsed or is
// structurally invalid (a required field is missing).
type EnvelopeParseError struct {
	Reason string
}

func (e *EnvelopeParseError) Error() string { return "envelope: parse: " + e.Reason }
func (e *EnvelopeParseError) Kind() string  { return "EnvelopeParse" }

// Draft holds every envelope field except EnvelopeSignature, for use with
// Sign. EnvelopeID and TimestampUTC default when empty.
type Draft struct {
	Version       string
	EnvelopeID    string
	SessionID     string
	TimestampUTC  string
	SenderID      string
	ReceiverID    string
	HumanReadable string
	TemplateRef   TemplateRef
	Payload       map[string]interface{}
}

// canonicalMap builds the plain-value tree used for canonicalization; the
// signature field is deliberately excluded so it can cover everything else.
func canonicalMap(e SATLEnvelope) map[string]interface{} {
	return map[string]interface{}{
		"version":        e.Version,
		"envelope_id":    e.EnvelopeID,
		"session_id":     e.SessionID,
		"timestamp_utc":  e.TimestampUTC,
		"sender_id":      e.SenderID,
		"receiver_id":    e.ReceiverID,
		"human_readable": e.HumanReadable,
		"template_ref": map[string]interface{}{
			"template_id":            e.TemplateRef.TemplateID,
			"version":                e.TemplateRef.Version,
			"sha256_hash":            e.TemplateRef.SHA256Hash,
			"dispatcher_signature":   e.TemplateRef.DispatcherSignature,
			"capability_set_id":      e.TemplateRef.CapabilitySetID,
			"capability_set_version": e.TemplateRef.CapabilitySetVersion,
		},
		"payload": toGeneric(e.Payload),
	}
}

func toGeneric(m map[string]interface{}) interface{} {
	// Round-trip through encoding/json so nested struct/typed values
	// normalize to plain map/slice/string/number before canon.Marshal.
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out interface{}
	_ = json.Unmarshal(raw, &out)
	return out
}

// CanonicalBytes returns the canonical bytes of an envelope for
// signing/verification. EnvelopeSignature is excluded; HumanReadable is
// included so its value is covered by the signature.
func CanonicalBytes(e SATLEnvelope) ([]byte, error) {
	return canon.Marshal(canonicalMap(e))
}

// Sign builds a SATLEnvelope from draft and signs it, filling EnvelopeID
// and TimestampUTC defaults when empty.
func Sign(draft Draft, sk keyring.SigningKey) (SATLEnvelope, error) {
	envelopeID := draft.EnvelopeID
	if envelopeID == "" {
		envelopeID = uuid.NewString()
	}
	timestamp := draft.TimestampUTC
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	e := SATLEnvelope{
		Version:       draft.Version,
		EnvelopeID:    envelopeID,
		SessionID:     draft.SessionID,
		TimestampUTC:  timestamp,
		SenderID:      draft.SenderID,
		ReceiverID:    draft.ReceiverID,
		HumanReadable: draft.HumanReadable,
		TemplateRef:   draft.TemplateRef,
		Payload:       draft.Payload,
	}

	data, err := CanonicalBytes(e)
	if err != nil {
		return SATLEnvelope{}, fmt.Errorf("envelope: sign: %w", err)
	}
	sig := keyring.SignBytes(sk, data)
	e.EnvelopeSignature = hex.EncodeToString(sig)
	return e, nil
}

// VerifySignature verifies the EnvelopeSignature field against
// senderVerifyKey. Returns a *keyring.BadSignatureError on mismatch.
func VerifySignature(e SATLEnvelope, senderVerifyKey keyring.VerifyKey) error {
	data, err := CanonicalBytes(e)
	if err != nil {
		return fmt.Errorf("envelope: verify: %w", err)
	}
	sig, err := hex.DecodeString(e.EnvelopeSignature)
	if err != nil {
		return &keyring.BadSignatureError{Reason: fmt.Sprintf("envelope_signature is not valid hex: %v", err)}
	}
	return keyring.VerifyBytes(senderVerifyKey, data, sig)
}

// Parse parses rawJSON into a SATLEnvelope. Duplicate keys at any nesting
// level raise *canon.DuplicateKeyError. Missing required fields raise
// *EnvelopeParseError. No field coercion or silent defaults are applied.
func Parse(rawJSON []byte) (SATLEnvelope, error) {
	decoded, err := canon.DecodeStrict(rawJSON)
	if err != nil {
		if _, ok := err.(*canon.DuplicateKeyError); ok {
			return SATLEnvelope{}, err
		}
		return SATLEnvelope{}, &EnvelopeParseError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	data, ok := decoded.(map[string]interface{})
	if !ok {
		return SATLEnvelope{}, &EnvelopeParseError{Reason: "top-level JSON value is not an object"}
	}

	tref, err := parseTemplateRef(data)
	if err != nil {
		return SATLEnvelope{}, err
	}

	fields := map[string]string{}
	for _, name := range []string{"version", "envelope_id", "session_id", "timestamp_utc", "sender_id", "receiver_id", "human_readable", "envelope_signature"} {
		v, ok := data[name]
		if !ok {
			return SATLEnvelope{}, &EnvelopeParseError{Reason: "missing required envelope field: " + name}
		}
		s, ok := v.(string)
		if !ok {
			return SATLEnvelope{}, &EnvelopeParseError{Reason: "envelope field not a string: " + name}
		}
		fields[name] = s
	}

	payloadRaw, ok := data["payload"]
	if !ok {
		return SATLEnvelope{}, &EnvelopeParseError{Reason: "missing required envelope field: payload"}
	}
	payload, ok := payloadRaw.(map[string]interface{})
	if !ok {
		return SATLEnvelope{}, &EnvelopeParseError{Reason: "payload is not an object"}
	}

	return SATLEnvelope{
		Version:           fields["version"],
		EnvelopeID:        fields["envelope_id"],
		SessionID:         fields["session_id"],
		TimestampUTC:      fields["timestamp_utc"],
		SenderID:          fields["sender_id"],
		ReceiverID:        fields["receiver_id"],
		HumanReadable:     fields["human_readable"],
		TemplateRef:       tref,
		Payload:           payload,
		EnvelopeSignature: fields["envelope_signature"],
	}, nil
}

func parseTemplateRef(data map[string]interface{}) (TemplateRef, error) {
	raw, ok := data["template_ref"]
	if !ok {
		return TemplateRef{}, &EnvelopeParseError{Reason: "missing required envelope field: template_ref"}
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return TemplateRef{}, &EnvelopeParseError{Reason: "template_ref is not an object"}
	}

	get := func(name string) (string, error) {
		v, ok := m[name]
		if !ok {
			return "", &EnvelopeParseError{Reason: "missing required template_ref field: " + name}
		}
		s, ok := v.(string)
		if !ok {
			return "", &EnvelopeParseError{Reason: "template_ref field not a string: " + name}
		}
		return s, nil
	}

	var tref TemplateRef
	var err error
	if tref.TemplateID, err = get("template_id"); err != nil {
		return TemplateRef{}, err
	}
	if tref.Version, err = get("version"); err != nil {
		return TemplateRef{}, err
	}
	if tref.SHA256Hash, err = get("sha256_hash"); err != nil {
		return TemplateRef{}, err
	}
	if tref.DispatcherSignature, err = get("dispatcher_signature"); err != nil {
		return TemplateRef{}, err
	}
	if tref.CapabilitySetID, err = get("capability_set_id"); err != nil {
		return TemplateRef{}, err
	}
	if tref.CapabilitySetVersion, err = get("capability_set_version"); err != nil {
		return TemplateRef{}, err
	}
	return tref, nil
}

// ToJSON serializes an envelope to an indented JSON string for writing to
// disk, matching the wire format named in the external interfaces section.
func ToJSON(e SATLEnvelope) (string, error) {
	d := map[string]interface{}{
		"version":        e.Version,
		"envelope_id":    e.EnvelopeID,
		"session_id":     e.SessionID,
		"timestamp_utc":  e.TimestampUTC,
		"sender_id":      e.SenderID,
		"receiver_id":    e.ReceiverID,
		"human_readable": e.HumanReadable,
		"template_ref": map[string]interface{}{
			"template_id":            e.TemplateRef.TemplateID,
			"version":                e.TemplateRef.Version,
			"sha256_hash":            e.TemplateRef.SHA256Hash,
			"dispatcher_signature":   e.TemplateRef.DispatcherSignature,
			"capability_set_id":      e.TemplateRef.CapabilitySetID,
			"capability_set_version": e.TemplateRef.CapabilitySetVersion,
		},
		"payload":            e.Payload,
		"envelope_signature": e.EnvelopeSignature,
	}
	out, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("envelope: to json: %w", err)
	}
	return string(out), nil
}
