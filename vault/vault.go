// Package vault implements the Template Vault: a read-only, age-encrypted
// directory tree of signed JSON Schemas and capability sets, resolved on
// demand with a bounded decryption timeout and a pinned dispatcher key
// checked at construction.
package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"filippo.io/age"

	"github.com/nikodemus-eth/saoe/canon"
	"github.com/nikodemus-eth/saoe/keyring"
)

// Template is a signed, versioned JSON Schema plus policy metadata.
type Template struct {
	TemplateID          string                 `json:"template_id"`
	Version             string                 `json:"version"`
	JSONSchema          map[string]interface{} `json:"json_schema"`
	PolicyMetadata      PolicyMetadata         `json:"policy_metadata"`
	CapabilitySetID     string                 `json:"capability_set_id"`
	CapabilitySetVersion string                `json:"capability_set_version"`
}

// PolicyMetadata is the policy half of a Template.
type PolicyMetadata struct {
	AllowedSenders   []string `json:"allowed_senders"`
	AllowedReceivers []string `json:"allowed_receivers"`
	MaxPayloadBytes  int64    `json:"max_payload_bytes"`
}

// CapabilitySet is a signed, versioned policy describing which actions and
// tools an agent may use.
type CapabilitySet struct {
	CapabilitySetID string   `json:"capability_set_id"`
	Version         string   `json:"version"`
	AllowedActions  []string `json:"allowed_actions"`
	ToolPermissions []string `json:"tool_permissions"`
}

// Manifest is the plaintext record published alongside an encrypted
// template or capability set body.
type Manifest struct {
	TemplateID          string `json:"template_id"`
	Version             string `json:"version"`
	SHA256Hash          string `json:"sha256_hash"`
	DispatcherSignature string `json:"dispatcher_signature"`
}

// Errors.

type VaultResolutionError struct{ Reason string }

func (e *VaultResolutionError) Error() string { return "vault: resolution: " + e.Reason }
func (e *VaultResolutionError) Kind() string  { return "VaultResolution" }

type VaultEntryNotFoundError struct{ ID, Version string }

func (e *VaultEntryNotFoundError) Error() string {
	return fmt.Sprintf("vault: entry not found: %s v%s", e.ID, e.Version)
}
func (e *VaultEntryNotFoundError) Kind() string { return "VaultEntryNotFound" }

type AgeDecryptError struct{ Reason string }

func (e *AgeDecryptError) Error() string { return "vault: age decrypt: " + e.Reason }
func (e *AgeDecryptError) Kind() string  { return "AgeDecrypt" }

// Vault is a read-only handle onto the on-disk vault directory tree.
type Vault struct {
	root              string
	identity          age.Identity
	dispatcherVerify  keyring.VerifyKey
	decryptTimeout    time.Duration
}

const defaultDecryptTimeout = 10 * time.Second

// Open initializes a read-only vault handle rooted at dir.
//
// Initialization fails the process if any step fails:
//  1. Require identityPath to be owner-read-write only (mode 0600).
//  2. Load keys/dispatcher_verify.pub; pin-check against dispatcherPinHex.
//  3. Parse the age identity for use on the decryption hot path.
func Open(dir, identityPath, dispatcherPinHex string) (*Vault, error) {
	info, err := os.Stat(identityPath)
	if err != nil {
		return nil, fmt.Errorf("vault: stat identity file: %w", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0o600 {
		return nil, fmt.Errorf("vault: identity file %s must be mode 0600, got %o", identityPath, info.Mode().Perm())
	}

	dispatcherVerify, err := keyring.LoadVerifyKey(filepath.Join(dir, "keys", "dispatcher_verify.pub"))
	if err != nil {
		return nil, fmt.Errorf("vault: load dispatcher verify key: %w", err)
	}
	if err := keyring.AssertKeyPin(dispatcherVerify, dispatcherPinHex); err != nil {
		return nil, err
	}

	identityBytes, err := os.ReadFile(identityPath)
	if err != nil {
		return nil, fmt.Errorf("vault: read identity file: %w", err)
	}
	identities, err := age.ParseIdentities(bytes.NewReader(identityBytes))
	if err != nil {
		return nil, fmt.Errorf("vault: parse identity: %w", err)
	}
	if len(identities) != 1 {
		return nil, fmt.Errorf("vault: expected exactly one identity, got %d", len(identities))
	}

	return &Vault{
		root:             dir,
		identity:         identities[0],
		dispatcherVerify: dispatcherVerify,
		decryptTimeout:   defaultDecryptTimeout,
	}, nil
}

// GetDispatcherVerifyKey returns the pin-checked dispatcher verify key.
func (v *Vault) GetDispatcherVerifyKey() keyring.VerifyKey { return v.dispatcherVerify }

// GetTemplate resolves and decrypts a template by (id, version).
func (v *Vault) GetTemplate(id, version string) (Template, Manifest, error) {
	body, manifest, err := v.getEntry("templates", id, version)
	if err != nil {
		return Template{}, Manifest{}, err
	}
	var tmpl Template
	if err := json.Unmarshal(body, &tmpl); err != nil {
		return Template{}, Manifest{}, &VaultResolutionError{Reason: fmt.Sprintf("decode template json: %v", err)}
	}
	return tmpl, manifest, nil
}

// GetCapabilitySet resolves and decrypts a capability set by (id, version).
func (v *Vault) GetCapabilitySet(id, version string) (CapabilitySet, Manifest, error) {
	body, manifest, err := v.getEntry("capsets", id, version)
	if err != nil {
		return CapabilitySet{}, Manifest{}, err
	}
	var cs CapabilitySet
	if err := json.Unmarshal(body, &cs); err != nil {
		return CapabilitySet{}, Manifest{}, &VaultResolutionError{Reason: fmt.Sprintf("decode capability set json: %v", err)}
	}
	return cs, manifest, nil
}

func (v *Vault) getEntry(kind, id, version string) ([]byte, Manifest, error) {
	manifestPath := filepath.Join(v.root, "manifests", fmt.Sprintf("%s_v%s.manifest.json", id, version))
	manifestBytes, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Manifest{}, &VaultEntryNotFoundError{ID: id, Version: version}
		}
		return nil, Manifest{}, &VaultResolutionError{Reason: fmt.Sprintf("read manifest: %v", err)}
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, Manifest{}, &VaultResolutionError{Reason: fmt.Sprintf("decode manifest: %v", err)}
	}

	encPath := filepath.Join(v.root, kind, fmt.Sprintf("%s_v%s.age", id, version))
	ciphertext, err := os.ReadFile(encPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Manifest{}, &VaultEntryNotFoundError{ID: id, Version: version}
		}
		return nil, Manifest{}, &VaultResolutionError{Reason: fmt.Sprintf("read ciphertext: %v", err)}
	}

	plaintext, err := v.decrypt(ciphertext)
	if err != nil {
		return nil, Manifest{}, err
	}
	return plaintext, manifest, nil
}

// decrypt invokes the age decryption with a bounded wall-clock timeout.
func (v *Vault) decrypt(ciphertext []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), v.decryptTimeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		r, err := age.Decrypt(bytes.NewReader(ciphertext), v.identity)
		if err != nil {
			ch <- result{err: err}
			return
		}
		data, err := io.ReadAll(r)
		ch <- result{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, &AgeDecryptError{Reason: "decryption timed out"}
	case res := <-ch:
		if res.err != nil {
			return nil, &AgeDecryptError{Reason: res.err.Error()}
		}
		return res.data, nil
	}
}

// HashTemplate returns the canonical-bytes SHA-256 of tmpl, matching the
// value templates are pinned to via template_ref.sha256_hash.
func HashTemplate(tmpl Template) (string, error) {
	data, err := canon.Marshal(templateCanonicalMap(tmpl))
	if err != nil {
		return "", err
	}
	return sha256Hex(data), nil
}

// HashCapabilitySet returns the canonical-bytes SHA-256 of cs.
func HashCapabilitySet(cs CapabilitySet) (string, error) {
	raw, err := json.Marshal(cs)
	if err != nil {
		return "", err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	data, err := canon.Marshal(generic)
	if err != nil {
		return "", err
	}
	return sha256Hex(data), nil
}

func templateCanonicalMap(tmpl Template) interface{} {
	raw, _ := json.Marshal(tmpl)
	var generic interface{}
	_ = json.Unmarshal(raw, &generic)
	return generic
}

// ManifestCanonicalBytes returns the canonical bytes of {template_id,
// version, sha256_hash} — the content the dispatcher_signature covers.
func ManifestCanonicalBytes(templateID, version, sha256Hash string) ([]byte, error) {
	return canon.Marshal(map[string]interface{}{
		"template_id": templateID,
		"version":     version,
		"sha256_hash": sha256Hash,
	})
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
