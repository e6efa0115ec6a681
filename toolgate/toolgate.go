// Package toolgate implements signed-execution-plan enforcement for tool
// dispatch: a plan's issuer signature is verified once, then each tool
// call's arguments are validated against that tool's registered schema
// before invocation.
package toolgate

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/nikodemus-eth/saoe/audit"
	"github.com/nikodemus-eth/saoe/canon"
	"github.com/nikodemus-eth/saoe/keyring"
)

// ToolCall is one entry in an ExecutionPlan.
type ToolCall struct {
	ToolCallID string                 `json:"tool_call_id"`
	ToolName   string                 `json:"tool_name"`
	Args       map[string]interface{} `json:"args"`
}

// ExecutionPlan is a signed, ordered list of tool calls issued by the
// authorized issuer. IssuerSignature covers everything except itself.
type ExecutionPlan struct {
	SchemaVersion    string     `json:"schema_version"`
	PlanID           string     `json:"plan_id"`
	SessionID        string     `json:"session_id"`
	IssuerID         string     `json:"issuer_id"`
	TimestampUTC     string     `json:"timestamp_utc"`
	ToolCalls        []ToolCall `json:"tool_calls"`
	IssuerSignature  string     `json:"issuer_signature"`
}

// Error kinds.

type IssuerKeyMismatchError struct{ Reason string }

func (e *IssuerKeyMismatchError) Error() string { return "toolgate: issuer key mismatch: " + e.Reason }
func (e *IssuerKeyMismatchError) Kind() string  { return "IssuerKeyMismatch" }

type UnknownToolError struct{ ToolName string }

func (e *UnknownToolError) Error() string { return "toolgate: unknown tool: " + e.ToolName }
func (e *UnknownToolError) Kind() string  { return "UnknownTool" }

type ToolArgSchemaError struct{ ToolName, Reason string }

func (e *ToolArgSchemaError) Error() string {
	return fmt.Sprintf("toolgate: tool %q arg schema: %s", e.ToolName, e.Reason)
}
func (e *ToolArgSchemaError) Kind() string { return "ToolArgSchema" }

// PlanCanonicalBytes returns the canonical bytes of plan with
// issuer_signature excluded.
func PlanCanonicalBytes(plan ExecutionPlan) ([]byte, error) {
	calls := make([]interface{}, 0, len(plan.ToolCalls))
	for _, c := range plan.ToolCalls {
		calls = append(calls, map[string]interface{}{
			"tool_call_id": c.ToolCallID,
			"tool_name":    c.ToolName,
			"args":         toGeneric(c.Args),
		})
	}
	d := map[string]interface{}{
		"schema_version": plan.SchemaVersion,
		"plan_id":        plan.PlanID,
		"session_id":     plan.SessionID,
		"issuer_id":      plan.IssuerID,
		"timestamp_utc":  plan.TimestampUTC,
		"tool_calls":     calls,
	}
	return canon.Marshal(d)
}

func toGeneric(m map[string]interface{}) interface{} {
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out interface{}
	_ = json.Unmarshal(raw, &out)
	return out
}

// PlanDraft holds every ExecutionPlan field except IssuerSignature.
type PlanDraft struct {
	SchemaVersion string
	PlanID        string
	SessionID     string
	IssuerID      string
	TimestampUTC  string
	ToolCalls     []ToolCall
}

// SignPlan builds an ExecutionPlan from draft and signs it with the
// issuer's signing key, filling PlanID/TimestampUTC defaults when empty.
func SignPlan(draft PlanDraft, issuerSK keyring.SigningKey) (ExecutionPlan, error) {
	planID := draft.PlanID
	if planID == "" {
		planID = uuid.NewString()
	}
	timestamp := draft.TimestampUTC
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	plan := ExecutionPlan{
		SchemaVersion: draft.SchemaVersion,
		PlanID:        planID,
		SessionID:     draft.SessionID,
		IssuerID:      draft.IssuerID,
		TimestampUTC:  timestamp,
		ToolCalls:     draft.ToolCalls,
	}
	data, err := PlanCanonicalBytes(plan)
	if err != nil {
		return ExecutionPlan{}, fmt.Errorf("toolgate: sign plan: %w", err)
	}
	sig := keyring.SignBytes(issuerSK, data)
	plan.IssuerSignature = hex.EncodeToString(sig)
	return plan, nil
}

// ToolFunc is a registered tool's callable: (args, context) -> result.
type ToolFunc func(args map[string]interface{}, context map[string]interface{}) (map[string]interface{}, error)

type registeredTool struct {
	schema map[string]interface{}
	fn     ToolFunc
}

// ToolGate enforces that every tool invocation is licensed by a
// signed ExecutionPlan from a pinned issuer.
type ToolGate struct {
	issuerVK keyring.VerifyKey
	audit    *audit.Log
	tools    map[string]registeredTool
}

// New constructs a ToolGate pinned to issuerVK. Construction fails if
// issuerVK's hash does not match issuerPinHex.
func New(issuerVK keyring.VerifyKey, issuerPinHex string, log *audit.Log) (*ToolGate, error) {
	if err := keyring.AssertKeyPin(issuerVK, issuerPinHex); err != nil {
		return nil, &IssuerKeyMismatchError{Reason: err.Error()}
	}
	return &ToolGate{
		issuerVK: issuerVK,
		audit:    log,
		tools:    make(map[string]registeredTool),
	}, nil
}

// RegisterTool registers a named tool with its argument schema and
// callable.
func (g *ToolGate) RegisterTool(name string, argSchema map[string]interface{}, fn ToolFunc) {
	g.tools[name] = registeredTool{schema: argSchema, fn: fn}
}

// Execute verifies plan's issuer_signature once, then runs each tool call
// in order: assert registered, validate args against schema, invoke,
// append a tool_executed audit event, accumulate results. On any failure
// it halts without running the remaining calls.
func (g *ToolGate) Execute(plan ExecutionPlan, context map[string]interface{}) ([]map[string]interface{}, error) {
	data, err := PlanCanonicalBytes(plan)
	if err != nil {
		return nil, fmt.Errorf("toolgate: execute: canonical bytes: %w", err)
	}
	sig, err := hex.DecodeString(plan.IssuerSignature)
	if err != nil {
		return nil, &keyring.BadSignatureError{Reason: fmt.Sprintf("issuer_signature is not valid hex: %v", err)}
	}
	if err := keyring.VerifyBytes(g.issuerVK, data, sig); err != nil {
		return nil, err
	}

	results := make([]map[string]interface{}, 0, len(plan.ToolCalls))
	for _, call := range plan.ToolCalls {
		tool, ok := g.tools[call.ToolName]
		if !ok {
			return nil, &UnknownToolError{ToolName: call.ToolName}
		}

		schemaLoader := gojsonschema.NewGoLoader(tool.schema)
		docLoader := gojsonschema.NewGoLoader(call.Args)
		validation, err := gojsonschema.Validate(schemaLoader, docLoader)
		if err != nil {
			return nil, &ToolArgSchemaError{ToolName: call.ToolName, Reason: err.Error()}
		}
		if !validation.Valid() {
			return nil, &ToolArgSchemaError{ToolName: call.ToolName, Reason: fmt.Sprintf("%v", validation.Errors())}
		}

		result, err := tool.fn(call.Args, context)
		if err != nil {
			return nil, fmt.Errorf("toolgate: tool %q invocation: %w", call.ToolName, err)
		}

		if g.audit != nil {
			_ = g.audit.Emit(audit.Event{
				EventType: "tool_executed",
				SessionID: plan.SessionID,
				AgentID:   plan.IssuerID,
				Details: map[string]interface{}{
					"tool_call_id": call.ToolCallID,
					"tool_name":    call.ToolName,
				},
			})
		}

		results = append(results, result)
	}

	return results, nil
}
