// Package shim provides AgentShim, the standardised per-agent lifecycle:
// directory polling with quarantine back-pressure, envelope signing and
// sending, and a run loop that survives handler faults and shuts down
// gracefully on SIGTERM.
package shim

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nikodemus-eth/saoe/audit"
	"github.com/nikodemus-eth/saoe/envelope"
	"github.com/nikodemus-eth/saoe/keyring"
	"github.com/nikodemus-eth/saoe/safefs"
	"github.com/nikodemus-eth/saoe/validator"
)

const (
	defaultMaxQuarantineFiles = 50
	defaultPollInterval       = 500 * time.Millisecond
)

// HandlerErrorError describes a caller-supplied handler panic recovered by
// RunForever. Like an error the handler returns, it is recorded as a
// handler_error audit event and never returned.
type HandlerErrorError struct{ Reason string }

func (e *HandlerErrorError) Error() string { return "shim: handler error: " + e.Reason }
func (e *HandlerErrorError) Kind() string  { return "HandlerError" }

// Config binds one agent's lifecycle.
type Config struct {
	AgentID                string
	Validator              *validator.Validator
	Audit                  *audit.Log
	SigningKey             keyring.SigningKey
	KnownSenderKeys        map[string]keyring.VerifyKey
	QueueDir               string
	QuarantineDir          string
	MaxQuarantineFiles     int
	Logger                 zerolog.Logger
}

// AgentShim is the standardised lifecycle for one SAOE agent instance.
type AgentShim struct {
	cfg     Config
	running int32
}

// New constructs an AgentShim, defaulting MaxQuarantineFiles when zero.
func New(cfg Config) *AgentShim {
	if cfg.MaxQuarantineFiles == 0 {
		cfg.MaxQuarantineFiles = defaultMaxQuarantineFiles
	}
	return &AgentShim{cfg: cfg}
}

// PollOnce scans QueueDir for envelopes and validates each one.
//
// If the quarantine directory already holds >= MaxQuarantineFiles, it
// emits quarantine_limit_exceeded and returns immediately (back-pressure).
// Each queued file is atomically moved into quarantine before validation;
// success deletes the quarantine copy, failure leaves the file and emits a
// rejected event tagged with the error kind.
func (s *AgentShim) PollOnce() ([]validator.ValidationResult, error) {
	quarantineCount, err := countSATLFiles(s.cfg.QuarantineDir)
	if err != nil {
		return nil, fmt.Errorf("shim: poll once: count quarantine: %w", err)
	}
	if quarantineCount >= s.cfg.MaxQuarantineFiles {
		s.emit(audit.Event{
			EventType: "quarantine_limit_exceeded",
			AgentID:   s.cfg.AgentID,
			Details: map[string]interface{}{
				"count": quarantineCount,
				"max":   s.cfg.MaxQuarantineFiles,
			},
		})
		return nil, nil
	}

	files, err := listSATLFilesSorted(s.cfg.QueueDir)
	if err != nil {
		return nil, fmt.Errorf("shim: poll once: list queue: %w", err)
	}

	var results []validator.ValidationResult
	for _, name := range files {
		envFile := filepath.Join(s.cfg.QueueDir, name)

		quarantinePath, err := safefs.AtomicMoveThenVerify(envFile, s.cfg.QuarantineDir)
		if err != nil {
			s.emit(audit.Event{
				EventType: "rejected",
				AgentID:   s.cfg.AgentID,
				Details:   map[string]interface{}{"reason": kindOf(err), "detail": truncate(err.Error(), 500)},
			})
			continue
		}

		rawBytes, err := os.ReadFile(quarantinePath)
		if err != nil {
			s.emit(audit.Event{
				EventType: "rejected",
				AgentID:   s.cfg.AgentID,
				Details:   map[string]interface{}{"reason": "ReadError", "detail": truncate(err.Error(), 500)},
			})
			continue
		}

		senderID := extractSenderID(rawBytes)
		senderVK, ok := s.cfg.KnownSenderKeys[senderID]
		if !ok {
			s.emit(audit.Event{
				EventType: "rejected",
				AgentID:   s.cfg.AgentID,
				Details: map[string]interface{}{
					"reason":    "unknown_sender",
					"sender_id": senderID,
				},
			})
			continue
		}

		result, err := s.cfg.Validator.Validate(rawBytes, senderVK)
		if err != nil {
			s.emit(audit.Event{
				EventType: "rejected",
				AgentID:   s.cfg.AgentID,
				Details:   map[string]interface{}{"reason": kindOf(err), "detail": truncate(err.Error(), 500)},
			})
			continue
		}

		_ = os.Remove(quarantinePath)
		results = append(results, result)
	}

	return results, nil
}

// SendEnvelope builds, signs, and writes an envelope file into a peer's
// queue directory, then emits a forwarded audit event.
func (s *AgentShim) SendEnvelope(
	receiverID, receiverQueueDir string,
	templateRef envelope.TemplateRef,
	payload map[string]interface{},
	sessionID, humanReadable string,
) (envelope.SATLEnvelope, error) {
	draft := envelope.Draft{
		Version:       "1.0",
		SessionID:     sessionID,
		SenderID:      s.cfg.AgentID,
		ReceiverID:    receiverID,
		HumanReadable: humanReadable,
		TemplateRef:   templateRef,
		Payload:       payload,
	}
	signed, err := envelope.Sign(draft, s.cfg.SigningKey)
	if err != nil {
		return envelope.SATLEnvelope{}, fmt.Errorf("shim: send envelope: sign: %w", err)
	}

	body, err := envelope.ToJSON(signed)
	if err != nil {
		return envelope.SATLEnvelope{}, fmt.Errorf("shim: send envelope: serialize: %w", err)
	}

	outFile := filepath.Join(receiverQueueDir, signed.EnvelopeID+".satl.json")
	if err := os.WriteFile(outFile, []byte(body), 0o644); err != nil {
		return envelope.SATLEnvelope{}, fmt.Errorf("shim: send envelope: write: %w", err)
	}

	// envelope_id goes in details, not the unique envelope_id column, so the
	// receiver's "validated" event for the same envelope can still be
	// recorded in a shared audit store.
	s.emit(audit.Event{
		EventType:  "forwarded",
		SessionID:  sessionID,
		SenderID:   s.cfg.AgentID,
		ReceiverID: receiverID,
		AgentID:    s.cfg.AgentID,
		Details:    map[string]interface{}{"envelope_id": signed.EnvelopeID},
	})

	return signed, nil
}

// RunForever polls QueueDir and calls handler for each validated envelope
// until a graceful-stop signal (SIGTERM) arrives between polls. Handler
// errors are caught and emitted as handler_error events; the loop never
// dies of a handler fault.
func (s *AgentShim) RunForever(handler func(validator.ValidationResult) error, pollInterval time.Duration) {
	if pollInterval == 0 {
		pollInterval = defaultPollInterval
	}

	atomic.StoreInt32(&s.running, 1)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	s.cfg.Logger.Info().Str("agent_id", s.cfg.AgentID).Str("queue_dir", s.cfg.QueueDir).Msg("agent shim starting")

	for atomic.LoadInt32(&s.running) == 1 {
		select {
		case <-sigChan:
			atomic.StoreInt32(&s.running, 0)
			continue
		default:
		}

		results, err := s.PollOnce()
		if err != nil {
			s.cfg.Logger.Error().Err(err).Msg("poll_once failed")
		}
		for _, result := range results {
			herr := func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = &HandlerErrorError{Reason: fmt.Sprintf("panic: %v", r)}
					}
				}()
				return handler(result)
			}()
			if herr != nil {
				s.emit(audit.Event{
					EventType: "handler_error",
					SessionID: result.SessionID(),
					AgentID:   s.cfg.AgentID,
					Details:   map[string]interface{}{"error": truncate(herr.Error(), 500)},
				})
			}
		}

		select {
		case <-sigChan:
			atomic.StoreInt32(&s.running, 0)
		case <-time.After(pollInterval):
		}
	}

	s.cfg.Logger.Info().Str("agent_id", s.cfg.AgentID).Msg("agent shim stopped")
}

// Stop requests RunForever exit at the next poll boundary.
func (s *AgentShim) Stop() { atomic.StoreInt32(&s.running, 0) }

func (s *AgentShim) emit(event audit.Event) {
	if s.cfg.Audit == nil {
		return
	}
	if err := s.cfg.Audit.Emit(event); err != nil {
		s.cfg.Logger.Error().Err(err).Str("event_type", event.EventType).Msg("failed to emit audit event")
	}
}

type kinder interface{ Kind() string }

func kindOf(err error) string {
	if k, ok := err.(kinder); ok {
		return k.Kind()
	}
	return fmt.Sprintf("%T", err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func countSATLFiles(dir string) (int, error) {
	names, err := listSATLFilesSorted(dir)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

func listSATLFilesSorted(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".satl.json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// extractSenderID reads sender_id out of raw JSON without full envelope
// parsing, matching the lookup step that happens before the known-sender
// map check (and therefore before signature verification).
func extractSenderID(raw []byte) string {
	var partial struct {
		SenderID string `json:"sender_id"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return ""
	}
	return partial.SenderID
}
