package audit

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	log, err := Open(path)
	require.NoError(t, err)
	return log
}

func TestEmitAndRecentEvents(t *testing.T) {
	log := openTestLog(t)

	require.NoError(t, log.Emit(Event{EventType: "validated", EnvelopeID: "env-1", SenderID: "a"}))
	require.NoError(t, log.Emit(Event{EventType: "forwarded", SenderID: "a"}))

	events, err := log.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "forwarded", events[0].EventType)
}

func TestEmitRejectsDuplicateEnvelopeID(t *testing.T) {
	log := openTestLog(t)

	require.NoError(t, log.Emit(Event{EventType: "validated", EnvelopeID: "env-1", SenderID: "a"}))
	err := log.Emit(Event{EventType: "validated", EnvelopeID: "env-1", SenderID: "a", SessionID: "different-session"})
	require.Error(t, err)
	var replay *ReplayAttackError
	require.ErrorAs(t, err, &replay)
	require.Equal(t, "env-1", replay.EnvelopeID)
}

func TestEmitAllowsMultipleNullEnvelopeID(t *testing.T) {
	log := openTestLog(t)

	require.NoError(t, log.Emit(Event{EventType: "tool_executed", SenderID: "a"}))
	require.NoError(t, log.Emit(Event{EventType: "tool_executed", SenderID: "a"}))

	events, err := log.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestQuerySessionCount(t *testing.T) {
	log := openTestLog(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, log.Emit(Event{EventType: "validated", SenderID: "a", EnvelopeID: fmt.Sprintf("env-%d", i)}))
	}
	require.NoError(t, log.Emit(Event{EventType: "rejected", SenderID: "a"}))

	count, err := log.QuerySessionCount("a", 1)
	require.NoError(t, err)
	require.Equal(t, 3, count)
}
