package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetryHeartbeat(t *testing.T) {
	tel := NewTelemetry(30 * time.Second)

	require.NoError(t, tel.Heartbeat("s1", AppUser, "0xAAaa", "0xBBbb"))
	require.NoError(t, tel.Heartbeat("s2", AppUser, "0xAAaa", "0xCCcc"))

	assert.Equal(t, 2, tel.ActiveSessions())
	assert.Equal(t, 1, tel.UniqueOwners())

	owners, senders := tel.Users()
	require.Len(t, owners, 1)
	assert.Equal(t, "0xaaaa", owners[0].Owner)
	require.Len(t, senders, 2)

	assert.Equal(t, []string{"0xbbbb", "0xcccc"}, tel.SendersOf("0xAAAA"))
}

func TestTelemetryHeartbeatRequiresSession(t *testing.T) {
	tel := NewTelemetry(30 * time.Second)
	assert.ErrorIs(t, tel.Heartbeat("  ", AppUser, "", ""), ErrMissingSessionID)
}

func TestTelemetryHeartbeatValidatesApp(t *testing.T) {
	tel := NewTelemetry(30 * time.Second)

	assert.ErrorIs(t, tel.Heartbeat("s1", "swap-ui", "", ""), ErrUnknownApp)
	assert.Zero(t, tel.ActiveSessions())

	// Casing is normalized, and a missing app defaults to the user app.
	require.NoError(t, tel.Heartbeat("s1", "Admin-App", "", ""))
	require.NoError(t, tel.Heartbeat("s2", "", "", ""))
	tel.mu.Lock()
	defer tel.mu.Unlock()
	assert.Equal(t, AppAdmin, tel.sessions["s1"].App)
	assert.Equal(t, AppUser, tel.sessions["s2"].App)
}

func TestTelemetryHeartbeatKeepsKnownFields(t *testing.T) {
	tel := NewTelemetry(30 * time.Second)
	require.NoError(t, tel.Heartbeat("s1", AppUser, "0xaa", "0xbb"))
	// A later ping without addresses must not erase them.
	require.NoError(t, tel.Heartbeat("s1", AppUser, "", ""))

	_, senders := tel.Users()
	require.Len(t, senders, 1)
	assert.Equal(t, "0xaa", senders[0].Owner)
	assert.Equal(t, 1, tel.ActiveSessions())
}

func TestTelemetryActiveWindow(t *testing.T) {
	tel := NewTelemetry(30 * time.Second)
	base := time.Unix(1_000_000, 0)

	tel.now = func() time.Time { return base }
	require.NoError(t, tel.Heartbeat("old", AppUser, "", ""))

	tel.now = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, tel.Heartbeat("fresh", AppUser, "", ""))

	assert.Equal(t, 1, tel.ActiveSessions())
}

func TestTelemetryCounters(t *testing.T) {
	tel := NewTelemetry(30 * time.Second)

	require.NoError(t, tel.Count(CounterPaidFallbackAttempt))
	require.NoError(t, tel.Count(CounterPaidFallbackAttempt))
	require.NoError(t, tel.Count(CounterPaidFallbackSuccess))
	assert.ErrorIs(t, tel.Count("made_up_counter"), ErrUnknownCounter)

	got := tel.Counters()
	assert.Equal(t, int64(2), got[CounterPaidFallbackAttempt])
	assert.Equal(t, int64(1), got[CounterPaidFallbackSuccess])
	assert.Zero(t, got[CounterPaidFallbackFailure])
}
