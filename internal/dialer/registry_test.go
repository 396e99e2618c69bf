package dialer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySetStatusValidation(t *testing.T) {
	r := NewAgentRegistry()

	require.NoError(t, r.SetStatus(1, AgentBusy))
	s, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, AgentBusy, s.Status)

	err := r.SetStatus(1, "durmiendo")
	assert.ErrorIs(t, err, ErrInvalidAgentStatus)

	err = r.SetStatus(1, AgentOnCall)
	assert.ErrorIs(t, err, ErrInvalidAgentStatus)
}

func TestRegistrySetStatusAvailableStampsIdleTime(t *testing.T) {
	r := NewAgentRegistry()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	clock := base
	r.now = func() time.Time { return clock }

	require.NoError(t, r.SetStatus(1, AgentOffline))
	clock = base.Add(time.Hour)
	require.NoError(t, r.SetStatus(1, AgentAvailable))

	// Quien vuelve a disponible se forma al final de la cola de reparto
	s, _ := r.Get(1)
	assert.Equal(t, base.Add(time.Hour), s.LastCallEnd)
}

func TestRegistryOnCallAgentCannotBeReleasedByOperator(t *testing.T) {
	r := NewAgentRegistry()

	require.NoError(t, r.SetStatus(5, AgentAvailable))
	require.NoError(t, r.StartCall(5, 42))

	err := r.SetStatus(5, AgentAvailable)
	assert.ErrorIs(t, err, ErrAgentBusy)
	err = r.SetStatus(5, AgentOffline)
	assert.ErrorIs(t, err, ErrAgentBusy)

	// Solo FinishCall lo libera
	r.FinishCall(5, 120, true)
	s, _ := r.Get(5)
	assert.Equal(t, AgentAvailable, s.Status)
	assert.Zero(t, s.CurrentCallID)
	require.NoError(t, r.SetStatus(5, AgentOffline))
}

func TestRegistryStartCallRequiresAvailable(t *testing.T) {
	r := NewAgentRegistry()

	require.NoError(t, r.SetStatus(3, AgentOffline))
	err := r.StartCall(3, 7)
	assert.ErrorIs(t, err, ErrAgentNotAvailable)

	require.NoError(t, r.SetStatus(3, AgentAvailable))
	require.NoError(t, r.StartCall(3, 7))

	// Ya está en llamada, otro StartCall debe fallar
	err = r.StartCall(3, 8)
	assert.ErrorIs(t, err, ErrAgentNotAvailable)

	s, _ := r.Get(3)
	assert.Equal(t, AgentOnCall, s.Status)
	assert.EqualValues(t, 7, s.CurrentCallID)
	assert.False(t, s.CallStartedAt.IsZero())
}

func TestRegistryFinishCallCounters(t *testing.T) {
	r := NewAgentRegistry()

	require.NoError(t, r.StartCall(2, 1))
	r.FinishCall(2, 90, true)

	require.NoError(t, r.StartCall(2, 2))
	r.FinishCall(2, 0, false)

	s, _ := r.Get(2)
	assert.Equal(t, 2, s.CallsToday)
	assert.Equal(t, 90, s.TalkTimeToday)
	assert.False(t, s.LastCallEnd.IsZero())

	r.ResetDailyCounters()
	s, _ = r.Get(2)
	assert.Zero(t, s.CallsToday)
	assert.Zero(t, s.TalkTimeToday)
}

func TestRegistryReleaseCallDoesNotCount(t *testing.T) {
	r := NewAgentRegistry()

	require.NoError(t, r.StartCall(9, 1))
	r.ReleaseCall(9)

	s, _ := r.Get(9)
	assert.Equal(t, AgentAvailable, s.Status)
	assert.Zero(t, s.CallsToday)
	assert.False(t, s.LastCallEnd.IsZero())
}

func TestRegistryAvailableForOrdering(t *testing.T) {
	r := NewAgentRegistry()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// El agente 1 terminó hace poco, el 2 hace más tiempo, el 3 nunca ha
	// llamado y el 4 está ocupado.
	clock := base
	r.now = func() time.Time { return clock }

	require.NoError(t, r.StartCall(2, 1))
	clock = base.Add(10 * time.Minute)
	r.FinishCall(2, 60, true)

	require.NoError(t, r.StartCall(1, 2))
	clock = base.Add(30 * time.Minute)
	r.FinishCall(1, 60, true)

	require.NoError(t, r.SetStatus(4, AgentBusy))

	out := r.AvailableFor([]int{1, 2, 3, 4})
	require.Len(t, out, 3)
	assert.Equal(t, 3, out[0].ID, "quien nunca ha llamado va primero")
	assert.Equal(t, 2, out[1].ID)
	assert.Equal(t, 1, out[2].ID)
}

func TestRegistryAvailableForMaterializesUnknownAgents(t *testing.T) {
	r := NewAgentRegistry()

	out := r.AvailableFor([]int{10, 11})
	require.Len(t, out, 2)

	// Quedan registrados como disponibles
	s, ok := r.Get(10)
	require.True(t, ok)
	assert.Equal(t, AgentAvailable, s.Status)
}

func TestRegistryOnCallDuration(t *testing.T) {
	r := NewAgentRegistry()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	clock := base
	r.now = func() time.Time { return clock }

	require.NoError(t, r.StartCall(1, 5))
	clock = base.Add(95 * time.Second)

	assert.InDelta(t, 95.0, r.OnCallDuration(1), 0.001)
	assert.Zero(t, r.OnCallDuration(2), "agente sin llamada")
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewAgentRegistry()
	require.NoError(t, r.SetStatus(1, AgentAvailable))

	s, _ := r.Get(1)
	s.Status = AgentOffline

	again, _ := r.Get(1)
	assert.Equal(t, AgentAvailable, again.Status)
}
