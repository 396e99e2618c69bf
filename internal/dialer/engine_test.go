package dialer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telecrm/internal/ami"
	"telecrm/internal/database"
)

func TestStartCampaignValidations(t *testing.T) {
	e, repo, _, _ := newTestEngine()

	// Campaña inexistente
	assert.ErrorIs(t, e.StartCampaign(99), ErrCampaignNotFound)

	// Campaña en borrador
	draft := seedCampaign(repo, 1, database.ModeManual)
	draft.Status = database.CampaignDraft
	assert.ErrorIs(t, e.StartCampaign(1), ErrCampaignNotActive)

	// Modo desconocido
	seedCampaign(repo, 2, "ráfaga")
	assert.ErrorIs(t, e.StartCampaign(2), ErrInvalidDialerMode)

	// Sin agentes asignados
	seedCampaign(repo, 3, database.ModeManual)
	seedLead(repo, 1, 3, "5550001")
	assert.ErrorIs(t, e.StartCampaign(3), ErrNoAgentsAssigned)

	// Sin leads marcables
	seedCampaign(repo, 4, database.ModeManual)
	assignAgents(repo, 4, 7)
	assert.ErrorIs(t, e.StartCampaign(4), ErrNoLeadsAvailable)
}

func TestStartCampaignIsIdempotent(t *testing.T) {
	e, repo, _, _ := newTestEngine()
	seedCampaign(repo, 1, database.ModeManual)
	assignAgents(repo, 1, 7)
	seedLead(repo, 1, 1, "5550001")

	require.NoError(t, e.StartCampaign(1))
	require.NoError(t, e.StartCampaign(1))

	assert.True(t, e.CampaignRunning(1))
	assert.Len(t, e.Stats(), 1)
}

func TestStopCampaignIsIdempotent(t *testing.T) {
	e, repo, _, _ := newTestEngine()
	seedCampaign(repo, 1, database.ModeManual)
	assignAgents(repo, 1, 7)
	seedLead(repo, 1, 1, "5550001")

	require.NoError(t, e.StopCampaign(1), "detener lo no arrancado es un no-op")

	require.NoError(t, e.StartCampaign(1))
	require.NoError(t, e.StopCampaign(1))
	require.NoError(t, e.StopCampaign(1))
	assert.False(t, e.CampaignRunning(1))
}

func TestManualCallHappyPath(t *testing.T) {
	e, repo, sess, _ := newTestEngine()
	seedCampaign(repo, 1, database.ModeManual)
	assignAgents(repo, 1, 7)
	seedLead(repo, 10, 1, "5550010")
	require.NoError(t, e.StartCampaign(1))

	// La fila de la llamada debe existir antes de hablar con Asterisk
	sess.onOriginate = func(p ami.OriginateParams) {
		call, err := repo.CallByID(1)
		require.NoError(t, err)
		require.NotNil(t, call, "la llamada se registra antes del originate")
		assert.Equal(t, database.CallInitiated, call.Status)
	}

	call, err := e.ManualCall(1, 10, 7)
	require.NoError(t, err)
	require.NotNil(t, call)
	assert.EqualValues(t, 1, call.ID)

	// Parámetros del originate
	p := sess.lastOriginate()
	assert.Equal(t, "SIP/trunk/5550010", p.Channel)
	assert.Equal(t, "default", p.Context)
	assert.Equal(t, "5550010", p.Extension)
	assert.Equal(t, 1, p.Priority)
	assert.Equal(t, "5550010", p.CallerID)
	assert.Equal(t, 30000, p.Timeout)
	assert.True(t, p.Async)
	assert.Equal(t, "1", p.Variables["CALL_ID"])
	assert.Equal(t, "Agent/7", p.Variables["AGENT_CHANNEL"])
	assert.Equal(t, "5550010", p.Variables["PHONE_NUMBER"])

	// Estado posterior: agente en llamada, canal rastreado, lead tocado
	s, _ := e.registry.Get(7)
	assert.Equal(t, AgentOnCall, s.Status)
	assert.EqualValues(t, 1, s.CurrentCallID)
	assert.Equal(t, 1, e.tracker.Count())
	assert.NotNil(t, repo.mustLead(10).LastContacted)
	assert.Equal(t, []string{database.EventOriginateResponse}, repo.eventTypes(1))

	stats := e.StatsFor(1)
	assert.Equal(t, 1, stats.TotalCalls)
	assert.Equal(t, 1, stats.ActiveCalls)
	assert.Equal(t, 1, stats.AgentsOnCall)
	assert.Zero(t, stats.AgentsAvailable)
	assert.InDelta(t, 1.0, stats.AgentUtilization, 0.001, "único agente asignado y en llamada")
}

func TestManualCallValidations(t *testing.T) {
	e, repo, _, _ := newTestEngine()
	seedCampaign(repo, 1, database.ModeManual)
	assignAgents(repo, 1, 7)
	seedLead(repo, 10, 1, "5550010")

	// Dialer sin arrancar
	_, err := e.ManualCall(1, 10, 7)
	assert.ErrorIs(t, err, ErrDialerNotRunning)

	require.NoError(t, e.StartCampaign(1))

	// Lead inexistente y lead de otra campaña
	_, err = e.ManualCall(1, 999, 7)
	assert.ErrorIs(t, err, ErrLeadNotFound)

	seedCampaign(repo, 2, database.ModeManual)
	seedLead(repo, 20, 2, "5550020")
	_, err = e.ManualCall(1, 20, 7)
	assert.ErrorIs(t, err, ErrLeadNotInCampaign)

	// Agente no asignado a la campaña
	_, err = e.ManualCall(1, 10, 8)
	assert.ErrorIs(t, err, ErrAgentNotAvailable)

	// Agente asignado pero ocupado
	require.NoError(t, e.registry.SetStatus(7, AgentBusy))
	_, err = e.ManualCall(1, 10, 7)
	assert.ErrorIs(t, err, ErrAgentNotAvailable)
}

func TestManualCallRejectsWrongMode(t *testing.T) {
	e, repo, _, _ := newTestEngine()
	turbo := seedCampaign(repo, 1, database.ModeTurbo)
	seedLead(repo, 10, 1, "5550010")

	// Entrada directa en el mapa para no arrancar el bucle turbo
	e.mu.Lock()
	e.dialers[1] = &campaignDialer{campaign: turbo, stop: make(chan struct{})}
	e.mu.Unlock()

	_, err := e.ManualCall(1, 10, 7)
	assert.ErrorIs(t, err, ErrInvalidDialerMode)
}

func TestHangupCallSendsActionWithoutClosing(t *testing.T) {
	e, repo, sess, _ := newTestEngine()
	seedCampaign(repo, 1, database.ModeManual)
	assignAgents(repo, 1, 7)
	seedLead(repo, 10, 1, "5550010")
	require.NoError(t, e.StartCampaign(1))

	call, err := e.ManualCall(1, 10, 7)
	require.NoError(t, err)

	require.NoError(t, e.HangupCall(call.ID))

	// El hangup viaja por el canal rastreado y queda auditado
	h := sess.lastHangup()
	assert.Equal(t, "SIP/trunk/5550010", h[0])
	assert.Empty(t, h[1])
	assert.Equal(t, []string{database.EventOriginateResponse, database.EventHangupRequest}, repo.eventTypes(call.ID))

	// La llamada no se cierra aquí: eso lo hace el evento Hangup al llegar
	assert.Equal(t, 1, e.tracker.Count())
	assert.Equal(t, database.CallInitiated, repo.mustCall(call.ID).Status)

	// Llamada desconocida o ya cerrada
	assert.ErrorIs(t, e.HangupCall(999), ErrCallNotActive)

	// Error de transporte al enviar la acción
	sess.hangupErr = errors.New("sin conexión")
	assert.Error(t, e.HangupCall(call.ID))
}

func TestOriginateRejectedRevertsCallAndAgent(t *testing.T) {
	e, repo, sess, _ := newTestEngine()
	seedCampaign(repo, 1, database.ModeManual)
	assignAgents(repo, 1, 7)
	seedLead(repo, 10, 1, "5550010")
	require.NoError(t, e.StartCampaign(1))

	sess.response = map[string]string{"Response": "Error", "Message": "Extension does not exist"}

	_, err := e.ManualCall(1, 10, 7)
	require.Error(t, err)
	assert.ErrorContains(t, err, "rechazado")

	call := repo.mustCall(1)
	assert.Equal(t, database.CallFailed, call.Status)
	assert.NotNil(t, call.EndedAt)

	s, _ := e.registry.Get(7)
	assert.Equal(t, AgentAvailable, s.Status)
	assert.Zero(t, s.CurrentCallID)
	assert.Zero(t, e.tracker.Count())

	// El intento queda auditado aunque haya fallado
	assert.Equal(t, []string{database.EventOriginateResponse}, repo.eventTypes(1))

	stats := e.StatsFor(1)
	assert.Zero(t, stats.TotalCalls)
	assert.Equal(t, 1, stats.Failed)
}

func TestOriginateTransportErrorRevertsCallAndAgent(t *testing.T) {
	e, repo, sess, _ := newTestEngine()
	seedCampaign(repo, 1, database.ModeManual)
	assignAgents(repo, 1, 7)
	seedLead(repo, 10, 1, "5550010")
	require.NoError(t, e.StartCampaign(1))

	sess.originateErr = errors.New("sin conexión con asterisk")

	_, err := e.ManualCall(1, 10, 7)
	require.Error(t, err)

	call := repo.mustCall(1)
	assert.Equal(t, database.CallFailed, call.Status)
	s, _ := e.registry.Get(7)
	assert.Equal(t, AgentAvailable, s.Status)
	assert.Equal(t, []string{database.EventOriginateResponse}, repo.eventTypes(1))
}

func TestOriginateHonorsConcurrentCallLimit(t *testing.T) {
	e, repo, _, _ := newTestEngine()
	e.cfg.Engine.MaxConcurrentCalls = 1
	seedCampaign(repo, 1, database.ModeManual)
	assignAgents(repo, 1, 7, 8)
	seedLead(repo, 10, 1, "5550010")
	seedLead(repo, 11, 1, "5550011")
	require.NoError(t, e.StartCampaign(1))

	_, err := e.ManualCall(1, 10, 7)
	require.NoError(t, err)

	_, err = e.ManualCall(1, 11, 8)
	assert.ErrorIs(t, err, ErrMaxConcurrentCalls)
}

func TestTurboTickSingleAgentNeverDoubleDials(t *testing.T) {
	e, repo, sess, _ := newTestEngine()
	campaign := seedCampaign(repo, 1, database.ModeTurbo)
	assignAgents(repo, 1, 7)
	seedLead(repo, 10, 1, "5550010")
	seedLead(repo, 11, 1, "5550011")

	require.True(t, e.turboTick(campaign))
	assert.Equal(t, 1, sess.originateCount())

	s, _ := e.registry.Get(7)
	require.Equal(t, AgentOnCall, s.Status)

	// Con el único agente en llamada, el siguiente tick no marca
	require.True(t, e.turboTick(campaign))
	assert.Equal(t, 1, sess.originateCount())
}

func TestTurboTickSignalsBackoffWithoutLeads(t *testing.T) {
	e, repo, sess, _ := newTestEngine()
	campaign := seedCampaign(repo, 1, database.ModeTurbo)
	assignAgents(repo, 1, 7)

	assert.False(t, e.turboTick(campaign), "sin leads pide el backoff largo")
	assert.Zero(t, sess.originateCount())
}

func TestTurboTickPicksOldestIdleAgent(t *testing.T) {
	e, repo, sess, _ := newTestEngine()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := now
	e.now = func() time.Time { return clock }
	e.registry.now = e.now

	campaign := seedCampaign(repo, 1, database.ModeTurbo)
	assignAgents(repo, 1, 1, 2)
	seedLead(repo, 10, 1, "5550010")

	// El agente 1 terminó una llamada hace poco; el 2 nunca ha llamado
	require.NoError(t, e.registry.StartCall(1, 99))
	clock = now.Add(time.Minute)
	e.registry.FinishCall(1, 30, true)

	require.True(t, e.turboTick(campaign))
	require.Equal(t, 1, sess.originateCount())
	assert.Equal(t, "Agent/2", sess.lastOriginate().Variables["AGENT_CHANNEL"])
}

func TestUpdateAgentStatus(t *testing.T) {
	e, repo, _, hub := newTestEngine()
	seedCampaign(repo, 1, database.ModeManual)
	assignAgents(repo, 1, 7)
	seedLead(repo, 10, 1, "5550010")
	require.NoError(t, e.StartCampaign(1))

	require.NoError(t, e.UpdateAgentStatus(7, AgentBusy))
	assert.Equal(t, 1, hub.count(SignalAgentStatus))

	assert.ErrorIs(t, e.UpdateAgentStatus(7, "durmiendo"), ErrInvalidAgentStatus)

	require.NoError(t, e.UpdateAgentStatus(7, AgentAvailable))
	_, err := e.ManualCall(1, 10, 7)
	require.NoError(t, err)

	assert.ErrorIs(t, e.UpdateAgentStatus(7, AgentAvailable), ErrAgentBusy)
}

func TestNextLeadPreviewDoesNotDial(t *testing.T) {
	e, repo, sess, _ := newTestEngine()
	seedCampaign(repo, 1, database.ModeTurbo)
	seedLead(repo, 10, 1, "5550010")

	lead, err := e.NextLeadPreview(1)
	require.NoError(t, err)
	require.NotNil(t, lead)
	assert.EqualValues(t, 10, lead.ID)
	assert.Zero(t, sess.originateCount())
	assert.Nil(t, repo.mustLead(10).LastContacted)

	_, err = e.NextLeadPreview(42)
	assert.ErrorIs(t, err, ErrCampaignNotFound)
}

func TestShutdownStopsCampaignsAndClosesSession(t *testing.T) {
	e, repo, sess, _ := newTestEngine()
	seedCampaign(repo, 1, database.ModeManual)
	assignAgents(repo, 1, 7)
	seedLead(repo, 10, 1, "5550010")

	require.NoError(t, e.Start())
	require.NoError(t, e.StartCampaign(1))

	e.Shutdown()
	e.Shutdown() // idempotente

	assert.False(t, e.CampaignRunning(1))
	assert.False(t, sess.Connected())
	assert.Equal(t, HealthShuttingDown, e.Health())

	assert.ErrorIs(t, e.StartCampaign(1), ErrEngineShuttingDown)
}

func TestReconnectFailuresDegradeAndStopDialers(t *testing.T) {
	e, repo, sess, hub := newTestEngine()
	seedCampaign(repo, 1, database.ModeManual)
	assignAgents(repo, 1, 7)
	seedLead(repo, 10, 1, "5550010")

	require.NoError(t, e.Start())
	defer e.Shutdown()
	require.NoError(t, e.StartCampaign(1))

	// La sesión se cae y todos los reintentos fallan
	sess.mu.Lock()
	sess.connectErr = errors.New("conexión rechazada")
	sess.mu.Unlock()
	sess.emit(ami.EventSessionClosed, map[string]string{"Reason": "connection_lost"})

	require.Eventually(t, func() bool {
		return e.Health() == HealthDegraded && !e.CampaignRunning(1)
	}, 3*time.Second, 10*time.Millisecond, "tras el tope de fallos se degrada y paran los dialers")

	// Asterisk vuelve: la salud se recupera, las campañas no rearrancan solas
	sess.mu.Lock()
	sess.connectErr = nil
	sess.mu.Unlock()

	require.Eventually(t, func() bool {
		return e.Health() == HealthHealthy
	}, 3*time.Second, 10*time.Millisecond)

	assert.False(t, e.CampaignRunning(1))
	assert.GreaterOrEqual(t, hub.count(SignalEngineHealth), 2)
}
