package dialer

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"telecrm/internal/ami"
	"telecrm/internal/config"
	"telecrm/internal/database"
)

// Estados de salud del motor expuestos por /health y por websocket
const (
	HealthHealthy      = "healthy"
	HealthDegraded     = "degraded"
	HealthShuttingDown = "shutting_down"
)

// campaignDialer es un dialer de campaña en marcha. En modo manual no hay
// goroutine: las llamadas salen solo por ManualCall.
type campaignDialer struct {
	campaign *database.Campaign
	stop     chan struct{}
	wg       sync.WaitGroup
}

// Engine coordina las campañas activas sobre una única sesión AMI.
// Se construye una sola vez en main y se comparte con la capa HTTP.
type Engine struct {
	cfg      *config.Config
	repo     Repository
	session  Session
	hub      Broadcaster
	registry *AgentRegistry
	selector *LeadSelector
	tracker  *CallTracker
	stats    *statsBook
	recon    *Reconciler
	cron     *cron.Cron

	mu           sync.Mutex
	dialers      map[int]*campaignDialer
	health       string
	shuttingDown bool
	started      bool

	reconnects chan struct{}
	stopChan   chan struct{}
	wg         sync.WaitGroup

	// Inyectable en tests
	now func() time.Time
}

// NewEngine arma el motor y deja el reconciliador suscrito a la sesión.
// Las suscripciones sobreviven a las reconexiones, así que esto se hace
// una sola vez.
func NewEngine(cfg *config.Config, repo Repository, session Session, hub Broadcaster) *Engine {
	registry := NewAgentRegistry()
	tracker := NewCallTracker()
	stats := newStatsBook()

	e := &Engine{
		cfg:        cfg,
		repo:       repo,
		session:    session,
		hub:        hub,
		registry:   registry,
		selector:   NewLeadSelector(repo),
		tracker:    tracker,
		stats:      stats,
		cron:       cron.New(),
		dialers:    make(map[int]*campaignDialer),
		health:     HealthHealthy,
		reconnects: make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
		now:        time.Now,
	}

	e.recon = NewReconciler(repo, registry, tracker, stats, hub)
	e.recon.SubscribeTo(session)

	// La caída de la sesión llega como evento sintético del cliente AMI
	session.Subscribe(ami.EventSessionClosed, func(ev ami.Event) {
		select {
		case e.reconnects <- struct{}{}:
		default:
		}
	})

	return e
}

// Registry expone el registro de agentes (lo usa la capa HTTP para snapshots)
func (e *Engine) Registry() *AgentRegistry {
	return e.registry
}

// Tracker expone las llamadas en vuelo
func (e *Engine) Tracker() *CallTracker {
	return e.tracker
}

// Start arranca los trabajos de fondo del motor: monitor de reconexión,
// barrido de huérfanas, reinicio diario de contadores y push de stats.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if e.cfg.Engine.DailyResetCron != "" {
		if _, err := e.cron.AddFunc(e.cfg.Engine.DailyResetCron, e.registry.ResetDailyCounters); err != nil {
			return fmt.Errorf("expresión cron inválida %q: %w", e.cfg.Engine.DailyResetCron, err)
		}
		e.cron.Start()
	}

	e.wg.Add(2)
	go e.reconnectLoop()
	go e.orphanLoop()

	if e.cfg.Engine.StatsPushEvery > 0 {
		e.wg.Add(1)
		go e.statsLoop()
	}

	log.Println("[Engine] Motor de marcación iniciado")
	return nil
}

// StartCampaign pone una campaña a marcar. Es idempotente: si la campaña ya
// tiene dialer corriendo no hace nada.
func (e *Engine) StartCampaign(campaignID int) error {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return ErrEngineShuttingDown
	}
	if _, ok := e.dialers[campaignID]; ok {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	campaign, err := e.repo.CampaignByID(campaignID)
	if err != nil {
		return fmt.Errorf("error consultando campaña %d: %w", campaignID, err)
	}
	if campaign == nil {
		return ErrCampaignNotFound
	}
	if campaign.Status != database.CampaignActive {
		return ErrCampaignNotActive
	}
	switch campaign.Mode {
	case database.ModeManual, database.ModeTurbo, database.ModePredictive:
	default:
		return ErrInvalidDialerMode
	}

	assigned, err := e.repo.AssignmentsOf(campaignID)
	if err != nil {
		return fmt.Errorf("error consultando asignaciones de campaña %d: %w", campaignID, err)
	}
	if len(assigned) == 0 {
		return ErrNoAgentsAssigned
	}

	dialable, err := e.repo.CountDialableLeads(campaignID, dialableStatuses)
	if err != nil {
		return fmt.Errorf("error contando leads de campaña %d: %w", campaignID, err)
	}
	if dialable == 0 {
		return ErrNoLeadsAvailable
	}

	d := &campaignDialer{campaign: campaign, stop: make(chan struct{})}

	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return ErrEngineShuttingDown
	}
	if _, ok := e.dialers[campaignID]; ok {
		// Otra goroutine la arrancó mientras validábamos
		e.mu.Unlock()
		return nil
	}
	e.stats.reset(campaignID)
	e.dialers[campaignID] = d
	e.mu.Unlock()

	switch campaign.Mode {
	case database.ModeTurbo:
		d.wg.Add(1)
		go e.runTurbo(d)
	case database.ModePredictive:
		d.wg.Add(1)
		go e.runPredictive(d)
	}

	log.Printf("[Engine] Campaña %d (%s) arrancada en modo %s con %d agentes y %d leads",
		campaignID, campaign.Name, campaign.Mode, len(assigned), dialable)
	e.pushStats()
	return nil
}

// StopCampaign detiene el dialer de la campaña. Las llamadas que ya están en
// vuelo siguen su curso normal por el reconciliador. Es idempotente.
func (e *Engine) StopCampaign(campaignID int) error {
	e.mu.Lock()
	d, ok := e.dialers[campaignID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.dialers, campaignID)
	e.mu.Unlock()

	close(d.stop)
	if !waitTimeout(&d.wg, e.shutdownBudget()) {
		log.Printf("[Engine] El dialer de la campaña %d no terminó dentro del plazo", campaignID)
	}

	log.Printf("[Engine] Campaña %d detenida", campaignID)
	e.pushStats()
	return nil
}

// StopAllCampaigns detiene todos los dialers en marcha
func (e *Engine) StopAllCampaigns() {
	e.mu.Lock()
	ids := make([]int, 0, len(e.dialers))
	for id := range e.dialers {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.StopCampaign(id); err != nil {
			log.Printf("[Engine] Error deteniendo campaña %d: %v", id, err)
		}
	}
}

// CampaignRunning reporta si la campaña tiene dialer corriendo
func (e *Engine) CampaignRunning(campaignID int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.dialers[campaignID]
	return ok
}

// runningDialer devuelve el dialer de la campaña o nil
func (e *Engine) runningDialer(campaignID int) *campaignDialer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dialers[campaignID]
}

// ManualCall origina una llamada pedida por un agente en una campaña manual
func (e *Engine) ManualCall(campaignID int, leadID int64, agentID int) (*database.Call, error) {
	d := e.runningDialer(campaignID)
	if d == nil {
		return nil, ErrDialerNotRunning
	}
	if d.campaign.Mode != database.ModeManual {
		return nil, ErrInvalidDialerMode
	}

	lead, err := e.repo.LeadByID(leadID)
	if err != nil {
		return nil, fmt.Errorf("error consultando lead %d: %w", leadID, err)
	}
	if lead == nil {
		return nil, ErrLeadNotFound
	}
	if lead.CampaignID != campaignID {
		return nil, ErrLeadNotInCampaign
	}

	assigned, err := e.repo.AssignmentsOf(campaignID)
	if err != nil {
		return nil, fmt.Errorf("error consultando asignaciones: %w", err)
	}
	if !containsInt(assigned, agentID) {
		return nil, ErrAgentNotAvailable
	}
	if s, ok := e.registry.Get(agentID); ok && s.Status != AgentAvailable {
		return nil, ErrAgentNotAvailable
	}

	return e.originate(d.campaign, lead, agentID)
}

// HangupCall pide a Asterisk colgar una llamada en curso. La llamada no se
// cierra aquí: el cierre llega por el evento Hangup y lo aplica el
// reconciliador, igual que cualquier otro corte.
func (e *Engine) HangupCall(callID int64) error {
	active := e.tracker.ByCallID(callID)
	if active == nil {
		return ErrCallNotActive
	}

	event := &database.CallEvent{CallID: callID, EventType: database.EventHangupRequest}
	event.SetData(map[string]any{"channel": active.Channel})
	if err := e.repo.InsertCallEvent(event); err != nil {
		log.Printf("[Engine] Error guardando hangup_request de llamada %d: %v", callID, err)
	}

	resp, err := e.session.Hangup(active.Channel, "")
	if err != nil {
		return fmt.Errorf("hangup de llamada %d: %w", callID, err)
	}
	if !resp.Success() {
		return fmt.Errorf("hangup de llamada %d rechazado: %s", callID, resp.Message())
	}

	log.Printf("[Engine] Hangup solicitado para llamada %d (canal %s)", callID, active.Channel)
	return nil
}

// originate ejecuta la secuencia completa de originación de una llamada.
// La llamada se registra en base de datos antes de hablar con Asterisk para
// que ningún evento llegue antes que su fila.
func (e *Engine) originate(campaign *database.Campaign, lead *database.Lead, agentID int) (*database.Call, error) {
	if max := e.cfg.Engine.MaxConcurrentCalls; max > 0 && e.tracker.Count() >= max {
		return nil, ErrMaxConcurrentCalls
	}

	now := e.now()
	call := &database.Call{
		CampaignID:  campaign.ID,
		LeadID:      lead.ID,
		AgentID:     agentID,
		PhoneNumber: lead.PhoneNumber,
		Status:      database.CallInitiated,
		StartedAt:   now,
	}
	if _, err := e.repo.InsertCall(call); err != nil {
		return nil, fmt.Errorf("error registrando llamada: %w", err)
	}

	if err := e.registry.StartCall(agentID, call.ID); err != nil {
		e.markCallFailed(call)
		return nil, err
	}

	channel := fmt.Sprintf("SIP/%s/%s", e.peerUsername(), lead.PhoneNumber)
	resp, err := e.session.Originate(ami.OriginateParams{
		Channel:   channel,
		Context:   e.cfg.AMI.Context,
		Extension: lead.PhoneNumber,
		Priority:  1,
		CallerID:  lead.PhoneNumber,
		Timeout:   e.cfg.AMI.OriginateTimeout * 1000,
		Async:     true,
		Variables: map[string]string{
			"CALL_ID":       fmt.Sprintf("%d", call.ID),
			"AGENT_CHANNEL": fmt.Sprintf("Agent/%d", agentID),
			"PHONE_NUMBER":  lead.PhoneNumber,
		},
	})

	// El intento queda auditado siempre, falle o no el originate
	event := &database.CallEvent{CallID: call.ID, EventType: database.EventOriginateResponse}
	if err != nil {
		event.SetData(map[string]any{"error": err.Error()})
	} else {
		event.SetData(resp.Fields)
	}
	if evErr := e.repo.InsertCallEvent(event); evErr != nil {
		log.Printf("[Engine] Error guardando originate_response de llamada %d: %v", call.ID, evErr)
	}

	if err != nil {
		e.markCallFailed(call)
		e.registry.ReleaseCall(agentID)
		return nil, fmt.Errorf("originate de llamada %d: %w", call.ID, err)
	}
	if !resp.Success() {
		e.markCallFailed(call)
		e.registry.ReleaseCall(agentID)
		return nil, fmt.Errorf("originate de llamada %d rechazado: %s", call.ID, resp.Message())
	}

	e.tracker.Add(&ActiveCall{
		CallID:     call.ID,
		CampaignID: campaign.ID,
		LeadID:     lead.ID,
		AgentID:    agentID,
		Channel:    channel,
		StartedAt:  now,
	})
	if err := e.repo.UpdateLeadContacted(lead.ID, now); err != nil {
		log.Printf("[Engine] Error actualizando last_contacted del lead %d: %v", lead.ID, err)
	}
	e.stats.addAttempt(campaign.ID)

	log.Printf("[Engine] Llamada %d originada por %s para agente %d (campaña %d)",
		call.ID, channel, agentID, campaign.ID)
	return call, nil
}

// markCallFailed cierra una llamada que nunca llegó a existir en Asterisk
func (e *Engine) markCallFailed(call *database.Call) {
	now := e.now()
	duration := int(now.Sub(call.StartedAt).Seconds())
	call.Status = database.CallFailed
	call.EndedAt = &now
	call.Duration = &duration
	if err := e.repo.UpdateCall(call); err != nil {
		log.Printf("[Engine] Error marcando llamada %d como fallida: %v", call.ID, err)
	}
	e.stats.addOutcome(call.CampaignID, database.CallFailed)
}

// peerUsername es el peer SIP por el que salen las llamadas
func (e *Engine) peerUsername() string {
	if e.cfg.AMI.PeerUsername != "" {
		return e.cfg.AMI.PeerUsername
	}
	return e.cfg.AMI.Username
}

// UpdateAgentStatus aplica un cambio de estado pedido por un operador y lo
// difunde. Sacar a un agente de on_call es trabajo del reconciliador, no de
// esta ruta.
func (e *Engine) UpdateAgentStatus(agentID int, status string) error {
	if err := e.registry.SetStatus(agentID, status); err != nil {
		return err
	}
	if s, ok := e.registry.Get(agentID); ok {
		e.hub.Broadcast(SignalAgentStatus, s)
	}
	return nil
}

// AgentStatus devuelve el estado de un agente
func (e *Engine) AgentStatus(agentID int) (AgentState, error) {
	s, ok := e.registry.Get(agentID)
	if !ok {
		return AgentState{}, ErrUnknownAgent
	}
	return s, nil
}

// NextLeadPreview devuelve el lead que marcaría la campaña ahora mismo,
// sin marcarlo. Devuelve nil si no hay ninguno elegible.
func (e *Engine) NextLeadPreview(campaignID int) (*database.Lead, error) {
	campaign, err := e.repo.CampaignByID(campaignID)
	if err != nil {
		return nil, fmt.Errorf("error consultando campaña %d: %w", campaignID, err)
	}
	if campaign == nil {
		return nil, ErrCampaignNotFound
	}
	return e.selector.NextLead(campaign)
}

// StatsFor arma la foto de una campaña: contadores, llamadas en vuelo y
// agentes disponibles o en llamada.
func (e *Engine) StatsFor(campaignID int) CampaignStats {
	out := e.stats.snapshot(campaignID)

	e.mu.Lock()
	d, running := e.dialers[campaignID]
	e.mu.Unlock()

	out.Running = running
	if running {
		out.Mode = d.campaign.Mode
	}
	out.ActiveCalls = e.tracker.CountByCampaign()[campaignID]

	if assigned, err := e.repo.AssignmentsOf(campaignID); err == nil {
		out.AgentsAvailable = len(e.registry.AvailableFor(assigned))
		out.AgentsOnCall = len(e.registry.OnCallFor(assigned))
		if len(assigned) > 0 {
			out.AgentUtilization = float64(out.AgentsOnCall) / float64(len(assigned))
		}
	}
	return out
}

// Stats devuelve la foto de todas las campañas con dialer corriendo
func (e *Engine) Stats() []CampaignStats {
	e.mu.Lock()
	ids := make([]int, 0, len(e.dialers))
	for id := range e.dialers {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	out := make([]CampaignStats, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.StatsFor(id))
	}
	return out
}

// Health devuelve el estado de salud actual del motor
func (e *Engine) Health() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shuttingDown {
		return HealthShuttingDown
	}
	return e.health
}

func (e *Engine) setHealth(h string) {
	e.mu.Lock()
	changed := e.health != h
	e.health = h
	e.mu.Unlock()

	if changed {
		e.hub.Broadcast(SignalEngineHealth, map[string]string{"status": h})
	}
}

// reconnectLoop reintenta la conexión AMI cuando la sesión se cae. Pasado el
// tope de fallos consecutivos detiene los dialers y degrada la salud, pero
// sigue intentando.
func (e *Engine) reconnectLoop() {
	defer e.wg.Done()

	interval := time.Duration(e.cfg.AMI.ReconnectInterval) * time.Second
	for {
		select {
		case <-e.stopChan:
			return
		case <-e.reconnects:
		}

		failures := 0
		for {
			select {
			case <-e.stopChan:
				return
			case <-time.After(interval):
			}

			if err := e.session.Connect(); err != nil {
				failures++
				log.Printf("[Engine] Reintento de conexión AMI %d fallido: %v", failures, err)
				if failures == e.cfg.AMI.MaxReconnectFails {
					log.Printf("[Engine] %d fallos seguidos, deteniendo dialers", failures)
					e.StopAllCampaigns()
					e.setHealth(HealthDegraded)
				}
				continue
			}

			log.Println("[Engine] Sesión AMI restablecida")
			e.setHealth(HealthHealthy)
			break
		}
	}
}

// statsLoop difunde las stats de las campañas en marcha a intervalo fijo
func (e *Engine) statsLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Duration(e.cfg.Engine.StatsPushEvery) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.pushStats()
		}
	}
}

func (e *Engine) pushStats() {
	stats := e.Stats()
	if len(stats) > 0 {
		e.hub.Broadcast(SignalStatsUpdate, stats)
	}
}

// Shutdown detiene campañas y trabajos de fondo y cierra la sesión AMI.
// Es idempotente.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return
	}
	e.shuttingDown = true
	e.mu.Unlock()

	log.Println("[Engine] Deteniendo motor de marcación...")
	e.StopAllCampaigns()

	close(e.stopChan)
	if e.cfg.Engine.DailyResetCron != "" {
		e.cron.Stop()
	}
	if !waitTimeout(&e.wg, e.shutdownBudget()) {
		log.Println("[Engine] Trabajos de fondo no terminaron dentro del plazo")
	}

	if err := e.session.Close(); err != nil {
		log.Printf("[Engine] Error cerrando sesión AMI: %v", err)
	}
	log.Println("[Engine] Motor detenido")
}

func (e *Engine) shutdownBudget() time.Duration {
	return time.Duration(e.cfg.Engine.ShutdownTimeout) * time.Second
}

// waitTimeout espera al WaitGroup hasta el plazo dado. Devuelve false si el
// plazo venció antes.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
