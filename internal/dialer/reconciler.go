package dialer

import (
	"log"
	"time"

	"telecrm/internal/ami"
	"telecrm/internal/database"
)

// Reconciler escucha los eventos AMI y los convierte en transiciones de
// estado de las llamadas en vuelo. Los handlers corren en serie sobre la
// goroutine lectora de la sesión, así que el orden por llamada es el del
// socket. Nunca se manda una acción AMI desde aquí.
type Reconciler struct {
	repo     Repository
	registry *AgentRegistry
	tracker  *CallTracker
	stats    *statsBook
	hub      Broadcaster

	// Inyectable en tests
	now func() time.Time
}

func NewReconciler(repo Repository, registry *AgentRegistry, tracker *CallTracker, stats *statsBook, hub Broadcaster) *Reconciler {
	return &Reconciler{
		repo:     repo,
		registry: registry,
		tracker:  tracker,
		stats:    stats,
		hub:      hub,
		now:      time.Now,
	}
}

// SubscribeTo registra los handlers en la sesión. Se llama una sola vez:
// las suscripciones sobreviven a las reconexiones.
func (r *Reconciler) SubscribeTo(s Session) {
	s.Subscribe("Newchannel", r.handleNewChannel)
	s.Subscribe("DialBegin", r.handleDialBegin)
	s.Subscribe("DialEnd", r.handleDialEnd)
	s.Subscribe("Bridge", r.handleBridge)
	s.Subscribe("Hangup", r.handleHangup)
}

// resolve busca la llamada en vuelo referida por el evento. Los eventos que
// no resuelven a ninguna llamada rastreada se descartan.
func (r *Reconciler) resolve(ev ami.Event) *ActiveCall {
	return r.tracker.Resolve(
		ev.Get("Channel"),
		ev.Get("Channel1"),
		ev.Get("Channel2"),
		ev.Get("DestChannel"),
	)
}

// audit deja el rastro del evento antes de cualquier mutación
func (r *Reconciler) audit(callID int64, eventType string, ev ami.Event) {
	e := &database.CallEvent{CallID: callID, EventType: eventType}
	if err := e.SetData(ev.Fields); err != nil {
		log.Printf("[Reconciler] Error serializando evento %s de llamada %d: %v", eventType, callID, err)
	}
	if err := r.repo.InsertCallEvent(e); err != nil {
		log.Printf("[Reconciler] Error guardando evento %s de llamada %d: %v", eventType, callID, err)
	}
}

func (r *Reconciler) loadCall(id int64) *database.Call {
	call, err := r.repo.CallByID(id)
	if err != nil {
		log.Printf("[Reconciler] Error consultando llamada %d: %v", id, err)
		return nil
	}
	if call == nil {
		log.Printf("[Reconciler] Llamada %d rastreada pero sin fila en base de datos", id)
		return nil
	}
	return call
}

func (r *Reconciler) save(call *database.Call) {
	if err := r.repo.UpdateCall(call); err != nil {
		log.Printf("[Reconciler] Error actualizando llamada %d: %v", call.ID, err)
	}
}

// handleNewChannel solo audita: el canal nuevo todavía no cambia el estado
func (r *Reconciler) handleNewChannel(ev ami.Event) {
	active := r.resolve(ev)
	if active == nil {
		return
	}
	r.audit(active.CallID, database.EventNewChannel, ev)
}

func (r *Reconciler) handleDialBegin(ev ami.Event) {
	active := r.resolve(ev)
	if active == nil {
		return
	}
	r.audit(active.CallID, database.EventDialBegin, ev)

	// El canal remoto del Dial también identifica a esta llamada
	if dest := ev.Get("DestChannel"); dest != "" {
		r.tracker.AddAlias(dest, active.Channel)
	}

	call := r.loadCall(active.CallID)
	if call == nil || database.IsTerminalCallStatus(call.Status) {
		return
	}
	call.Status = database.CallRinging
	r.save(call)
	r.hub.Broadcast(SignalCallRinging, call)
}

func (r *Reconciler) handleDialEnd(ev ami.Event) {
	active := r.resolve(ev)
	if active == nil {
		return
	}
	r.audit(active.CallID, database.EventDialEnd, ev)

	call := r.loadCall(active.CallID)
	if call == nil || database.IsTerminalCallStatus(call.Status) {
		return
	}

	switch ev.Get("DialStatus") {
	case "ANSWER":
		r.markAnswered(call)
	case "BUSY", "CONGESTION":
		r.finish(active, call, database.CallBusy)
	case "NOANSWER", "CANCEL":
		r.finish(active, call, database.CallNoAnswer)
	default:
		r.finish(active, call, database.CallFailed)
	}
}

// handleBridge cubre el caso en que el puente llega antes que el DialEnd
// con ANSWER. El primero de los dos marca la llamada como contestada y el
// otro la deja como está.
func (r *Reconciler) handleBridge(ev ami.Event) {
	active := r.resolve(ev)
	if active == nil {
		return
	}
	r.audit(active.CallID, database.EventBridge, ev)

	call := r.loadCall(active.CallID)
	if call == nil || database.IsTerminalCallStatus(call.Status) {
		return
	}
	if call.Status == database.CallAnswered {
		return
	}
	r.markAnswered(call)
}

// markAnswered pasa la llamada a answered una sola vez
func (r *Reconciler) markAnswered(call *database.Call) {
	first := call.Status != database.CallAnswered
	call.Status = database.CallAnswered
	if call.AnsweredAt == nil {
		t := r.now()
		call.AnsweredAt = &t
	}
	r.save(call)

	if first {
		r.stats.addAnswered(call.CampaignID)
		r.hub.Broadcast(SignalCallAnswered, call)
		log.Printf("[Reconciler] Llamada %d contestada", call.ID)
	}
}

// finish cierra una llamada que no llegó a conversación
func (r *Reconciler) finish(active *ActiveCall, call *database.Call, status string) {
	now := r.now()
	duration := int(now.Sub(call.StartedAt).Seconds())
	call.Status = status
	call.EndedAt = &now
	call.Duration = &duration
	r.save(call)

	r.stats.addOutcome(call.CampaignID, status)
	r.registry.FinishCall(active.AgentID, 0, false)
	r.tracker.Remove(active.Channel)
	log.Printf("[Reconciler] Llamada %d terminada sin conversación: %s", call.ID, status)
}

func (r *Reconciler) handleHangup(ev ami.Event) {
	active := r.resolve(ev)
	if active == nil {
		return
	}
	r.audit(active.CallID, database.EventHangup, ev)

	call := r.loadCall(active.CallID)
	if call == nil {
		return
	}
	if database.IsTerminalCallStatus(call.Status) {
		// Ya cerrada por un DialEnd terminal; solo queda soltar el rastreo
		r.tracker.Remove(active.Channel)
		return
	}

	now := r.now()
	answered := call.AnsweredAt != nil
	duration := int(now.Sub(call.StartedAt).Seconds())
	call.Status = database.CallCompleted
	call.EndedAt = &now
	call.Duration = &duration
	r.save(call)

	talk := 0
	if answered {
		talk = int(now.Sub(*call.AnsweredAt).Seconds())
		r.stats.addTalkTime(call.CampaignID, talk)
	}
	r.registry.FinishCall(active.AgentID, talk, answered)
	r.tracker.Remove(active.Channel)
	r.hub.Broadcast(SignalCallEnded, call)

	log.Printf("[Reconciler] Llamada %d colgada tras %ds (causa %s)", call.ID, duration, ev.Get("Cause"))
}
