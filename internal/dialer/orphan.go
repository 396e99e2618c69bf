package dialer

import (
	"log"
	"time"

	"telecrm/internal/database"
)

// orphanLoop barre llamadas atascadas. El umbral es holgado para que una
// caída corta de la sesión AMI se reconcilie sola antes de declarar nada
// huérfano.
func (e *Engine) orphanLoop() {
	defer e.wg.Done()

	interval := time.Duration(e.cfg.Engine.OrphanSweepEvery) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	maxAge := time.Duration(e.cfg.Engine.OrphanMaxAge) * time.Second
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.sweepOrphans(maxAge)
		}
	}
}

// sweepOrphans cierra las llamadas rastreadas que superaron la edad máxima
// sin llegar a un estado terminal, y de paso limpia cualquier fila que haya
// quedado colgada en base de datos sin entrada en el tracker.
func (e *Engine) sweepOrphans(maxAge time.Duration) {
	stale := e.tracker.GetStale(maxAge)
	for _, active := range stale {
		log.Printf("[Engine] Llamada %d huérfana tras %v en canal %s",
			active.CallID, time.Since(active.StartedAt).Round(time.Second), active.Channel)

		event := &database.CallEvent{CallID: active.CallID, EventType: database.EventOrphaned}
		event.SetData(map[string]any{"channel": active.Channel, "started_at": active.StartedAt})
		if err := e.repo.InsertCallEvent(event); err != nil {
			log.Printf("[Engine] Error guardando evento orphaned de llamada %d: %v", active.CallID, err)
		}

		call, err := e.repo.CallByID(active.CallID)
		if err != nil {
			log.Printf("[Engine] Error consultando llamada huérfana %d: %v", active.CallID, err)
		}
		if call != nil && !database.IsTerminalCallStatus(call.Status) {
			now := e.now()
			duration := int(now.Sub(call.StartedAt).Seconds())
			call.Status = database.CallFailed
			call.EndedAt = &now
			call.Duration = &duration
			if err := e.repo.UpdateCall(call); err != nil {
				log.Printf("[Engine] Error cerrando llamada huérfana %d: %v", call.ID, err)
			}
			e.stats.addOutcome(call.CampaignID, database.CallFailed)
		}

		e.registry.FinishCall(active.AgentID, 0, false)
		e.tracker.Remove(active.Channel)
	}

	if len(stale) > 0 {
		log.Printf("[Engine] Barridas %d llamadas huérfanas", len(stale))
	}
}
