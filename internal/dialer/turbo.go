package dialer

import (
	"log"
	"time"

	"telecrm/internal/database"
)

const (
	defaultTurboDelay  = 5 * time.Second
	turboNoLeadBackoff = 30 * time.Second
)

// runTurbo marca una llamada por tick al agente que lleva más tiempo libre.
// Cuando la campaña se queda sin leads el bucle espera más antes de volver
// a preguntar.
func (e *Engine) runTurbo(d *campaignDialer) {
	defer d.wg.Done()

	delay := time.Duration(d.campaign.TurboDelaySeconds) * time.Second
	if delay <= 0 {
		delay = defaultTurboDelay
	}
	log.Printf("[Turbo] Campaña %d marcando cada %v", d.campaign.ID, delay)

	for {
		wait := delay
		if !e.turboTick(d.campaign) {
			wait = turboNoLeadBackoff
		}
		select {
		case <-d.stop:
			log.Printf("[Turbo] Campaña %d detenida", d.campaign.ID)
			return
		case <-time.After(wait):
		}
	}
}

// turboTick intenta una llamada. Devuelve false solo cuando la campaña no
// tiene leads marcables, para que el bucle aplique el backoff largo.
func (e *Engine) turboTick(campaign *database.Campaign) bool {
	if !withinDailyWindow(campaign, e.now()) {
		return true
	}

	assigned, err := e.repo.AssignmentsOf(campaign.ID)
	if err != nil {
		log.Printf("[Turbo] Error consultando asignaciones de campaña %d: %v", campaign.ID, err)
		return true
	}
	agents := e.registry.AvailableFor(assigned)
	if len(agents) == 0 {
		return true
	}

	lead, err := e.selector.NextLead(campaign)
	if err != nil {
		log.Printf("[Turbo] Error buscando lead para campaña %d: %v", campaign.ID, err)
		return true
	}
	if lead == nil {
		log.Printf("[Turbo] Campaña %d sin leads marcables, esperando %v", campaign.ID, turboNoLeadBackoff)
		return false
	}

	if _, err := e.originate(campaign, lead, agents[0].ID); err != nil {
		log.Printf("[Turbo] Error originando en campaña %d: %v", campaign.ID, err)
	}
	return true
}
