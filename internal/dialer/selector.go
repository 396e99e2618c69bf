package dialer

import (
	"fmt"
	"time"

	"telecrm/internal/database"
)

// Estados de lead que entran en la selección
var dialableStatuses = []string{
	database.LeadNew,
	database.LeadCallback,
	database.LeadInterested,
}

// Tamaño del lote de candidatos que se trae por consulta. El orden lo fija
// el SQL; aquí solo se filtra por intentos y tiempo de reintento.
const selectorBatchSize = 50

// LeadSelector decide cuál es el siguiente lead a marcar de una campaña
type LeadSelector struct {
	repo Repository

	// Inyectable en tests
	now func() time.Time
}

func NewLeadSelector(repo Repository) *LeadSelector {
	return &LeadSelector{repo: repo, now: time.Now}
}

// NextLead devuelve el siguiente lead marcable o nil si la campaña no tiene
// ninguno en este momento. Un lead en cooldown no bloquea a los que vienen
// detrás en el orden.
func (s *LeadSelector) NextLead(campaign *database.Campaign) (*database.Lead, error) {
	leads, err := s.repo.LeadsForSelection(campaign.ID, dialableStatuses, selectorBatchSize)
	if err != nil {
		return nil, fmt.Errorf("error consultando leads de campaña %d: %w", campaign.ID, err)
	}

	for i := range leads {
		ok, err := s.dialable(campaign, &leads[i])
		if err != nil {
			return nil, err
		}
		if ok {
			return &leads[i], nil
		}
	}
	return nil, nil
}

// dialable aplica el tope de intentos y el tiempo mínimo entre reintentos
func (s *LeadSelector) dialable(campaign *database.Campaign, lead *database.Lead) (bool, error) {
	attempts, err := s.repo.CallCount(lead.ID)
	if err != nil {
		return false, fmt.Errorf("error contando llamadas del lead %d: %w", lead.ID, err)
	}
	if attempts >= campaign.MaxAttempts {
		return false, nil
	}
	if attempts == 0 {
		return true, nil
	}

	last, err := s.repo.LatestCall(lead.ID)
	if err != nil {
		return false, fmt.Errorf("error consultando última llamada del lead %d: %w", lead.ID, err)
	}
	if last == nil {
		return true, nil
	}

	cooldown := time.Duration(campaign.RetryDelayMinutes) * time.Minute
	if s.now().Sub(last.StartedAt) < cooldown {
		return false, nil
	}
	return true, nil
}
