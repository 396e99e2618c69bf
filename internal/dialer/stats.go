package dialer

import (
	"sync"

	"telecrm/internal/database"
)

// CampaignStats es la foto de una campaña que se expone por API y websocket.
// Los contadores viven en memoria desde el último arranque del dialer.
type CampaignStats struct {
	CampaignID       int     `json:"campaign_id"`
	Mode             string  `json:"mode"`
	Running          bool    `json:"running"`
	TotalCalls       int     `json:"total_calls"`
	Answered         int     `json:"answered"`
	Busy             int     `json:"busy"`
	NoAnswer         int     `json:"no_answer"`
	Failed           int     `json:"failed"`
	AnswerRate       float64 `json:"answer_rate"`
	AvgTalkSeconds   float64 `json:"avg_talk_seconds"`
	ActiveCalls      int     `json:"active_calls"`
	AgentsAvailable  int     `json:"agents_available"`
	AgentsOnCall     int     `json:"agents_on_call"`
	AgentUtilization float64 `json:"agent_utilization"`
}

// statsBook acumula contadores por campaña. El motor suma intentos y el
// reconciliador suma desenlaces; ambos comparten este libro.
type statsBook struct {
	mu         sync.Mutex
	byCampaign map[int]*campaignCounters
}

type campaignCounters struct {
	total     int
	answered  int
	busy      int
	noAnswer  int
	failed    int
	talkSum   int
	talkCount int
}

func newStatsBook() *statsBook {
	return &statsBook{byCampaign: make(map[int]*campaignCounters)}
}

// reset arranca la campaña con contadores limpios
func (b *statsBook) reset(campaignID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byCampaign[campaignID] = &campaignCounters{}
}

func (b *statsBook) counters(campaignID int) *campaignCounters {
	c, ok := b.byCampaign[campaignID]
	if !ok {
		c = &campaignCounters{}
		b.byCampaign[campaignID] = c
	}
	return c
}

// addAttempt cuenta un originate aceptado por Asterisk
func (b *statsBook) addAttempt(campaignID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters(campaignID).total++
}

// addAnswered cuenta la primera vez que una llamada llega a answered
func (b *statsBook) addAnswered(campaignID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters(campaignID).answered++
}

// addOutcome cuenta un desenlace sin respuesta
func (b *statsBook) addOutcome(campaignID int, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.counters(campaignID)
	switch status {
	case database.CallBusy:
		c.busy++
	case database.CallNoAnswer:
		c.noAnswer++
	case database.CallFailed:
		c.failed++
	}
}

// addTalkTime suma la duración de una llamada contestada ya colgada
func (b *statsBook) addTalkTime(campaignID int, seconds int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.counters(campaignID)
	c.talkSum += seconds
	c.talkCount++
}

// snapshot vuelca los contadores de la campaña en un CampaignStats
func (b *statsBook) snapshot(campaignID int) CampaignStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.byCampaign[campaignID]
	if !ok {
		return CampaignStats{CampaignID: campaignID}
	}

	out := CampaignStats{
		CampaignID: campaignID,
		TotalCalls: c.total,
		Answered:   c.answered,
		Busy:       c.busy,
		NoAnswer:   c.noAnswer,
		Failed:     c.failed,
	}
	if c.total > 0 {
		out.AnswerRate = float64(c.answered) / float64(c.total)
	}
	if c.talkCount > 0 {
		out.AvgTalkSeconds = float64(c.talkSum) / float64(c.talkCount)
	}
	return out
}
