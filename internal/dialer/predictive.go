package dialer

import (
	"log"
	"math"
	"math/rand"
	"time"

	"telecrm/internal/database"
)

const (
	predictiveCycle    = 10 * time.Second
	metricsWindow      = 24 * time.Hour
	metricsSampleLimit = 100

	// Valores de arranque cuando la campaña todavía no tiene historial
	defaultAnswerRate  = 0.30
	defaultAvgDuration = 180.0

	// Un agente en llamada cuenta como casi libre pasado este porcentaje
	// de la duración media
	imminentThreshold = 0.8

	// Tope duro de llamadas por ciclo, además del 3x de agentes libres
	maxCallsPerCycle = 10
)

// predictiveMetrics es el resumen de las llamadas recientes de una campaña
type predictiveMetrics struct {
	answerRate  float64
	avgDuration float64
	agents      map[int]agentMetric
}

type agentMetric struct {
	total    int
	answered int
}

// rate devuelve la tasa histórica del agente; sin historial se asume la de
// arranque para que los agentes nuevos no queden detrás de los probados malos
func (m agentMetric) rate() float64 {
	if m.total == 0 {
		return defaultAnswerRate
	}
	return float64(m.answered) / float64(m.total)
}

// runPredictive sobremarca según el ritmo real de la campaña: cuanto mejor
// contesta la base y más agentes están por liberarse, más llamadas lanza.
func (e *Engine) runPredictive(d *campaignDialer) {
	defer d.wg.Done()

	log.Printf("[Predictive] Campaña %d arrancada con ratio %.2f", d.campaign.ID, d.campaign.PredictiveRatio)

	ticker := time.NewTicker(predictiveCycle)
	defer ticker.Stop()

	for {
		e.predictiveTick(d.campaign)
		select {
		case <-d.stop:
			log.Printf("[Predictive] Campaña %d detenida", d.campaign.ID)
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) predictiveTick(campaign *database.Campaign) {
	if !withinDailyWindow(campaign, e.now()) {
		return
	}

	assigned, err := e.repo.AssignmentsOf(campaign.ID)
	if err != nil {
		log.Printf("[Predictive] Error consultando asignaciones de campaña %d: %v", campaign.ID, err)
		return
	}
	available := e.registry.AvailableFor(assigned)
	if len(available) == 0 {
		return
	}

	recent, err := e.repo.RecentCalls(campaign.ID, e.now().Add(-metricsWindow), metricsSampleLimit)
	if err != nil {
		log.Printf("[Predictive] Error consultando llamadas recientes de campaña %d: %v", campaign.ID, err)
		return
	}
	metrics := computePredictiveMetrics(recent)

	imminent := 0
	for _, s := range e.registry.OnCallFor(assigned) {
		if e.registry.OnCallDuration(s.ID) >= imminentThreshold*metrics.avgDuration {
			imminent++
		}
	}

	needed := callsNeeded(len(available), imminent, campaign.PredictiveRatio, metrics.answerRate)
	if needed == 0 {
		return
	}
	log.Printf("[Predictive] Campaña %d: %d libres, %d por liberarse, rate %.2f, lanzando hasta %d llamadas",
		campaign.ID, len(available), imminent, metrics.answerRate, needed)

	pool := available
	for i := 0; i < needed && len(pool) > 0; i++ {
		lead, err := e.selector.NextLead(campaign)
		if err != nil {
			log.Printf("[Predictive] Error buscando lead en campaña %d: %v", campaign.ID, err)
			return
		}
		if lead == nil {
			log.Printf("[Predictive] Campaña %d sin leads marcables", campaign.ID)
			return
		}

		var agent AgentState
		agent, pool = pickAgent(pool, metrics)
		if _, err := e.originate(campaign, lead, agent.ID); err != nil {
			log.Printf("[Predictive] Error originando en campaña %d: %v", campaign.ID, err)
		}
	}
}

// computePredictiveMetrics resume las llamadas recientes. Sin historial, o
// con cero contestadas, se usan los valores de arranque para no dividir por
// cero ni frenar la campaña en seco.
func computePredictiveMetrics(calls []database.Call) predictiveMetrics {
	m := predictiveMetrics{
		answerRate:  defaultAnswerRate,
		avgDuration: defaultAvgDuration,
		agents:      make(map[int]agentMetric),
	}
	if len(calls) == 0 {
		return m
	}

	answered := 0
	durSum, durCount := 0, 0
	for _, c := range calls {
		am := m.agents[c.AgentID]
		am.total++
		if c.Status == database.CallAnswered || c.Status == database.CallCompleted {
			answered++
			am.answered++
			if c.Duration != nil && *c.Duration > 0 {
				durSum += *c.Duration
				durCount++
			}
		}
		m.agents[c.AgentID] = am
	}

	if answered > 0 {
		m.answerRate = float64(answered) / float64(len(calls))
	}
	if durCount > 0 {
		m.avgDuration = float64(durSum) / float64(durCount)
	}
	return m
}

// callsNeeded calcula cuántas llamadas lanzar en un ciclo. El ratio se
// mantiene en coma flotante hasta el piso final.
func callsNeeded(available, imminent int, ratio, answerRate float64) int {
	if available <= 0 || answerRate <= 0 {
		return 0
	}
	needed := int(math.Floor(float64(available+imminent) * ratio / answerRate))
	limit := 3 * available
	if limit > maxCallsPerCycle {
		limit = maxCallsPerCycle
	}
	if needed > limit {
		needed = limit
	}
	if needed < 0 {
		needed = 0
	}
	return needed
}

// pickAgent saca del pool al agente con mejor score del ciclo. El ruido
// uniforme evita que el mismo agente acapare todas las llamadas en empates.
func pickAgent(pool []AgentState, metrics predictiveMetrics) (AgentState, []AgentState) {
	best := 0
	bestScore := math.Inf(-1)
	for i, s := range pool {
		am := metrics.agents[s.ID]
		score := 0.7*am.rate() + 0.3*math.Min(float64(am.total)/10, 1) + (rand.Float64()*0.2 - 0.1)
		if score > bestScore {
			bestScore = score
			best = i
		}
	}

	chosen := pool[best]
	rest := make([]AgentState, 0, len(pool)-1)
	rest = append(rest, pool[:best]...)
	rest = append(rest, pool[best+1:]...)
	return chosen, rest
}
