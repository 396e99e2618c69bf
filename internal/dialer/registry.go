package dialer

import (
	"log"
	"sort"
	"sync"
	"time"
)

// Estados operativos de un agente. Solo viven en memoria: al reiniciar el
// servicio todos los agentes vuelven a empezar como desconocidos.
const (
	AgentAvailable = "available"
	AgentOnCall    = "on_call"
	AgentBusy      = "busy"
	AgentOffline   = "offline"
)

// AgentState es el estado en memoria de un agente
type AgentState struct {
	ID            int       `json:"id"`
	Status        string    `json:"status"`
	CurrentCallID int64     `json:"current_call_id,omitempty"`
	CallStartedAt time.Time `json:"call_started_at,omitempty"`
	LastCallEnd   time.Time `json:"last_call_end,omitempty"`
	CallsToday    int       `json:"calls_today"`
	TalkTimeToday int       `json:"talk_time_today"`
}

// AgentRegistry mantiene el estado de los agentes bajo un solo mutex.
// Todas las lecturas devuelven copias, nunca punteros al estado interno.
type AgentRegistry struct {
	mu     sync.Mutex
	agents map[int]*AgentState

	// Inyectable en tests
	now func() time.Time
}

func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		agents: make(map[int]*AgentState),
		now:    time.Now,
	}
}

// Get devuelve una copia del estado del agente
func (r *AgentRegistry) Get(agentID int) (AgentState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.agents[agentID]
	if !ok {
		return AgentState{}, false
	}
	return *s, true
}

// Snapshot devuelve una copia de todos los agentes conocidos, ordenada por ID
func (r *AgentRegistry) Snapshot() []AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]AgentState, 0, len(r.agents))
	for _, s := range r.agents {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetStatus aplica una transición pedida por un operador. Los únicos destinos
// válidos son available, busy y offline; entrar o salir de on_call es
// exclusivo del motor y del reconciliador.
func (r *AgentRegistry) SetStatus(agentID int, status string) error {
	if status != AgentAvailable && status != AgentBusy && status != AgentOffline {
		return ErrInvalidAgentStatus
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.ensure(agentID)
	if s.Status == AgentOnCall {
		return ErrAgentBusy
	}
	if status == AgentAvailable {
		s.CurrentCallID = 0
		s.CallStartedAt = time.Time{}
		s.LastCallEnd = r.now()
	}
	s.Status = status
	return nil
}

// StartCall marca al agente como on_call con la llamada indicada.
// Falla si el agente no estaba disponible (otra goroutine lo pudo tomar).
func (r *AgentRegistry) StartCall(agentID int, callID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.ensure(agentID)
	if s.Status != AgentAvailable {
		return ErrAgentNotAvailable
	}
	s.Status = AgentOnCall
	s.CurrentCallID = callID
	s.CallStartedAt = r.now()
	return nil
}

// ReleaseCall devuelve al agente a available sin tocar contadores. Se usa
// cuando el originate falla antes de que exista una llamada real.
func (r *AgentRegistry) ReleaseCall(agentID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.agents[agentID]
	if !ok {
		return
	}
	r.release(s)
}

// FinishCall cierra la participación del agente en su llamada actual.
// Cuenta el intento y, si la llamada fue contestada, suma el tiempo hablado.
func (r *AgentRegistry) FinishCall(agentID int, talkSeconds int, answered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.agents[agentID]
	if !ok {
		log.Printf("[AgentRegistry] FinishCall para agente desconocido %d", agentID)
		return
	}
	s.CallsToday++
	if answered && talkSeconds > 0 {
		s.TalkTimeToday += talkSeconds
	}
	r.release(s)
}

// release asume el lock tomado
func (r *AgentRegistry) release(s *AgentState) {
	s.Status = AgentAvailable
	s.CurrentCallID = 0
	s.CallStartedAt = time.Time{}
	s.LastCallEnd = r.now()
}

// AvailableFor filtra los agentes asignados que están disponibles, ordenados
// por última llamada terminada ascendente (los que nunca han llamado van
// primero). Los agentes asignados que el registro todavía no conoce se
// materializan como disponibles.
func (r *AgentRegistry) AvailableFor(assigned []int) []AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]AgentState, 0, len(assigned))
	for _, id := range assigned {
		s := r.ensure(id)
		if s.Status == AgentAvailable {
			out = append(out, *s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastCallEnd, out[j].LastCallEnd
		if a.IsZero() != b.IsZero() {
			return a.IsZero()
		}
		if a.Equal(b) {
			return out[i].ID < out[j].ID
		}
		return a.Before(b)
	})
	return out
}

// OnCallFor devuelve copias de los agentes asignados que están en llamada
func (r *AgentRegistry) OnCallFor(assigned []int) []AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]AgentState, 0, len(assigned))
	for _, id := range assigned {
		if s, ok := r.agents[id]; ok && s.Status == AgentOnCall {
			out = append(out, *s)
		}
	}
	return out
}

// OnCallDuration devuelve cuántos segundos lleva el agente en su llamada
// actual, o 0 si no está en llamada.
func (r *AgentRegistry) OnCallDuration(agentID int) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.agents[agentID]
	if !ok || s.Status != AgentOnCall || s.CallStartedAt.IsZero() {
		return 0
	}
	return r.now().Sub(s.CallStartedAt).Seconds()
}

// ResetDailyCounters pone a cero los acumuladores diarios de todos los agentes
func (r *AgentRegistry) ResetDailyCounters() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.agents {
		s.CallsToday = 0
		s.TalkTimeToday = 0
	}
	log.Printf("[AgentRegistry] Contadores diarios reiniciados para %d agentes", len(r.agents))
}

// ensure asume el lock tomado
func (r *AgentRegistry) ensure(agentID int) *AgentState {
	s, ok := r.agents[agentID]
	if !ok {
		s = &AgentState{ID: agentID, Status: AgentAvailable}
		r.agents[agentID] = s
	}
	return s
}
