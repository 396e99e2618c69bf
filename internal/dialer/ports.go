package dialer

import (
	"time"

	"telecrm/internal/ami"
	"telecrm/internal/database"
)

// Repository es el puerto de persistencia del motor. La implementación de
// producción vive en internal/database; los tests usan una copia en memoria.
type Repository interface {
	CampaignByID(id int) (*database.Campaign, error)
	AssignmentsOf(campaignID int) ([]int, error)
	LeadByID(id int64) (*database.Lead, error)
	LeadsForSelection(campaignID int, statuses []string, limit int) ([]database.Lead, error)
	CountDialableLeads(campaignID int, statuses []string) (int, error)
	CallByID(id int64) (*database.Call, error)
	CallCount(leadID int64) (int, error)
	LatestCall(leadID int64) (*database.Call, error)
	RecentCalls(campaignID int, since time.Time, limit int) ([]database.Call, error)
	InsertCall(c *database.Call) (int64, error)
	UpdateCall(c *database.Call) error
	InsertCallEvent(e *database.CallEvent) error
	UpdateLeadContacted(leadID int64, when time.Time) error
}

// Session es la sesión AMI vista desde el motor
type Session interface {
	Connect() error
	Close() error
	Connected() bool
	Send(a *ami.Action) (*ami.Response, error)
	Originate(p ami.OriginateParams) (*ami.Response, error)
	Hangup(channel, cause string) (*ami.Response, error)
	Subscribe(event string, handler ami.EventHandler)
	SubscribeAll(handler ami.EventHandler)
}

// Broadcaster publica señales de tiempo real hacia los clientes conectados.
// La implementación de producción es el hub de websockets.
type Broadcaster interface {
	Broadcast(event string, data any)
}

// Señales difundidas por el motor y el reconciliador
const (
	SignalCallRinging  = "call_ringing"
	SignalCallAnswered = "call_answered"
	SignalCallEnded    = "call_ended"
	SignalAgentStatus  = "agent_status"
	SignalStatsUpdate  = "stats_update"
	SignalEngineHealth = "engine_health"
)
