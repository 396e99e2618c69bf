package database

import (
	"encoding/json"
	"time"
)

// Modos de marcación de una campaña
const (
	ModeManual     = "manual"
	ModeTurbo      = "turbo"
	ModePredictive = "predictive"
)

// Estados de una campaña
const (
	CampaignDraft     = "draft"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
)

// Estados de un lead
const (
	LeadNew        = "new"
	LeadContacted  = "contacted"
	LeadInterested = "interested"
	LeadCallback   = "callback"
	LeadDoNotCall  = "do_not_call"
	LeadConverted  = "converted"
	LeadInvalid    = "invalid"
)

// Estados de una llamada. Busy, no_answer, failed y completed son terminales.
const (
	CallInitiated = "initiated"
	CallRinging   = "ringing"
	CallAnswered  = "answered"
	CallBusy      = "busy"
	CallNoAnswer  = "no_answer"
	CallFailed    = "failed"
	CallCompleted = "completed"
)

// Tipos de evento de llamada (auditoría)
const (
	EventOriginateResponse = "originate_response"
	EventNewChannel        = "new_channel"
	EventDialBegin         = "dial_begin"
	EventDialEnd           = "dial_end"
	EventBridge            = "bridge"
	EventHangup            = "hangup"
	EventHangupRequest     = "hangup_request"
	EventOrphaned          = "orphaned"
)

// Roles de usuario
const (
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
	RoleAgent      = "agent"
)

// IsTerminalCallStatus indica si un estado de llamada es terminal
func IsTerminalCallStatus(status string) bool {
	switch status {
	case CallBusy, CallNoAnswer, CallFailed, CallCompleted:
		return true
	}
	return false
}

// Campaign representa una campaña de marcación saliente
type Campaign struct {
	ID                int        `db:"id" json:"id"`
	Name              string     `db:"name" json:"name"`
	Description       string     `db:"description" json:"description"`
	Mode              string     `db:"mode" json:"mode"`
	Status            string     `db:"status" json:"status"`
	MaxAttempts       int        `db:"max_attempts" json:"max_attempts"`
	RetryDelayMinutes int        `db:"retry_delay_minutes" json:"retry_delay_minutes"`
	PredictiveRatio   float64    `db:"predictive_ratio" json:"predictive_ratio"`
	TurboDelaySeconds int        `db:"turbo_delay_seconds" json:"turbo_delay_seconds"`
	DailyStartTime    *string    `db:"daily_start_time" json:"daily_start_time,omitempty"` // "HH:MM"
	DailyEndTime      *string    `db:"daily_end_time" json:"daily_end_time,omitempty"`     // "HH:MM"
	Timezone          string     `db:"timezone" json:"timezone"`
	StartDate         *time.Time `db:"start_date" json:"start_date,omitempty"`
	EndDate           *time.Time `db:"end_date" json:"end_date,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// Lead representa un contacto a marcar dentro de una campaña
type Lead struct {
	ID              int64      `db:"id" json:"id"`
	CampaignID      int        `db:"campaign_id" json:"campaign_id"`
	PhoneNumber     string     `db:"phone_number" json:"phone_number"`
	FirstName       string     `db:"first_name" json:"first_name"`
	LastName        string     `db:"last_name" json:"last_name"`
	Email           string     `db:"email" json:"email"`
	Company         string     `db:"company" json:"company"`
	Status          string     `db:"status" json:"status"`
	Priority        int        `db:"priority" json:"priority"`
	NextContactDate *time.Time `db:"next_contact_date" json:"next_contact_date,omitempty"`
	LastContacted   *time.Time `db:"last_contacted" json:"last_contacted,omitempty"`
	CustomFields    *string    `db:"custom_fields" json:"custom_fields,omitempty"` // JSON
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Call representa un intento de llamada
type Call struct {
	ID              int64      `db:"id" json:"id"`
	CampaignID      int        `db:"campaign_id" json:"campaign_id"`
	LeadID          int64      `db:"lead_id" json:"lead_id"`
	AgentID         int        `db:"agent_id" json:"agent_id"`
	PhoneNumber     string     `db:"phone_number" json:"phone_number"`
	Status          string     `db:"status" json:"status"`
	Channel         *string    `db:"channel" json:"channel,omitempty"`
	StartedAt       time.Time  `db:"started_at" json:"started_at"`
	AnsweredAt      *time.Time `db:"answered_at" json:"answered_at,omitempty"`
	EndedAt         *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	Duration        *int       `db:"duration" json:"duration,omitempty"` // segundos
	Notes           *string    `db:"notes" json:"notes,omitempty"`
	DispositionCode *string    `db:"disposition_code" json:"disposition_code,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// CallEvent es una fila de auditoría inmutable asociada a una llamada
type CallEvent struct {
	ID        int64     `db:"id" json:"id"`
	CallID    int64     `db:"call_id" json:"call_id"`
	EventType string    `db:"event_type" json:"event_type"`
	EventData string    `db:"event_data" json:"event_data"` // JSON
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SetData serializa el payload del evento como JSON
func (e *CallEvent) SetData(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.EventData = string(data)
	return nil
}

// CampaignAssignment vincula un agente con una campaña
type CampaignAssignment struct {
	ID         int       `db:"id" json:"id"`
	CampaignID int       `db:"campaign_id" json:"campaign_id"`
	AgentID    int       `db:"agent_id" json:"agent_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// User representa un usuario del sistema (los agentes son usuarios con rol agent)
type User struct {
	ID           int       `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"`
	FullName     string    `db:"full_name" json:"full_name"`
	Role         string    `db:"role" json:"role"`
	Active       bool      `db:"active" json:"active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// SipConfiguration es un endpoint AMI registrado. El secreto se guarda
// cifrado; solo RevealSecret lo devuelve en claro.
type SipConfiguration struct {
	ID              int       `db:"id" json:"id"`
	Name            string    `db:"name" json:"name"`
	Host            string    `db:"host" json:"host"`
	Port            int       `db:"port" json:"port"`
	Username        string    `db:"username" json:"username"`
	SecretEncrypted string    `db:"secret_encrypted" json:"-"`
	Context         string    `db:"context" json:"context"`
	PeerUsername    string    `db:"peer_username" json:"peer_username"`
	Active          bool      `db:"active" json:"active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// CampaignStats es el agregado del día que sirve el endpoint de estadísticas
type CampaignStats struct {
	CampaignID    int     `json:"campaign_id"`
	TotalCalls    int     `json:"total_calls"`
	Answered      int     `json:"answered"`
	Busy          int     `json:"busy"`
	NoAnswer      int     `json:"no_answer"`
	Failed        int     `json:"failed"`
	AvgDuration   float64 `json:"avg_duration"`
	LeadsTotal    int     `json:"leads_total"`
	LeadsDialable int     `json:"leads_dialable"`
}
