package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// writeRetries es el presupuesto de reintentos ante errores de bloqueo
const writeRetries = 3

// Repository encapsula el acceso a datos. Las escrituras de call_events
// pasan por un escritor asíncrono para no bloquear a quien reporta eventos.
type Repository struct {
	conn   *Connection
	events *EventWriter
}

// NewRepository crea un repositorio con su escritor de eventos
func NewRepository(conn *Connection) *Repository {
	repo := &Repository{
		conn:   conn,
		events: NewEventWriter(conn.DB),
	}
	repo.events.Start()
	return repo
}

// Close detiene el escritor de eventos vaciando lo pendiente
func (r *Repository) Close() {
	if r.events != nil {
		r.events.Stop()
	}
}

// Health delega en el ping de la conexión
func (r *Repository) Health() error {
	return r.conn.Health()
}

// isLockError detecta deadlocks y lock timeouts de MySQL (1213, 1205)
func isLockError(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1205 || myErr.Number == 1213
	}
	return false
}

// execWithRetry reintenta escrituras ante errores de bloqueo
func (r *Repository) execWithRetry(query string, args ...any) (sql.Result, error) {
	var res sql.Result
	var err error
	for attempt := 0; attempt < writeRetries; attempt++ {
		res, err = r.conn.DB.Exec(query, args...)
		if err == nil || !isLockError(err) {
			return res, err
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return res, err
}

// CampaignByID obtiene una campaña por ID. Devuelve nil si no existe.
func (r *Repository) CampaignByID(id int) (*Campaign, error) {
	query := `
		SELECT id, name, COALESCE(description, ''), mode, status,
		       max_attempts, retry_delay_minutes, predictive_ratio, turbo_delay_seconds,
		       daily_start_time, daily_end_time, COALESCE(timezone, 'UTC'),
		       start_date, end_date, created_at, updated_at
		FROM campaigns
		WHERE id = ?
	`

	var c Campaign
	err := r.conn.DB.QueryRow(query, id).Scan(
		&c.ID, &c.Name, &c.Description, &c.Mode, &c.Status,
		&c.MaxAttempts, &c.RetryDelayMinutes, &c.PredictiveRatio, &c.TurboDelaySeconds,
		&c.DailyStartTime, &c.DailyEndTime, &c.Timezone,
		&c.StartDate, &c.EndDate, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error consultando campaña %d: %w", id, err)
	}
	return &c, nil
}

// AssignmentsOf devuelve los IDs de agentes asignados a una campaña
func (r *Repository) AssignmentsOf(campaignID int) ([]int, error) {
	query := `SELECT agent_id FROM campaign_assignments WHERE campaign_id = ? ORDER BY agent_id`

	rows, err := r.conn.DB.Query(query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("error consultando asignaciones de campaña %d: %w", campaignID, err)
	}
	defer rows.Close()

	var agents []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		agents = append(agents, id)
	}
	return agents, rows.Err()
}

// AssignAgent asigna un agente a una campaña (idempotente)
func (r *Repository) AssignAgent(campaignID, agentID int) error {
	query := `INSERT IGNORE INTO campaign_assignments (campaign_id, agent_id) VALUES (?, ?)`
	if _, err := r.execWithRetry(query, campaignID, agentID); err != nil {
		return fmt.Errorf("error asignando agente %d a campaña %d: %w", agentID, campaignID, err)
	}
	return nil
}

const leadSelect = `
	SELECT id, campaign_id, phone_number, COALESCE(first_name, ''),
	       COALESCE(last_name, ''), COALESCE(email, ''), COALESCE(company, ''),
	       status, priority, next_contact_date, last_contacted, custom_fields,
	       created_at, updated_at
	FROM leads`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (*Lead, error) {
	var l Lead
	err := row.Scan(
		&l.ID, &l.CampaignID, &l.PhoneNumber, &l.FirstName,
		&l.LastName, &l.Email, &l.Company,
		&l.Status, &l.Priority, &l.NextContactDate, &l.LastContacted, &l.CustomFields,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// LeadByID obtiene un lead por ID. Devuelve nil si no existe.
func (r *Repository) LeadByID(id int64) (*Lead, error) {
	row := r.conn.DB.QueryRow(leadSelect+` WHERE id = ?`, id)
	lead, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error consultando lead %d: %w", id, err)
	}
	return lead, nil
}

// LeadsForSelection devuelve candidatos a marcar ya ordenados: prioridad
// descendente, next_contact_date ascendente con NULL al final, last_contacted
// ascendente con NULL primero, id ascendente. El tope de intentos y el
// enfriamiento los aplica el selector.
func (r *Repository) LeadsForSelection(campaignID int, statuses []string, limit int) ([]Lead, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	query := leadSelect + `
		WHERE campaign_id = ?
		  AND status IN (` + placeholders + `)
		  AND phone_number <> ''
		ORDER BY priority DESC,
		         next_contact_date IS NULL, next_contact_date ASC,
		         last_contacted IS NOT NULL, last_contacted ASC,
		         id ASC
		LIMIT ?`

	args := make([]any, 0, len(statuses)+2)
	args = append(args, campaignID)
	for _, s := range statuses {
		args = append(args, s)
	}
	args = append(args, limit)

	rows, err := r.conn.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("error consultando leads de campaña %d: %w", campaignID, err)
	}
	defer rows.Close()

	var leads []Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *lead)
	}
	return leads, rows.Err()
}

// CountDialableLeads cuenta leads en estados marcables con teléfono no vacío
func (r *Repository) CountDialableLeads(campaignID int, statuses []string) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	query := `SELECT COUNT(*) FROM leads
		WHERE campaign_id = ? AND status IN (` + placeholders + `) AND phone_number <> ''`

	args := make([]any, 0, len(statuses)+1)
	args = append(args, campaignID)
	for _, s := range statuses {
		args = append(args, s)
	}

	var count int
	if err := r.conn.DB.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("error contando leads de campaña %d: %w", campaignID, err)
	}
	return count, nil
}

// UpdateLeadContacted registra el momento del último contacto del lead
func (r *Repository) UpdateLeadContacted(leadID int64, when time.Time) error {
	query := `UPDATE leads SET last_contacted = ? WHERE id = ?`
	if _, err := r.execWithRetry(query, when, leadID); err != nil {
		return fmt.Errorf("error actualizando last_contacted del lead %d: %w", leadID, err)
	}
	return nil
}

const callSelect = `
	SELECT id, campaign_id, lead_id, agent_id, phone_number, status,
	       channel, started_at, answered_at, ended_at, duration, notes,
	       disposition_code, created_at
	FROM calls`

func scanCall(row rowScanner) (*Call, error) {
	var c Call
	err := row.Scan(
		&c.ID, &c.CampaignID, &c.LeadID, &c.AgentID, &c.PhoneNumber, &c.Status,
		&c.Channel, &c.StartedAt, &c.AnsweredAt, &c.EndedAt, &c.Duration,
		&c.Notes, &c.DispositionCode, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CallByID obtiene una llamada por ID. Devuelve nil si no existe.
func (r *Repository) CallByID(id int64) (*Call, error) {
	row := r.conn.DB.QueryRow(callSelect+` WHERE id = ?`, id)
	call, err := scanCall(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error consultando llamada %d: %w", id, err)
	}
	return call, nil
}

// CallCount cuenta los intentos de llamada hechos a un lead
func (r *Repository) CallCount(leadID int64) (int, error) {
	var count int
	err := r.conn.DB.QueryRow(`SELECT COUNT(*) FROM calls WHERE lead_id = ?`, leadID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error contando llamadas del lead %d: %w", leadID, err)
	}
	return count, nil
}

// LatestCall devuelve la llamada más reciente de un lead, o nil
func (r *Repository) LatestCall(leadID int64) (*Call, error) {
	row := r.conn.DB.QueryRow(callSelect+` WHERE lead_id = ? ORDER BY started_at DESC LIMIT 1`, leadID)
	call, err := scanCall(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error consultando última llamada del lead %d: %w", leadID, err)
	}
	return call, nil
}

// RecentCalls devuelve las llamadas de una campaña desde un instante dado,
// las más recientes primero
func (r *Repository) RecentCalls(campaignID int, since time.Time, limit int) ([]Call, error) {
	query := callSelect + `
		WHERE campaign_id = ? AND started_at >= ?
		ORDER BY started_at DESC
		LIMIT ?`

	rows, err := r.conn.DB.Query(query, campaignID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("error consultando llamadas recientes de campaña %d: %w", campaignID, err)
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *call)
	}
	return calls, rows.Err()
}

// InsertCall crea el registro de un intento de llamada y devuelve su ID
func (r *Repository) InsertCall(c *Call) (int64, error) {
	query := `INSERT INTO calls (campaign_id, lead_id, agent_id, phone_number,
		status, channel, started_at, answered_at, ended_at, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := r.execWithRetry(query,
		c.CampaignID, c.LeadID, c.AgentID, c.PhoneNumber,
		c.Status, c.Channel, c.StartedAt, c.AnsweredAt, c.EndedAt, c.Duration)
	if err != nil {
		return 0, fmt.Errorf("error insertando llamada: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	c.ID = id
	return id, nil
}

// UpdateCall persiste el estado actual de una llamada
func (r *Repository) UpdateCall(c *Call) error {
	query := `UPDATE calls SET status = ?, channel = ?, answered_at = ?,
		ended_at = ?, duration = ?, notes = ?, disposition_code = ?
		WHERE id = ?`

	_, err := r.execWithRetry(query,
		c.Status, c.Channel, c.AnsweredAt, c.EndedAt, c.Duration,
		c.Notes, c.DispositionCode, c.ID)
	if err != nil {
		return fmt.Errorf("error actualizando llamada %d: %w", c.ID, err)
	}
	return nil
}

// InsertCallEvent encola una fila de auditoría. La escritura real la hace el
// EventWriter; si su buffer está lleno se inserta de forma síncrona.
func (r *Repository) InsertCallEvent(e *CallEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if r.events != nil && r.events.Enqueue(e) {
		return nil
	}

	query := `INSERT INTO call_events (call_id, event_type, event_data, created_at)
		VALUES (?, ?, ?, ?)`
	if _, err := r.execWithRetry(query, e.CallID, e.EventType, e.EventData, e.CreatedAt); err != nil {
		return fmt.Errorf("error insertando evento de llamada %d: %w", e.CallID, err)
	}
	return nil
}

// CallEvents devuelve la auditoría de una llamada en orden de llegada
func (r *Repository) CallEvents(callID int64) ([]CallEvent, error) {
	query := `SELECT id, call_id, event_type, COALESCE(event_data, ''), created_at
		FROM call_events WHERE call_id = ? ORDER BY id`

	rows, err := r.conn.DB.Query(query, callID)
	if err != nil {
		return nil, fmt.Errorf("error consultando eventos de llamada %d: %w", callID, err)
	}
	defer rows.Close()

	var events []CallEvent
	for rows.Next() {
		var e CallEvent
		if err := rows.Scan(&e.ID, &e.CallID, &e.EventType, &e.EventData, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// FailStaleCalls marca como fallidas las llamadas no terminales más viejas
// que el umbral. Se usa al arrancar para sanear restos de un proceso caído.
func (r *Repository) FailStaleCalls(olderThan time.Time) (int64, error) {
	query := `UPDATE calls SET status = 'failed', ended_at = NOW(),
			duration = TIMESTAMPDIFF(SECOND, started_at, NOW())
		WHERE status IN ('initiated', 'ringing', 'answered') AND started_at < ?`

	res, err := r.execWithRetry(query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("error saneando llamadas colgadas: %w", err)
	}
	return res.RowsAffected()
}

// UserByUsername busca un usuario activo por nombre. Devuelve nil si no existe.
func (r *Repository) UserByUsername(username string) (*User, error) {
	query := `SELECT id, username, password_hash, COALESCE(full_name, ''), role, active, created_at
		FROM users WHERE username = ? AND active = 1`

	var u User
	err := r.conn.DB.QueryRow(query, username).Scan(
		&u.ID, &u.Username, &u.PasswordHash, &u.FullName, &u.Role, &u.Active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error consultando usuario %s: %w", username, err)
	}
	return &u, nil
}

// CreateUser inserta un usuario y devuelve su ID
func (r *Repository) CreateUser(u *User) (int, error) {
	query := `INSERT INTO users (username, password_hash, full_name, role, active)
		VALUES (?, ?, ?, ?, ?)`

	res, err := r.execWithRetry(query, u.Username, u.PasswordHash, u.FullName, u.Role, u.Active)
	if err != nil {
		return 0, fmt.Errorf("error creando usuario %s: %w", u.Username, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	u.ID = int(id)
	return u.ID, nil
}

// CountUsers cuenta los usuarios registrados
func (r *Repository) CountUsers() (int, error) {
	var count int
	if err := r.conn.DB.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("error contando usuarios: %w", err)
	}
	return count, nil
}

const sipSelect = `
	SELECT id, name, host, port, username, secret_encrypted,
	       context, COALESCE(peer_username, ''), active, created_at, updated_at
	FROM sip_configurations`

func scanSipConfiguration(row rowScanner) (*SipConfiguration, error) {
	var s SipConfiguration
	err := row.Scan(
		&s.ID, &s.Name, &s.Host, &s.Port, &s.Username, &s.SecretEncrypted,
		&s.Context, &s.PeerUsername, &s.Active, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ActiveSipConfiguration devuelve la configuración SIP activa, o nil
func (r *Repository) ActiveSipConfiguration() (*SipConfiguration, error) {
	row := r.conn.DB.QueryRow(sipSelect + ` WHERE active = 1 ORDER BY id LIMIT 1`)
	cfg, err := scanSipConfiguration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error consultando configuración SIP activa: %w", err)
	}
	return cfg, nil
}

// SipConfigurationByID obtiene una configuración SIP. Devuelve nil si no existe.
func (r *Repository) SipConfigurationByID(id int) (*SipConfiguration, error) {
	row := r.conn.DB.QueryRow(sipSelect+` WHERE id = ?`, id)
	cfg, err := scanSipConfiguration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error consultando configuración SIP %d: %w", id, err)
	}
	return cfg, nil
}

// ListSipConfigurations devuelve todas las configuraciones SIP
func (r *Repository) ListSipConfigurations() ([]SipConfiguration, error) {
	rows, err := r.conn.DB.Query(sipSelect + ` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("error listando configuraciones SIP: %w", err)
	}
	defer rows.Close()

	var configs []SipConfiguration
	for rows.Next() {
		cfg, err := scanSipConfiguration(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

// CampaignStatsToday agrega las llamadas del día y el estado del pool de
// leads de una campaña para el endpoint de estadísticas
func (r *Repository) CampaignStatsToday(campaignID int) (*CampaignStats, error) {
	stats := &CampaignStats{CampaignID: campaignID}

	query := `SELECT COUNT(*),
		COALESCE(SUM(status IN ('answered', 'completed')), 0),
		COALESCE(SUM(status = 'busy'), 0),
		COALESCE(SUM(status = 'no_answer'), 0),
		COALESCE(SUM(status = 'failed'), 0),
		COALESCE(AVG(CASE WHEN duration > 0 THEN duration END), 0)
		FROM calls WHERE campaign_id = ? AND started_at >= CURDATE()`

	err := r.conn.DB.QueryRow(query, campaignID).Scan(
		&stats.TotalCalls, &stats.Answered, &stats.Busy,
		&stats.NoAnswer, &stats.Failed, &stats.AvgDuration)
	if err != nil {
		return nil, fmt.Errorf("error agregando llamadas de campaña %d: %w", campaignID, err)
	}

	err = r.conn.DB.QueryRow(`SELECT COUNT(*) FROM leads WHERE campaign_id = ?`, campaignID).
		Scan(&stats.LeadsTotal)
	if err != nil {
		return nil, fmt.Errorf("error contando leads de campaña %d: %w", campaignID, err)
	}

	stats.LeadsDialable, err = r.CountDialableLeads(campaignID,
		[]string{LeadNew, LeadCallback, LeadInterested})
	if err != nil {
		return nil, err
	}

	return stats, nil
}
