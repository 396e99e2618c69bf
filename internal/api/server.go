package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"telecrm/internal/auth"
	"telecrm/internal/config"
	"telecrm/internal/database"
	"telecrm/internal/dialer"
	"telecrm/internal/secret"
	"telecrm/internal/websocket"
)

// Server representa el servidor API REST
type Server struct {
	config  *config.Config
	repo    *database.Repository
	engine  *dialer.Engine
	hub     *websocket.Hub
	auth    *auth.Authenticator
	secrets *secret.Box
	httpSrv *http.Server
}

// NewServer crea un nuevo servidor API
func NewServer(cfg *config.Config, repo *database.Repository, engine *dialer.Engine, hub *websocket.Hub, authn *auth.Authenticator, secrets *secret.Box) *Server {
	return &Server{
		config:  cfg,
		repo:    repo,
		engine:  engine,
		hub:     hub,
		auth:    authn,
		secrets: secrets,
	}
}

// Start inicia el servidor HTTP y bloquea hasta Stop o error
func (s *Server) Start() error {
	addr := s.config.API.Address()
	log.Printf("[API] Iniciando servidor en %s", addr)

	mux := http.NewServeMux()

	// 1. Static Files (Public)
	fs := http.FileServer(http.Dir("./web"))
	mux.Handle("/", fs)

	// 2. Public API Endpoints
	mux.HandleFunc("/api/v1/login", s.handleLogin)
	mux.HandleFunc("/health", s.handleHealth)

	// 3. Protected API Routes
	// We create a sub-handler for protected routes to wrap them in middleware
	protectedMux := http.NewServeMux()

	protectedMux.HandleFunc("/api/v1/dialer/start", s.handleDialerStart)
	protectedMux.HandleFunc("/api/v1/dialer/stop", s.handleDialerStop)
	protectedMux.HandleFunc("/api/v1/dialer/status", s.handleDialerStatus)
	protectedMux.HandleFunc("/api/v1/dialer/stats", s.handleDialerStats)
	protectedMux.HandleFunc("/api/v1/dialer/next-lead", s.handleNextLead)

	protectedMux.HandleFunc("/api/v1/call", s.handleManualCall)
	protectedMux.HandleFunc("/api/v1/calls/active", s.handleActiveCalls)
	protectedMux.HandleFunc("/api/v1/calls/hangup", s.handleHangupCall)
	protectedMux.HandleFunc("/api/v1/calls/events", s.handleCallEvents)

	protectedMux.HandleFunc("/api/v1/agents", s.handleAgents)
	protectedMux.HandleFunc("/api/v1/agents/status", s.handleAgentStatus)

	protectedMux.HandleFunc("/api/v1/campaigns/stats", s.handleCampaignStats)

	// SIP Configurations (revelar el secreto exige rol admin)
	protectedMux.HandleFunc("/api/v1/sip", s.handleSipList)
	protectedMux.Handle("/api/v1/sip/reveal", auth.RequireRole("admin")(http.HandlerFunc(s.handleSipReveal)))

	// WebSocket para el panel en vivo
	protectedMux.HandleFunc("/ws", s.hub.HandleWebSocket)

	// Custom Handler to route between Public and Protected
	mainHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/login" || r.URL.Path == "/health" {
			mux.ServeHTTP(w, r)
			return
		}

		// If it is /api/v1/... or /ws, enforce Auth
		if strings.HasPrefix(r.URL.Path, "/api/v1/") || r.URL.Path == "/ws" {
			s.auth.Middleware(protectedMux).ServeHTTP(w, r)
			return
		}

		mux.ServeHTTP(w, r)
	})

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.corsMiddleware(mainHandler),
	}

	log.Printf("[API] Servidor iniciado correctamente")

	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop apaga el servidor HTTP dejando terminar las peticiones en vuelo
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// corsMiddleware agrega headers CORS si está habilitado
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.API.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
		}

		defer func() {
			if r := recover(); r != nil {
				log.Printf("[API] PANIC RECOVERED: %v", r)
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprintf(w, `{"error": "Internal Server Error"}`)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// writeJSON serializa la respuesta con el status dado
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// writeError traduce los errores del motor a {error, code} con su status HTTP
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"

	switch {
	case errors.Is(err, dialer.ErrCampaignNotFound):
		status, code = http.StatusNotFound, "CAMPAIGN_NOT_FOUND"
	case errors.Is(err, dialer.ErrLeadNotFound):
		status, code = http.StatusNotFound, "LEAD_NOT_FOUND"
	case errors.Is(err, dialer.ErrUnknownAgent):
		status, code = http.StatusNotFound, "UNKNOWN_AGENT"
	case errors.Is(err, dialer.ErrCampaignNotActive):
		status, code = http.StatusConflict, "CAMPAIGN_NOT_ACTIVE"
	case errors.Is(err, dialer.ErrNoAgentsAssigned):
		status, code = http.StatusConflict, "NO_AGENTS_ASSIGNED"
	case errors.Is(err, dialer.ErrNoLeadsAvailable):
		status, code = http.StatusConflict, "NO_LEADS_AVAILABLE"
	case errors.Is(err, dialer.ErrAgentNotAvailable):
		status, code = http.StatusConflict, "AGENT_NOT_AVAILABLE"
	case errors.Is(err, dialer.ErrAgentBusy):
		status, code = http.StatusConflict, "AGENT_BUSY"
	case errors.Is(err, dialer.ErrDialerNotRunning):
		status, code = http.StatusConflict, "DIALER_NOT_RUNNING"
	case errors.Is(err, dialer.ErrCallNotActive):
		status, code = http.StatusConflict, "CALL_NOT_ACTIVE"
	case errors.Is(err, dialer.ErrLeadNotInCampaign):
		status, code = http.StatusBadRequest, "LEAD_NOT_IN_CAMPAIGN"
	case errors.Is(err, dialer.ErrInvalidDialerMode):
		status, code = http.StatusBadRequest, "INVALID_DIALER_MODE"
	case errors.Is(err, dialer.ErrInvalidAgentStatus):
		status, code = http.StatusBadRequest, "INVALID_AGENT_STATUS"
	case errors.Is(err, dialer.ErrMaxConcurrentCalls):
		status, code = http.StatusServiceUnavailable, "MAX_CONCURRENT_CALLS"
	case errors.Is(err, dialer.ErrEngineShuttingDown):
		status, code = http.StatusServiceUnavailable, "ENGINE_SHUTTING_DOWN"
	}

	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

// campaignIDParam lee campaign_id del query string
func campaignIDParam(r *http.Request) (int, error) {
	idStr := r.URL.Query().Get("campaign_id")
	if idStr == "" {
		return 0, fmt.Errorf("campaign_id requerido")
	}
	return strconv.Atoi(idStr)
}

// --- DIALER CONTROL ---

// handleDialerStart arranca el marcador de una campaña
func (s *Server) handleDialerStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Método no permitido", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		CampaignID int `json:"campaign_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "JSON inválido", http.StatusBadRequest)
		return
	}
	if req.CampaignID == 0 {
		http.Error(w, "campaign_id es requerido", http.StatusBadRequest)
		return
	}

	if err := s.engine.StartCampaign(req.CampaignID); err != nil {
		writeError(w, err)
		return
	}

	claims, _ := auth.UserFromContext(r.Context())
	log.Printf("[API] Campaña %d iniciada por %s", req.CampaignID, claims.Username)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"campaign_id": req.CampaignID,
		"running":     true,
	})
}

// handleDialerStop detiene el marcador de una campaña
func (s *Server) handleDialerStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Método no permitido", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		CampaignID int `json:"campaign_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "JSON inválido", http.StatusBadRequest)
		return
	}

	if err := s.engine.StopCampaign(req.CampaignID); err != nil {
		writeError(w, err)
		return
	}

	claims, _ := auth.UserFromContext(r.Context())
	log.Printf("[API] Campaña %d detenida por %s", req.CampaignID, claims.Username)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"campaign_id": req.CampaignID,
		"running":     false,
	})
}

// handleDialerStatus devuelve la vista en vivo de una campaña
func (s *Server) handleDialerStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Método no permitido", http.StatusMethodNotAllowed)
		return
	}

	id, err := campaignIDParam(r)
	if err != nil {
		http.Error(w, "campaign_id inválido", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, s.engine.StatsFor(id))
}

// handleDialerStats devuelve las stats de todas las campañas corriendo
func (s *Server) handleDialerStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Método no permitido", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, s.engine.Stats())
}

// handleNextLead muestra el siguiente lead elegible sin marcarlo
func (s *Server) handleNextLead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Método no permitido", http.StatusMethodNotAllowed)
		return
	}

	id, err := campaignIDParam(r)
	if err != nil {
		http.Error(w, "campaign_id inválido", http.StatusBadRequest)
		return
	}

	lead, err := s.engine.NextLeadPreview(id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, lead)
}

// --- CALLS ---

// handleManualCall origina una llamada puntual para un agente
func (s *Server) handleManualCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Método no permitido", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		CampaignID int   `json:"campaign_id"`
		LeadID     int64 `json:"lead_id"`
		AgentID    int   `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "JSON inválido", http.StatusBadRequest)
		return
	}
	if req.CampaignID == 0 || req.LeadID == 0 || req.AgentID == 0 {
		http.Error(w, "campaign_id, lead_id y agent_id son requeridos", http.StatusBadRequest)
		return
	}

	call, err := s.engine.ManualCall(req.CampaignID, req.LeadID, req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}

	log.Printf("[API] Llamada manual originada: campaña=%d lead=%d agente=%d call=%d",
		req.CampaignID, req.LeadID, req.AgentID, call.ID)

	// 202: la originación quedó aceptada, el resultado llega por eventos AMI
	writeJSON(w, http.StatusAccepted, call)
}

// handleHangupCall pide cortar una llamada en curso (supervisión)
func (s *Server) handleHangupCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Método no permitido", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		CallID int64 `json:"call_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "JSON inválido", http.StatusBadRequest)
		return
	}
	if req.CallID == 0 {
		http.Error(w, "call_id es requerido", http.StatusBadRequest)
		return
	}

	if err := s.engine.HangupCall(req.CallID); err != nil {
		writeError(w, err)
		return
	}

	claims, _ := auth.UserFromContext(r.Context())
	log.Printf("[API] Hangup de llamada %d pedido por %s", req.CallID, claims.Username)

	// 202: el corte real llega con el evento Hangup
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"call_id": req.CallID,
	})
}

// handleActiveCalls lista las llamadas vivas según el tracker
func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Método no permitido", http.StatusMethodNotAllowed)
		return
	}

	calls := s.engine.Tracker().List()
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(calls),
		"calls": calls,
	})
}

// handleCallEvents devuelve la auditoría AMI de una llamada
func (s *Server) handleCallEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Método no permitido", http.StatusMethodNotAllowed)
		return
	}

	idStr := r.URL.Query().Get("call_id")
	callID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || callID <= 0 {
		http.Error(w, "call_id inválido", http.StatusBadRequest)
		return
	}

	events, err := s.repo.CallEvents(callID)
	if err != nil {
		http.Error(w, "Error obteniendo eventos", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, events)
}

// --- AGENTS ---

// handleAgents devuelve el snapshot del registro de agentes
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Método no permitido", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, s.engine.Registry().Snapshot())
}

// handleAgentStatus consulta o cambia el estado de un agente
func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		idStr := r.URL.Query().Get("agent_id")
		agentID, err := strconv.Atoi(idStr)
		if err != nil || agentID <= 0 {
			http.Error(w, "agent_id inválido", http.StatusBadRequest)
			return
		}

		state, err := s.engine.AgentStatus(agentID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
		return
	}

	if r.Method == http.MethodPost {
		var req struct {
			AgentID int    `json:"agent_id"`
			Status  string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "JSON inválido", http.StatusBadRequest)
			return
		}
		if req.AgentID == 0 || req.Status == "" {
			http.Error(w, "agent_id y status son requeridos", http.StatusBadRequest)
			return
		}

		if err := s.engine.UpdateAgentStatus(req.AgentID, req.Status); err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"agent_id": req.AgentID,
			"status":   req.Status,
		})
		return
	}

	http.Error(w, "Método no permitido", http.StatusMethodNotAllowed)
}

// --- CAMPAIGNS ---

// handleCampaignStats devuelve el agregado del día desde la base de datos
func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Método no permitido", http.StatusMethodNotAllowed)
		return
	}

	id, err := campaignIDParam(r)
	if err != nil {
		http.Error(w, "campaign_id inválido", http.StatusBadRequest)
		return
	}

	campaign, err := s.repo.CampaignByID(id)
	if err != nil {
		http.Error(w, "Error consultando campaña", http.StatusInternalServerError)
		return
	}
	if campaign == nil {
		writeError(w, dialer.ErrCampaignNotFound)
		return
	}

	stats, err := s.repo.CampaignStatsToday(id)
	if err != nil {
		http.Error(w, "Error calculando estadísticas", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// --- SIP CONFIGURATIONS ---

// handleSipList lista los endpoints AMI registrados (sin secretos)
func (s *Server) handleSipList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Método no permitido", http.StatusMethodNotAllowed)
		return
	}

	configs, err := s.repo.ListSipConfigurations()
	if err != nil {
		http.Error(w, "Error listando configuraciones", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, configs)
}

// handleSipReveal descifra el secreto de una configuración (solo admin)
func (s *Server) handleSipReveal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Método no permitido", http.StatusMethodNotAllowed)
		return
	}

	idStr := r.URL.Query().Get("id")
	id, err := strconv.Atoi(idStr)
	if err != nil || id <= 0 {
		http.Error(w, "ID inválido", http.StatusBadRequest)
		return
	}

	if s.secrets == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "TELECRM_SECRET_KEY no configurada", "code": "NO_SECRET_KEY",
		})
		return
	}

	cfg, err := s.repo.SipConfigurationByID(id)
	if err != nil {
		http.Error(w, "Error consultando configuración", http.StatusInternalServerError)
		return
	}
	if cfg == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "Configuración no encontrada", "code": "SIP_CONFIG_NOT_FOUND",
		})
		return
	}

	plain, err := s.secrets.Open(cfg.SecretEncrypted)
	if err != nil {
		log.Printf("[API] Error descifrando secreto SIP %d: %v", id, err)
		http.Error(w, "Error descifrando secreto", http.StatusInternalServerError)
		return
	}

	claims, _ := auth.UserFromContext(r.Context())
	log.Printf("[API] Secreto SIP %d revelado a %s", id, claims.Username)

	writeJSON(w, http.StatusOK, map[string]any{
		"id":       cfg.ID,
		"name":     cfg.Name,
		"username": cfg.Username,
		"secret":   plain,
	})
}

// --- AUTH / HEALTH ---

// handleLogin procesa el inicio de sesión
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Método no permitido", http.StatusMethodNotAllowed)
		return
	}

	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "JSON inválido", http.StatusBadRequest)
		return
	}

	user, err := s.repo.UserByUsername(creds.Username)
	if err != nil || user == nil || !user.Active {
		// Log failed attempt but don't reveal user existence
		log.Printf("[Auth] Fallo login para usuario: %s", creds.Username)
		http.Error(w, "Credenciales inválidas", http.StatusUnauthorized)
		return
	}

	if err := auth.VerifyPassword(user.PasswordHash, creds.Password); err != nil {
		log.Printf("[Auth] Contraseña incorrecta para usuario: %s", creds.Username)
		http.Error(w, "Credenciales inválidas", http.StatusUnauthorized)
		return
	}

	token, err := s.auth.GenerateToken(user.ID, user.Username, user.Role)
	if err != nil {
		http.Error(w, "Error generando token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user": map[string]string{
			"username": user.Username,
			"role":     user.Role,
			"fullName": user.FullName,
		},
	})
}

// handleHealth endpoint de salud
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	if err := s.repo.Health(); err != nil {
		dbStatus = "error"
	}

	engineHealth := s.engine.Health()

	status := "ok"
	if dbStatus != "ok" || engineHealth != dialer.HealthHealthy {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"database":   dbStatus,
		"engine":     engineHealth,
		"ws_clients": s.hub.ClientCount(),
	})
}
