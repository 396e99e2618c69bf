package dialer

import "errors"

// Errores del motor de marcación. La capa HTTP los traduce a códigos de API.
var (
	ErrCampaignNotFound   = errors.New("la campaña no existe")
	ErrCampaignNotActive  = errors.New("la campaña no está activa")
	ErrLeadNotFound       = errors.New("el lead no existe")
	ErrNoAgentsAssigned   = errors.New("la campaña no tiene agentes asignados")
	ErrNoLeadsAvailable   = errors.New("la campaña no tiene leads marcables")
	ErrAgentNotAvailable  = errors.New("el agente no está disponible")
	ErrLeadNotInCampaign  = errors.New("el lead no pertenece a la campaña")
	ErrInvalidDialerMode  = errors.New("modo de marcación inválido")
	ErrDialerNotRunning   = errors.New("el dialer de la campaña no está corriendo")
	ErrAgentBusy          = errors.New("el agente tiene una llamada activa")
	ErrCallNotActive      = errors.New("la llamada no está en curso")
	ErrInvalidAgentStatus = errors.New("estado de agente inválido")
	ErrUnknownAgent       = errors.New("agente desconocido")
	ErrMaxConcurrentCalls = errors.New("límite de llamadas simultáneas alcanzado")
	ErrEngineShuttingDown = errors.New("el motor se está deteniendo")
)
