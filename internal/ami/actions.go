package ami

import (
	"fmt"
	"log"
	"sort"
	"strings"
)

// Action es una acción AMI con campos ordenados. Las claves pueden repetirse
// (Originate lleva una línea Variable por cada variable de canal). El
// ActionID lo inyecta Send al escribir.
type Action struct {
	Name   string
	fields [][2]string
}

// NewAction crea una acción con el nombre dado
func NewAction(name string) *Action {
	return &Action{Name: name}
}

// Field agrega un campo al final de la acción
func (a *Action) Field(key, value string) *Action {
	a.fields = append(a.fields, [2]string{key, value})
	return a
}

// serialize construye el bloque de líneas terminado en CRLF CRLF
func (a *Action) serialize(actionID string) string {
	var b strings.Builder
	b.WriteString("Action: ")
	b.WriteString(a.Name)
	b.WriteString("\r\n")
	b.WriteString("ActionID: ")
	b.WriteString(actionID)
	b.WriteString("\r\n")
	for _, f := range a.fields {
		b.WriteString(f[0])
		b.WriteString(": ")
		b.WriteString(f[1])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

// OriginateParams parámetros para originar una llamada
type OriginateParams struct {
	Channel   string            // Canal de salida (ej: SIP/trunk/numero)
	Context   string            // Contexto de destino
	Extension string            // Extensión de destino
	Priority  int               // Prioridad (usualmente 1)
	CallerID  string            // Caller ID a mostrar
	Timeout   int               // Timeout en milisegundos
	Variables map[string]string // Variables de canal
	Async     bool              // Si es asíncrono
}

// Originate genera una llamada saliente y espera la respuesta correlacionada
func (c *Client) Originate(params OriginateParams) (*Response, error) {
	log.Printf("[AMI] Originando llamada por %s", params.Channel)

	a := NewAction("Originate").
		Field("Channel", params.Channel).
		Field("Context", params.Context).
		Field("Exten", params.Extension).
		Field("Priority", fmt.Sprintf("%d", params.Priority)).
		Field("CallerID", params.CallerID).
		Field("Timeout", fmt.Sprintf("%d", params.Timeout))

	if params.Async {
		a.Field("Async", "true")
	}

	// Las variables van en orden estable para que los logs sean comparables
	for _, key := range sortedKeys(params.Variables) {
		a.Field("Variable", fmt.Sprintf("%s=%s", key, params.Variables[key]))
	}

	return c.Send(a)
}

// Hangup cuelga un canal específico
func (c *Client) Hangup(channel string, cause string) (*Response, error) {
	a := NewAction("Hangup").Field("Channel", channel)
	if cause != "" {
		a.Field("Cause", cause)
	}
	return c.Send(a)
}

// Status consulta el estado de un canal (o de todos si channel es vacío)
func (c *Client) Status(channel string) (*Response, error) {
	a := NewAction("Status")
	if channel != "" {
		a.Field("Channel", channel)
	}
	return c.Send(a)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
