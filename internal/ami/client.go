package ami

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"telecrm/internal/config"
)

// Errores de sesión. El Engine decide la política de reconexión; aquí solo
// se reporta la causa.
var (
	ErrUnreachable    = errors.New("servidor AMI inaccesible")
	ErrAuthFailed     = errors.New("autenticación AMI rechazada")
	ErrNotConnected   = errors.New("no conectado al AMI")
	ErrActionTimeout  = errors.New("tiempo de espera agotado para la acción AMI")
	ErrConnectionLost = errors.New("conexión AMI perdida")
)

// EventSessionClosed es el evento sintético que reciben los suscriptores
// cuando la sesión pasa a desconectada. Su campo Reason describe la causa.
const EventSessionClosed = "SessionClosed"

const connectTimeout = 10 * time.Second

// Event representa un evento AMI
type Event struct {
	Name   string
	Fields map[string]string
}

// Get devuelve un campo del evento ("" si no existe)
func (e Event) Get(key string) string {
	return e.Fields[key]
}

// Response representa la respuesta a una acción AMI
type Response struct {
	Fields map[string]string
}

// Success indica si la acción fue aceptada
func (r *Response) Success() bool {
	return r != nil && r.Fields["Response"] == "Success"
}

// Get devuelve un campo de la respuesta ("" si no existe)
func (r *Response) Get(key string) string {
	if r == nil {
		return ""
	}
	return r.Fields[key]
}

// Message devuelve el mensaje descriptivo de la respuesta
func (r *Response) Message() string {
	return r.Get("Message")
}

// EventHandler procesa un evento AMI. Se ejecuta en la goroutine lectora:
// no debe bloquear ni llamar Send de forma síncrona.
type EventHandler func(Event)

type subscription struct {
	event   string // "*" recibe todos los eventos
	handler EventHandler
}

type actionResult struct {
	resp *Response
	err  error
}

// Client mantiene una sesión autenticada con el AMI. Una sola goroutine lee
// del socket; las escrituras se serializan bajo mu. Las respuestas se
// correlacionan con su acción por ActionID. El cliente no reconecta solo:
// al caer la sesión falla los waiters pendientes con ErrConnectionLost y
// emite EventSessionClosed para que el dueño decida.
type Client struct {
	config *config.AMIConfig
	secret string
	debug  bool

	mu        sync.Mutex // protege conn, writer, connected, pending, done
	conn      net.Conn
	writer    *bufio.Writer
	connected bool
	closed    bool
	pending   map[string]chan actionResult
	done      chan struct{} // cerrado al terminar la conexión vigente

	hmu  sync.RWMutex
	subs []subscription

	seq       atomic.Int64
	sessionID string // identificador corto de la conexión vigente, para logs
}

// NewClient crea un cliente AMI. El secreto llega ya descifrado: el que
// construye el cliente es quien resuelve secret_encrypted.
func NewClient(cfg *config.AMIConfig, secret string) *Client {
	return &Client{
		config:  cfg,
		secret:  secret,
		pending: make(map[string]chan actionResult),
		done:    make(chan struct{}),
	}
}

// SetDebug habilita los logs de depuración (mensajes descartados del socket)
func (c *Client) SetDebug(v bool) {
	c.debug = v
}

// Connect establece la conexión, descarta el banner, lanza la goroutine
// lectora y autentica con Login. Puede llamarse de nuevo tras una caída;
// las suscripciones registradas se conservan.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: cliente cerrado", ErrNotConnected)
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	addr := c.config.Address()
	log.Printf("[AMI] Conectando a %s", addr)

	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	// Leer banner inicial (una sola línea, p. ej. "Asterisk Call Manager/5.0.2")
	conn.SetReadDeadline(time.Now().Add(connectTimeout))
	reader := bufio.NewReader(conn)
	banner, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: error leyendo banner: %v", ErrUnreachable, err)
	}
	conn.SetReadDeadline(time.Time{})

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.writer = bufio.NewWriter(conn)
	c.connected = true
	c.pending = make(map[string]chan actionResult)
	c.done = done
	c.sessionID = uuid.New().String()[:8]
	c.mu.Unlock()

	go c.readLoop(reader)

	if err := c.login(); err != nil {
		c.fail(err)
		return err
	}

	log.Printf("[AMI] %s: conectado a %s (%s)", c.sessionID, addr, strings.TrimSpace(banner))

	if c.config.KeepaliveInterval > 0 {
		go c.keepalive(done)
	}

	return nil
}

// login autentica con el servidor AMI, correlacionado por ActionID
func (c *Client) login() error {
	resp, err := c.Send(NewAction("Login").
		Field("Username", c.config.Username).
		Field("Secret", c.secret))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if !resp.Success() {
		return fmt.Errorf("%w: %s", ErrAuthFailed, resp.Message())
	}
	return nil
}

// nextActionID genera un ActionID único y creciente dentro de la sesión
func (c *Client) nextActionID() string {
	return fmt.Sprintf("%s-%d", c.sessionID, c.seq.Add(1))
}

// Send escribe la acción y bloquea hasta recibir la respuesta correlacionada
// o agotar el timeout configurado. Seguro para uso concurrente.
func (c *Client) Send(a *Action) (*Response, error) {
	id := c.nextActionID()
	ch := make(chan actionResult, 1)

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	_, err := c.writer.WriteString(a.serialize(id))
	if err == nil {
		err = c.writer.Flush()
	}
	c.mu.Unlock()

	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("error escribiendo acción %s: %w", a.Name, err)
	}

	timeout := time.Duration(c.config.ActionTimeout) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-time.After(timeout):
		c.removePending(id)
		return nil, fmt.Errorf("%w: %s (%s)", ErrActionTimeout, a.Name, id)
	}
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Subscribe registra un handler para un evento por nombre. Los handlers se
// invocan en orden de registro; un pánico se recupera y se registra sin
// tumbar la sesión. Las suscripciones sobreviven reconexiones.
func (c *Client) Subscribe(event string, handler EventHandler) {
	c.hmu.Lock()
	c.subs = append(c.subs, subscription{event: event, handler: handler})
	c.hmu.Unlock()
}

// SubscribeAll registra un handler para todos los eventos
func (c *Client) SubscribeAll(handler EventHandler) {
	c.Subscribe("*", handler)
}

// Connected indica si la sesión está activa
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SessionID devuelve el identificador de la conexión vigente
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// readLoop lee mensajes continuamente y los despacha
func (c *Client) readLoop(reader *bufio.Reader) {
	for {
		fields, err := readMessage(reader)
		if err != nil {
			c.fail(fmt.Errorf("error leyendo del socket: %w", err))
			return
		}
		c.dispatch(fields)
	}
}

// dispatch aplica la regla de enrutado: un ActionID con waiter pendiente
// completa la acción (aunque el bloque traiga también clave Event); un Event
// sin waiter va a los suscriptores; lo demás se descarta.
func (c *Client) dispatch(fields map[string]string) {
	if id := fields["ActionID"]; id != "" {
		c.mu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if ok {
			ch <- actionResult{resp: &Response{Fields: fields}}
			return
		}
	}

	if name := fields["Event"]; name != "" {
		c.emit(Event{Name: name, Fields: fields})
		return
	}

	if c.debug {
		log.Printf("[AMI] %s: mensaje sin correlación descartado: %v", c.sessionID, fields)
	}
}

// emit invoca los handlers suscritos en orden de registro
func (c *Client) emit(ev Event) {
	c.hmu.RLock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.hmu.RUnlock()

	for _, s := range subs {
		if s.event == "*" || s.event == ev.Name {
			c.safeHandle(s.handler, ev)
		}
	}
}

func (c *Client) safeHandle(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[AMI] %s: pánico en handler de %s: %v", c.sessionID, ev.Name, r)
		}
	}()
	h(ev)
}

// fail pasa la sesión a desconectada exactamente una vez: falla los waiters
// pendientes con ErrConnectionLost y emite EventSessionClosed
func (c *Client) fail(reason error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
	pend := c.pending
	c.pending = make(map[string]chan actionResult)
	done := c.done
	sid := c.sessionID
	c.mu.Unlock()

	close(done)

	for id, ch := range pend {
		ch <- actionResult{err: fmt.Errorf("%w: acción %s sin respuesta", ErrConnectionLost, id)}
	}

	log.Printf("[AMI] %s: sesión caída: %v", sid, reason)

	c.emit(Event{Name: EventSessionClosed, Fields: map[string]string{
		"Reason": reason.Error(),
	}})
}

// keepalive envía Ping periódicamente mientras viva la conexión
func (c *Client) keepalive(done chan struct{}) {
	interval := time.Duration(c.config.KeepaliveInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, err := c.Send(NewAction("Ping")); err != nil {
				log.Printf("[AMI] %s: keepalive falló: %v", c.sessionID, err)
			}
		}
	}
}

// Close cierra la sesión de forma definitiva. Idempotente.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.fail(errors.New("cierre solicitado"))
	return nil
}

// readMessage lee un bloque "Key: Value" terminado en línea en blanco
func readMessage(reader *bufio.Reader) (map[string]string, error) {
	fields := make(map[string]string)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			if len(fields) == 0 {
				continue // líneas en blanco sueltas entre mensajes
			}
			break
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			fields[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}

	return fields, nil
}
