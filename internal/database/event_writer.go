package database

import (
	"database/sql"
	"log"
	"strings"
	"sync"
	"time"
)

const (
	eventBatchSize     = 500
	eventFlushInterval = 500 * time.Millisecond
	eventBufferSize    = 5000
)

// EventWriter acumula filas de call_events y las inserta en lotes para que
// la goroutine que procesa eventos AMI nunca espere a MySQL.
type EventWriter struct {
	db        *sql.DB
	incoming  chan CallEvent
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewEventWriter crea un escritor de eventos
func NewEventWriter(db *sql.DB) *EventWriter {
	return &EventWriter{
		db:       db,
		incoming: make(chan CallEvent, eventBufferSize),
	}
}

// Start lanza el worker en segundo plano
func (w *EventWriter) Start() {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = true
	w.wg.Add(1)
	w.mu.Unlock()

	go w.worker()
	log.Println("[EventWriter] Worker iniciado")
}

// Stop vacía lo pendiente y detiene el worker
func (w *EventWriter) Stop() {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = false
	w.mu.Unlock()

	close(w.incoming)
	w.wg.Wait()
	log.Println("[EventWriter] Worker detenido")
}

// Enqueue agrega un evento al buffer. Devuelve false si el buffer está
// lleno o el worker no corre; el llamador decide el camino síncrono.
func (w *EventWriter) Enqueue(e *CallEvent) bool {
	w.mu.Lock()
	running := w.isRunning
	w.mu.Unlock()
	if !running {
		return false
	}

	select {
	case w.incoming <- *e:
		return true
	default:
		log.Printf("[EventWriter] Buffer lleno, evento de llamada %d pasa a escritura síncrona", e.CallID)
		return false
	}
}

func (w *EventWriter) worker() {
	defer w.wg.Done()

	buffer := make([]CallEvent, 0, eventBatchSize)
	ticker := time.NewTicker(eventFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.incoming:
			if !ok {
				if len(buffer) > 0 {
					w.flush(buffer)
				}
				return
			}
			buffer = append(buffer, event)
			if len(buffer) >= eventBatchSize {
				w.flush(buffer)
				buffer = buffer[:0]
			}
		case <-ticker.C:
			if len(buffer) > 0 {
				w.flush(buffer)
				buffer = buffer[:0]
			}
		}
	}
}

func (w *EventWriter) flush(events []CallEvent) {
	if len(events) == 0 {
		return
	}

	start := time.Now()

	var b strings.Builder
	b.WriteString("INSERT INTO call_events (call_id, event_type, event_data, created_at) VALUES ")
	args := make([]any, 0, len(events)*4)
	for i, e := range events {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(?, ?, ?, ?)")
		args = append(args, e.CallID, e.EventType, e.EventData, e.CreatedAt)
	}

	if _, err := w.db.Exec(b.String(), args...); err != nil {
		log.Printf("[EventWriter] ERROR insertando lote de %d eventos: %v", len(events), err)
		return
	}
	log.Printf("[EventWriter] %d eventos insertados en %v", len(events), time.Since(start))
}
