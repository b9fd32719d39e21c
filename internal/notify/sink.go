package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"cortex-core/internal/queue"
)

// QueueNotifications es la cola durable de notificaciones.
const QueueNotifications = "notifications"

// Notification es la señal hacia el sink externo de notificaciones.
type Notification struct {
	UserID     string            `json:"user_id"`
	ActionCode string            `json:"action_code"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Sink despacha notificaciones. Fire-and-forget: el caller nunca espera
// ni depende del resultado.
type Sink interface {
	Dispatch(ctx context.Context, n Notification) error
}

// QueueSink encola la notificación en la cola durable; un worker aparte la
// entrega al proveedor real.
type QueueSink struct {
	queue  queue.Queue
	logger *zap.Logger
}

func NewQueueSink(q queue.Queue, logger *zap.Logger) *QueueSink {
	return &QueueSink{queue: q, logger: logger}
}

// Dispatch encola con la clave de dedupe provista en Metadata["dedupe_id"],
// si existe, para que un reintento del productor no duplique el envío.
func (s *QueueSink) Dispatch(ctx context.Context, n Notification) error {
	opts := queue.Options{MaxAttempts: 3}
	if id, ok := n.Metadata["dedupe_id"]; ok && id != "" {
		opts.JobID = id
	}
	return s.queue.Enqueue(ctx, QueueNotifications, n.ActionCode, n, opts)
}

var _ Sink = (*QueueSink)(nil)

// MockSink registra los despachos para tests. Seguro para uso concurrente:
// el escalamiento llega desde tasks desacoplados.
type MockSink struct {
	mu         sync.Mutex
	dispatched []Notification
	Err        error
}

func (m *MockSink) Dispatch(ctx context.Context, n Notification) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatched = append(m.dispatched, n)
	return nil
}

// Dispatched devuelve una copia de lo despachado hasta ahora.
func (m *MockSink) Dispatched() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.dispatched))
	copy(out, m.dispatched)
	return out
}

var _ Sink = (*MockSink)(nil)
