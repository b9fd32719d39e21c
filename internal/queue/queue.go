package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueNotConfigured = errors.New("queue not configured")
	ErrUnknownFlow        = errors.New("unknown flow")
)

// Options controla idempotencia y reintentos de un job.
type Options struct {
	// JobID es la clave de idempotencia. Dos enqueues con el mismo JobID
	// resultan en un solo job efectivo. Vacío genera un uuid.
	JobID       string
	MaxAttempts int
	BackoffBase time.Duration
	// RemoveOnComplete pide no retener el job tras completarse. Esta
	// implementación nunca retiene jobs completados, así que siempre se
	// cumple; el campo existe para que el caller declare la intención.
	RemoveOnComplete bool
}

// Job es la unidad de trabajo serializada en la cola.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	BackoffMS   int64           `json:"backoff_ms"`
	TraceID     string          `json:"trace_id,omitempty"`
	FlowID      string          `json:"flow_id,omitempty"`
	FailParent  bool            `json:"fail_parent,omitempty"`
	EnqueuedAt  int64           `json:"enqueued_at"`
}

// JobSpec describe el job padre de un flow.
type JobSpec struct {
	Queue   string
	Name    string
	Payload interface{}
	Options Options
}

// ChildSpec describe un hijo del fan-out. FailParentOnFailure marca hijos
// cuyo fallo definitivo aborta el padre; el resto solo deja su resultado
// ausente.
type ChildSpec struct {
	Queue               string
	Name                string
	Payload             interface{}
	FailParentOnFailure bool
	Options             Options
}

// Handler procesa un job y devuelve el resultado que verá el padre del flow.
type Handler func(ctx context.Context, job *Job) (interface{}, error)

// Queue abstrae la cola durable: enqueue idempotente, flows fan-out/fan-in
// y lectura de resultados de hijos.
type Queue interface {
	Enqueue(ctx context.Context, queueName, jobName string, payload interface{}, opts Options) error
	// EnqueueFlow encola todos los hijos y registra el padre, que solo se
	// promueve a su cola cuando el último hijo alcanza estado terminal.
	// Devuelve el id del flow.
	EnqueueFlow(ctx context.Context, parent JobSpec, children []ChildSpec) (string, error)
	// FlowResults devuelve resultado por nombre de hijo. Los hijos tolerados
	// que fallaron simplemente no aparecen en el mapa.
	FlowResults(ctx context.Context, flowID string) (map[string]json.RawMessage, error)
}

func buildJob(queueName, jobName string, payload interface{}, opts Options) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := opts.BackoffBase
	if backoff <= 0 {
		backoff = 1500 * time.Millisecond
	}
	return &Job{
		ID:          id,
		Queue:       queueName,
		Name:        jobName,
		Payload:     raw,
		Attempt:     0,
		MaxAttempts: attempts,
		BackoffMS:   backoff.Milliseconds(),
		EnqueuedAt:  time.Now().UnixMilli(),
	}, nil
}

// backoffDelay calcula el retraso exponencial para el próximo intento.
// attempt es el número de intentos ya consumidos (1 tras el primer fallo).
func backoffDelay(baseMS int64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := baseMS
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return time.Duration(delay) * time.Millisecond
}
