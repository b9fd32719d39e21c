package cortex

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cortex-core/internal/domain"
	"cortex-core/internal/queue"
)

// Colas del grafo conversacional.
const (
	QueueSentiment     = "cortex-sentiment"
	QueueSecurity      = "cortex-security"
	QueueTranscription = "cortex-transcription"
	QueueVision        = "cortex-vision"
	QueueOrchestrator  = "cortex-orchestrator"
)

// Nombres de los hijos del fan-out, usados como clave de resultado.
const (
	ChildSentiment     = "sentiment"
	ChildSecurity      = "security"
	ChildTranscription = "transcription"
	ChildVision        = "vision"
)

// FlowDispatcher arma el grafo fan-out/fan-in para un mensaje entrante y lo
// encola como unidad atómica.
type FlowDispatcher struct {
	queue       queue.Queue
	logger      *zap.Logger
	maxAttempts int
	backoffBase time.Duration
}

func NewFlowDispatcher(q queue.Queue, logger *zap.Logger, maxAttempts int, backoffBase time.Duration) *FlowDispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoffBase <= 0 {
		backoffBase = 1500 * time.Millisecond
	}
	return &FlowDispatcher{queue: q, logger: logger, maxAttempts: maxAttempts, backoffBase: backoffBase}
}

// Dispatch asigna trace id, construye los hijos según el tipo de mensaje y
// somete hijos + orquestador como un solo flow. Devuelve el id del flow.
func (d *FlowDispatcher) Dispatch(ctx context.Context, msg domain.InboundMessage) (string, error) {
	if msg.TraceID == "" {
		msg.TraceID = uuid.NewString()
	}

	opts := queue.Options{MaxAttempts: d.maxAttempts, BackoffBase: d.backoffBase}
	parent := queue.JobSpec{
		Queue:   QueueOrchestrator,
		Name:    "orchestrate",
		Payload: msg,
		Options: queue.Options{
			// Reentrega del canal del mismo mensaje = mismo flow.
			JobID:       "flow:" + msg.ID,
			MaxAttempts: d.maxAttempts,
			BackoffBase: d.backoffBase,
		},
	}

	flowID, err := d.queue.EnqueueFlow(ctx, parent, buildChildren(msg, opts))
	if err != nil {
		return "", fmt.Errorf("enqueue flow: %w", err)
	}
	d.logger.Info("flow conversacional encolado",
		zap.String("trace_id", msg.TraceID),
		zap.String("flow_id", flowID),
		zap.String("type", msg.Type),
	)
	return flowID, nil
}

// buildChildren es la descripción pura del DAG: sentimiento y seguridad
// siempre; transcripción o visión según el tipo. Solo el hijo de seguridad
// es fatal para el padre: el orquestador jamás corre sin veredicto.
func buildChildren(msg domain.InboundMessage, opts queue.Options) []queue.ChildSpec {
	childOpts := func(suffix string) queue.Options {
		o := opts
		o.JobID = "flow:" + msg.ID + ":" + suffix
		return o
	}

	children := []queue.ChildSpec{
		{Queue: QueueSentiment, Name: ChildSentiment, Payload: msg, Options: childOpts(ChildSentiment)},
		{Queue: QueueSecurity, Name: ChildSecurity, Payload: msg, FailParentOnFailure: true, Options: childOpts(ChildSecurity)},
	}
	switch msg.Type {
	case domain.MessageTypeAudio:
		children = append(children, queue.ChildSpec{
			Queue: QueueTranscription, Name: ChildTranscription, Payload: msg, Options: childOpts(ChildTranscription),
		})
	case domain.MessageTypeImage:
		children = append(children, queue.ChildSpec{
			Queue: QueueVision, Name: ChildVision, Payload: msg, Options: childOpts(ChildVision),
		})
	}
	return children
}
