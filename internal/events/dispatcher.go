package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"cortex-core/internal/domain"
	"cortex-core/internal/queue"
)

// QueueDomainEvents es la cola durable de eventos de dominio.
const QueueDomainEvents = "domain-events"

// Dispatcher publica eventos de dominio en la cola durable con clave de
// idempotencia determinística y política de reintentos.
type Dispatcher struct {
	queue       queue.Queue
	logger      *zap.Logger
	maxAttempts int
	backoffBase time.Duration
}

func NewDispatcher(q queue.Queue, logger *zap.Logger, maxAttempts int, backoffBase time.Duration) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoffBase <= 0 {
		backoffBase = 1500 * time.Millisecond
	}
	return &Dispatcher{queue: q, logger: logger, maxAttempts: maxAttempts, backoffBase: backoffBase}
}

// Dispatch encola el evento. Best-effort respecto de la transacción
// principal del caller: un fallo de enqueue se loguea y no se propaga.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.DomainEvent) {
	opts := queue.Options{
		JobID:            event.DedupeID(),
		MaxAttempts:      d.maxAttempts,
		BackoffBase:      d.backoffBase,
		RemoveOnComplete: true,
	}
	if err := d.queue.Enqueue(ctx, QueueDomainEvents, event.EventName, event, opts); err != nil {
		d.logger.Error("dispatch de evento falló",
			zap.String("event", event.EventName),
			zap.String("aggregate_id", event.AggregateID),
			zap.Error(err),
		)
	}
}

// DispatchAll encola todos los eventos. Dentro de un mismo agregado se
// conserva el orden de llamada; agregados distintos corren en paralelo,
// sin garantía de orden entre ellos.
func (d *Dispatcher) DispatchAll(ctx context.Context, events []domain.DomainEvent) {
	groups := make(map[string][]domain.DomainEvent)
	for _, event := range events {
		groups[event.AggregateID] = append(groups[event.AggregateID], event)
	}

	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(batch []domain.DomainEvent) {
			defer wg.Done()
			for _, e := range batch {
				d.Dispatch(ctx, e)
			}
		}(group)
	}
	wg.Wait()
}
