package events

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"cortex-core/internal/domain"
	"cortex-core/internal/queue"
)

// EventHandler procesa un evento de dominio ya deserializado.
type EventHandler func(ctx context.Context, event domain.DomainEvent) error

// Router consume la cola de eventos y despacha por nombre a las secuencias
// de handlers registradas. Un error de handler se propaga para que la cola
// reintente el evento completo (at-least-once; los handlers deben ser
// idempotentes).
type Router struct {
	logger   *zap.Logger
	handlers map[string][]EventHandler
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		logger:   logger,
		handlers: make(map[string][]EventHandler),
	}
}

// On agrega un handler a la secuencia de un nombre de evento.
func (r *Router) On(eventName string, h EventHandler) {
	r.handlers[eventName] = append(r.handlers[eventName], h)
}

// Handle es el handler de cola para QueueDomainEvents.
func (r *Router) Handle(ctx context.Context, job *queue.Job) (interface{}, error) {
	var event domain.DomainEvent
	if err := json.Unmarshal(job.Payload, &event); err != nil {
		// Payload inválido: reintentar no lo arregla.
		r.logger.Error("evento malformado descartado", zap.Error(err))
		return nil, nil
	}

	sequence, ok := r.handlers[event.EventName]
	if !ok {
		// Compatibilidad hacia adelante: nombres futuros no son fatales.
		r.logger.Warn("evento sin handler, descartado",
			zap.String("event", event.EventName),
			zap.String("aggregate_id", event.AggregateID),
		)
		return nil, nil
	}

	// Secuencial y con error propagado: un fallo tardío no saltea el
	// registro de los pasos previos, pero sí dispara el reintento del job.
	for i, handler := range sequence {
		if err := handler(ctx, event); err != nil {
			return nil, fmt.Errorf("handler %d for %s: %w", i, event.EventName, err)
		}
	}
	return nil, nil
}
