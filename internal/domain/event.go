package domain

import (
	"fmt"
	"time"
)

// Nombres de eventos de dominio conocidos por el router.
const (
	EventUserRegistered   = "UserRegisteredEvent"
	EventProjectPublished = "ProjectPublishedEvent"
	EventProposalAccepted = "ProposalAcceptedEvent"
)

// DomainEvent es un hecho inmutable del dominio. Se crea una sola vez y
// puede consumirse cualquier cantidad de veces.
type DomainEvent struct {
	AggregateID string                 `json:"aggregate_id"`
	EventName   string                 `json:"event_name"`
	OccurredAt  time.Time              `json:"occurred_at"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// DedupeID deriva la clave de idempotencia del evento. Dos dispatches del
// mismo hecho producen la misma clave y la cola descarta el duplicado.
func (e DomainEvent) DedupeID() string {
	return fmt.Sprintf("%s:%s:%d", e.AggregateID, e.EventName, e.OccurredAt.UnixMilli())
}
