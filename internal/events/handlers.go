package events

import (
	"context"
	"fmt"

	"cortex-core/internal/domain"
	"cortex-core/internal/notify"
	"cortex-core/internal/repository"
)

// Puntos otorgados por evento.
const (
	xpWelcome          = 50
	xpProjectPublished = 25
	xpProposalAccepted = 100
)

// RegisterDomainHandlers cablea las secuencias de side effects del dominio.
func RegisterDomainHandlers(r *Router, gamification repository.GamificationRepository, sink notify.Sink) {
	// Registro de usuario: primero el XP de bienvenida, después la
	// notificación. Ambos en secuencia: si la notificación falla, el XP ya
	// quedó acreditado de forma idempotente y el reintento no lo duplica.
	r.On(domain.EventUserRegistered, awardXPHandler(gamification, xpWelcome))
	r.On(domain.EventUserRegistered, welcomeNotificationHandler(sink))

	r.On(domain.EventProjectPublished, awardXPHandler(gamification, xpProjectPublished))
	r.On(domain.EventProposalAccepted, awardXPHandler(gamification, xpProposalAccepted))
}

func awardXPHandler(gamification repository.GamificationRepository, points int) EventHandler {
	return func(ctx context.Context, event domain.DomainEvent) error {
		// La clave de ledger reutiliza la identidad del evento: el mismo
		// hecho nunca acredita dos veces.
		if err := gamification.AwardXP(ctx, event.AggregateID, points, event.DedupeID()); err != nil {
			return fmt.Errorf("award xp: %w", err)
		}
		return nil
	}
}

func welcomeNotificationHandler(sink notify.Sink) EventHandler {
	return func(ctx context.Context, event domain.DomainEvent) error {
		n := notify.Notification{
			UserID:     event.AggregateID,
			ActionCode: notify.ActionWelcome,
			Metadata: map[string]string{
				// Dedupe también en la notificación: un reintento del router
				// tras un fallo parcial no manda dos bienvenidas.
				"dedupe_id": event.DedupeID() + ":notify",
			},
		}
		if err := sink.Dispatch(ctx, n); err != nil {
			return fmt.Errorf("welcome notification: %w", err)
		}
		return nil
	}
}
