package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"cortex-core/internal/channel"
	"cortex-core/internal/queue"
)

// Códigos de acción que el deliverer sabe convertir en mensajes.
const (
	ActionWelcome           = "WELCOME"
	ActionSupportEscalation = "SUPPORT_ESCALATION"
)

// Deliverer consume la cola de notificaciones y las convierte en mensajes
// salientes del canal. La plantilla vive acá: los productores solo emiten
// códigos de acción, nunca texto final.
type Deliverer struct {
	sender        channel.Sender
	logger        *zap.Logger
	supportUserID string
}

func NewDeliverer(sender channel.Sender, logger *zap.Logger, supportUserID string) *Deliverer {
	return &Deliverer{sender: sender, logger: logger, supportUserID: supportUserID}
}

// Handle procesa un job de la cola de notificaciones. Un fallo de envío
// devuelve error para que la cola reintente con backoff.
func (d *Deliverer) Handle(ctx context.Context, job *queue.Job) (interface{}, error) {
	var n Notification
	if err := json.Unmarshal(job.Payload, &n); err != nil {
		// Estructuralmente inválido: reintentar no lo arregla.
		d.logger.Error("notificación malformada", zap.Error(err))
		return nil, nil
	}

	to, body, ok := d.render(n)
	if !ok {
		d.logger.Warn("código de acción desconocido, notificación descartada",
			zap.String("action_code", n.ActionCode))
		return nil, nil
	}

	messageID, err := d.sender.SendMessage(ctx, to, body)
	if err != nil {
		return nil, fmt.Errorf("send notification: %w", err)
	}
	d.logger.Info("notificación entregada",
		zap.String("action_code", n.ActionCode),
		zap.String("message_id", messageID),
	)
	return map[string]string{"message_id": messageID}, nil
}

func (d *Deliverer) render(n Notification) (to, body string, ok bool) {
	switch n.ActionCode {
	case ActionWelcome:
		return n.UserID, "¡Bienvenido a la plataforma! Soy tu asistente: contame qué necesitás y te ayudo a dar el primer paso.", true
	case ActionSupportEscalation:
		if d.supportUserID == "" {
			return "", "", false
		}
		reason := n.Metadata["reason"]
		return d.supportUserID, fmt.Sprintf("Escalamiento de soporte para %s. Motivo: %s", n.UserID, reason), true
	default:
		return "", "", false
	}
}
