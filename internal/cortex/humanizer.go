package cortex

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cortex-core/internal/channel"
)

// Humanizer difiere el envío saliente un tiempo proporcional al largo de la
// respuesta, con tope, para evitar respuestas robóticamente instantáneas.
type Humanizer struct {
	sender         channel.Sender
	logger         *zap.Logger
	charsPerMinute int
	maxDelay       time.Duration
	baseLatency    time.Duration
}

func NewHumanizer(sender channel.Sender, logger *zap.Logger, charsPerMinute int, maxDelay, baseLatency time.Duration) *Humanizer {
	if charsPerMinute <= 0 {
		charsPerMinute = 1000
	}
	if maxDelay <= 0 {
		maxDelay = 8 * time.Second
	}
	return &Humanizer{
		sender:         sender,
		logger:         logger,
		charsPerMinute: charsPerMinute,
		maxDelay:       maxDelay,
		baseLatency:    baseLatency,
	}
}

// TypingDelay calcula la espera de "tipeo" para un texto.
func (h *Humanizer) TypingDelay(text string) time.Duration {
	typing := time.Duration(float64(len(text))/float64(h.charsPerMinute)*60000) * time.Millisecond
	if typing > h.maxDelay {
		typing = h.maxDelay
	}
	return typing + h.baseLatency
}

// SendHumanResponse espera el delay calculado y envía. Un fallo de envío se
// devuelve al caller, que lo trata como fatal y reintenta el turno.
func (h *Humanizer) SendHumanResponse(ctx context.Context, to, text string) error {
	delay := h.TypingDelay(text)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	messageID, err := h.sender.SendMessage(ctx, to, text)
	if err != nil {
		return fmt.Errorf("send response: %w", err)
	}
	h.logger.Debug("respuesta entregada",
		zap.String("to", to),
		zap.String("message_id", messageID),
		zap.Duration("typing_delay", delay),
	)
	return nil
}
