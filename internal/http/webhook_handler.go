package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"cortex-core/internal/cortex"
	"cortex-core/internal/crypto"
	"cortex-core/internal/domain"
)

// WebhookHandler normaliza los payloads del canal y los entrega al
// dispatcher del flow conversacional.
type WebhookHandler struct {
	logger      *zap.Logger
	dispatcher  *cortex.FlowDispatcher
	flowCipher  *crypto.FlowCipher
	verifyToken string
}

func NewWebhookHandler(logger *zap.Logger, dispatcher *cortex.FlowDispatcher, flowCipher *crypto.FlowCipher, verifyToken string) *WebhookHandler {
	return &WebhookHandler{
		logger:      logger,
		dispatcher:  dispatcher,
		flowCipher:  flowCipher,
		verifyToken: verifyToken,
	}
}

// Verify maneja GET /webhook/whatsapp: el challenge de suscripción del canal.
func (h *WebhookHandler) Verify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && token == h.verifyToken {
		c.String(http.StatusOK, challenge)
		return
	}
	c.Status(http.StatusForbidden)
}

// Receive maneja POST /webhook/whatsapp. Siempre responde 200 al canal:
// el procesamiento real ocurre en la cola, y un 4xx/5xx solo provocaría
// reentregas que la clave de idempotencia igual colapsa.
func (h *WebhookHandler) Receive(c *gin.Context) {
	var envelope webhookEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		h.logger.Warn("webhook malformado", zap.Error(err))
		c.Status(http.StatusOK)
		return
	}

	ctx := c.Request.Context()
	for _, entry := range envelope.Entry {
		for _, change := range entry.Changes {
			for _, raw := range change.Value.Messages {
				msg, ok := h.normalize(raw)
				if !ok {
					continue
				}
				if _, err := h.dispatcher.Dispatch(ctx, msg); err != nil {
					h.logger.Error("dispatch de mensaje falló",
						zap.String("message_id", msg.ID), zap.Error(err))
				}
			}
		}
	}
	c.Status(http.StatusOK)
}

func (h *WebhookHandler) normalize(raw webhookMessage) (domain.InboundMessage, bool) {
	msg := domain.InboundMessage{
		ID:      raw.ID,
		From:    raw.From,
		TraceID: uuid.NewString(),
	}
	if ts, err := strconv.ParseInt(raw.Timestamp, 10, 64); err == nil {
		msg.Timestamp = ts * 1000
	}

	switch raw.Type {
	case "text":
		msg.Type = domain.MessageTypeText
		msg.Text = raw.Text.Body
	case "audio":
		msg.Type = domain.MessageTypeAudio
		msg.MediaURL = raw.Audio.ID
		msg.MimeType = raw.Audio.MimeType
	case "image":
		msg.Type = domain.MessageTypeImage
		msg.Text = raw.Image.Caption
		msg.MediaURL = raw.Image.ID
		msg.MimeType = raw.Image.MimeType
	case "interactive":
		return h.normalizeInteractive(raw)
	default:
		h.logger.Debug("tipo de mensaje ignorado", zap.String("type", raw.Type))
		return domain.InboundMessage{}, false
	}
	return msg, true
}

// normalizeInteractive distingue respuestas de botones de respuestas de
// flows; estas últimas pueden venir cifradas con la cadena de rotación.
func (h *WebhookHandler) normalizeInteractive(raw webhookMessage) (domain.InboundMessage, bool) {
	msg := domain.InboundMessage{
		ID:      raw.ID,
		From:    raw.From,
		TraceID: uuid.NewString(),
	}
	if ts, err := strconv.ParseInt(raw.Timestamp, 10, 64); err == nil {
		msg.Timestamp = ts * 1000
	}

	interactive := raw.Interactive
	switch {
	case interactive.NFMReply != nil:
		msg.Type = domain.MessageTypeFlowResponse
		payload := interactive.NFMReply.ResponseJSON
		if h.flowCipher != nil && interactive.NFMReply.Encrypted {
			plain, err := h.flowCipher.Decrypt(payload)
			if err != nil {
				// Entrada inválida: se descarta, reintentar no la arregla.
				h.logger.Warn("payload de flow indescifrable, descartado",
					zap.String("message_id", raw.ID), zap.Error(err))
				return domain.InboundMessage{}, false
			}
			payload = string(plain)
		}
		msg.Text = payload
	case interactive.ButtonReply != nil:
		msg.Type = domain.MessageTypeInteractive
		msg.Text = interactive.ButtonReply.Title
	case interactive.ListReply != nil:
		msg.Type = domain.MessageTypeInteractive
		msg.Text = interactive.ListReply.Title
	default:
		return domain.InboundMessage{}, false
	}
	return msg, true
}

type webhookEnvelope struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []webhookMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Audio struct {
		ID       string `json:"id"`
		MimeType string `json:"mime_type"`
	} `json:"audio"`
	Image struct {
		ID       string `json:"id"`
		MimeType string `json:"mime_type"`
		Caption  string `json:"caption"`
	} `json:"image"`
	Interactive struct {
		NFMReply *struct {
			ResponseJSON string `json:"response_json"`
			Encrypted    bool   `json:"encrypted,omitempty"`
		} `json:"nfm_reply"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
}
