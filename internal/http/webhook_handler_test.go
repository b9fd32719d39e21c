package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cortex-core/internal/cortex"
	"cortex-core/internal/crypto"
	"cortex-core/internal/domain"
	"cortex-core/internal/queue"
)

func newWebhookRig(t *testing.T, cipher *crypto.FlowCipher) (*gin.Engine, *queue.MemoryQueue, *[]domain.InboundMessage) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	q := queue.NewMemoryQueue()
	var captured []domain.InboundMessage
	capture := func(_ context.Context, job *queue.Job) (interface{}, error) {
		var msg domain.InboundMessage
		if err := json.Unmarshal(job.Payload, &msg); err != nil {
			t.Fatalf("payload de hijo inválido: %v", err)
		}
		captured = append(captured, msg)
		return nil, nil
	}
	noop := func(_ context.Context, _ *queue.Job) (interface{}, error) { return nil, nil }
	q.Register(cortex.QueueSecurity, capture)
	q.Register(cortex.QueueSentiment, noop)
	q.Register(cortex.QueueTranscription, noop)
	q.Register(cortex.QueueVision, noop)
	q.Register(cortex.QueueOrchestrator, noop)

	logger := zap.NewNop()
	dispatcher := cortex.NewFlowDispatcher(q, logger, 3, 0)
	handler := NewWebhookHandler(logger, dispatcher, cipher, "token-secreto")
	return NewRouter(logger, handler), q, &captured
}

func TestWebhookVerify(t *testing.T) {
	router, _, _ := newWebhookRig(t, nil)

	t.Run("token correcto devuelve el challenge", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet,
			"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=token-secreto&hub.challenge=12345", nil)
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, esperado 200", w.Code)
		}
		if w.Body.String() != "12345" {
			t.Fatalf("body = %q, esperado el challenge", w.Body.String())
		}
	})

	t.Run("token incorrecto es rechazado", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet,
			"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=otro&hub.challenge=12345", nil)
		router.ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Fatalf("status = %d, esperado 403", w.Code)
		}
	})
}

func TestWebhookReceive(t *testing.T) {
	envelope := func(messages string) string {
		return `{"entry":[{"changes":[{"value":{"messages":[` + messages + `]}}]}]}`
	}

	t.Run("mensaje de texto se normaliza y despacha", func(t *testing.T) {
		router, q, captured := newWebhookRig(t, nil)

		body := envelope(`{"id":"wamid.1","from":"5491122334455","type":"text","timestamp":"1700000000","text":{"body":"Hola, necesito un diseñador"}}`)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, esperado 200", w.Code)
		}
		if err := q.Drain(context.Background()); err != nil {
			t.Fatalf("drain: %v", err)
		}
		if len(*captured) != 1 {
			t.Fatalf("hijos de seguridad = %d, esperado 1", len(*captured))
		}
		got := (*captured)[0]
		if got.ID != "wamid.1" || got.From != "5491122334455" {
			t.Fatalf("identidad del mensaje incorrecta: %+v", got)
		}
		if got.Type != domain.MessageTypeText || got.Text != "Hola, necesito un diseñador" {
			t.Fatalf("normalización de texto incorrecta: %+v", got)
		}
		if got.Timestamp != 1700000000000 {
			t.Fatalf("timestamp = %d, esperado milisegundos", got.Timestamp)
		}
		if got.TraceID == "" {
			t.Fatal("el mensaje debe salir con trace id asignado")
		}
	})

	t.Run("reentrega del canal no duplica el flow", func(t *testing.T) {
		router, q, captured := newWebhookRig(t, nil)

		body := envelope(`{"id":"wamid.2","from":"549111","type":"text","timestamp":"1700000000","text":{"body":"hola"}}`)
		for i := 0; i < 2; i++ {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewBufferString(body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, esperado 200", w.Code)
			}
		}
		if err := q.Drain(context.Background()); err != nil {
			t.Fatalf("drain: %v", err)
		}
		if len(*captured) != 1 {
			t.Fatalf("hijos de seguridad = %d, la reentrega debería colapsar", len(*captured))
		}
	})

	t.Run("audio e imagen llevan media y mime", func(t *testing.T) {
		router, q, captured := newWebhookRig(t, nil)

		body := envelope(`{"id":"wamid.3","from":"549111","type":"audio","timestamp":"1700000001","audio":{"id":"media-9","mime_type":"audio/ogg"}}`)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)

		if err := q.Drain(context.Background()); err != nil {
			t.Fatalf("drain: %v", err)
		}
		if len(*captured) != 1 {
			t.Fatalf("hijos de seguridad = %d, esperado 1", len(*captured))
		}
		got := (*captured)[0]
		if got.Type != domain.MessageTypeAudio || got.MediaURL != "media-9" || got.MimeType != "audio/ogg" {
			t.Fatalf("normalización de audio incorrecta: %+v", got)
		}
	})

	t.Run("respuesta de flow cifrada se descifra antes de despachar", func(t *testing.T) {
		cipher, err := crypto.NewFlowCipher([]string{"secreto-activo"})
		if err != nil {
			t.Fatalf("cipher: %v", err)
		}
		router, q, captured := newWebhookRig(t, cipher)

		encrypted, err := cipher.Encrypt([]byte(`{"presupuesto":"500"}`))
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		raw, _ := json.Marshal(encrypted)
		body := envelope(`{"id":"wamid.4","from":"549111","type":"interactive","timestamp":"1700000002","interactive":{"nfm_reply":{"response_json":` + string(raw) + `,"encrypted":true}}}`)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)

		if err := q.Drain(context.Background()); err != nil {
			t.Fatalf("drain: %v", err)
		}
		if len(*captured) != 1 {
			t.Fatalf("hijos de seguridad = %d, esperado 1", len(*captured))
		}
		got := (*captured)[0]
		if got.Type != domain.MessageTypeFlowResponse || got.Text != `{"presupuesto":"500"}` {
			t.Fatalf("payload de flow incorrecto: %+v", got)
		}
	})

	t.Run("payload cifrado inválido se descarta sin romper el webhook", func(t *testing.T) {
		cipher, err := crypto.NewFlowCipher([]string{"secreto-activo"})
		if err != nil {
			t.Fatalf("cipher: %v", err)
		}
		router, q, captured := newWebhookRig(t, cipher)

		body := envelope(`{"id":"wamid.5","from":"549111","type":"interactive","timestamp":"1700000003","interactive":{"nfm_reply":{"response_json":"no-es-un-payload","encrypted":true}}}`)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, el webhook siempre responde 200", w.Code)
		}
		if err := q.Drain(context.Background()); err != nil {
			t.Fatalf("drain: %v", err)
		}
		if len(*captured) != 0 {
			t.Fatalf("hijos de seguridad = %d, el payload inválido no debe despacharse", len(*captured))
		}
	})

	t.Run("tipos desconocidos se ignoran", func(t *testing.T) {
		router, q, captured := newWebhookRig(t, nil)

		body := envelope(`{"id":"wamid.6","from":"549111","type":"sticker","timestamp":"1700000004"}`)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, esperado 200", w.Code)
		}
		if err := q.Drain(context.Background()); err != nil {
			t.Fatalf("drain: %v", err)
		}
		if len(*captured) != 0 {
			t.Fatalf("hijos de seguridad = %d, esperado 0", len(*captured))
		}
	})
}
