package cortex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cortex-core/internal/domain"
	"cortex-core/internal/llm"
	"cortex-core/internal/queue"
	"cortex-core/internal/sentinel"
)

// SentimentResult es el veredicto del hijo de sentimiento. Score en [-1, 1].
type SentimentResult struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// SentimentWorker clasifica el tono del mensaje con el LLM. Hijo tolerado:
// su fallo deja el resultado ausente y el orquestador asume neutral.
type SentimentWorker struct {
	provider llm.Provider
	logger   *zap.Logger
}

func NewSentimentWorker(provider llm.Provider, logger *zap.Logger) *SentimentWorker {
	return &SentimentWorker{provider: provider, logger: logger}
}

const sentimentPrompt = `Clasifica el tono del siguiente mensaje de un usuario.
Devuelve SOLO un JSON con este formato:
{"label": "neutral|contento|frustrado|enojado", "score": 0.0}
score va de -1.0 (muy negativo) a 1.0 (muy positivo).

Mensaje:
`

func (w *SentimentWorker) Handle(ctx context.Context, job *queue.Job) (interface{}, error) {
	var msg domain.InboundMessage
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal inbound: %w", err)
	}
	raw, err := w.provider.GenerateText(ctx, sentimentPrompt+strings.TrimSpace(msg.Text), llm.GenerateOptions{})
	if err != nil {
		return nil, fmt.Errorf("sentiment generate: %w", err)
	}
	var result SentimentResult
	if err := json.Unmarshal([]byte(extractFirstJSONObject(raw)), &result); err != nil {
		return nil, fmt.Errorf("parse sentiment: %w", err)
	}
	w.logger.Debug("sentimiento evaluado",
		zap.String("trace_id", msg.TraceID),
		zap.String("label", result.Label),
		zap.Float64("score", result.Score),
	)
	return result, nil
}

// SecurityWorker corre el escáner sobre el texto entrante. Hijo fatal: sin
// veredicto completo el orquestador no arranca, y un malfuncionamiento del
// escáner equivale a un veredicto inseguro (fail-closed).
type SecurityWorker struct {
	scanner *sentinel.Scanner
	logger  *zap.Logger
}

func NewSecurityWorker(scanner *sentinel.Scanner, logger *zap.Logger) *SecurityWorker {
	return &SecurityWorker{scanner: scanner, logger: logger}
}

func (w *SecurityWorker) Handle(ctx context.Context, job *queue.Job) (interface{}, error) {
	var msg domain.InboundMessage
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal inbound: %w", err)
	}
	result, err := w.scanner.Scan(msg.Text)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	if !result.IsSafe {
		w.logger.Warn("mensaje bloqueado por el escáner",
			zap.String("trace_id", msg.TraceID),
			zap.String("threat_level", result.ThreatLevel),
			zap.Float64("score", result.ThreatScore),
		)
	}
	return result, nil
}

// TranscriptionWorker convierte audio en texto para la fusión de contexto.
type TranscriptionWorker struct {
	transcriber llm.Transcriber
	logger      *zap.Logger
}

func NewTranscriptionWorker(t llm.Transcriber, logger *zap.Logger) *TranscriptionWorker {
	return &TranscriptionWorker{transcriber: t, logger: logger}
}

// TranscriptionResult es el texto derivado de un mensaje de audio.
type TranscriptionResult struct {
	Text string `json:"text"`
}

func (w *TranscriptionWorker) Handle(ctx context.Context, job *queue.Job) (interface{}, error) {
	var msg domain.InboundMessage
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal inbound: %w", err)
	}
	text, err := w.transcriber.Transcribe(ctx, msg.MediaURL, msg.MimeType)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	return TranscriptionResult{Text: text}, nil
}

// VisionWorker describe una imagen para la fusión de contexto.
type VisionWorker struct {
	vision llm.VisionDescriber
	logger *zap.Logger
}

func NewVisionWorker(v llm.VisionDescriber, logger *zap.Logger) *VisionWorker {
	return &VisionWorker{vision: v, logger: logger}
}

// VisionResult es la descripción derivada de un mensaje con imagen.
type VisionResult struct {
	Description string `json:"description"`
}

func (w *VisionWorker) Handle(ctx context.Context, job *queue.Job) (interface{}, error) {
	var msg domain.InboundMessage
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal inbound: %w", err)
	}
	description, err := w.vision.Describe(ctx, msg.MediaURL, msg.MimeType)
	if err != nil {
		return nil, fmt.Errorf("describe: %w", err)
	}
	return VisionResult{Description: description}, nil
}

// extractFirstJSONObject recorta el primer objeto JSON balanceado de una
// respuesta del LLM, tolerando texto alrededor.
func extractFirstJSONObject(input string) string {
	start := strings.IndexByte(input, '{')
	if start == -1 {
		return ""
	}

	inString := false
	escape := false
	depth := 0

	for i := start; i < len(input); i++ {
		ch := input[i]

		if inString {
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return input[start : i+1]
			}
			if depth < 0 {
				return ""
			}
		}
	}

	return ""
}
