package cortex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cortex-core/internal/domain"
	"cortex-core/internal/llm"
	"cortex-core/internal/neural"
	"cortex-core/internal/notify"
	"cortex-core/internal/queue"
)

// Umbrales de escalamiento a soporte humano.
const (
	angryLabel         = "enojado"
	negativityEscalate = -0.6
)

// Memorizer guarda un recuerdo de largo plazo de un turno cerrado.
// Opcional; se invoca fire-and-forget.
type Memorizer interface {
	Memorize(ctx context.Context, userID, content string) error
}

// Orchestrator es el consumidor fan-in del flow conversacional: junta los
// veredictos de los hijos, aplica la puerta de seguridad, fusiona el input
// multimodal, consulta la memoria, llama al modelo, persiste el turno y
// dispara la entrega humanizada.
type Orchestrator struct {
	queue     queue.Queue
	memory    *neural.Manager
	provider  llm.Provider
	humanizer *Humanizer
	sink      notify.Sink
	memorizer Memorizer
	logger    *zap.Logger
	directive string
}

func NewOrchestrator(
	q queue.Queue,
	memory *neural.Manager,
	provider llm.Provider,
	humanizer *Humanizer,
	sink notify.Sink,
	logger *zap.Logger,
	directive string,
) *Orchestrator {
	return &Orchestrator{
		queue:     q,
		memory:    memory,
		provider:  provider,
		humanizer: humanizer,
		sink:      sink,
		logger:    logger,
		directive: directive,
	}
}

// WithMemorizer habilita la memoria semántica de largo plazo.
func (o *Orchestrator) WithMemorizer(m Memorizer) *Orchestrator {
	o.memorizer = m
	return o
}

// Handle procesa el job padre. Los pasos fatales devuelven error para que
// la cola gobierne los reintentos; la puerta de seguridad termina en DONE
// sin respuesta alguna.
func (o *Orchestrator) Handle(ctx context.Context, job *queue.Job) (interface{}, error) {
	var msg domain.InboundMessage
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		// Estructuralmente inválido: reintentar no lo arregla.
		o.logger.Error("mensaje entrante malformado", zap.Error(err))
		return nil, nil
	}
	log := o.logger.With(zap.String("trace_id", msg.TraceID), zap.String("from", msg.From))

	results, err := o.queue.FlowResults(ctx, job.FlowID)
	if err != nil {
		return nil, fmt.Errorf("flow results: %w", err)
	}

	// Puerta de seguridad. Sin veredicto completo se cierra en negativo:
	// caída silenciosa, igual que un veredicto inseguro.
	scan, ok := o.securityVerdict(results)
	if !ok {
		log.Error("veredicto de seguridad ausente o ilegible, turno descartado")
		return nil, nil
	}
	if !scan.IsSafe {
		// Silencio deliberado: no se le confirma al atacante que su sonda
		// fue detectada.
		log.Info("turno descartado por la puerta de seguridad",
			zap.String("threat_level", scan.ThreatLevel))
		return map[string]string{"status": "dropped"}, nil
	}

	input, senses := o.fuseInput(msg, scan, results)

	o.maybeEscalate(ctx, msg, results, log)

	// Cognición: memoria + modelo. Un fallo del proveedor es fatal.
	prompt, err := o.memory.BuildContextFor(ctx, msg.From, o.directive, input)
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	full := prompt + "\n\n" + sensesAnnotation(senses) + "Usuario: " + input + "\nAsistente:"
	response, err := o.provider.GenerateText(ctx, full, llm.GenerateOptions{Temperature: 0.7})
	if err != nil {
		return nil, fmt.Errorf("generate response: %w", err)
	}

	// Persistencia fire-and-forget: la respuesta ya existe, un fallo de
	// memoria no la invalida.
	o.memory.PushInteraction(ctx, msg.From, input, response)
	if o.memorizer != nil {
		detached := context.WithoutCancel(ctx)
		go func() {
			turn := "Usuario: " + input + "\nAsistente: " + response
			if err := o.memorizer.Memorize(detached, msg.From, turn); err != nil {
				log.Warn("memoria semántica falló", zap.Error(err))
			}
		}()
	}

	// Entrega: fatal si falla, el usuario no recibió nada todavía.
	if err := o.humanizer.SendHumanResponse(ctx, msg.From, response); err != nil {
		return nil, fmt.Errorf("deliver: %w", err)
	}

	log.Info("turno completado", zap.Strings("senses", senses))
	return map[string]string{"status": "delivered"}, nil
}

func (o *Orchestrator) securityVerdict(results map[string]json.RawMessage) (domain.ScanResult, bool) {
	raw, ok := results[ChildSecurity]
	if !ok {
		return domain.ScanResult{}, false
	}
	var scan domain.ScanResult
	if err := json.Unmarshal(raw, &scan); err != nil {
		return domain.ScanResult{}, false
	}
	return scan, true
}

// fuseInput arma el input de trabajo: texto saneado más lo derivado de
// audio o imagen, anotando qué sentidos contribuyeron.
func (o *Orchestrator) fuseInput(msg domain.InboundMessage, scan domain.ScanResult, results map[string]json.RawMessage) (string, []string) {
	input := msg.Text
	if scan.SanitizedText != "" {
		input = scan.SanitizedText
	}
	senses := []string{"texto"}

	if raw, ok := results[ChildTranscription]; ok {
		var tr TranscriptionResult
		if err := json.Unmarshal(raw, &tr); err == nil && strings.TrimSpace(tr.Text) != "" {
			input = strings.TrimSpace(input + "\n[Audio transcripto]: " + tr.Text)
			senses = append(senses, "audio")
		}
	}
	if raw, ok := results[ChildVision]; ok {
		var vr VisionResult
		if err := json.Unmarshal(raw, &vr); err == nil && strings.TrimSpace(vr.Description) != "" {
			input = strings.TrimSpace(input + "\n[Imagen descripta]: " + vr.Description)
			senses = append(senses, "imagen")
		}
	}
	return input, senses
}

// maybeEscalate notifica a soporte humano ante sentimiento fuertemente
// negativo. Fire-and-forget: nunca bloquea ni falla el turno. Un resultado
// de sentimiento ausente se trata como neutral.
func (o *Orchestrator) maybeEscalate(ctx context.Context, msg domain.InboundMessage, results map[string]json.RawMessage, log *zap.Logger) {
	raw, ok := results[ChildSentiment]
	if !ok {
		log.Debug("sentimiento no disponible, se asume neutral")
		return
	}
	var sentiment SentimentResult
	if err := json.Unmarshal(raw, &sentiment); err != nil {
		log.Debug("sentimiento ilegible, se asume neutral", zap.Error(err))
		return
	}
	if sentiment.Label != angryLabel && sentiment.Score > negativityEscalate {
		return
	}

	detached := context.WithoutCancel(ctx)
	go func() {
		n := notify.Notification{
			UserID:     msg.From,
			ActionCode: notify.ActionSupportEscalation,
			Metadata: map[string]string{
				"trace_id": msg.TraceID,
				"label":    sentiment.Label,
				"reason":   fmt.Sprintf("sentimiento %q con score %.2f", sentiment.Label, sentiment.Score),
			},
		}
		if err := o.sink.Dispatch(detached, n); err != nil {
			log.Warn("escalamiento a soporte falló", zap.Error(err))
		}
	}()
}

func sensesAnnotation(senses []string) string {
	if len(senses) <= 1 {
		return ""
	}
	return "[Sentidos: " + strings.Join(senses, "+") + "]\n"
}
