package neural

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"cortex-core/internal/domain"
)

// EmbeddingSearcher recupera recuerdos semánticos de largo plazo. Opcional:
// si no está configurado, el contexto se arma solo con la ventana reciente.
type EmbeddingSearcher interface {
	Recall(ctx context.Context, userID, query string, k int) ([]string, error)
}

// Manager compone Repository y Assembler detrás de una fachada con
// degradación controlada: la conversación nunca se cae porque la memoria
// no esté disponible.
type Manager struct {
	repo      Repository
	assembler *Assembler
	searcher  EmbeddingSearcher
	logger    *zap.Logger
}

func NewManager(repo Repository, assembler *Assembler, logger *zap.Logger) *Manager {
	return &Manager{repo: repo, assembler: assembler, logger: logger}
}

// WithSearcher habilita el recuerdo semántico de largo plazo.
func (m *Manager) WithSearcher(searcher EmbeddingSearcher) *Manager {
	m.searcher = searcher
	return m
}

// BuildContext arma el prompt con memoria. Si la lectura falla, degrada a
// la directiva sola: loguea y devuelve éxito igual.
func (m *Manager) BuildContext(ctx context.Context, userID, directive string) (string, error) {
	return m.BuildContextFor(ctx, userID, directive, "")
}

// BuildContextFor agrega además recuerdos de largo plazo relevantes a la
// consulta, cuando hay un buscador configurado.
func (m *Manager) BuildContextFor(ctx context.Context, userID, directive, query string) (string, error) {
	history, err := m.repo.GetRawHistory(ctx, userID)
	if err != nil {
		m.logger.Warn("lectura de memoria falló, degradando a directiva sola",
			zap.String("user_id", userID), zap.Error(err))
		return strings.TrimSpace(directive), nil
	}

	pruned := m.assembler.PruneHistory(history)
	prompt := m.assembler.FormatPrompt(directive, pruned)

	if m.searcher != nil && strings.TrimSpace(query) != "" {
		memories, err := m.searcher.Recall(ctx, userID, query, 3)
		if err != nil {
			m.logger.Warn("recuerdo semántico falló, se omite",
				zap.String("user_id", userID), zap.Error(err))
		} else if len(memories) > 0 {
			var sb strings.Builder
			sb.WriteString(prompt)
			sb.WriteString("\n\n=== MEMORIA A LARGO PLAZO ===\n")
			for _, mem := range memories {
				sb.WriteString("- ")
				sb.WriteString(mem)
				sb.WriteString("\n")
			}
			prompt = sb.String()
		}
	}
	return prompt, nil
}

// PushInteraction persiste el turno con timestamps estrictamente crecientes
// (now y now+1). Fire-and-forget: un fallo de escritura se loguea y no se
// propaga, porque la respuesta visible ya ocurrió.
func (m *Manager) PushInteraction(ctx context.Context, userID, input, output string) {
	now := time.Now().UnixMilli()
	userMsg := domain.NeuralMessage{Role: domain.RoleUser, Content: input, Timestamp: now}
	aiMsg := domain.NeuralMessage{Role: domain.RoleModel, Content: output, Timestamp: now + 1}

	if err := m.repo.SaveInteraction(ctx, userID, userMsg, aiMsg); err != nil {
		m.logger.Warn("escritura de memoria falló",
			zap.String("user_id", userID), zap.Error(err))
	}
}
