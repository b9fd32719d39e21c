package neural

import (
	"fmt"
	"strings"

	"cortex-core/internal/domain"
)

const defaultCharsPerToken = 3.5

// Assembler poda el historial a un presupuesto de tokens y lo formatea
// como bloque de prompt. Sin estado; funciones puras sobre el historial.
type Assembler struct {
	maxTokens     int
	charsPerToken float64
}

func NewAssembler(maxTokens int) *Assembler {
	if maxTokens <= 0 {
		maxTokens = 4000
	}
	return &Assembler{maxTokens: maxTokens, charsPerToken: defaultCharsPerToken}
}

// EstimateTokens aproxima el costo de un texto con la heurística fija de
// caracteres por token.
func (a *Assembler) EstimateTokens(text string) int {
	return int(float64(len(text))/a.charsPerToken) + 1
}

// PruneHistory recorre el historial cronológico desde el mensaje más
// reciente hacia atrás y acumula hasta agotar el presupuesto. Política
// estricta de "lo último gana": lo viejo se descarta primero y nunca se
// trunca un mensaje por la mitad. Un único mensaje que excede el
// presupuesto se descarta entero.
func (a *Assembler) PruneHistory(history []domain.NeuralMessage) []domain.NeuralMessage {
	if len(history) == 0 {
		return nil
	}
	total := 0
	cut := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := a.EstimateTokens(history[i].Content)
		if total+cost > a.maxTokens {
			break
		}
		total += cost
		cut = i
	}
	if cut >= len(history) {
		return nil
	}
	return history[cut:]
}

// FormatPrompt concatena la directiva y el historial en un solo bloque,
// con líneas etiquetadas por rol en orden cronológico.
func (a *Assembler) FormatPrompt(directive string, history []domain.NeuralMessage) string {
	directive = strings.TrimSpace(directive)
	if len(history) == 0 {
		return directive
	}
	var sb strings.Builder
	sb.WriteString(directive)
	sb.WriteString("\n\n=== HISTORIAL DE CONVERSACIÓN ===\n")
	for _, msg := range history {
		sb.WriteString(fmt.Sprintf("%s: %s\n", roleLabel(msg.Role), msg.Content))
	}
	return sb.String()
}

func roleLabel(role string) string {
	switch role {
	case domain.RoleModel:
		return "Asistente"
	case domain.RoleSystem:
		return "Sistema"
	default:
		return "Usuario"
	}
}
