package neural

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"cortex-core/internal/domain"
)

type failingRepo struct{}

func (failingRepo) GetRawHistory(ctx context.Context, userID string) ([]domain.NeuralMessage, error) {
	return nil, errors.New("redis caído")
}

func (failingRepo) SaveInteraction(ctx context.Context, userID string, userMsg, aiMsg domain.NeuralMessage) error {
	return errors.New("redis caído")
}

var _ Repository = failingRepo{}

type stubSearcher struct {
	memories []string
	err      error
}

func (s stubSearcher) Recall(ctx context.Context, userID, query string, k int) ([]string, error) {
	return s.memories, s.err
}

func TestManager_BuildContext(t *testing.T) {
	ctx := context.Background()

	t.Run("degrada a directiva sola si la lectura falla", func(t *testing.T) {
		m := NewManager(failingRepo{}, NewAssembler(1000), zap.NewNop())
		got, err := m.BuildContext(ctx, "u1", "DIRECTIVE")
		if err != nil {
			t.Fatalf("degradation must not surface an error: %v", err)
		}
		if got != "DIRECTIVE" {
			t.Fatalf("expected bare directive, got %q", got)
		}
	})

	t.Run("memoria vacía devuelve directiva sola", func(t *testing.T) {
		m := NewManager(NewMemoryRepository(30, 100), NewAssembler(1000), zap.NewNop())
		got, err := m.BuildContext(ctx, "u1", "DIRECTIVE")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "DIRECTIVE" {
			t.Fatalf("expected bare directive, got %q", got)
		}
	})

	t.Run("dos turnos seguidos aparecen en orden", func(t *testing.T) {
		repo := NewMemoryRepository(30, 100)
		m := NewManager(repo, NewAssembler(4000), zap.NewNop())

		m.PushInteraction(ctx, "u1", "hola, quiero un presupuesto", "claro, contame del proyecto")
		got, err := m.BuildContext(ctx, "u1", "DIRECTIVE")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		first := strings.Index(got, "Usuario: hola, quiero un presupuesto")
		second := strings.Index(got, "Asistente: claro, contame del proyecto")
		if first == -1 || second == -1 || first > second {
			t.Fatalf("expected both turn halves in order, got: %s", got)
		}
		if !strings.HasPrefix(got, "DIRECTIVE") {
			t.Fatalf("expected directive prefix, got: %s", got)
		}
	})

	t.Run("recuerdo semántico se anexa cuando hay buscador", func(t *testing.T) {
		m := NewManager(NewMemoryRepository(30, 100), NewAssembler(1000), zap.NewNop()).
			WithSearcher(stubSearcher{memories: []string{"el cliente prefiere pagos por hitos"}})
		got, err := m.BuildContextFor(ctx, "u1", "DIRECTIVE", "presupuesto")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(got, "MEMORIA A LARGO PLAZO") || !strings.Contains(got, "pagos por hitos") {
			t.Fatalf("expected long-term memory block, got: %s", got)
		}
	})

	t.Run("fallo del buscador no rompe el contexto", func(t *testing.T) {
		m := NewManager(NewMemoryRepository(30, 100), NewAssembler(1000), zap.NewNop()).
			WithSearcher(stubSearcher{err: errors.New("pgvector caído")})
		got, err := m.BuildContextFor(ctx, "u1", "DIRECTIVE", "presupuesto")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "DIRECTIVE" {
			t.Fatalf("expected bare directive, got %q", got)
		}
	})
}

func TestManager_PushInteraction(t *testing.T) {
	ctx := context.Background()

	t.Run("timestamps estrictamente crecientes", func(t *testing.T) {
		repo := NewMemoryRepository(30, 100)
		m := NewManager(repo, NewAssembler(1000), zap.NewNop())
		m.PushInteraction(ctx, "u1", "pregunta", "respuesta")

		history, err := repo.GetRawHistory(ctx, "u1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(history) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(history))
		}
		if history[0].Role != domain.RoleUser || history[1].Role != domain.RoleModel {
			t.Fatalf("expected user then model, got %+v", history)
		}
		if history[1].Timestamp != history[0].Timestamp+1 {
			t.Fatalf("expected strictly increasing pair, got %d / %d", history[0].Timestamp, history[1].Timestamp)
		}
	})

	t.Run("fallo de escritura no se propaga", func(t *testing.T) {
		m := NewManager(failingRepo{}, NewAssembler(1000), zap.NewNop())
		// No hay error que observar: la única garantía es que no entre en pánico.
		m.PushInteraction(ctx, "u1", "pregunta", "respuesta")
	})
}

func TestMemoryRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("el par del turno queda completo y ordenado", func(t *testing.T) {
		repo := NewMemoryRepository(30, 100)
		userMsg := msg(domain.RoleUser, "u", 10)
		aiMsg := msg(domain.RoleModel, "a", 11)
		if err := repo.SaveInteraction(ctx, "u1", userMsg, aiMsg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		history, _ := repo.GetRawHistory(ctx, "u1")
		if len(history) != 2 || history[0].Content != "u" || history[1].Content != "a" {
			t.Fatalf("expected [user, model], got %+v", history)
		}
	})

	t.Run("la lectura respeta la ventana aunque el tope sea mayor", func(t *testing.T) {
		repo := NewMemoryRepository(4, 10)
		for i := 0; i < 4; i++ {
			u := msg(domain.RoleUser, "u", int64(i*2))
			a := msg(domain.RoleModel, "a", int64(i*2+1))
			_ = repo.SaveInteraction(ctx, "u1", u, a)
		}
		history, _ := repo.GetRawHistory(ctx, "u1")
		if len(history) != 4 {
			t.Fatalf("expected fetch window of 4, got %d", len(history))
		}
		// La ventana devuelve lo más reciente, cronológico.
		if history[0].Timestamp != 4 || history[3].Timestamp != 7 {
			t.Fatalf("expected latest window in order, got %+v", history)
		}
	})

	t.Run("el tope duro recorta lo más viejo", func(t *testing.T) {
		repo := NewMemoryRepository(2, 4)
		for i := 0; i < 5; i++ {
			u := msg(domain.RoleUser, "u", int64(i*2))
			a := msg(domain.RoleModel, "a", int64(i*2+1))
			_ = repo.SaveInteraction(ctx, "u1", u, a)
		}
		repo.mu.Lock()
		stored := len(repo.logs["u1"])
		repo.mu.Unlock()
		if stored != 4 {
			t.Fatalf("expected hard cap of 4, got %d", stored)
		}
	})
}
