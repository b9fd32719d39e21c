package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"cortex-core/internal/llm"
)

// SemanticMemoryRepository guarda resúmenes de turnos con su embedding y
// permite recuperar los más cercanos a una consulta.
type SemanticMemoryRepository interface {
	Store(ctx context.Context, userID, content string, embedding pgvector.Vector) error
	Search(ctx context.Context, userID string, queryEmbedding pgvector.Vector, k int) ([]string, error)
}

type PgSemanticMemoryRepository struct {
	pool *pgxpool.Pool
}

func NewPgSemanticMemoryRepository(pool *pgxpool.Pool) *PgSemanticMemoryRepository {
	return &PgSemanticMemoryRepository{pool: pool}
}

func (r *PgSemanticMemoryRepository) Store(ctx context.Context, userID, content string, embedding pgvector.Vector) error {
	const query = `
		INSERT INTO semantic_memories (id, user_id, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.pool.Exec(ctx, query, uuid.NewString(), userID, content, embedding, time.Now().UTC())
	return err
}

func (r *PgSemanticMemoryRepository) Search(ctx context.Context, userID string, queryEmbedding pgvector.Vector, k int) ([]string, error) {
	if k <= 0 {
		k = 5
	}
	const query = `
		SELECT content
		FROM semantic_memories
		WHERE user_id = $1
		ORDER BY embedding <=> $2
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, userID, queryEmbedding, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, err
		}
		out = append(out, content)
	}
	return out, rows.Err()
}

var _ SemanticMemoryRepository = (*PgSemanticMemoryRepository)(nil)

// EmbeddingRecaller adapta el repositorio semántico al buscador que usa el
// Manager de memoria: embebe la consulta y busca vecinos.
type EmbeddingRecaller struct {
	repo     SemanticMemoryRepository
	provider llm.Provider
}

func NewEmbeddingRecaller(repo SemanticMemoryRepository, provider llm.Provider) *EmbeddingRecaller {
	return &EmbeddingRecaller{repo: repo, provider: provider}
}

func (r *EmbeddingRecaller) Recall(ctx context.Context, userID, query string, k int) ([]string, error) {
	embedding, err := r.provider.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return r.repo.Search(ctx, userID, pgvector.NewVector(embedding), k)
}

// Memorize embebe y guarda el contenido de un turno cerrado.
func (r *EmbeddingRecaller) Memorize(ctx context.Context, userID, content string) error {
	embedding, err := r.provider.EmbedText(ctx, content)
	if err != nil {
		return fmt.Errorf("embed turn: %w", err)
	}
	return r.repo.Store(ctx, userID, content, pgvector.NewVector(embedding))
}
