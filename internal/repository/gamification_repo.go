package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// GamificationRepository registra otorgamientos de XP de forma idempotente.
type GamificationRepository interface {
	// AwardXP acredita puntos una sola vez por ledgerKey: un reintento del
	// consumidor con la misma clave es un no-op.
	AwardXP(ctx context.Context, userID string, points int, ledgerKey string) error
}

type PgGamificationRepository struct {
	pool *pgxpool.Pool
}

func NewPgGamificationRepository(pool *pgxpool.Pool) *PgGamificationRepository {
	return &PgGamificationRepository{pool: pool}
}

func (r *PgGamificationRepository) AwardXP(ctx context.Context, userID string, points int, ledgerKey string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin award tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insert = `
		INSERT INTO xp_ledger (id, user_id, points, ledger_key, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ledger_key) DO NOTHING
	`
	tag, err := tx.Exec(ctx, insert, uuid.NewString(), userID, points, ledgerKey, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert ledger: %w", err)
	}
	// Entrega at-least-once: si la fila ya existía, el total no se toca.
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}

	const update = `
		INSERT INTO user_xp (user_id, total_points, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET total_points = user_xp.total_points + EXCLUDED.total_points,
		    updated_at = EXCLUDED.updated_at
	`
	if _, err := tx.Exec(ctx, update, userID, points, time.Now().UTC()); err != nil {
		return fmt.Errorf("update totals: %w", err)
	}
	return tx.Commit(ctx)
}

var _ GamificationRepository = (*PgGamificationRepository)(nil)
