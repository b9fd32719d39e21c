package neural

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"cortex-core/internal/domain"
)

var ErrRepositoryNotConfigured = errors.New("neural repository not configured")

// Repository da acceso acotado al log de conversación por usuario.
type Repository interface {
	// GetRawHistory devuelve hasta fetchLimit mensajes en orden cronológico.
	GetRawHistory(ctx context.Context, userID string) ([]domain.NeuralMessage, error)
	// SaveInteraction persiste el par usuario/modelo como unidad atómica.
	SaveInteraction(ctx context.Context, userID string, userMsg, aiMsg domain.NeuralMessage) error
}

// RedisRepository guarda el log como lista por usuario, más reciente primero.
// Escritura = push del par + recorte al tope + refresco de TTL, todo en un
// solo round trip pipelined.
type RedisRepository struct {
	client     *redis.Client
	prefix     string
	fetchLimit int
	hardCap    int
	ttl        time.Duration
}

func NewRedisRepository(client *redis.Client, fetchLimit, hardCap int, ttl time.Duration) *RedisRepository {
	if fetchLimit <= 0 {
		fetchLimit = 30
	}
	// El tope siempre queda por encima de la ventana de lectura para
	// conservar un buffer de auditoría.
	if hardCap <= fetchLimit {
		hardCap = fetchLimit * 3
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisRepository{
		client:     client,
		prefix:     "neural:mem:",
		fetchLimit: fetchLimit,
		hardCap:    hardCap,
		ttl:        ttl,
	}
}

func (r *RedisRepository) GetRawHistory(ctx context.Context, userID string) ([]domain.NeuralMessage, error) {
	if r == nil || r.client == nil {
		return nil, ErrRepositoryNotConfigured
	}
	raw, err := r.client.LRange(ctx, r.prefix+userID, 0, int64(r.fetchLimit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange history %s: %w", userID, err)
	}

	// Almacenado más reciente primero; se invierte para entregar cronológico.
	messages := make([]domain.NeuralMessage, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var msg domain.NeuralMessage
		if err := json.Unmarshal([]byte(raw[i]), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal stored message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (r *RedisRepository) SaveInteraction(ctx context.Context, userID string, userMsg, aiMsg domain.NeuralMessage) error {
	if r == nil || r.client == nil {
		return ErrRepositoryNotConfigured
	}
	userRaw, err := json.Marshal(userMsg)
	if err != nil {
		return fmt.Errorf("marshal user message: %w", err)
	}
	aiRaw, err := json.Marshal(aiMsg)
	if err != nil {
		return fmt.Errorf("marshal model message: %w", err)
	}

	key := r.prefix + userID
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// LPUSH en orden usuario→modelo deja el modelo en el índice 0.
		pipe.LPush(ctx, key, string(userRaw), string(aiRaw))
		pipe.LTrim(ctx, key, 0, int64(r.hardCap-1))
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save interaction %s: %w", userID, err)
	}
	return nil
}

var _ Repository = (*RedisRepository)(nil)

// MemoryRepository implementa Repository en memoria, con la misma semántica
// de tope y ventana. Útil para tests y para correr sin Redis.
type MemoryRepository struct {
	mu         sync.Mutex
	logs       map[string][]domain.NeuralMessage // más reciente primero
	fetchLimit int
	hardCap    int
}

func NewMemoryRepository(fetchLimit, hardCap int) *MemoryRepository {
	if fetchLimit <= 0 {
		fetchLimit = 30
	}
	if hardCap <= fetchLimit {
		hardCap = fetchLimit * 3
	}
	return &MemoryRepository{
		logs:       make(map[string][]domain.NeuralMessage),
		fetchLimit: fetchLimit,
		hardCap:    hardCap,
	}
}

func (r *MemoryRepository) GetRawHistory(ctx context.Context, userID string) ([]domain.NeuralMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := r.logs[userID]
	n := len(stored)
	if n > r.fetchLimit {
		n = r.fetchLimit
	}
	out := make([]domain.NeuralMessage, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, stored[i])
	}
	return out, nil
}

func (r *MemoryRepository) SaveInteraction(ctx context.Context, userID string, userMsg, aiMsg domain.NeuralMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := append([]domain.NeuralMessage{aiMsg, userMsg}, r.logs[userID]...)
	if len(stored) > r.hardCap {
		stored = stored[:r.hardCap]
	}
	r.logs[userID] = stored
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
