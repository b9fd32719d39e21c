package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyQueuePrefix  = "cortex:q:"
	keyDedupePrefix = "cortex:dedupe:"
	keyFlowPrefix   = "cortex:flow:"

	dedupeTTLSeconds = 86400
	flowTTL          = 24 * time.Hour
)

// Encola solo si la clave de idempotencia no existía: un round trip, sin
// ventana entre el SETNX y el LPUSH.
const enqueueScript = `
if redis.call("SET", KEYS[1], ARGV[1], "NX", "EX", ARGV[3]) then
  redis.call("LPUSH", KEYS[2], ARGV[2])
  return 1
end
return 0
`

// Registra un flow solo si no existía: una reentrega del mismo padre no
// debe pisar el contador de pendientes de un flow en vuelo. Sin hijos, el
// padre se promueve acá mismo y queda marcado para que nadie lo repromueva.
const registerFlowScript = `
if redis.call("HSETNX", KEYS[1], "parent", ARGV[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "pending", ARGV[2])
redis.call("EXPIRE", KEYS[1], ARGV[3])
if tonumber(ARGV[2]) == 0 then
  redis.call("HSET", KEYS[1], "promoted", "1")
  redis.call("LPUSH", KEYS[2], ARGV[1])
end
return 1
`

// Registra el resultado de un hijo, decrementa pendientes y promueve el
// padre cuando el último hijo termina y el flow no quedó marcado fallido.
const finalizeChildScript = `
if ARGV[2] ~= "" then
  redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
  redis.call("EXPIRE", KEYS[2], ARGV[3])
end
local pending = redis.call("HINCRBY", KEYS[1], "pending", -1)
local failed = redis.call("HGET", KEYS[1], "failed")
if pending <= 0 and failed ~= "1" and redis.call("HGET", KEYS[1], "promoted") ~= "1" then
  local parent = redis.call("HGET", KEYS[1], "parent")
  if parent then
    redis.call("LPUSH", KEYS[3], parent)
    redis.call("HSET", KEYS[1], "promoted", "1")
  end
end
return pending
`

// Mueve jobs vencidos del zset de retrasados a la cola activa.
const promoteScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, payload in ipairs(due) do
  redis.call("ZREM", KEYS[1], payload)
  redis.call("LPUSH", KEYS[2], payload)
end
return #due
`

// RedisQueue implementa Queue sobre listas y hashes de Redis.
type RedisQueue struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisQueue(client *redis.Client, logger *zap.Logger) *RedisQueue {
	return &RedisQueue{client: client, logger: logger}
}

func (q *RedisQueue) Enqueue(ctx context.Context, queueName, jobName string, payload interface{}, opts Options) error {
	if q == nil || q.client == nil {
		return ErrQueueNotConfigured
	}
	job, err := buildJob(queueName, jobName, payload, opts)
	if err != nil {
		return fmt.Errorf("build job: %w", err)
	}
	return q.push(ctx, job)
}

func (q *RedisQueue) push(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	added, err := q.client.Eval(ctx, enqueueScript,
		[]string{keyDedupePrefix + job.ID, keyQueuePrefix + job.Queue},
		job.ID, string(raw), dedupeTTLSeconds,
	).Int()
	if err != nil {
		return fmt.Errorf("enqueue %s/%s: %w", job.Queue, job.Name, err)
	}
	if added == 0 && q.logger != nil {
		q.logger.Debug("enqueue deduplicado", zap.String("queue", job.Queue), zap.String("job_id", job.ID))
	}
	return nil
}

func (q *RedisQueue) EnqueueFlow(ctx context.Context, parent JobSpec, children []ChildSpec) (string, error) {
	if q == nil || q.client == nil {
		return "", ErrQueueNotConfigured
	}
	parentJob, err := buildJob(parent.Queue, parent.Name, parent.Payload, parent.Options)
	if err != nil {
		return "", fmt.Errorf("build parent: %w", err)
	}
	flowID := parentJob.ID
	parentJob.FlowID = flowID
	parentRaw, err := json.Marshal(parentJob)
	if err != nil {
		return "", fmt.Errorf("marshal parent: %w", err)
	}

	flowKey := keyFlowPrefix + flowID
	registered, err := q.client.Eval(ctx, registerFlowScript,
		[]string{flowKey, keyQueuePrefix + parentJob.Queue},
		string(parentRaw), len(children), int(flowTTL.Seconds()),
	).Int()
	if err != nil {
		return "", fmt.Errorf("register flow: %w", err)
	}
	if registered == 0 && q.logger != nil {
		q.logger.Debug("flow deduplicado", zap.String("flow_id", flowID))
	}

	if len(children) == 0 {
		// Sin fan-out no hay que esperar a nadie; el script ya promovió.
		return flowID, nil
	}

	// Los hijos se encolan aunque el flow ya existiera: cada push está
	// deduplicado, y así un primer submit interrumpido a mitad de camino
	// se completa con la reentrega.
	for _, child := range children {
		job, err := buildJob(child.Queue, child.Name, child.Payload, child.Options)
		if err != nil {
			return "", fmt.Errorf("build child %s: %w", child.Name, err)
		}
		job.FlowID = flowID
		job.FailParent = child.FailParentOnFailure
		if err := q.push(ctx, job); err != nil {
			return "", err
		}
	}
	return flowID, nil
}

func (q *RedisQueue) FlowResults(ctx context.Context, flowID string) (map[string]json.RawMessage, error) {
	if q == nil || q.client == nil {
		return nil, ErrQueueNotConfigured
	}
	raw, err := q.client.HGetAll(ctx, keyFlowPrefix+flowID+":results").Result()
	if err != nil {
		return nil, fmt.Errorf("flow results %s: %w", flowID, err)
	}
	results := make(map[string]json.RawMessage, len(raw))
	for name, value := range raw {
		results[name] = json.RawMessage(value)
	}
	return results, nil
}

// finalizeChild cierra un hijo del flow. result vacío significa hijo
// tolerado sin resultado.
func (q *RedisQueue) finalizeChild(ctx context.Context, job *Job, result string) error {
	flowKey := keyFlowPrefix + job.FlowID
	parentQueue, err := q.parentQueue(ctx, job.FlowID)
	if err != nil {
		return err
	}
	return q.client.Eval(ctx, finalizeChildScript,
		[]string{flowKey, flowKey + ":results", keyQueuePrefix + parentQueue},
		job.Name, result, int(flowTTL.Seconds()),
	).Err()
}

func (q *RedisQueue) failFlow(ctx context.Context, flowID string) error {
	return q.client.HSet(ctx, keyFlowPrefix+flowID, "failed", "1").Err()
}

func (q *RedisQueue) parentQueue(ctx context.Context, flowID string) (string, error) {
	raw, err := q.client.HGet(ctx, keyFlowPrefix+flowID, "parent").Result()
	if err == redis.Nil {
		return "", ErrUnknownFlow
	}
	if err != nil {
		return "", err
	}
	var parent Job
	if err := json.Unmarshal([]byte(raw), &parent); err != nil {
		return "", fmt.Errorf("unmarshal parent: %w", err)
	}
	return parent.Queue, nil
}

var _ Queue = (*RedisQueue)(nil)
