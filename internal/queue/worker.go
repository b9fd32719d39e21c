package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyWorkerPrefix = "cortex:worker:"

	heartbeatTTL      = 15 * time.Second
	heartbeatInterval = 5 * time.Second
	reclaimInterval   = 30 * time.Second
)

// Worker consume colas nombradas de Redis con reintentos acotados y
// backoff exponencial. Un handler por cola. Cada worker tiene su propia
// lista activa y un heartbeat; los jobs activos de un worker cuyo
// heartbeat expiró vuelven a la cola.
type Worker struct {
	id       string
	queue    *RedisQueue
	logger   *zap.Logger
	handlers map[string]Handler
}

func NewWorker(q *RedisQueue, logger *zap.Logger) *Worker {
	return &Worker{
		id:       uuid.NewString(),
		queue:    q,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register asocia un handler a una cola. Debe llamarse antes de Run.
func (w *Worker) Register(queueName string, h Handler) {
	w.handlers[queueName] = h
}

// Run bloquea consumiendo todas las colas registradas hasta que el
// contexto se cancele.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.queue == nil || w.queue.client == nil {
		return ErrQueueNotConfigured
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeatLoop(ctx)
	}()
	for queueName := range w.handlers {
		// Jobs que quedaron activos de una corrida anterior muerta.
		w.reclaimOrphans(ctx, queueName)
	}
	for queueName, handler := range w.handlers {
		wg.Add(3)
		go func(name string, h Handler) {
			defer wg.Done()
			w.consumeLoop(ctx, name, h)
		}(queueName, handler)
		go func(name string) {
			defer wg.Done()
			w.promoteLoop(ctx, name)
		}(queueName)
		go func(name string) {
			defer wg.Done()
			w.reclaimLoop(ctx, name)
		}(queueName)
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	key := keyWorkerPrefix + w.id
	beat := func() {
		if err := w.queue.client.Set(ctx, key, "1", heartbeatTTL).Err(); err != nil && ctx.Err() == nil {
			w.logger.Warn("heartbeat falló", zap.Error(err))
		}
	}
	beat()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Deja de latir; el janitor de otro worker reclama lo que quede.
			return
		case <-ticker.C:
			beat()
		}
	}
}

func (w *Worker) reclaimLoop(ctx context.Context, queueName string) {
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reclaimOrphans(ctx, queueName)
		}
	}
}

// reclaimOrphans devuelve a la cola los jobs que quedaron en la lista
// activa de un worker sin heartbeat: murió con el handler a medio correr.
func (w *Worker) reclaimOrphans(ctx context.Context, queueName string) {
	target := keyQueuePrefix + queueName
	var cursor uint64
	for {
		keys, next, err := w.queue.client.Scan(ctx, cursor, target+":active:*", 50).Result()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("scan de listas activas falló", zap.String("queue", queueName), zap.Error(err))
			}
			return
		}
		for _, key := range keys {
			ownerID := strings.TrimPrefix(key, target+":active:")
			if ownerID == w.id {
				continue
			}
			alive, err := w.queue.client.Exists(ctx, keyWorkerPrefix+ownerID).Result()
			if err != nil || alive > 0 {
				continue
			}
			moved := 0
			for {
				if err := w.queue.client.LMove(ctx, key, target, "RIGHT", "LEFT").Err(); err != nil {
					break
				}
				moved++
			}
			if moved > 0 {
				w.logger.Warn("jobs huérfanos reclamados",
					zap.String("queue", queueName),
					zap.String("worker", ownerID),
					zap.Int("count", moved),
				)
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

func (w *Worker) consumeLoop(ctx context.Context, queueName string, h Handler) {
	src := keyQueuePrefix + queueName
	active := src + ":active:" + w.id
	for {
		if ctx.Err() != nil {
			return
		}
		raw, err := w.queue.client.BLMove(ctx, src, active, "RIGHT", "LEFT", time.Second).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("consume falló", zap.String("queue", queueName), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		w.processRaw(ctx, queueName, raw, h)
		// El job salió de la lista activa pase lo que pase; los reintentos
		// viven en el zset de retrasados.
		if err := w.queue.client.LRem(ctx, active, 1, raw).Err(); err != nil {
			w.logger.Warn("limpiar lista activa falló", zap.String("queue", queueName), zap.Error(err))
		}
	}
}

func (w *Worker) processRaw(ctx context.Context, queueName, raw string, h Handler) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Payload estructuralmente inválido: reintentar no lo arregla.
		w.logger.Error("job malformado descartado", zap.String("queue", queueName), zap.Error(err))
		return
	}

	result, err := h(ctx, &job)
	if err == nil {
		w.complete(ctx, &job, result)
		return
	}
	w.retryOrFail(ctx, &job, err)
}

func (w *Worker) complete(ctx context.Context, job *Job, result interface{}) {
	// El padre no es hijo de su propio flow: cerrarlo como tal dejaría el
	// contador de pendientes en negativo y lo repromovería.
	if job.FlowID != "" && job.ID != job.FlowID {
		encoded := ""
		if result != nil {
			raw, err := json.Marshal(result)
			if err != nil {
				w.logger.Error("resultado de hijo no serializable", zap.String("job", job.Name), zap.Error(err))
			} else {
				encoded = string(raw)
			}
		}
		if err := w.queue.finalizeChild(ctx, job, encoded); err != nil && err != ErrUnknownFlow {
			w.logger.Error("finalizar hijo falló", zap.String("job", job.Name), zap.String("flow_id", job.FlowID), zap.Error(err))
		}
	}
	w.logger.Debug("job completado",
		zap.String("queue", job.Queue),
		zap.String("job", job.Name),
		zap.String("trace_id", job.TraceID),
		zap.Int("attempt", job.Attempt+1),
	)
}

func (w *Worker) retryOrFail(ctx context.Context, job *Job, cause error) {
	job.Attempt++
	if job.Attempt < job.MaxAttempts {
		delay := backoffDelay(job.BackoffMS, job.Attempt)
		raw, err := json.Marshal(job)
		if err != nil {
			w.logger.Error("re-serializar job falló", zap.String("job", job.Name), zap.Error(err))
			return
		}
		readyAt := float64(time.Now().Add(delay).UnixMilli())
		err = w.queue.client.ZAdd(ctx, keyQueuePrefix+job.Queue+":delayed", redis.Z{Score: readyAt, Member: string(raw)}).Err()
		if err != nil {
			w.logger.Error("programar reintento falló", zap.String("job", job.Name), zap.Error(err))
			return
		}
		w.logger.Warn("job reintentará",
			zap.String("queue", job.Queue),
			zap.String("job", job.Name),
			zap.String("trace_id", job.TraceID),
			zap.Int("attempt", job.Attempt),
			zap.Duration("delay", delay),
			zap.Error(cause),
		)
		return
	}

	// Reintentos agotados: a la lista muerta para intervención manual.
	raw, _ := json.Marshal(job)
	if err := w.queue.client.LPush(ctx, keyQueuePrefix+job.Queue+":dead", string(raw)).Err(); err != nil {
		w.logger.Error("mover a lista muerta falló", zap.String("job", job.Name), zap.Error(err))
	}
	w.logger.Error("job agotó reintentos",
		zap.String("queue", job.Queue),
		zap.String("job", job.Name),
		zap.String("trace_id", job.TraceID),
		zap.Int("attempts", job.Attempt),
		zap.Error(cause),
	)
	if job.FlowID == "" {
		return
	}
	if job.FailParent {
		if err := w.queue.failFlow(ctx, job.FlowID); err != nil {
			w.logger.Error("marcar flow fallido falló", zap.String("flow_id", job.FlowID), zap.Error(err))
		}
		return
	}
	// Hijo tolerado: el padre verá su resultado ausente.
	if err := w.queue.finalizeChild(ctx, job, ""); err != nil && err != ErrUnknownFlow {
		w.logger.Error("finalizar hijo tolerado falló", zap.String("flow_id", job.FlowID), zap.Error(err))
	}
}

func (w *Worker) promoteLoop(ctx context.Context, queueName string) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	delayed := keyQueuePrefix + queueName + ":delayed"
	target := keyQueuePrefix + queueName
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := fmt.Sprintf("%d", time.Now().UnixMilli())
			if err := w.queue.client.Eval(ctx, promoteScript, []string{delayed, target}, now).Err(); err != nil && ctx.Err() == nil {
				w.logger.Warn("promover retrasados falló", zap.String("queue", queueName), zap.Error(err))
			}
		}
	}
}
