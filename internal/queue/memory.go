package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type memoryFlow struct {
	parent  *Job
	pending int
	failed  bool
	results map[string]json.RawMessage
}

// MemoryQueue implementa Queue en memoria. Procesa de forma síncrona vía
// Drain, útil para tests y para correr sin Redis.
type MemoryQueue struct {
	mu       sync.Mutex
	handlers map[string]Handler
	pending  []*Job
	dedupe   map[string]struct{}
	flows    map[string]*memoryFlow
	// Attempts registra cuántas ejecuciones consumió cada job, por id.
	attempts map[string]int
	dead     []*Job
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		handlers: make(map[string]Handler),
		dedupe:   make(map[string]struct{}),
		flows:    make(map[string]*memoryFlow),
		attempts: make(map[string]int),
	}
}

// Register asocia un handler a una cola.
func (q *MemoryQueue) Register(queueName string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queueName] = h
}

func (q *MemoryQueue) Enqueue(ctx context.Context, queueName, jobName string, payload interface{}, opts Options) error {
	job, err := buildJob(queueName, jobName, payload, opts)
	if err != nil {
		return fmt.Errorf("build job: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushLocked(job)
	return nil
}

func (q *MemoryQueue) pushLocked(job *Job) {
	if _, seen := q.dedupe[job.ID]; seen {
		return
	}
	q.dedupe[job.ID] = struct{}{}
	q.pending = append(q.pending, job)
}

func (q *MemoryQueue) EnqueueFlow(ctx context.Context, parent JobSpec, children []ChildSpec) (string, error) {
	parentJob, err := buildJob(parent.Queue, parent.Name, parent.Payload, parent.Options)
	if err != nil {
		return "", fmt.Errorf("build parent: %w", err)
	}
	flowID := parentJob.ID
	parentJob.FlowID = flowID

	q.mu.Lock()
	defer q.mu.Unlock()
	// Una reentrega del mismo flow no toca el estado en vuelo: el contador
	// de pendientes ya refleja hijos que pudieron haber terminado. Los hijos
	// se reencolan igual (deduplicados) por si el primer submit quedó a medias.
	if _, exists := q.flows[flowID]; !exists {
		q.flows[flowID] = &memoryFlow{
			parent:  parentJob,
			pending: len(children),
			results: make(map[string]json.RawMessage),
		}
		if len(children) == 0 {
			q.pending = append(q.pending, parentJob)
		}
	}
	if len(children) == 0 {
		return flowID, nil
	}
	for _, child := range children {
		job, err := buildJob(child.Queue, child.Name, child.Payload, child.Options)
		if err != nil {
			return "", fmt.Errorf("build child %s: %w", child.Name, err)
		}
		job.FlowID = flowID
		job.FailParent = child.FailParentOnFailure
		q.pushLocked(job)
	}
	return flowID, nil
}

func (q *MemoryQueue) FlowResults(ctx context.Context, flowID string) (map[string]json.RawMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	flow, ok := q.flows[flowID]
	if !ok {
		return nil, ErrUnknownFlow
	}
	out := make(map[string]json.RawMessage, len(flow.results))
	for name, raw := range flow.results {
		out[name] = raw
	}
	return out, nil
}

// Drain procesa jobs hasta vaciar la cola. Los reintentos se ejecutan de
// inmediato, sin backoff real.
func (q *MemoryQueue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return nil
		}
		job := q.pending[0]
		q.pending = q.pending[1:]
		handler := q.handlers[job.Queue]
		q.mu.Unlock()

		if handler == nil {
			return fmt.Errorf("sin handler para cola %q", job.Queue)
		}
		q.runJob(ctx, job, handler)
	}
}

func (q *MemoryQueue) runJob(ctx context.Context, job *Job, handler Handler) {
	for job.Attempt < job.MaxAttempts {
		q.mu.Lock()
		q.attempts[job.ID]++
		q.mu.Unlock()

		result, err := handler(ctx, job)
		if err == nil {
			q.finalize(job, result, true)
			return
		}
		job.Attempt++
	}
	q.mu.Lock()
	q.dead = append(q.dead, job)
	q.mu.Unlock()
	q.finalize(job, nil, false)
}

func (q *MemoryQueue) finalize(job *Job, result interface{}, ok bool) {
	if job.FlowID == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	flow, exists := q.flows[job.FlowID]
	if !exists || flow.parent == nil || flow.parent.ID == job.ID {
		return
	}
	if !ok && job.FailParent {
		flow.failed = true
		return
	}
	if ok && result != nil {
		if raw, err := json.Marshal(result); err == nil {
			flow.results[job.Name] = raw
		}
	}
	flow.pending--
	if flow.pending <= 0 && !flow.failed {
		q.pending = append(q.pending, flow.parent)
	}
}

// Attempts devuelve cuántas ejecuciones consumió un job.
func (q *MemoryQueue) Attempts(jobID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.attempts[jobID]
}

// DeadCount devuelve cuántos jobs agotaron reintentos.
func (q *MemoryQueue) DeadCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dead)
}

var _ Queue = (*MemoryQueue)(nil)
