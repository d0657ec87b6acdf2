// Package queue implements a durable retry queue shared by the enrichment
// and sync queues: exponential backoff, a retry ceiling, replace-on-retry
// and a single in-flight drain per queue.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Policy is the backoff and retry ceiling of a queue.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// Delay returns min(BaseDelay * 2^retries, MaxDelay).
func (p Policy) Delay(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	d := p.BaseDelay
	for i := 0; i < retries; i++ {
		if d >= p.MaxDelay || d > p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Task is one queued unit of work.
type Task[P any] struct {
	ID          string
	RecordID    string
	Payload     P
	Retries     int
	LastAttempt time.Time // zero if never attempted
	CreatedAt   time.Time
}

// Store persists tasks. RequeueTask must replace the task with a new one
// carrying Retries+1 and LastAttempt=attempted.
type Store[P any] interface {
	ListTasks(ctx context.Context) ([]Task[P], error)
	DeleteTask(ctx context.Context, t Task[P]) error
	RequeueTask(ctx context.Context, t Task[P], attempted time.Time) error
}

// Handler performs a task. A nil error deletes the task.
type Handler[P any] func(ctx context.Context, t Task[P]) error

// Config wires a Queue.
type Config[P any] struct {
	Name   string
	Policy Policy
	Store  Store[P]
	Handle Handler[P]
	// OnExhausted runs before a task that hit the retry ceiling is deleted.
	OnExhausted Handler[P]
	// Online gates draining. Nil means always online.
	Online func() bool
	// Context bounds drains started by Kick; cancelling it stops them at
	// the next task. Nil means they run to completion.
	Context context.Context
	Now     func() time.Time
	Logger  *slog.Logger
}

// Result summarizes one Process call.
type Result struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Exhausted int `json:"exhausted"`
	Deferred  int `json:"deferred"`
	// Coalesced is set when another drain was already running; that drain
	// will run once more on behalf of this call.
	Coalesced bool `json:"coalesced"`
	Offline   bool `json:"offline"`
}

func (r *Result) add(o Result) {
	r.Attempted += o.Attempted
	r.Succeeded += o.Succeeded
	r.Retried += o.Retried
	r.Exhausted += o.Exhausted
	r.Deferred += o.Deferred
	r.Offline = r.Offline || o.Offline
}

// Queue drains a Store through a Handler.
type Queue[P any] struct {
	cfg    Config[P]
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	again   bool

	kicks sync.WaitGroup
}

// New creates a Queue from cfg.
func New[P any](cfg Config[P]) *Queue[P] {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Online == nil {
		cfg.Online = func() bool { return true }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue[P]{cfg: cfg, logger: logger.With("queue", cfg.Name)}
}

// Policy returns the queue's backoff policy.
func (q *Queue[P]) Policy() Policy {
	return q.cfg.Policy
}

// Process drains the queue once. If a drain is already in flight the call
// returns immediately and the running drain makes one more pass when done.
func (q *Queue[P]) Process(ctx context.Context) (Result, error) {
	q.mu.Lock()
	if q.running {
		q.again = true
		q.mu.Unlock()
		return Result{Coalesced: true}, nil
	}
	q.running = true
	q.mu.Unlock()

	var total Result
	for {
		res, err := q.drain(ctx)
		total.add(res)

		q.mu.Lock()
		if err != nil || !q.again || ctx.Err() != nil {
			q.running = false
			q.again = false
			q.mu.Unlock()
			return total, err
		}
		q.again = false
		q.mu.Unlock()
	}
}

// Kick starts Process in the background. The drain outlives ctx's
// cancellation but keeps its values; it is cancelled with Config.Context.
func (q *Queue[P]) Kick(ctx context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := func() bool { return false }
	if q.cfg.Context != nil {
		stop = context.AfterFunc(q.cfg.Context, cancel)
	}
	q.kicks.Add(1)
	go func() {
		defer q.kicks.Done()
		defer cancel()
		defer stop()
		if _, err := q.Process(ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Warn("background drain failed", "error", err)
		}
	}()
}

// Wait blocks until every drain started by Kick has returned.
func (q *Queue[P]) Wait() {
	q.kicks.Wait()
}

func (q *Queue[P]) drain(ctx context.Context) (Result, error) {
	var res Result
	if !q.cfg.Online() {
		res.Offline = true
		return res, nil
	}

	tasks, err := q.cfg.Store.ListTasks(ctx)
	if err != nil {
		return res, err
	}

	for _, t := range tasks {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		now := q.cfg.Now()
		delay := q.cfg.Policy.Delay(t.Retries)
		if !t.LastAttempt.IsZero() && now.Sub(t.LastAttempt) < delay {
			res.Deferred++
			continue
		}

		log := q.logger.With("task_id", t.ID, "record_id", t.RecordID, "retries", t.Retries)

		if t.Retries >= q.cfg.Policy.MaxRetries {
			if q.cfg.OnExhausted != nil {
				if err := q.cfg.OnExhausted(ctx, t); err != nil {
					log.Warn("exhaustion hook failed", "error", err)
				}
			}
			if err := q.cfg.Store.DeleteTask(ctx, t); err != nil {
				log.Warn("deleting exhausted task", "error", err)
				continue
			}
			log.Warn("task exceeded max retries, removed")
			res.Exhausted++
			continue
		}

		if !q.cfg.Online() {
			res.Offline = true
			return res, nil
		}

		res.Attempted++
		if err := q.cfg.Handle(ctx, t); err != nil {
			log.Warn("task failed", "error", err)
			if rerr := q.cfg.Store.RequeueTask(ctx, t, q.cfg.Now()); rerr != nil {
				log.Warn("requeueing failed task", "error", rerr)
				continue
			}
			res.Retried++
			continue
		}

		if err := q.cfg.Store.DeleteTask(ctx, t); err != nil {
			log.Warn("deleting completed task", "error", err)
			continue
		}
		log.Debug("task completed")
		res.Succeeded++
	}
	return res, nil
}
