// Package tasks runs background work off the request path: a Redis list
// drained with BRPOP plus a sorted set of delayed tasks promoted by a
// background mover. Delivery is at least once; handlers are idempotent by
// job or room id.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// moverBatch caps how many due tasks one promotion pass moves.
const moverBatch = 100

// Task is one unit of queued work.
type Task struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Args    json.RawMessage `json:"args"`
	Retries int             `json:"retries"`
}

// HandlerFunc processes one task. A returned error is logged; tasks are not
// redelivered automatically — handlers that need another attempt requeue
// themselves via [Queue.Requeue].
type HandlerFunc func(ctx context.Context, task Task) error

// Queue is the Redis-backed task queue. Register handlers before calling
// [Queue.Run]; Enqueue may be called from any goroutine at any time.
type Queue struct {
	client       *redis.Client
	listKey      string
	delayedKey   string
	workers      int
	popTimeout   time.Duration
	pollInterval time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// Option configures a Queue.
type Option func(*Queue)

// WithKey sets the Redis list key. The delayed set uses key + ":delayed".
// Default is "carevox:tasks".
func WithKey(key string) Option {
	return func(q *Queue) {
		q.listKey = key
		q.delayedKey = key + ":delayed"
	}
}

// WithWorkers sets the number of worker goroutines. Default is 2.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		q.workers = n
	}
}

// WithPollInterval sets how often the mover promotes due delayed tasks.
// Default is 1 second.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		q.pollInterval = d
	}
}

// New creates a Queue on top of an existing Redis client.
func New(client *redis.Client, opts ...Option) *Queue {
	q := &Queue{
		client:       client,
		listKey:      "carevox:tasks",
		delayedKey:   "carevox:tasks:delayed",
		workers:      2,
		popTimeout:   time.Second,
		pollInterval: time.Second,
		handlers:     make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register binds a handler to a task name, replacing any previous binding.
func (q *Queue) Register(name string, h HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// Enqueue schedules a task for immediate execution. args is serialized to
// JSON.
func (q *Queue) Enqueue(ctx context.Context, name string, args any) error {
	task, err := newTask(name, args)
	if err != nil {
		return err
	}
	return q.push(ctx, task, 0)
}

// EnqueueIn schedules a task to run no earlier than delay from now.
func (q *Queue) EnqueueIn(ctx context.Context, delay time.Duration, name string, args any) error {
	task, err := newTask(name, args)
	if err != nil {
		return err
	}
	return q.push(ctx, task, delay)
}

// Requeue schedules the task to run again after delay with its retry
// counter incremented.
func (q *Queue) Requeue(ctx context.Context, task Task, delay time.Duration) error {
	task.Retries++
	return q.push(ctx, task, delay)
}

// Run starts the workers and the delayed-task mover and blocks until ctx is
// canceled.
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		q.mover(ctx)
		return nil
	})
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			q.worker(ctx)
			return nil
		})
	}
	return g.Wait()
}

func newTask(name string, args any) (Task, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return Task{}, fmt.Errorf("tasks: marshal args for %s: %w", name, err)
	}
	return Task{ID: uuid.NewString(), Name: name, Args: data}, nil
}

func (q *Queue) push(ctx context.Context, task Task, delay time.Duration) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("tasks: marshal task %s: %w", task.Name, err)
	}
	if delay <= 0 {
		if err := q.client.LPush(ctx, q.listKey, data).Err(); err != nil {
			return fmt.Errorf("tasks: enqueue %s: %w", task.Name, err)
		}
		return nil
	}
	member := redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: data,
	}
	if err := q.client.ZAdd(ctx, q.delayedKey, member).Err(); err != nil {
		return fmt.Errorf("tasks: enqueue delayed %s: %w", task.Name, err)
	}
	return nil
}

// worker drains the list. BRPOP uses a short timeout so context cancellation
// is observed between pops.
func (q *Queue) worker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := q.client.BRPop(ctx, q.popTimeout, q.listKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			slog.Warn("tasks: pop failed", "error", err)
			select {
			case <-time.After(q.popTimeout):
			case <-ctx.Done():
				return
			}
			continue
		}
		// res[0] is the list key, res[1] the popped payload.
		q.dispatch(ctx, res[1])
	}
}

func (q *Queue) dispatch(ctx context.Context, raw string) {
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		slog.Error("tasks: drop malformed task", "error", err)
		return
	}

	q.mu.RLock()
	h, ok := q.handlers[task.Name]
	q.mu.RUnlock()
	if !ok {
		slog.Error("tasks: no handler registered", "task", task.Name, "id", task.ID)
		return
	}

	start := time.Now()
	if err := h(ctx, task); err != nil {
		slog.Error("tasks: task failed",
			"task", task.Name, "id", task.ID, "retries", task.Retries,
			"took", time.Since(start), "error", err)
		return
	}
	slog.Debug("tasks: task done", "task", task.Name, "id", task.ID, "took", time.Since(start))
}

// mover promotes due tasks from the delayed set onto the list.
func (q *Queue) mover(ctx context.Context) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.promoteDue(ctx)
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: moverBatch,
	}).Result()
	if err != nil {
		slog.Warn("tasks: read delayed set failed", "error", err)
		return
	}

	for _, raw := range due {
		// ZRem first: whichever mover removes the member owns it, so a task
		// is promoted once even with competing movers.
		removed, err := q.client.ZRem(ctx, q.delayedKey, raw).Result()
		if err != nil {
			slog.Warn("tasks: promote failed", "error", err)
			continue
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.listKey, raw).Err(); err != nil {
			slog.Error("tasks: lost promoted task", "error", err)
		}
	}
}
