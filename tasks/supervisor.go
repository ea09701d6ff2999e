// Package tasks supervises long-running per-user jobs (multi-step agent
// pipelines and the like) so they can be observed and cancelled. Each task
// reports progress through the state store and the event router, giving the
// client monotonic progress messages without polling.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/abdelmounim-dev/agent-notifier/metrics"
	"github.com/abdelmounim-dev/agent-notifier/router"
	"github.com/abdelmounim-dev/agent-notifier/state"
)

// ErrTaskExists is returned by Start while a task with the same
// (user, name) key is still running.
var ErrTaskExists = errors.New("task already running for this user")

// Notifier is the slice of the event router the supervisor needs.
type Notifier interface {
	SendToUser(ctx context.Context, userID string, event router.Event) router.Result
}

// TaskFunc is the body of a supervised task. It must honor ctx cancellation
// at every blocking point and report progress through p.
type TaskFunc func(ctx context.Context, p *Progress) error

// TaskStatus is one entry of the ops surface.
type TaskStatus struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
	Steps     int       `json:"steps"`
}

type taskKey struct {
	userID string
	name   string
}

type task struct {
	key       taskKey
	cancel    context.CancelFunc
	startedAt time.Time

	mu    sync.Mutex
	steps int
}

// Supervisor tracks named async jobs keyed by (userID, taskName).
type Supervisor struct {
	store    *state.Store
	notifier Notifier

	mu    sync.Mutex
	tasks map[taskKey]*task
	wg    sync.WaitGroup

	baseCtx context.Context
	stop    context.CancelFunc
}

// New creates a supervisor. Tasks derive their contexts from the
// supervisor's own, so Shutdown cancels everything at once.
func New(store *state.Store, notifier Notifier) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:    store,
		notifier: notifier,
		tasks:    make(map[taskKey]*task),
		baseCtx:  ctx,
		stop:     cancel,
	}
}

func progressKey(name string) string {
	return fmt.Sprintf("task:%s:progress", name)
}

// Start launches fn under supervision. It fails with ErrTaskExists while a
// task with the same key is running. The task runs on its own goroutine; a
// cancelled or failed task clears its own progress entries before exiting.
func (s *Supervisor) Start(userID, name string, fn TaskFunc) error {
	key := taskKey{userID: userID, name: name}

	ctx, cancel := context.WithCancel(s.baseCtx)
	t := &task{key: key, cancel: cancel, startedAt: time.Now()}

	s.mu.Lock()
	if _, running := s.tasks[key]; running {
		s.mu.Unlock()
		cancel()
		return ErrTaskExists
	}
	s.tasks[key] = t
	s.mu.Unlock()

	metrics.BackgroundTasks.Inc()
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer cancel()

		p := &Progress{sup: s, task: t}
		err := fn(ctx, p)

		s.mu.Lock()
		delete(s.tasks, key)
		s.mu.Unlock()
		metrics.BackgroundTasks.Dec()

		switch {
		case errors.Is(err, context.Canceled):
			// Cleanup-on-cancel: a cancelled task must not leak its
			// progress entries.
			s.store.Delete(context.Background(), state.ScopeUser, userID, progressKey(name))
			log.Printf("Task %s for user %s cancelled", name, userID)
		case err != nil:
			s.store.Delete(context.Background(), state.ScopeUser, userID, progressKey(name))
			log.Printf("Task %s for user %s failed: %v", name, userID, err)
		default:
			log.Printf("Task %s for user %s completed after %d steps", name, userID, t.stepCount())
		}
	}()

	return nil
}

// Cancel requests cooperative cancellation of a task. Returns false when no
// such task is running.
func (s *Supervisor) Cancel(userID, name string) bool {
	s.mu.Lock()
	t, ok := s.tasks[taskKey{userID: userID, name: name}]
	s.mu.Unlock()

	if !ok {
		return false
	}
	t.cancel()
	return true
}

// Status returns a snapshot of every running task.
func (s *Supervisor) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for key, t := range s.tasks {
		out = append(out, TaskStatus{
			UserID:    key.userID,
			Name:      key.name,
			StartedAt: t.startedAt,
			Steps:     t.stepCount(),
		})
	}
	return out
}

// Running returns the number of supervised tasks. Diagnostic only.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Shutdown cancels every task and waits for them to drain, bounded by ctx.
// Each task clears its own progress entries on the way out.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task supervisor shutdown timed out: %w", ctx.Err())
	}
}

// Progress is handed to a task body for step reporting. Step bumps a
// monotonic USER-scope counter via the store's atomic update and emits a
// task_progress event, so concurrent reporters never lose counts.
type Progress struct {
	sup  *Supervisor
	task *task
}

// Step records one completed step with a human-readable label.
func (p *Progress) Step(ctx context.Context, label string) {
	p.task.mu.Lock()
	p.task.steps++
	steps := p.task.steps
	p.task.mu.Unlock()

	key := p.task.key
	count := p.sup.store.Update(ctx, state.ScopeUser, key.userID, progressKey(key.name),
		func(cur interface{}, ok bool) interface{} {
			n, _ := cur.(int)
			if !ok {
				n = 0
			}
			return n + 1
		})

	p.sup.notifier.SendToUser(ctx, key.userID, router.Event{
		Type: router.EventTaskProgress,
		Data: map[string]interface{}{
			"task":  key.name,
			"step":  steps,
			"total": count,
			"label": label,
		},
	})
}

func (t *task) stepCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.steps
}
