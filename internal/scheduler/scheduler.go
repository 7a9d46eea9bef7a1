// internal/scheduler/scheduler.go
// The scheduler admits tasks into bounded concurrent execution. Admission is
// a weighted semaphore: up to MaxConcurrent tasks run at once and the rest
// queue in submission order. Cancellation is cooperative; a cancelled task
// that is still queued never starts, and a running one stops at its next
// step boundary and releases its slot and browser session immediately.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/waypoint-cli/api/schemas"
	"github.com/xkilldash9x/waypoint-cli/internal/config"
)

var (
	// ErrUnknownTask is returned for IDs the scheduler has never seen.
	ErrUnknownTask = errors.New("unknown task")
	// ErrShuttingDown rejects submissions after Shutdown has begun.
	ErrShuttingDown = errors.New("scheduler is shutting down")
	// ErrNotFinished is returned by Result for a task still queued or running.
	ErrNotFinished = errors.New("task has not finished")
)

// Runner executes a single task to completion. Satisfied by the
// orchestrator.
type Runner interface {
	Run(ctx context.Context, task schemas.Task) (schemas.VerificationResult, error)
}

// execution tracks one submitted task through its lifecycle.
type execution struct {
	task   schemas.Task
	cancel context.CancelFunc
	done   chan struct{}

	// Admission baton. Each execution waits for its predecessor's turn at
	// the semaphore before taking its own, which makes admission order equal
	// submission order; admitted closes once this execution's turn has
	// passed, whether it took a slot or abandoned the queue.
	prev      *execution
	admitted  chan struct{}
	admitOnce sync.Once

	result schemas.VerificationResult
	err    error
}

// admit passes the baton to the next submission.
func (e *execution) admit() {
	e.admitOnce.Do(func() {
		close(e.admitted)
		e.prev = nil
	})
}

// Scheduler runs tasks with bounded concurrency.
type Scheduler struct {
	runner Runner
	logger *zap.Logger
	sem    *semaphore.Weighted

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	tasks    map[string]*execution
	tail     *execution // Most recent submission; head of the admission baton chain.
	draining bool
	wg       sync.WaitGroup
}

// New builds a scheduler that runs at most cfg.MaxConcurrent tasks at once.
func New(cfg config.SchedulerConfig, runner Runner, logger *zap.Logger) *Scheduler {
	limit := cfg.MaxConcurrent
	if limit <= 0 {
		limit = 5
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:     runner,
		logger:     logger.Named("scheduler"),
		sem:        semaphore.NewWeighted(int64(limit)),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		tasks:      make(map[string]*execution),
	}
}

// Submit queues a task and returns its ID immediately. The task starts once
// a slot frees up; queued tasks start in submission order.
func (s *Scheduler) Submit(task schemas.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Status = schemas.TaskQueued
	task.SubmittedAt = time.Now().UTC()

	execCtx, cancel := context.WithCancel(s.baseCtx)
	e := &execution{task: task, cancel: cancel, done: make(chan struct{}), admitted: make(chan struct{})}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		cancel()
		return "", ErrShuttingDown
	}
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		cancel()
		return "", errors.New("duplicate task ID")
	}
	s.tasks[task.ID] = e
	e.prev = s.tail
	s.tail = e
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("Task queued.", zap.String("task_id", task.ID), zap.String("goal", task.Goal))
	go s.execute(execCtx, e)
	return task.ID, nil
}

func (s *Scheduler) execute(ctx context.Context, e *execution) {
	defer s.wg.Done()
	defer close(e.done)
	defer e.admit()

	// Wait out the predecessor's turn first, then queue for a slot. A
	// cancelled task abandons the queue at either point.
	if prev := e.prev; prev != nil {
		select {
		case <-prev.admitted:
		case <-ctx.Done():
			s.settle(e, schemas.VerificationResult{}, ctx.Err())
			return
		}
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.settle(e, schemas.VerificationResult{}, err)
		return
	}
	e.admit()
	defer s.sem.Release(1)

	s.mu.Lock()
	e.task.Status = schemas.TaskRunning
	e.task.StartedAt = time.Now().UTC()
	task := e.task
	s.mu.Unlock()

	s.logger.Info("Task started.", zap.String("task_id", task.ID))
	res, err := s.runner.Run(ctx, task)
	s.settle(e, res, err)
}

// settle records the terminal state of an execution.
func (s *Scheduler) settle(e *execution, res schemas.VerificationResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.result = res
	e.err = err
	e.task.FinishedAt = time.Now().UTC()
	switch {
	case err == nil:
		e.task.Status = schemas.TaskCompleted
	case errors.Is(err, context.Canceled):
		e.task.Status = schemas.TaskCancelled
	default:
		e.task.Status = schemas.TaskFailed
	}

	s.logger.Info("Task settled.",
		zap.String("task_id", e.task.ID),
		zap.String("status", string(e.task.Status)),
		zap.Error(err))
}

// Status returns a copy of the task's current lifecycle state.
func (s *Scheduler) Status(id string) (schemas.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return schemas.Task{}, ErrUnknownTask
	}
	return e.task, nil
}

// Result returns the verification result and terminal error of a finished
// task, or ErrNotFinished while it is still in flight.
func (s *Scheduler) Result(id string) (schemas.VerificationResult, error) {
	s.mu.Lock()
	e, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return schemas.VerificationResult{}, ErrUnknownTask
	}
	select {
	case <-e.done:
	default:
		return schemas.VerificationResult{}, ErrNotFinished
	}
	return e.result, e.err
}

// Wait blocks until the task finishes or ctx expires, then returns its
// result and terminal error.
func (s *Scheduler) Wait(ctx context.Context, id string) (schemas.VerificationResult, error) {
	s.mu.Lock()
	e, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return schemas.VerificationResult{}, ErrUnknownTask
	}
	select {
	case <-ctx.Done():
		return schemas.VerificationResult{}, ctx.Err()
	case <-e.done:
		return e.result, e.err
	}
}

// Remove forgets a finished task so a long-lived scheduler does not
// accumulate settled executions. A task still queued or running is refused
// with ErrNotFinished.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return ErrUnknownTask
	}
	select {
	case <-e.done:
	default:
		return ErrNotFinished
	}
	delete(s.tasks, id)
	return nil
}

// Cancel requests cooperative cancellation. A queued task never starts; a
// running one stops at its next step boundary. Cancelling a finished task is
// a no-op.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	e, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTask
	}
	e.cancel()
	return nil
}

// Shutdown stops accepting submissions and waits for in-flight tasks to
// drain. If ctx expires first, remaining tasks are cancelled and waited for.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("Drain deadline reached, cancelling remaining tasks.")
		s.baseCancel()
		<-done
		return ctx.Err()
	}
}
