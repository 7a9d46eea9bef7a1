package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint-cli/api/schemas"
	"github.com/xkilldash9x/waypoint-cli/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// blockingRunner holds every task until released, tracking concurrency and
// start order.
type blockingRunner struct {
	mu         sync.Mutex
	running    int
	maxRunning int
	runs       int

	release chan struct{}
	started chan string
	result  schemas.VerificationResult
	err     error
}

func newBlockingRunner(capacity int) *blockingRunner {
	return &blockingRunner{
		release: make(chan struct{}),
		started: make(chan string, capacity),
		result:  schemas.VerificationResult{Status: schemas.VerificationSuccess, Score: 90},
	}
}

func (r *blockingRunner) Run(ctx context.Context, task schemas.Task) (schemas.VerificationResult, error) {
	r.mu.Lock()
	r.running++
	r.runs++
	if r.running > r.maxRunning {
		r.maxRunning = r.running
	}
	r.mu.Unlock()

	r.started <- task.ID

	defer func() {
		r.mu.Lock()
		r.running--
		r.mu.Unlock()
	}()

	select {
	case <-r.release:
		return r.result, r.err
	case <-ctx.Done():
		return schemas.VerificationResult{}, ctx.Err()
	}
}

func (r *blockingRunner) currentlyRunning() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *blockingRunner) totalRuns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func task(i int) schemas.Task {
	return schemas.Task{
		Goal:     fmt.Sprintf("goal %d", i),
		EntryURL: "https://example.com",
	}
}

func shutdownScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	runner := newBlockingRunner(8)
	s := New(config.SchedulerConfig{MaxConcurrent: 2}, runner, zap.NewNop())

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := s.Submit(task(i))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Exactly the cap runs; everything else stays queued.
	require.Eventually(t, func() bool {
		return runner.currentlyRunning() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool {
		return runner.currentlyRunning() > 2
	}, 100*time.Millisecond, 10*time.Millisecond)

	queued := 0
	for _, id := range ids {
		st, err := s.Status(id)
		require.NoError(t, err)
		if st.Status == schemas.TaskQueued {
			queued++
		}
	}
	assert.Equal(t, 3, queued)

	close(runner.release)
	for _, id := range ids {
		res, err := s.Wait(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, schemas.VerificationSuccess, res.Status)
		st, _ := s.Status(id)
		assert.Equal(t, schemas.TaskCompleted, st.Status)
	}
	assert.LessOrEqual(t, runner.maxRunning, 2)
	shutdownScheduler(t, s)
}

func TestSchedulerStartsInSubmissionOrder(t *testing.T) {
	const burst = 40
	runner := newBlockingRunner(burst)
	s := New(config.SchedulerConfig{MaxConcurrent: 1}, runner, zap.NewNop())
	close(runner.release)

	// A tight submission burst; admission must still follow it exactly.
	submitted := make([]string, 0, burst)
	for i := 0; i < burst; i++ {
		id, err := s.Submit(task(i))
		require.NoError(t, err)
		submitted = append(submitted, id)
	}

	started := make([]string, 0, burst)
	for i := 0; i < burst; i++ {
		started = append(started, <-runner.started)
	}
	assert.Equal(t, submitted, started)
	shutdownScheduler(t, s)
}

func TestSchedulerCancelQueuedTaskNeverRuns(t *testing.T) {
	runner := newBlockingRunner(2)
	s := New(config.SchedulerConfig{MaxConcurrent: 1}, runner, zap.NewNop())

	first, err := s.Submit(task(0))
	require.NoError(t, err)
	<-runner.started

	second, err := s.Submit(task(1))
	require.NoError(t, err)
	require.NoError(t, s.Cancel(second))

	_, err = s.Wait(context.Background(), second)
	assert.ErrorIs(t, err, context.Canceled)
	st, _ := s.Status(second)
	assert.Equal(t, schemas.TaskCancelled, st.Status)

	close(runner.release)
	_, err = s.Wait(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, 1, runner.totalRuns(), "the cancelled task must never have started")
	shutdownScheduler(t, s)
}

func TestSchedulerCancelRunningTask(t *testing.T) {
	runner := newBlockingRunner(1)
	s := New(config.SchedulerConfig{MaxConcurrent: 1}, runner, zap.NewNop())

	id, err := s.Submit(task(0))
	require.NoError(t, err)
	<-runner.started

	require.NoError(t, s.Cancel(id))
	_, err = s.Wait(context.Background(), id)
	assert.ErrorIs(t, err, context.Canceled)
	st, _ := s.Status(id)
	assert.Equal(t, schemas.TaskCancelled, st.Status)
	close(runner.release)
	shutdownScheduler(t, s)
}

func TestSchedulerResultSemantics(t *testing.T) {
	runner := newBlockingRunner(1)
	s := New(config.SchedulerConfig{MaxConcurrent: 1}, runner, zap.NewNop())

	_, err := s.Result("no-such-task")
	assert.ErrorIs(t, err, ErrUnknownTask)

	id, err := s.Submit(task(0))
	require.NoError(t, err)
	<-runner.started

	_, err = s.Result(id)
	assert.ErrorIs(t, err, ErrNotFinished)

	close(runner.release)
	_, err = s.Wait(context.Background(), id)
	require.NoError(t, err)

	res, err := s.Result(id)
	require.NoError(t, err)
	assert.Equal(t, 90, res.Score)
	shutdownScheduler(t, s)
}

func TestSchedulerRemovePrunesFinishedTasks(t *testing.T) {
	runner := newBlockingRunner(1)
	s := New(config.SchedulerConfig{MaxConcurrent: 1}, runner, zap.NewNop())

	assert.ErrorIs(t, s.Remove("no-such-task"), ErrUnknownTask)

	id, err := s.Submit(task(0))
	require.NoError(t, err)
	<-runner.started
	assert.ErrorIs(t, s.Remove(id), ErrNotFinished, "in-flight tasks stay tracked")

	close(runner.release)
	_, err = s.Wait(context.Background(), id)
	require.NoError(t, err)

	require.NoError(t, s.Remove(id))
	_, err = s.Status(id)
	assert.ErrorIs(t, err, ErrUnknownTask)
	shutdownScheduler(t, s)
}

func TestSchedulerFailedRunMarksTaskFailed(t *testing.T) {
	runner := newBlockingRunner(1)
	runner.err = errors.New("oracle unreachable")
	s := New(config.SchedulerConfig{MaxConcurrent: 1}, runner, zap.NewNop())

	id, err := s.Submit(task(0))
	require.NoError(t, err)
	<-runner.started
	close(runner.release)

	_, err = s.Wait(context.Background(), id)
	require.Error(t, err)
	st, _ := s.Status(id)
	assert.Equal(t, schemas.TaskFailed, st.Status)
	shutdownScheduler(t, s)
}

func TestSchedulerShutdownRejectsNewWork(t *testing.T) {
	runner := newBlockingRunner(1)
	s := New(config.SchedulerConfig{MaxConcurrent: 1}, runner, zap.NewNop())
	close(runner.release)

	shutdownScheduler(t, s)
	_, err := s.Submit(task(0))
	assert.ErrorIs(t, err, ErrShuttingDown)
}
