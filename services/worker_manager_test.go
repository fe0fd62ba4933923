package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSpawner starts workers that exit when their context is cancelled.
type testSpawner struct {
	mu      sync.Mutex
	started int
}

func (s *testSpawner) spawn(ctx context.Context, workerID int) (<-chan struct{}, error) {
	s.mu.Lock()
	s.started++
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
	}()
	return done, nil
}

func (s *testSpawner) startedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func staticDepth(n int) QueueDepthFunc {
	return func() (int, error) { return n, nil }
}

func TestEnsureWorkersRunningStartsPoolOnce(t *testing.T) {
	spawner := &testSpawner{}
	m := NewWorkerManager(spawner.spawn, staticDepth(10), time.Hour, time.Hour)
	defer m.StopWorkers(true)

	started, err := m.EnsureWorkersRunning(4)
	require.NoError(t, err)
	assert.True(t, started)

	again, err := m.EnsureWorkersRunning(4)
	require.NoError(t, err)
	assert.False(t, again)

	assert.Equal(t, 4, spawner.startedCount())

	status := m.Status()
	assert.True(t, status.IsRunning)
	assert.Equal(t, 4, status.WorkerCount)
	assert.Len(t, status.WorkerIDs, 4)
	assert.Equal(t, 10, status.QueueDepth)
}

func TestEnsureWorkersRunningConcurrentCallsStartOnePool(t *testing.T) {
	spawner := &testSpawner{}
	m := NewWorkerManager(spawner.spawn, staticDepth(1), time.Hour, time.Hour)
	defer m.StopWorkers(true)

	var startedCount int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started, err := m.EnsureWorkersRunning(3)
			assert.NoError(t, err)
			if started {
				atomic.AddInt32(&startedCount, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), startedCount)
	assert.Equal(t, 3, spawner.startedCount())
}

func TestIdleShutdownFiresOnceAfterSustainedEmpty(t *testing.T) {
	spawner := &testSpawner{}
	m := NewWorkerManager(spawner.spawn, staticDepth(0), 10*time.Millisecond, 50*time.Millisecond)

	started, err := m.EnsureWorkersRunning(2)
	require.NoError(t, err)
	require.True(t, started)

	require.Eventually(t, func() bool {
		return !m.Status().IsRunning
	}, 2*time.Second, 10*time.Millisecond, "pool should shut down after sustained idle")

	assert.Equal(t, 0, m.Status().WorkerCount)

	// The pool can start again after an idle shutdown
	started, err = m.EnsureWorkersRunning(2)
	require.NoError(t, err)
	assert.True(t, started)
	m.StopWorkers(true)
}

func TestNonEmptyQueueResetsIdleTimer(t *testing.T) {
	spawner := &testSpawner{}
	var depth int32 = 5
	m := NewWorkerManager(spawner.spawn, func() (int, error) {
		return int(atomic.LoadInt32(&depth)), nil
	}, 10*time.Millisecond, 80*time.Millisecond)
	defer m.StopWorkers(true)

	_, err := m.EnsureWorkersRunning(1)
	require.NoError(t, err)

	// Queue stays non-empty well past the idle window: no shutdown
	time.Sleep(200 * time.Millisecond)
	assert.True(t, m.Status().IsRunning)

	// Drain the queue: shutdown follows
	atomic.StoreInt32(&depth, 0)
	require.Eventually(t, func() bool {
		return !m.Status().IsRunning
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIdleShutdownAbortsWhenWorkArrivesLate(t *testing.T) {
	spawner := &testSpawner{}
	var polls int32
	// The monitor sees an empty queue for the whole idle window, but by
	// the time the stop decision re-checks the depth a publisher has
	// landed new tasks. The pool must stay up to consume them.
	depth := func() (int, error) {
		if atomic.AddInt32(&polls, 1) <= 2 {
			return 0, nil
		}
		return 5, nil
	}
	m := NewWorkerManager(spawner.spawn, depth, 10*time.Millisecond, 5*time.Millisecond)
	defer m.StopWorkers(true)

	_, err := m.EnsureWorkersRunning(1)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.True(t, m.Status().IsRunning, "shutdown must abort when the final depth check sees work")
	assert.Equal(t, 1, m.Status().WorkerCount)
}

func TestUnknownDepthNeverTreatedAsEmpty(t *testing.T) {
	spawner := &testSpawner{}
	m := NewWorkerManager(spawner.spawn, func() (int, error) {
		return 0, errors.New("broker unreachable")
	}, 10*time.Millisecond, 40*time.Millisecond)
	defer m.StopWorkers(true)

	_, err := m.EnsureWorkersRunning(1)
	require.NoError(t, err)

	// The depth query keeps failing; the pool must stay up
	time.Sleep(200 * time.Millisecond)
	status := m.Status()
	assert.True(t, status.IsRunning)
	assert.Equal(t, -1, status.QueueDepth)
}

func TestStopWorkersIsIdempotent(t *testing.T) {
	spawner := &testSpawner{}
	m := NewWorkerManager(spawner.spawn, staticDepth(1), time.Hour, time.Hour)

	_, err := m.EnsureWorkersRunning(2)
	require.NoError(t, err)

	m.StopWorkers(false)
	m.StopWorkers(false)
	m.StopWorkers(true)

	assert.False(t, m.Status().IsRunning)
	assert.Equal(t, 0, m.Status().WorkerCount)
}

func TestEnsureWorkersRunningAllSpawnsFail(t *testing.T) {
	m := NewWorkerManager(func(ctx context.Context, id int) (<-chan struct{}, error) {
		return nil, errors.New("no channel")
	}, staticDepth(0), time.Hour, time.Hour)

	started, err := m.EnsureWorkersRunning(3)
	assert.False(t, started)
	assert.ErrorIs(t, err, ErrNoWorkersStarted)
	assert.False(t, m.Status().IsRunning)
}
