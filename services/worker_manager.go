package services

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"campaign_dispatcher/models"
)

// ErrNoWorkersStarted means every worker spawn attempt failed.
var ErrNoWorkersStarted = errors.New("no workers could be started")

// WorkerSpawner starts one worker goroutine and returns a channel that
// closes when the worker exits.
type WorkerSpawner func(ctx context.Context, workerID int) (<-chan struct{}, error)

// QueueDepthFunc reports the dispatch queue depth. An error means the
// depth is unknown, which is never the same as empty.
type QueueDepthFunc func() (int, error)

type workerHandle struct {
	id   int
	done <-chan struct{}
}

// WorkerManager supervises the pool of dispatch workers. At most one pool
// runs at a time; a monitor goroutine prunes dead workers and shuts the
// pool down after a sustained idle period so an empty queue doesn't keep
// consumers parked forever.
type WorkerManager struct {
	spawn WorkerSpawner
	depth QueueDepthFunc

	checkInterval time.Duration
	idleShutdown  time.Duration

	mu          sync.Mutex
	running     bool
	workers     map[int]*workerHandle
	cancel      context.CancelFunc
	monitorDone chan struct{}
	nextID      int
}

func NewWorkerManager(spawn WorkerSpawner, depth QueueDepthFunc, checkInterval, idleShutdown time.Duration) *WorkerManager {
	return &WorkerManager{
		spawn:         spawn,
		depth:         depth,
		checkInterval: checkInterval,
		idleShutdown:  idleShutdown,
		workers:       make(map[int]*workerHandle),
	}
}

// EnsureWorkersRunning starts n workers if the pool is not already alive.
// Returns true when this call started the pool, false when it was a no-op.
func (m *WorkerManager) EnsureWorkersRunning(n int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return false, nil
	}
	if n <= 0 {
		n = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	started := 0
	for i := 0; i < n; i++ {
		m.nextID++
		id := m.nextID
		done, err := m.spawn(ctx, id)
		if err != nil {
			log.Printf("[WORKER_MANAGER] Failed to start worker %d: %v", id, err)
			continue
		}
		m.workers[id] = &workerHandle{id: id, done: done}
		started++
	}

	if started == 0 {
		cancel()
		return false, ErrNoWorkersStarted
	}

	m.cancel = cancel
	m.running = true
	m.monitorDone = make(chan struct{})
	go m.monitor(ctx, m.monitorDone)

	log.Printf("[WORKER_MANAGER] ✅ Started %d/%d workers", started, n)
	return true, nil
}

// StopWorkers cancels the pool. With force=false it waits up to 30 seconds
// for in-flight tasks to finish; force=true returns without waiting and
// any in-flight delivery is redelivered by the broker.
func (m *WorkerManager) StopWorkers(force bool) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	handles := make([]*workerHandle, 0, len(m.workers))
	for _, h := range m.workers {
		handles = append(handles, h)
	}
	m.running = false
	m.workers = make(map[int]*workerHandle)
	m.cancel = nil
	m.mu.Unlock()

	cancel()

	if force {
		log.Println("[WORKER_MANAGER] Force stop requested, not waiting for workers")
		return
	}

	deadline := time.After(30 * time.Second)
	for _, h := range handles {
		select {
		case <-h.done:
		case <-deadline:
			log.Printf("[WORKER_MANAGER] Timed out waiting for worker %d", h.id)
			return
		}
	}
	log.Println("[WORKER_MANAGER] All workers stopped")
}

// Status reports the pool snapshot. QueueDepth is -1 when the broker
// could not be asked.
func (m *WorkerManager) Status() models.WorkerStatus {
	m.mu.Lock()
	ids := make([]int, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	running := m.running
	m.mu.Unlock()
	sort.Ints(ids)

	depth := -1
	if d, err := m.depth(); err == nil {
		depth = d
	}

	return models.WorkerStatus{
		IsRunning:   running,
		WorkerCount: len(ids),
		WorkerIDs:   ids,
		QueueDepth:  depth,
	}
}

// monitor prunes exited workers and enforces the idle shutdown rule: once
// the queue stays empty for the full idle window the pool stops itself.
// An unknown depth resets nothing and triggers nothing.
func (m *WorkerManager) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	var idleSince time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		alive := m.prune()
		if alive == 0 {
			log.Println("[WORKER_MANAGER] All workers exited, stopping pool")
			m.StopWorkers(true)
			return
		}

		depth, err := m.depth()
		if err != nil {
			// Unknown depth must never count as empty
			log.Printf("[WORKER_MANAGER] Queue depth unknown: %v", err)
			idleSince = time.Time{}
			continue
		}

		if depth > 0 {
			idleSince = time.Time{}
			continue
		}

		if idleSince.IsZero() {
			idleSince = time.Now()
			continue
		}
		if time.Since(idleSince) >= m.idleShutdown {
			if m.idleStop() {
				return
			}
			// Fresh work arrived between the tick and the stop decision
			idleSince = time.Time{}
		}
	}
}

// idleStop tears the pool down after the idle window. The decision is
// taken under the manager lock with a final depth re-check, so a caller
// racing through EnsureWorkersRunning can never be told the pool is
// already running by a pool that is about to die with tasks waiting:
// either the ensure lands first and the re-check sees its freshly
// published work (shutdown aborts), or the stop lands first and the
// ensure starts a new pool. Returns false when the shutdown was aborted.
func (m *WorkerManager) idleStop() bool {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return true
	}
	if depth, err := m.depth(); err != nil || depth > 0 {
		m.mu.Unlock()
		log.Println("[WORKER_MANAGER] Idle shutdown aborted, queue no longer empty")
		return false
	}

	cancel := m.cancel
	handles := make([]*workerHandle, 0, len(m.workers))
	for _, h := range m.workers {
		handles = append(handles, h)
	}
	m.running = false
	m.workers = make(map[int]*workerHandle)
	m.cancel = nil
	m.mu.Unlock()

	log.Printf("[WORKER_MANAGER] Queue idle for %s, shutting down %d workers", m.idleShutdown, len(handles))
	cancel()

	deadline := time.After(30 * time.Second)
	for _, h := range handles {
		select {
		case <-h.done:
		case <-deadline:
			log.Printf("[WORKER_MANAGER] Timed out waiting for worker %d", h.id)
			return true
		}
	}
	log.Println("[WORKER_MANAGER] All workers stopped")
	return true
}

// prune drops workers whose done channel has closed and returns the count
// still alive.
func (m *WorkerManager) prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, h := range m.workers {
		select {
		case <-h.done:
			log.Printf("[WORKER_MANAGER] Worker %d exited, pruning", id)
			delete(m.workers, id)
		default:
		}
	}
	return len(m.workers)
}
