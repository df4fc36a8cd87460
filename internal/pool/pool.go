// Package pool schedules agent runs: a FIFO queue per project, at most one
// active run per project, and a global concurrency gate shared by all
// projects. Admission over waiting projects is round-robin so one busy
// project cannot monopolise the gate.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrQueueFull is returned when a project's waiting queue is at capacity.
var ErrQueueFull = errors.New("project queue is full")

// ErrShuttingDown is returned for enqueues after Shutdown begins and
// delivered to queued tasks dropped by the drain.
var ErrShuttingDown = errors.New("pool is shutting down")

// drainTimeout bounds how long Shutdown waits for in-flight tasks.
const drainTimeout = 5 * time.Minute

// Task is one unit of work executed under a project slot.
type Task func(ctx context.Context) error

type queuedTask struct {
	task   Task
	result chan error
}

// Pool is the bounded per-project scheduler.
type Pool struct {
	mu        sync.Mutex
	sem       *semaphore.Weighted
	depth     int
	queues    map[string][]*queuedTask
	running   map[string]bool
	rotation  []string // round-robin order of projects with waiting work
	active    int
	shutdown  bool
	wg        sync.WaitGroup
	baseCtx   context.Context
	cancelAll context.CancelFunc
}

// New creates a pool with the given global concurrency and per-project
// queue depth.
func New(maxConcurrent, projectQueueDepth int) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if projectQueueDepth < 1 {
		projectQueueDepth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		depth:     projectQueueDepth,
		queues:    make(map[string][]*queuedTask),
		running:   make(map[string]bool),
		baseCtx:   ctx,
		cancelAll: cancel,
	}
}

// Enqueue admits a task for the project. The returned channel receives the
// task's error (or nil) exactly once. Position 0 means the task started
// immediately; >=1 is its place in the project's waiting queue.
func (p *Pool) Enqueue(project string, task Task) (<-chan error, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return nil, 0, ErrShuttingDown
	}
	if len(p.queues[project]) >= p.depth {
		return nil, 0, fmt.Errorf("%w: %s", ErrQueueFull, project)
	}

	qt := &queuedTask{task: task, result: make(chan error, 1)}

	// Start immediately when the project is idle, nothing is queued ahead
	// of it, and the global gate has room.
	if !p.running[project] && len(p.queues[project]) == 0 && p.sem.TryAcquire(1) {
		p.startLocked(project, qt)
		return qt.result, 0, nil
	}

	p.queues[project] = append(p.queues[project], qt)
	if len(p.queues[project]) == 1 {
		p.rotation = append(p.rotation, project)
	}
	position := len(p.queues[project])
	return qt.result, position, nil
}

// startLocked marks the project active and launches the task goroutine.
// Caller holds the mutex and has already acquired a semaphore permit.
func (p *Pool) startLocked(project string, qt *queuedTask) {
	p.running[project] = true
	p.active++
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		err := runSafely(p.baseCtx, qt.task)
		qt.result <- err

		p.mu.Lock()
		p.running[project] = false
		p.active--
		p.sem.Release(1)
		p.dispatchLocked()
		p.mu.Unlock()
	}()
}

// dispatchLocked admits waiting tasks round-robin while permits remain.
func (p *Pool) dispatchLocked() {
	for {
		project, qt := p.nextWaitingLocked()
		if qt == nil {
			return
		}
		if !p.sem.TryAcquire(1) {
			// Put the project back at the front so it goes first on the
			// next release.
			p.rotation = append([]string{project}, p.rotation...)
			p.queues[project] = append([]*queuedTask{qt}, p.queues[project]...)
			return
		}
		p.startLocked(project, qt)
	}
}

// nextWaitingLocked pops the head task of the next idle project in
// rotation. Projects still running keep their place for a later pass.
func (p *Pool) nextWaitingLocked() (string, *queuedTask) {
	for i := 0; i < len(p.rotation); i++ {
		project := p.rotation[0]
		p.rotation = p.rotation[1:]

		queue := p.queues[project]
		if len(queue) == 0 {
			continue
		}
		if p.running[project] {
			// Not eligible yet; move to the back of the rotation.
			p.rotation = append(p.rotation, project)
			continue
		}

		qt := queue[0]
		p.queues[project] = queue[1:]
		if len(p.queues[project]) > 0 {
			p.rotation = append(p.rotation, project)
		}
		return project, qt
	}
	return "", nil
}

// GetQueueDepth returns the number of waiting tasks for the project.
func (p *Pool) GetQueueDepth(project string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues[project])
}

// GetActiveCount returns the number of currently running tasks. Never
// exceeds the configured global concurrency.
func (p *Pool) GetActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// QueuedProjects returns projects with waiting work, for status reporting.
func (p *Pool) QueuedProjects() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	depths := make(map[string]int)
	for project, queue := range p.queues {
		if len(queue) > 0 {
			depths[project] = len(queue)
		}
	}
	return depths
}

// Shutdown stops admitting work, waits for in-flight tasks (bounded), then
// drops queued tasks. Beyond the drain bound the base context is cancelled
// so cooperative tasks stop.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true

	// Fail queued tasks now; they will never start.
	for project, queue := range p.queues {
		for _, qt := range queue {
			qt.result <- ErrShuttingDown
		}
		delete(p.queues, project)
	}
	p.rotation = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	drain := time.NewTimer(drainTimeout)
	defer drain.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.cancelAll()
		<-done
		return ctx.Err()
	case <-drain.C:
		slog.Warn("pool drain timed out, forcing stop")
		p.cancelAll()
		<-done
		return fmt.Errorf("pool drain timed out after %s", drainTimeout)
	}
}

// runSafely executes the task, converting panics into errors so a bad task
// cannot poison its project slot.
func runSafely(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			slog.Error("recovered panic in pool task", "panic", r)
		}
	}()
	return task(ctx)
}
